package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/types"
)

// relayStream streams the progress of a relay job as server-sent events:
// first the persisted log is replayed, then live events are tailed until the
// terminal event or client disconnect. A replayed event may reappear in the
// live tail if it lands in between; duplicates are harmless to render.
// GET /relays/{relayId}/stream
func (a *API) relayStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, RelayURLParam))
	if err != nil {
		ErrMalformedRelayID.WithErr(err).Write(w)
		return
	}
	if _, err := a.backend.Job(id); err != nil {
		if err == storage.ErrNotFound {
			ErrRelayNotFound.Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrStreamingUnsupported.Write(w)
		return
	}

	// subscribe before replaying so no event falls between the two
	live, cancel, running := a.backend.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stored, err := a.backend.ProgressEvents(id)
	if err != nil {
		log.Warnw("failed to load progress log", "relayId", id.String(), "error", err.Error())
	}
	for _, ev := range stored {
		if !writeEvent(w, flusher, ev) {
			return
		}
		if ev.Terminal() {
			return
		}
	}
	if !running {
		return
	}

	for {
		select {
		case ev, open := <-live:
			if !open {
				return
			}
			if !writeEvent(w, flusher, ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent frames one progress event as an SSE data line. It reports
// whether the client is still writable.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev *types.PipelineProgress) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warnw("failed to marshal progress event", "error", err.Error())
		return true
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
