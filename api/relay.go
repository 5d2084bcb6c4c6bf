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

// submitRelay accepts a new relay request
// POST /relays
func (a *API) submitRelay(w http.ResponseWriter, r *http.Request) {
	req := &types.RelayRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	if err := req.Validate(); err != nil {
		ErrInvalidRelayRequest.WithErr(err).Write(w)
		return
	}

	id, err := a.backend.Submit(req)
	if err != nil {
		ErrRelayQueueFull.WithErr(err).Write(w)
		return
	}
	log.Infow("relay accepted", "relayId", id.String(), "mode", string(req.Mode),
		"legs", len(req.Legs), "sender", req.Sender.Hex())
	httpWriteJSON(w, &RelaySubmitResponse{RelayID: id})
}

// relayStatus returns the stored state of a relay job
// GET /relays/{relayId}
func (a *API) relayStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, RelayURLParam))
	if err != nil {
		ErrMalformedRelayID.WithErr(err).Write(w)
		return
	}
	job, err := a.backend.Job(id)
	if err != nil {
		if err == storage.ErrNotFound {
			ErrRelayNotFound.Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}

	resp := &RelayStatusResponse{
		RelayID:   job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		Result:    job.Result,
		Error:     job.Error,
	}
	if events, err := a.backend.ProgressEvents(id); err == nil && len(events) > 0 {
		resp.LastEvent = events[len(events)-1]
	}
	httpWriteJSON(w, resp)
}
