package pipeline

import (
	"sync"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/types"
)

// subscriberBuffer is the channel depth given to each subscriber. A subscriber
// that falls further behind loses events; stream termination is always
// observable through the channel close.
const subscriberBuffer = 64

// ProgressSink persists progress events. *storage.Storage implements it.
type ProgressSink interface {
	AppendProgress(id uuid.UUID, event *types.PipelineProgress) error
}

// Emitter fans out the progress events of one pipeline run: each event is
// appended to the persistent log and delivered to every live subscriber. The
// stream ends with exactly one terminal event, after which subscriber channels
// are closed and further emissions are dropped.
type Emitter struct {
	jobID uuid.UUID
	sink  ProgressSink

	mu      sync.Mutex
	subs    map[int]chan *types.PipelineProgress
	nextSub int
	closed  bool
}

// NewEmitter creates an Emitter for the given job. The sink may be nil, in
// which case events are only fanned out to subscribers.
func NewEmitter(jobID uuid.UUID, sink ProgressSink) *Emitter {
	return &Emitter{
		jobID: jobID,
		sink:  sink,
		subs:  make(map[int]chan *types.PipelineProgress),
	}
}

// JobID returns the job this emitter reports for.
func (e *Emitter) JobID() uuid.UUID {
	return e.jobID
}

// Subscribe registers a live listener. The returned channel is closed when the
// stream terminates; the cancel function detaches early.
func (e *Emitter) Subscribe() (<-chan *types.PipelineProgress, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan *types.PipelineProgress, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit publishes one progress event. Emissions after the terminal event are
// dropped, which makes the single-terminal-event guarantee local to the
// emitter rather than spread over every pipeline stage.
func (e *Emitter) Emit(event *types.PipelineProgress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.sink != nil {
		if err := e.sink.AppendProgress(e.jobID, event); err != nil {
			log.Warnw("failed to persist progress event", "job", e.jobID.String(), "error", err.Error())
		}
	}
	for id, ch := range e.subs {
		select {
		case ch <- event:
		default:
			log.Warnw("progress subscriber lagging, dropping event",
				"job", e.jobID.String(), "subscriber", id, "step", string(event.Step))
		}
	}
	if event.Terminal() {
		e.closed = true
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
	}
}

// Complete emits the terminal success event.
func (e *Emitter) Complete(message string) {
	e.Emit(&types.PipelineProgress{
		Step:     types.StepComplete,
		Progress: 100,
		Message:  message,
	})
}

// Fail emits the terminal error event. The message shown to clients is the
// human-readable form of the error, never the internal one.
func (e *Emitter) Fail(err error) {
	e.Emit(&types.PipelineProgress{
		Step:    types.StepError,
		Message: HumanMessage(err),
	})
}
