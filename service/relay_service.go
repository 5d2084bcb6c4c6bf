// Package service wires the relay components into long-running services: the
// background job workers that drain the relay queue and the HTTP API server.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/pipeline"
	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/types"
)

const (
	// DefaultQueueSize bounds the number of accepted-but-unstarted jobs.
	DefaultQueueSize = 128
	// DefaultWorkers is the number of concurrent pipeline runs. Within one
	// run recipients settle strictly sequentially; across runs the wallet
	// serializes transaction submission.
	DefaultWorkers = 2
)

// queuedJob carries the full request, credential included, from acceptance to
// the worker. It only ever lives in memory: the persisted job record is
// redacted.
type queuedJob struct {
	id  uuid.UUID
	req *types.RelayRequest
}

// RelayService accepts relay jobs and executes them on a bounded worker pool.
// It implements api.RelayBackend.
type RelayService struct {
	stg     *storage.Storage
	pipe    *pipeline.Pipeline
	queue   chan *queuedJob
	workers int

	mu       sync.Mutex
	emitters map[uuid.UUID]*pipeline.Emitter
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRelay creates the relay job service. workers <= 0 uses the default.
func NewRelay(stg *storage.Storage, pipe *pipeline.Pipeline, workers int) *RelayService {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &RelayService{
		stg:      stg,
		pipe:     pipe,
		queue:    make(chan *queuedJob, DefaultQueueSize),
		workers:  workers,
		emitters: make(map[uuid.UUID]*pipeline.Emitter),
	}
}

// Start begins draining the job queue. Jobs left queued or running by a
// previous process are marked failed: their in-memory credentials are gone
// and a half-run pipeline must not be blindly resumed.
func (rs *RelayService) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, rs.cancel = context.WithCancel(ctx)

	interrupted, err := rs.stg.InterruptedJobs()
	if err != nil {
		rs.cancel = nil
		return fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	for _, id := range interrupted {
		log.Warnw("marking interrupted job as failed", "relayId", id.String())
		if err := rs.stg.SetJobResult(id, nil, "relay interrupted by service restart"); err != nil {
			log.Warnw("failed to mark interrupted job", "relayId", id.String(), "error", err.Error())
		}
	}

	for i := 0; i < rs.workers; i++ {
		rs.wg.Add(1)
		go rs.worker(ctx)
	}
	log.Infow("relay service started", "workers", rs.workers, "queueSize", DefaultQueueSize)
	return nil
}

// Stop halts the workers. Running pipelines observe the context cancellation.
func (rs *RelayService) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()
	if cancel != nil {
		cancel()
		rs.wg.Wait()
	}
}

// Submit persists a redacted job record and enqueues the full request. It
// never blocks: a full queue is an error the caller reports upstream.
func (rs *RelayService) Submit(req *types.RelayRequest) (uuid.UUID, error) {
	id := uuid.New()
	if err := rs.stg.SetJob(id, req); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store job: %w", err)
	}
	select {
	case rs.queue <- &queuedJob{id: id, req: req}:
		return id, nil
	default:
		if err := rs.stg.SetJobResult(id, nil, "relay queue is full"); err != nil {
			log.Warnw("failed to finalize rejected job", "relayId", id.String(), "error", err.Error())
		}
		return uuid.Nil, fmt.Errorf("relay queue is full")
	}
}

// Job implements api.RelayBackend.
func (rs *RelayService) Job(id uuid.UUID) (*storage.Job, error) {
	return rs.stg.Job(id)
}

// ProgressEvents implements api.RelayBackend.
func (rs *RelayService) ProgressEvents(id uuid.UUID) ([]*types.PipelineProgress, error) {
	return rs.stg.ProgressEvents(id)
}

// Subscribe implements api.RelayBackend: it attaches to the live emitter of a
// running job. For jobs not currently running it returns a closed channel.
func (rs *RelayService) Subscribe(id uuid.UUID) (<-chan *types.PipelineProgress, func(), bool) {
	rs.mu.Lock()
	em, ok := rs.emitters[id]
	rs.mu.Unlock()
	if !ok {
		closed := make(chan *types.PipelineProgress)
		close(closed)
		return closed, func() {}, false
	}
	ch, cancel := em.Subscribe()
	return ch, cancel, true
}

func (rs *RelayService) worker(ctx context.Context) {
	defer rs.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-rs.queue:
			rs.process(ctx, job)
		}
	}
}

// process runs one job through the pipeline, keeping its emitter registered
// for live subscribers for the duration of the run.
func (rs *RelayService) process(ctx context.Context, job *queuedJob) {
	// the emitter is registered before the job is marked running, so a
	// client that observes the running state can always attach to the
	// live stream
	em := pipeline.NewEmitter(job.id, rs.stg)
	rs.mu.Lock()
	rs.emitters[job.id] = em
	rs.mu.Unlock()
	if err := rs.stg.SetJobStatus(job.id, storage.JobRunning); err != nil {
		log.Warnw("failed to mark job running", "relayId", job.id.String(), "error", err.Error())
	}
	defer func() {
		rs.mu.Lock()
		delete(rs.emitters, job.id)
		rs.mu.Unlock()
	}()

	log.Infow("relay job started", "relayId", job.id.String(),
		"mode", string(job.req.Mode), "legs", len(job.req.Legs))
	result, err := rs.pipe.Run(ctx, job.req, em)
	errMsg := ""
	if err != nil {
		// clients only ever see the human-readable form
		errMsg = pipeline.HumanMessage(err)
		log.Warnw("relay job failed", "relayId", job.id.String(), "error", err.Error())
	} else {
		log.Infow("relay job finished", "relayId", job.id.String(),
			"completed", result.Completed, "failed", result.Failed)
	}
	if err := rs.stg.SetJobResult(job.id, result, errMsg); err != nil {
		log.Warnw("failed to store job result", "relayId", job.id.String(), "error", err.Error())
	}
}
