package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/veilpay/relayer/types"
)

// JobStatus is the coarse lifecycle of a relay job as seen by API clients.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the stored record of an accepted relay request. The shielded
// credential is stripped before the record is written; only the public shape
// of the request is persisted.
type Job struct {
	ID        uuid.UUID           `json:"id"`
	Request   *types.RelayRequest `json:"request"`
	Status    JobStatus           `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
	Result    *types.RelayResult  `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// redactRequest returns a copy of the request safe to persist: everything
// except the shielded credential.
func redactRequest(r *types.RelayRequest) *types.RelayRequest {
	clone := *r
	clone.Shielded = types.ShieldedIdentity{Address: r.Shielded.Address}
	return &clone
}

// SetJob stores a new job record for the accepted request.
func (s *Storage) SetJob(id uuid.UUID, request *types.RelayRequest) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.writeJob(&Job{
		ID:        id,
		Request:   redactRequest(request),
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	})
}

// Job retrieves a job record by id. Returns ErrNotFound if it does not exist.
func (s *Storage) Job(id uuid.UUID) (*Job, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, jobPrefix)
	data, err := rd.Get(id[:])
	if err != nil {
		return nil, ErrNotFound
	}
	var job Job
	if err := decodeArtifact(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// SetJobStatus updates the status of an existing job.
func (s *Storage) SetJobStatus(id uuid.UUID, status JobStatus) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	job, err := s.Job(id)
	if err != nil {
		return err
	}
	job.Status = status
	return s.writeJob(job)
}

// SetJobResult finalizes a job with its terminal result. The job status
// becomes done when at least one recipient settled, failed otherwise.
func (s *Storage) SetJobResult(id uuid.UUID, result *types.RelayResult, errMsg string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	job, err := s.Job(id)
	if err != nil {
		return err
	}
	job.Result = result
	job.Error = errMsg
	if errMsg != "" || (result != nil && result.AllFailed()) {
		job.Status = JobFailed
	} else {
		job.Status = JobDone
	}
	return s.writeJob(job)
}

// InterruptedJobs returns the ids of jobs left in the running state by a
// previous process, so the service can mark them failed at startup.
func (s *Storage) InterruptedJobs() ([]uuid.UUID, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	rd := prefixeddb.NewPrefixedReader(s.db, jobPrefix)
	var ids []uuid.UUID
	if err := rd.Iterate(nil, func(k, v []byte) bool {
		var job Job
		if err := decodeArtifact(v, &job); err != nil {
			return true
		}
		if job.Status == JobRunning || job.Status == JobQueued {
			ids = append(ids, job.ID)
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return ids, nil
}

func (s *Storage) writeJob(job *Job) error {
	val, err := encodeArtifact(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), jobPrefix)
	if err := wTx.Set(job.ID[:], val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}
