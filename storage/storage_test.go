package storage

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/veilpay/relayer/types"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	database, err := metadb.New(db.TypePebble, filepath.Join(t.TempDir(), "db"))
	qt.Assert(t, err, qt.IsNil)
	s := New(database)
	t.Cleanup(s.Close)
	return s
}

func testRequest() *types.RelayRequest {
	return &types.RelayRequest{
		Sender: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Shielded: types.ShieldedIdentity{
			Address:    types.HexBytes{0x01},
			Credential: types.HexBytes{0x02},
		},
		Legs: []types.TransferLeg{{
			Token:       common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			Amount:      (*types.BigInt)(big.NewInt(1000)),
			Destination: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		}},
		GasAbstraction: types.GasAbstraction{Method: types.MethodAlreadyApproved},
		Mode:           types.ModeFullPrivacy,
	}
}

func TestJobLifecycle(t *testing.T) {
	c := qt.New(t)
	s := testStorage(t)

	id := uuid.New()
	c.Assert(s.SetJob(id, testRequest()), qt.IsNil)

	job, err := s.Job(id)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Status, qt.Equals, JobQueued)
	// credential must not be persisted
	c.Assert(job.Request.Shielded.Credential, qt.HasLen, 0)
	c.Assert(job.Request.Shielded.Address, qt.DeepEquals, types.HexBytes{0x01})

	c.Assert(s.SetJobStatus(id, JobRunning), qt.IsNil)
	job, err = s.Job(id)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Status, qt.Equals, JobRunning)

	result := &types.RelayResult{
		Settlements: []*types.RecipientSettlement{{Status: types.StatusComplete}},
		Completed:   1,
	}
	c.Assert(s.SetJobResult(id, result, ""), qt.IsNil)
	job, err = s.Job(id)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Status, qt.Equals, JobDone)
	c.Assert(job.Result.Completed, qt.Equals, 1)

	_, err = s.Job(uuid.New())
	c.Assert(err, qt.Equals, ErrNotFound)
}

func TestJobFailedResult(t *testing.T) {
	c := qt.New(t)
	s := testStorage(t)

	id := uuid.New()
	c.Assert(s.SetJob(id, testRequest()), qt.IsNil)
	c.Assert(s.SetJobResult(id, nil, "relayer misconfigured"), qt.IsNil)

	job, err := s.Job(id)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Status, qt.Equals, JobFailed)
	c.Assert(job.Error, qt.Equals, "relayer misconfigured")
}

func TestInterruptedJobs(t *testing.T) {
	c := qt.New(t)
	s := testStorage(t)

	running := uuid.New()
	done := uuid.New()
	c.Assert(s.SetJob(running, testRequest()), qt.IsNil)
	c.Assert(s.SetJobStatus(running, JobRunning), qt.IsNil)
	c.Assert(s.SetJob(done, testRequest()), qt.IsNil)
	c.Assert(s.SetJobResult(done, &types.RelayResult{Completed: 1}, ""), qt.IsNil)

	ids, err := s.InterruptedJobs()
	c.Assert(err, qt.IsNil)
	c.Assert(ids, qt.HasLen, 1)
	c.Assert(ids[0], qt.Equals, running)
}

func TestProgressLogOrdered(t *testing.T) {
	c := qt.New(t)
	s := testStorage(t)

	id := uuid.New()
	steps := []types.Step{
		types.StepPreparing, types.StepApproving, types.StepShielding, types.StepComplete,
	}
	for i, step := range steps {
		c.Assert(s.AppendProgress(id, &types.PipelineProgress{
			Step:     step,
			Progress: i * 25,
			Message:  string(step),
		}), qt.IsNil)
	}

	events, err := s.ProgressEvents(id)
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, len(steps))
	for i, ev := range events {
		c.Assert(ev.Step, qt.Equals, steps[i])
		c.Assert(ev.Progress, qt.Equals, i*25)
	}

	// other jobs see nothing
	events, err = s.ProgressEvents(uuid.New())
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 0)
}
