package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/types"
)

// stubBackend is an in-memory RelayBackend for handler tests.
type stubBackend struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*storage.Job
	events map[uuid.UUID][]*types.PipelineProgress
	live   map[uuid.UUID]chan *types.PipelineProgress
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		jobs:   make(map[uuid.UUID]*storage.Job),
		events: make(map[uuid.UUID][]*types.PipelineProgress),
		live:   make(map[uuid.UUID]chan *types.PipelineProgress),
	}
}

func (b *stubBackend) Submit(req *types.RelayRequest) (uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.jobs[id] = &storage.Job{ID: id, Request: req, Status: storage.JobQueued, CreatedAt: time.Now()}
	return id, nil
}

func (b *stubBackend) Job(id uuid.UUID) (*storage.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return job, nil
}

func (b *stubBackend) ProgressEvents(id uuid.UUID) ([]*types.PipelineProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.PipelineProgress{}, b.events[id]...), nil
}

func (b *stubBackend) Subscribe(id uuid.UUID) (<-chan *types.PipelineProgress, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.live[id]
	if !ok {
		closed := make(chan *types.PipelineProgress)
		close(closed)
		return closed, func() {}, false
	}
	return ch, func() {}, true
}

func testServer(t *testing.T) (*httptest.Server, *stubBackend) {
	t.Helper()
	backend := newStubBackend()
	a := &API{backend: backend}
	a.initRouter()
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv, backend
}

func validRequest() *types.RelayRequest {
	return &types.RelayRequest{
		Sender: common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Shielded: types.ShieldedIdentity{
			Address:    types.HexBytes{0x01},
			Credential: types.HexBytes{0x02},
		},
		Legs: []types.TransferLeg{{
			Token:       common.HexToAddress("0xa000000000000000000000000000000000000001"),
			Amount:      (*types.BigInt)(big.NewInt(1000)),
			Destination: common.HexToAddress("0xd000000000000000000000000000000000000001"),
		}},
		GasAbstraction: types.GasAbstraction{Method: types.MethodAlreadyApproved},
		Mode:           types.ModeFullPrivacy,
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	qt.Assert(t, err, qt.IsNil)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	qt.Assert(t, err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	qt.Assert(t, err, qt.IsNil)
	return resp, buf.Bytes()
}

func TestSubmitRelay(t *testing.T) {
	c := qt.New(t)
	srv, backend := testServer(t)

	resp, body := postJSON(t, srv.URL+RelaysEndpoint, validRequest())
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	var out RelaySubmitResponse
	c.Assert(json.Unmarshal(body, &out), qt.IsNil)
	c.Assert(out.RelayID, qt.Not(qt.Equals), uuid.Nil)

	job, err := backend.Job(out.RelayID)
	c.Assert(err, qt.IsNil)
	c.Assert(job.Status, qt.Equals, storage.JobQueued)
}

func TestSubmitRelayValidation(t *testing.T) {
	c := qt.New(t)
	srv, _ := testServer(t)

	// malformed body
	resp, err := http.Post(srv.URL+RelaysEndpoint, "application/json", strings.NewReader("{broken"))
	c.Assert(err, qt.IsNil)
	_ = resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusBadRequest)

	// structurally valid JSON, invalid request
	req := validRequest()
	req.Legs = nil
	resp2, body := postJSON(t, srv.URL+RelaysEndpoint, req)
	c.Assert(resp2.StatusCode, qt.Equals, http.StatusBadRequest)
	var apiErr struct {
		Code int `json:"code"`
	}
	c.Assert(json.Unmarshal(body, &apiErr), qt.IsNil)
	c.Assert(apiErr.Code, qt.Equals, ErrInvalidRelayRequest.Code)
}

func TestRelayStatus(t *testing.T) {
	c := qt.New(t)
	srv, backend := testServer(t)

	// unknown id
	resp, err := http.Get(srv.URL + RelaysEndpoint + "/" + uuid.NewString())
	c.Assert(err, qt.IsNil)
	_ = resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNotFound)

	// malformed id
	resp, err = http.Get(srv.URL + RelaysEndpoint + "/not-a-uuid")
	c.Assert(err, qt.IsNil)
	_ = resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusBadRequest)

	// stored job with progress
	id, err := backend.Submit(validRequest())
	c.Assert(err, qt.IsNil)
	backend.mu.Lock()
	backend.jobs[id].Status = storage.JobDone
	backend.jobs[id].Result = &types.RelayResult{Completed: 1,
		Settlements: []*types.RecipientSettlement{{Status: types.StatusComplete}}}
	backend.events[id] = []*types.PipelineProgress{
		{Step: types.StepPreparing, Progress: 2},
		{Step: types.StepComplete, Progress: 100},
	}
	backend.mu.Unlock()

	resp, err = http.Get(srv.URL + RelaysEndpoint + "/" + id.String())
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	var status RelayStatusResponse
	c.Assert(json.NewDecoder(resp.Body).Decode(&status), qt.IsNil)
	c.Assert(status.Status, qt.Equals, storage.JobDone)
	c.Assert(status.Result.Completed, qt.Equals, 1)
	c.Assert(status.LastEvent.Step, qt.Equals, types.StepComplete)
}

func readSSE(t *testing.T, resp *http.Response) []*types.PipelineProgress {
	t.Helper()
	var events []*types.PipelineProgress
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.PipelineProgress
		qt.Assert(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev), qt.IsNil)
		events = append(events, &ev)
		if ev.Terminal() {
			break
		}
	}
	return events
}

func TestStreamReplaysFinishedJob(t *testing.T) {
	c := qt.New(t)
	srv, backend := testServer(t)

	id, err := backend.Submit(validRequest())
	c.Assert(err, qt.IsNil)
	backend.mu.Lock()
	backend.jobs[id].Status = storage.JobDone
	backend.events[id] = []*types.PipelineProgress{
		{Step: types.StepPreparing, Progress: 2},
		{Step: types.StepShielding, Progress: 20},
		{Step: types.StepComplete, Progress: 100},
	}
	backend.mu.Unlock()

	resp, err := http.Get(fmt.Sprintf("%s%s/%s/stream", srv.URL, RelaysEndpoint, id.String()))
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(resp.Header.Get("Content-Type"), qt.Equals, "text/event-stream")

	events := readSSE(t, resp)
	c.Assert(events, qt.HasLen, 3)
	c.Assert(events[2].Step, qt.Equals, types.StepComplete)
}

func TestStreamTailsLiveJob(t *testing.T) {
	c := qt.New(t)
	srv, backend := testServer(t)

	id, err := backend.Submit(validRequest())
	c.Assert(err, qt.IsNil)
	live := make(chan *types.PipelineProgress, 8)
	backend.mu.Lock()
	backend.jobs[id].Status = storage.JobRunning
	backend.events[id] = []*types.PipelineProgress{{Step: types.StepPreparing, Progress: 2}}
	backend.live[id] = live
	backend.mu.Unlock()

	resp, err := http.Get(fmt.Sprintf("%s%s/%s/stream", srv.URL, RelaysEndpoint, id.String()))
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()

	live <- &types.PipelineProgress{Step: types.StepShielding, Progress: 20}
	live <- &types.PipelineProgress{Step: types.StepComplete, Progress: 100}

	events := readSSE(t, resp)
	c.Assert(len(events) >= 3, qt.IsTrue)
	c.Assert(events[0].Step, qt.Equals, types.StepPreparing)
	c.Assert(events[len(events)-1].Step, qt.Equals, types.StepComplete)
}

func TestStreamUnknownRelay(t *testing.T) {
	c := qt.New(t)
	srv, _ := testServer(t)

	resp, err := http.Get(fmt.Sprintf("%s%s/%s/stream", srv.URL, RelaysEndpoint, uuid.NewString()))
	c.Assert(err, qt.IsNil)
	_ = resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNotFound)
}

func TestPing(t *testing.T) {
	c := qt.New(t)
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + PingEndpoint)
	c.Assert(err, qt.IsNil)
	_ = resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
}
