package tests

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/veilpay/relayer/api/client"
	"github.com/veilpay/relayer/pipeline"
	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/retry"
	"github.com/veilpay/relayer/service"
	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/types"
	"github.com/veilpay/relayer/util"
)

var (
	testSender = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testToken  = common.HexToAddress("0xa000000000000000000000000000000000000001")
	testDest1  = common.HexToAddress("0xd000000000000000000000000000000000000001")
	testDest2  = common.HexToAddress("0xd000000000000000000000000000000000000002")
)

// NewTestService starts the full relay stack (storage, simulated pool, mock
// wallet, pipeline workers, HTTP API) on a random port and returns the API
// service plus the mock wallet for seeding allowances.
func NewTestService(t *testing.T) (*service.APIService, *pipeline.MockWallet) {
	t.Helper()
	c := qt.New(t)

	database, err := metadb.New(db.TypePebble, filepath.Join(t.TempDir(), "db"))
	c.Assert(err, qt.IsNil)
	stg := storage.New(database)
	t.Cleanup(stg.Close)

	sim := pool.NewSimPool()
	wallet := pipeline.NewMockWallet()
	pipe, err := pipeline.New(wallet, sim, pipeline.Config{
		PoolAddress:     sim.Address,
		POIPollInterval: 2 * time.Millisecond,
		POITimeout:      time.Second,
		ResyncTimeout:   200 * time.Millisecond,
		Retry:           retry.Options{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	c.Assert(err, qt.IsNil)

	ctx := context.Background()
	relaySvc := service.NewRelay(stg, pipe, 1)
	c.Assert(relaySvc.Start(ctx), qt.IsNil)
	t.Cleanup(relaySvc.Stop)

	apiSrv := service.NewAPI(relaySvc, "127.0.0.1", util.RandomInt(40000, 60000))
	c.Assert(apiSrv.Start(ctx), qt.IsNil)
	t.Cleanup(apiSrv.Stop)

	// Wait for the HTTP server to start
	time.Sleep(200 * time.Millisecond)
	return apiSrv, wallet
}

// NewTestClient creates a new API client for testing.
func NewTestClient(port int) (*client.HTTPclient, error) {
	return client.New(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// newRelayRequest builds a full-privacy request with a fresh shielded
// identity and the given transfer legs.
func newRelayRequest(legs ...types.TransferLeg) *types.RelayRequest {
	return &types.RelayRequest{
		Sender: testSender,
		Shielded: types.ShieldedIdentity{
			Address:    util.RandomBytes(20),
			Credential: util.RandomBytes(32),
		},
		Legs:           legs,
		GasAbstraction: types.GasAbstraction{Method: types.MethodAlreadyApproved},
		Mode:           types.ModeFullPrivacy,
	}
}

// leg builds one transfer leg of the test token.
func leg(amount int64, dest common.Address) types.TransferLeg {
	return types.TransferLeg{
		Token:       testToken,
		Amount:      (*types.BigInt)(big.NewInt(amount)),
		Destination: dest,
	}
}
