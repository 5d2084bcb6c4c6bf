package pipeline

import (
	"math/big"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/types"
)

func fastRequest(legs ...types.TransferLeg) *types.RelayRequest {
	return &types.RelayRequest{
		Sender:         testSender,
		Legs:           legs,
		GasAbstraction: types.GasAbstraction{Method: types.MethodAlreadyApproved},
		Mode:           types.ModeFast,
	}
}

func TestFastPathSkipsPool(t *testing.T) {
	c := qt.New(t)
	sim := pool.NewSimPool()
	p, wallet := testPipeline(t, sim)
	wallet.GrantAllowance(testTokenA, testSender, wallet.Address(), big.NewInt(5000))

	req := fastRequest(leg(testTokenA, 5000, testDest1))
	result, err, events := runPipeline(t, p, req)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Completed, qt.Equals, 1)

	// the pool is never touched and no fee is taken
	c.Assert(events.hasStep(types.StepShielding), qt.IsFalse)
	c.Assert(events.hasStep(types.StepWaitingPOI), qt.IsFalse)
	c.Assert(events.hasStep(types.StepProving), qt.IsFalse)
	c.Assert(result.Shields, qt.HasLen, 0)
	c.Assert(result.Settlements[0].PostFee.MathBigInt().Int64(), qt.Equals, int64(5000))

	wantOrder := []types.Step{
		types.StepPreparing, types.StepApproving, types.StepPulling,
		types.StepTransferring, types.StepComplete,
	}
	steps := events.steps()
	pos := 0
	for _, want := range wantOrder {
		found := false
		for ; pos < len(steps); pos++ {
			if steps[pos] == want {
				found = true
				break
			}
		}
		c.Assert(found, qt.IsTrue, qt.Commentf("step %s missing or out of order", want))
	}
}

func TestFastPathAdapterCall(t *testing.T) {
	c := qt.New(t)
	sim := pool.NewSimPool()
	p, wallet := testPipeline(t, sim)
	wallet.GrantAllowance(testTokenA, testSender, wallet.Address(), big.NewInt(5000))

	legs := []types.TransferLeg{leg(testTokenA, 5000, testDest1)}
	legs[0].AdapterCall = types.HexBytes{0xde, 0xad, 0xbe, 0xef}
	req := fastRequest(legs...)

	result, err, events := runPipeline(t, p, req)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Completed, qt.Equals, 1)
	c.Assert(events.hasStep(types.StepInvokeAdapter), qt.IsTrue)

	// the adapter calldata goes out after the token transfer
	var sawTransfer, sawCall bool
	for _, call := range wallet.Calls {
		if strings.HasPrefix(call, "transfer:") {
			sawTransfer = true
		}
		if strings.HasPrefix(call, "call:") {
			c.Assert(sawTransfer, qt.IsTrue)
			sawCall = true
		}
	}
	c.Assert(sawCall, qt.IsTrue)
}

func TestFastPathPartialFailure(t *testing.T) {
	c := qt.New(t)
	sim := pool.NewSimPool()
	p, wallet := testPipeline(t, sim)
	wallet.GrantAllowance(testTokenA, testSender, wallet.Address(), big.NewInt(9000))
	wallet.FailTransferTo[testDest2] = true

	req := fastRequest(
		leg(testTokenA, 5000, testDest1),
		leg(testTokenA, 4000, testDest2),
	)
	result, err, _ := runPipeline(t, p, req)
	c.Assert(err, qt.IsNil)
	c.Assert(result.Completed, qt.Equals, 1)
	c.Assert(result.Failed, qt.Equals, 1)
	c.Assert(result.Settlements[0].Status, qt.Equals, types.StatusComplete)
	c.Assert(result.Settlements[1].Status, qt.Equals, types.StatusError)
}

func TestFastPathPullFailure(t *testing.T) {
	c := qt.New(t)
	sim := pool.NewSimPool()
	p, wallet := testPipeline(t, sim)
	wallet.GrantAllowance(testTokenA, testSender, wallet.Address(), big.NewInt(5000))
	wallet.FailPull = true

	req := fastRequest(leg(testTokenA, 5000, testDest1))
	result, err, _ := runPipeline(t, p, req)
	c.Assert(err, qt.IsNotNil)
	c.Assert(result.AllFailed(), qt.IsTrue)
	// no payout was attempted after the failed pull
	for _, call := range wallet.Calls {
		c.Assert(strings.HasPrefix(call, "transfer:"), qt.IsFalse)
	}
}
