package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/retry"
)

// rampPool is a pool.SDK stub whose spendable balance steps up by a fixed
// increment on every refresh, so the innocence wait can be exercised against
// an exact clearance tick.
type rampPool struct {
	mu          sync.Mutex
	balance     *big.Int
	step        *big.Int
	refreshes   int
	failRefresh bool
}

func newRampPool(start, step int64) *rampPool {
	return &rampPool{balance: big.NewInt(start), step: big.NewInt(step)}
}

func (p *rampPool) RefreshBalances(context.Context, pool.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRefresh {
		return fmt.Errorf("connection refused")
	}
	p.refreshes++
	p.balance.Add(p.balance, p.step)
	return nil
}

func (p *rampPool) SpendableBalance(context.Context, pool.Identity, common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.balance), nil
}

func (p *rampPool) EstimateShieldGas(context.Context, common.Address, *big.Int) (uint64, error) {
	return 0, nil
}

func (p *rampPool) PopulateShield(context.Context, pool.Identity, common.Address, *big.Int) (*pool.TxRequest, error) {
	return nil, fmt.Errorf("not used")
}

func (p *rampPool) EstimateUnshieldGas(context.Context, *pool.Spend) (uint64, error) {
	return 0, nil
}

func (p *rampPool) GenerateUnshieldProof(context.Context, *pool.Spend, pool.ProgressFn) (*pool.UnshieldProof, error) {
	return nil, fmt.Errorf("not used")
}

func (p *rampPool) PopulateProvedUnshield(context.Context, *pool.UnshieldProof) (*pool.TxRequest, error) {
	return nil, fmt.Errorf("not used")
}

func poiPipeline(t *testing.T, sdk pool.SDK, timeout time.Duration) *Pipeline {
	t.Helper()
	c := qt.New(t)
	p, err := New(NewMockWallet(), sdk, Config{
		POIPollInterval: 2 * time.Millisecond,
		POITimeout:      timeout,
		Retry:           retry.Options{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	c.Assert(err, qt.IsNil)
	return p
}

func poiIdentity() pool.Identity {
	return pool.Identity{Address: []byte("poi-id"), Credential: []byte("poi-cred")}
}

func TestInnocenceWaitClearsAtThresholdTick(t *testing.T) {
	c := qt.New(t)

	// deposit 10000, tolerance 100bps: cleared at spendable >= 9900. The
	// balance ramps 9500 -> 9600 -> ... so the fourth refresh is the first
	// to reach the bar.
	rp := newRampPool(9500, 100)
	p := poiPipeline(t, rp, time.Second)

	token := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	err := p.waitInnocence(context.Background(), poiIdentity(), token, big.NewInt(10000))
	c.Assert(err, qt.IsNil)
	c.Assert(rp.refreshes, qt.Equals, 4, qt.Commentf("wait must clear at the tick the threshold is reached, not earlier or later"))
}

func TestInnocenceWaitNeverClearsBelowBar(t *testing.T) {
	c := qt.New(t)

	// spendable pinned at 0.988 x deposited, below the 0.99 bar: the wait
	// must run out its window rather than report success.
	rp := newRampPool(9880, 0)
	p := poiPipeline(t, rp, 30*time.Millisecond)

	token := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	err := p.waitInnocence(context.Background(), poiIdentity(), token, big.NewInt(10000))
	c.Assert(err, qt.IsNotNil)
	c.Assert(errors.Is(err, ErrVerificationTimeout), qt.IsTrue)
	c.Assert(rp.refreshes > 1, qt.IsTrue, qt.Commentf("the wait should have kept polling until the window closed"))
}

func TestInnocenceWaitPoolOutage(t *testing.T) {
	c := qt.New(t)

	rp := newRampPool(0, 0)
	rp.failRefresh = true
	p := poiPipeline(t, rp, time.Second)

	token := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	err := p.waitInnocence(context.Background(), poiIdentity(), token, big.NewInt(10000))
	c.Assert(err, qt.IsNotNil)
	c.Assert(errors.Is(err, ErrPoolUnavailable), qt.IsTrue)
	c.Assert(errors.Is(err, ErrVerificationTimeout), qt.IsFalse, qt.Commentf("an unreachable pool must not masquerade as a verification timeout"))
}
