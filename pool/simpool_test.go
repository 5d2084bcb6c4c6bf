package pool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/veilpay/relayer/types"
)

var (
	testIdentity = Identity{
		Address:    types.HexBytes{0x01, 0x02, 0x03},
		Credential: types.HexBytes{0x04, 0x05, 0x06},
	}
	testToken = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testDest  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestSimPoolShieldFeeAndClearance(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	p := NewSimPool()
	p.POIRefreshes = 3

	tx, err := p.PopulateShield(ctx, testIdentity, testToken, big.NewInt(10000))
	c.Assert(err, qt.IsNil)
	c.Assert(tx.To, qt.Equals, p.Address)
	c.Assert(tx.Data, qt.Not(qt.HasLen), 0)

	// nothing spendable until the innocence check clears
	for i := 0; i < p.POIRefreshes-1; i++ {
		c.Assert(p.RefreshBalances(ctx, testIdentity), qt.IsNil)
		balance, err := p.SpendableBalance(ctx, testIdentity, testToken)
		c.Assert(err, qt.IsNil)
		c.Assert(balance.Sign(), qt.Equals, 0)
	}
	c.Assert(p.RefreshBalances(ctx, testIdentity), qt.IsNil)
	balance, err := p.SpendableBalance(ctx, testIdentity, testToken)
	c.Assert(err, qt.IsNil)
	// 25bps fee on 10000
	c.Assert(balance.Int64(), qt.Equals, int64(9975))
}

func TestSimPoolProofProgress(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	p := NewSimPool()
	spend := &Spend{
		Identity:    testIdentity,
		Token:       testToken,
		Amount:      big.NewInt(100),
		Destination: testDest,
	}

	var ticks []float64
	proof, err := p.GenerateUnshieldProof(ctx, spend, func(pct float64) {
		ticks = append(ticks, pct)
	})
	c.Assert(err, qt.IsNil)
	c.Assert(proof.Proof, qt.Not(qt.HasLen), 0)
	c.Assert(len(ticks) > 0, qt.IsTrue)
	c.Assert(ticks[len(ticks)-1], qt.Equals, float64(100))
	for i := 1; i < len(ticks); i++ {
		c.Assert(ticks[i] > ticks[i-1], qt.IsTrue)
	}
}

func TestSimPoolSpendHidesChangeNotes(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	p := NewSimPool()
	p.POIRefreshes = 1
	p.IndexRefreshes = 2

	_, err := p.PopulateShield(ctx, testIdentity, testToken, big.NewInt(10000))
	c.Assert(err, qt.IsNil)
	c.Assert(p.RefreshBalances(ctx, testIdentity), qt.IsNil)

	spend := &Spend{
		Identity:    testIdentity,
		Token:       testToken,
		Amount:      big.NewInt(5000),
		Destination: testDest,
	}
	proof, err := p.GenerateUnshieldProof(ctx, spend, nil)
	c.Assert(err, qt.IsNil)
	tx, err := p.PopulateProvedUnshield(ctx, proof)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.To, qt.Equals, testDest)

	// change notes invisible until re-indexed
	balance, err := p.SpendableBalance(ctx, testIdentity, testToken)
	c.Assert(err, qt.IsNil)
	c.Assert(balance.Sign(), qt.Equals, 0)

	c.Assert(p.RefreshBalances(ctx, testIdentity), qt.IsNil)
	c.Assert(p.RefreshBalances(ctx, testIdentity), qt.IsNil)
	balance, err = p.SpendableBalance(ctx, testIdentity, testToken)
	c.Assert(err, qt.IsNil)
	c.Assert(balance.Int64(), qt.Equals, int64(4975))
}

func TestSimPoolOverspend(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	p := NewSimPool()
	spend := &Spend{
		Identity:    testIdentity,
		Token:       testToken,
		Amount:      big.NewInt(1),
		Destination: testDest,
	}
	proof, err := p.GenerateUnshieldProof(ctx, spend, nil)
	c.Assert(err, qt.IsNil)
	_, err = p.PopulateProvedUnshield(ctx, proof)
	c.Assert(err, qt.Not(qt.IsNil))
}
