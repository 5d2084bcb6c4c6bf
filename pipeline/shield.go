package pipeline

import (
	"context"
	"math/big"

	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/retry"
	"github.com/veilpay/relayer/types"
)

// shieldToken deposits the group's total into the privacy pool, crediting the
// shielded identity. The receipt must be pending: confirmed receipts are the
// caller's idempotence guard against re-depositing on a pipeline retry.
func (p *Pipeline) shieldToken(ctx context.Context, identity pool.Identity, group *types.TokenGroup, receipt *types.ShieldReceipt) error {
	if receipt.Status.Terminal() {
		return ErrShieldFailed.Withf("receipt for token %s already finalized as %s",
			group.Token.Hex(), receipt.Status)
	}
	amount := group.Amount.MathBigInt()

	// The pool spends the relayer's balance, so it needs an allowance from
	// the relayer the first time a token passes through.
	allowance, err := retry.Do(ctx, "pool-allowance", func() (*big.Int, error) {
		return p.wallet.Allowance(ctx, group.Token, p.wallet.Address(), p.cfg.PoolAddress)
	}, p.cfg.Retry)
	if err != nil {
		receipt.MarkError()
		return ErrShieldFailed.Withf("pool allowance check failed: %w", err)
	}
	if allowance.Cmp(amount) < 0 {
		tx, err := p.wallet.Approve(ctx, group.Token, p.cfg.PoolAddress, amount)
		if err != nil {
			receipt.MarkError()
			return ErrShieldFailed.Withf("pool approval submission failed: %w", err)
		}
		if err := p.wallet.WaitTx(ctx, tx, p.cfg.TxTimeout); err != nil {
			receipt.MarkError()
			return ErrShieldFailed.Withf("pool approval tx %s failed: %w", tx.Hex(), err)
		}
	}

	if _, err := retry.Do(ctx, "estimate-shield", func() (uint64, error) {
		return p.sdk.EstimateShieldGas(ctx, group.Token, amount)
	}, p.cfg.Retry); err != nil {
		receipt.MarkError()
		return ErrShieldFailed.Withf("shield gas estimate failed: %w", err)
	}

	txReq, err := retry.Do(ctx, "populate-shield", func() (*pool.TxRequest, error) {
		return p.sdk.PopulateShield(ctx, identity, group.Token, amount)
	}, p.cfg.Retry)
	if err != nil {
		receipt.MarkError()
		return ErrShieldFailed.Withf("shield populate failed: %w", err)
	}

	// Submitted exactly once. A deposit that may have landed is never
	// resubmitted; the receipt finalizes either way.
	tx, err := p.wallet.SendCalldata(ctx, txReq.To, txReq.Value, txReq.Data)
	if err != nil {
		receipt.MarkError()
		return ErrShieldFailed.Withf("shield submission failed: %w", err)
	}
	if err := p.wallet.WaitTx(ctx, tx, p.cfg.TxTimeout); err != nil {
		receipt.MarkError()
		return ErrShieldFailed.Withf("shield tx %s failed: %w", tx.Hex(), err)
	}
	receipt.MarkConfirmed(tx)
	log.Infow("token shielded", "token", group.Token.Hex(),
		"amount", group.Amount.String(), "tx", tx.Hex())
	return nil
}
