package pipeline

import (
	"context"
	"time"

	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/retry"
	"github.com/veilpay/relayer/types"
)

// generateProof computes the spend proof for one recipient, mapping the SDK's
// fractional progress into the [pctFrom, pctTo] slice of the overall run.
// Proof generation has no on-chain side effects, so transient SDK failures
// restart it from scratch. A proof is never fabricated: failure here leaves
// the recipient unsettled.
func (p *Pipeline) generateProof(ctx context.Context, spend *pool.Spend, em *Emitter,
	pctFrom, pctTo int, cursor *types.Cursor) (*pool.UnshieldProof, error) {
	lastPct := -1
	progress := func(pct float64) {
		scaled := pctFrom + int(pct)*(pctTo-pctFrom)/100
		if scaled == lastPct {
			return
		}
		lastPct = scaled
		em.Emit(&types.PipelineProgress{
			Step:      types.StepProving,
			Progress:  scaled,
			Message:   "Generating privacy proof",
			Recipient: cursor,
		})
	}
	started := time.Now()
	proof, err := retry.Do(ctx, "generate-proof", func() (*pool.UnshieldProof, error) {
		return p.sdk.GenerateUnshieldProof(ctx, spend, progress)
	}, p.cfg.Retry)
	if err != nil {
		return nil, ErrProofGenerationFailed.Withf("proof for %s failed: %w",
			spend.Destination.Hex(), err)
	}
	log.Infow("spend proof generated", "destination", spend.Destination.Hex(),
		"token", spend.Token.Hex(), "took", time.Since(started).String())
	return proof, nil
}

// executeSettlement turns a proof into the on-chain payout and finalizes the
// settlement record. The payout transaction is submitted exactly once.
func (p *Pipeline) executeSettlement(ctx context.Context, proof *pool.UnshieldProof,
	settlement *types.RecipientSettlement) error {
	if _, err := retry.Do(ctx, "estimate-unshield", func() (uint64, error) {
		return p.sdk.EstimateUnshieldGas(ctx, &proof.Spend)
	}, p.cfg.Retry); err != nil {
		settlement.MarkError(HumanMessage(ErrSettlementFailed))
		return ErrSettlementFailed.Withf("unshield gas estimate failed: %w", err)
	}

	txReq, err := p.sdk.PopulateProvedUnshield(ctx, proof)
	if err != nil {
		settlement.MarkError(HumanMessage(ErrSettlementFailed))
		return ErrSettlementFailed.Withf("unshield populate failed: %w", err)
	}
	tx, err := p.wallet.SendCalldata(ctx, txReq.To, txReq.Value, txReq.Data)
	if err != nil {
		settlement.MarkError(HumanMessage(ErrSettlementFailed))
		return ErrSettlementFailed.Withf("unshield submission failed: %w", err)
	}
	if err := p.wallet.WaitTx(ctx, tx, p.cfg.TxTimeout); err != nil {
		settlement.MarkError(HumanMessage(ErrSettlementFailed))
		return ErrSettlementFailed.Withf("unshield tx %s failed: %w", tx.Hex(), err)
	}
	settlement.MarkComplete((*types.BigInt)(proof.Spend.Amount), tx)
	log.Infow("recipient settled", "destination", settlement.Destination.Hex(),
		"token", settlement.Token.Hex(), "amount", proof.Spend.Amount.String(), "tx", tx.Hex())
	return nil
}
