package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/types"
)

// Progress ranges of the full-privacy run. Each stage maps its token or
// recipient loop into its slice of the bar.
const (
	pctPreparing  = 2
	pctApproving  = 5
	pctShielding  = 15
	pctWaitingPOI = 35
	pctSettling   = 50
	pctSettled    = 95
)

// runFullPrivacy executes the pooled path: per token, acquire spending
// rights, pull into custody, shield and wait for innocence clearance; then
// settle recipients one by one through proof generation and unshield. Tokens
// fail independently of each other, recipients fail independently of each
// other, and any settled recipient makes the run a (partial) success.
func (p *Pipeline) runFullPrivacy(ctx context.Context, req *types.RelayRequest, em *Emitter) (*types.RelayResult, error) {
	groups := req.TokenGroups()
	identity := identityOf(req)

	settlements := make([]*types.RecipientSettlement, len(req.Legs))
	for i, leg := range req.Legs {
		settlements[i] = &types.RecipientSettlement{
			Destination: leg.Destination,
			Token:       leg.Token,
			Requested:   leg.Amount,
			Status:      types.StatusPending,
		}
	}
	result := &types.RelayResult{Settlements: settlements}

	var firstErr error
	// failGroup finalizes every settlement of the group; later stages skip
	// groups whose settlements are already terminal.
	failGroup := func(g *types.TokenGroup, err error) {
		if firstErr == nil {
			firstErr = err
		}
		log.Warnw("token group failed", "token", g.Token.Hex(), "error", err.Error())
		for _, li := range g.Legs {
			settlements[li].MarkError(HumanMessage(err))
		}
	}
	groupFailed := func(g *types.TokenGroup) bool {
		return settlements[g.Legs[0]].Status.Terminal()
	}

	em.Emit(&types.PipelineProgress{
		Step:     types.StepPreparing,
		Progress: pctPreparing,
		Message:  "Preparing relay",
	})

	for i, g := range groups {
		cursor := &types.Cursor{Index: i + 1, Total: len(groups)}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepApproving,
			Progress: pctApproving + i*(pctShielding-pctApproving)/len(groups),
			Message:  "Establishing spending authorization",
			Token:    cursor,
		})
		if err := p.resolveGasAbstraction(ctx, req, g); err != nil {
			failGroup(g, err)
			continue
		}
		if _, err := p.custodyTransfer(ctx, req, g); err != nil {
			failGroup(g, err)
			continue
		}
	}

	for i, g := range groups {
		if groupFailed(g) {
			continue
		}
		cursor := &types.Cursor{Index: i + 1, Total: len(groups)}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepShielding,
			Progress: pctShielding + i*(pctWaitingPOI-pctShielding)/len(groups),
			Message:  "Depositing into the privacy pool",
			Token:    cursor,
		})
		receipt := &types.ShieldReceipt{Token: g.Token, Amount: g.Amount, Status: types.StatusPending}
		result.Shields = append(result.Shields, receipt)
		if err := p.shieldToken(ctx, identity, g, receipt); err != nil {
			failGroup(g, err)
			continue
		}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepShielding,
			Progress: pctShielding + (i+1)*(pctWaitingPOI-pctShielding)/len(groups),
			Message:  "Deposit confirmed",
			TxHash:   receipt.TxHash,
			Token:    cursor,
		})
	}

	for i, g := range groups {
		if groupFailed(g) {
			continue
		}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepWaitingPOI,
			Progress: pctWaitingPOI + i*(pctSettling-pctWaitingPOI)/len(groups),
			Message:  "Waiting for privacy verification",
			Token:    &types.Cursor{Index: i + 1, Total: len(groups)},
		})
		if err := p.waitInnocence(ctx, identity, g.Token, g.Amount.MathBigInt()); err != nil {
			failGroup(g, err)
			continue
		}
	}

	// Recipient work queue: strictly sequential, one proof in flight at a
	// time, request order preserved.
	var queue []int
	for li := range req.Legs {
		if !settlements[li].Status.Terminal() {
			queue = append(queue, li)
		}
	}
	for k, li := range queue {
		leg := req.Legs[li]
		cursor := &types.Cursor{Index: k + 1, Total: len(queue)}
		from := pctSettling + k*(pctSettled-pctSettling)/len(queue)
		to := pctSettling + (k+1)*(pctSettled-pctSettling)/len(queue)

		spend := &pool.Spend{
			Identity:    identity,
			Token:       leg.Token,
			Amount:      p.postFee(leg.Amount.MathBigInt()),
			Destination: leg.Destination,
			AdapterCall: leg.AdapterCall,
		}
		proof, err := p.generateProof(ctx, spend, em, from, from+(to-from)*7/10, cursor)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			settlements[li].MarkError(HumanMessage(err))
			continue
		}

		step := types.StepUnshielding
		message := "Sending funds to destination"
		if len(leg.AdapterCall) > 0 {
			step = types.StepInvokeAdapter
			message = "Settling through adapter"
		}
		em.Emit(&types.PipelineProgress{
			Step:      step,
			Progress:  from + (to-from)*8/10,
			Message:   message,
			Recipient: cursor,
		})
		if err := p.executeSettlement(ctx, proof, settlements[li]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		em.Emit(&types.PipelineProgress{
			Step:      types.StepUnshielding,
			Progress:  to,
			Message:   fmt.Sprintf("Recipient %d of %d settled", k+1, len(queue)),
			TxHash:    settlements[li].TxHash,
			Recipient: cursor,
		})

		// Spending hides the change note until the indexer catches up, so
		// resync before the next spend of the same token.
		if needed := nextSpendOfToken(p, req, queue[k+1:], leg.Token); needed != nil {
			em.Emit(&types.PipelineProgress{
				Step:      types.StepResyncing,
				Progress:  to,
				Message:   "Refreshing shielded balance",
				Recipient: cursor,
			})
			p.resyncBalance(ctx, identity, leg.Token, needed)
		}
	}

	for _, s := range settlements {
		switch s.Status {
		case types.StatusComplete:
			result.Completed++
		default:
			result.Failed++
		}
	}
	if result.Completed == 0 {
		if firstErr == nil {
			firstErr = ErrSettlementFailed.Withf("no recipients settled")
		}
		return result, firstErr
	}
	return result, nil
}

// nextSpendOfToken returns the post-fee amount of the next pending spend of
// token among the remaining queue entries, or nil if none remains.
func nextSpendOfToken(p *Pipeline, req *types.RelayRequest, remaining []int, token common.Address) *big.Int {
	for _, li := range remaining {
		if req.Legs[li].Token == token {
			return p.postFee(req.Legs[li].Amount.MathBigInt())
		}
	}
	return nil
}

// resyncBalance polls the indexer until the spendable balance of token covers
// the next spend or the resync window closes. Running out of the window is
// logged and tolerated: the next proof attempt surfaces the real state.
func (p *Pipeline) resyncBalance(ctx context.Context, identity pool.Identity, token common.Address, needed *big.Int) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ResyncTimeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.POIPollInterval)
	defer ticker.Stop()
	for {
		if err := p.sdk.RefreshBalances(ctx, identity); err != nil {
			log.Warnw("balance refresh failed during resync", "error", err.Error())
		}
		bal, err := p.sdk.SpendableBalance(ctx, identity, token)
		if err == nil && bal.Cmp(needed) >= 0 {
			return
		}
		select {
		case <-ctx.Done():
			log.Warnw("balance resync incomplete, continuing",
				"token", token.Hex(), "error", ErrBalanceSyncIncomplete.Error())
			return
		case <-ticker.C:
		}
	}
}
