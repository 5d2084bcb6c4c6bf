package pipeline

import (
	"context"

	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/types"
)

// Progress ranges of the fast run.
const (
	fastPctPreparing    = 5
	fastPctApproving    = 10
	fastPctPulling      = 30
	fastPctTransferring = 55
	fastPctDone         = 95
)

// runFast executes the direct path: pull the tokens into custody and pay each
// recipient straight from the relayer balance, skipping the pool. The trade is
// explicit: seconds instead of minutes, relayer-level privacy only.
func (p *Pipeline) runFast(ctx context.Context, req *types.RelayRequest, em *Emitter) (*types.RelayResult, error) {
	groups := req.TokenGroups()

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
	failGroup := func(g *types.TokenGroup, err error) {
		if firstErr == nil {
			firstErr = err
		}
		log.Warnw("token group failed", "token", g.Token.Hex(), "error", err.Error())
		for _, li := range g.Legs {
			settlements[li].MarkError(HumanMessage(err))
		}
	}

	em.Emit(&types.PipelineProgress{
		Step:     types.StepPreparing,
		Progress: fastPctPreparing,
		Message:  "Preparing fast relay",
	})

	for i, g := range groups {
		cursor := &types.Cursor{Index: i + 1, Total: len(groups)}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepApproving,
			Progress: fastPctApproving + i*(fastPctPulling-fastPctApproving)/len(groups),
			Message:  "Establishing spending authorization",
			Token:    cursor,
		})
		if err := p.resolveGasAbstraction(ctx, req, g); err != nil {
			failGroup(g, err)
			continue
		}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepPulling,
			Progress: fastPctPulling + i*(fastPctTransferring-fastPctPulling)/len(groups),
			Message:  "Collecting tokens",
			Token:    cursor,
		})
		tx, err := p.custodyTransfer(ctx, req, g)
		if err != nil {
			failGroup(g, err)
			continue
		}
		em.Emit(&types.PipelineProgress{
			Step:     types.StepPulling,
			Progress: fastPctPulling + (i+1)*(fastPctTransferring-fastPctPulling)/len(groups),
			Message:  "Tokens collected",
			TxHash:   tx,
			Token:    cursor,
		})
	}

	var queue []int
	for li := range req.Legs {
		if !settlements[li].Status.Terminal() {
			queue = append(queue, li)
		}
	}
	for k, li := range queue {
		leg := req.Legs[li]
		cursor := &types.Cursor{Index: k + 1, Total: len(queue)}
		pct := fastPctTransferring + (k+1)*(fastPctDone-fastPctTransferring)/len(queue)
		em.Emit(&types.PipelineProgress{
			Step:      types.StepTransferring,
			Progress:  pct,
			Message:   "Transferring to destination",
			Recipient: cursor,
		})
		tx, err := p.wallet.Transfer(ctx, leg.Token, leg.Destination, leg.Amount.MathBigInt())
		if err == nil {
			err = p.wallet.WaitTx(ctx, tx, p.cfg.TxTimeout)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = ErrSettlementFailed.WithErr(err)
			}
			settlements[li].MarkError(HumanMessage(ErrSettlementFailed))
			continue
		}
		if len(leg.AdapterCall) > 0 {
			em.Emit(&types.PipelineProgress{
				Step:      types.StepInvokeAdapter,
				Progress:  pct,
				Message:   "Invoking settlement adapter",
				Recipient: cursor,
			})
			atx, err := p.wallet.SendCalldata(ctx, leg.Destination, nil, leg.AdapterCall)
			if err == nil {
				err = p.wallet.WaitTx(ctx, atx, p.cfg.TxTimeout)
			}
			if err != nil {
				if firstErr == nil {
					firstErr = ErrSettlementFailed.WithErr(err)
				}
				settlements[li].MarkError(HumanMessage(ErrSettlementFailed))
				continue
			}
		}
		// No pool fee on the fast path: the full requested amount lands.
		settlements[li].MarkComplete(leg.Amount, tx)
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
