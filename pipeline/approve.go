package pipeline

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/retry"
	"github.com/veilpay/relayer/types"
)

// resolveGasAbstraction establishes the relayer's right to pull the group's
// tokens from the sender, according to the request's method. Reads are
// retried; the permit submission itself is sent at most once.
func (p *Pipeline) resolveGasAbstraction(ctx context.Context, req *types.RelayRequest, group *types.TokenGroup) error {
	switch req.GasAbstraction.Method {
	case types.MethodPermit:
		// A permit signature binds a single token contract, so a permit
		// request cannot span tokens.
		if len(req.TokenGroups()) > 1 {
			return ErrUnsupportedMode.Withf("permit authorization covers a single token, request has several")
		}
		permit := req.GasAbstraction.Permit
		if permit.Value.MathBigInt().Cmp(group.Amount.MathBigInt()) < 0 {
			return ErrInsufficientAllowance.Withf("permit value %s below requested %s",
				permit.Value.String(), group.Amount.String())
		}
		tx, err := p.wallet.SubmitPermit(ctx, group.Token, req.Sender, permit)
		if err != nil {
			return ErrInsufficientAllowance.Withf("permit submission failed: %w", err)
		}
		if err := p.wallet.WaitTx(ctx, tx, p.cfg.TxTimeout); err != nil {
			return ErrInsufficientAllowance.Withf("permit tx %s failed: %w", tx.Hex(), err)
		}
		log.Infow("permit established", "token", group.Token.Hex(), "tx", tx.Hex())
		return nil

	case types.MethodAlreadyApproved:
		allowance, err := retry.Do(ctx, "allowance", func() (*big.Int, error) {
			return p.wallet.Allowance(ctx, group.Token, req.Sender, p.wallet.Address())
		}, p.cfg.Retry)
		if err != nil {
			return ErrInsufficientAllowance.Withf("allowance check failed: %w", err)
		}
		if allowance.Cmp(group.Amount.MathBigInt()) < 0 {
			return ErrInsufficientAllowance.Withf("allowance %s below requested %s for token %s",
				allowance.String(), group.Amount.String(), group.Token.Hex())
		}
		return nil

	case types.MethodDelegated:
		return ErrUnsupportedMode.Withf("delegated authorization is not implemented")

	default:
		return ErrUnsupportedMode.Withf("unknown gas abstraction method %q", req.GasAbstraction.Method)
	}
}

// custodyTransfer pulls the group's total from the sender into the relayer
// wallet. The transferFrom is submitted exactly once: a failure after
// submission is never resolved by resubmitting, that would double-charge.
func (p *Pipeline) custodyTransfer(ctx context.Context, req *types.RelayRequest, group *types.TokenGroup) (common.Hash, error) {
	tx, err := p.wallet.PullTokens(ctx, group.Token, req.Sender, group.Amount.MathBigInt())
	if err != nil {
		return common.Hash{}, ErrPullFailed.Withf("transferFrom submission failed: %w", err)
	}
	if err := p.wallet.WaitTx(ctx, tx, p.cfg.TxTimeout); err != nil {
		return tx, ErrPullFailed.Withf("pull tx %s failed: %w", tx.Hex(), err)
	}
	log.Infow("tokens pulled into custody", "token", group.Token.Hex(),
		"amount", group.Amount.String(), "tx", tx.Hex())
	return tx, nil
}
