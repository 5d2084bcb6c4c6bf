package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/retry"
)

// waitInnocence polls the shielded balance until the deposit of token clears
// the proof-of-innocence check. Cleared means the spendable balance reached
// the deposit minus pool fee and tolerance. Each deposit gets its own timeout
// window; expiry returns ErrVerificationTimeout with the funds still shielded.
func (p *Pipeline) waitInnocence(ctx context.Context, identity pool.Identity, token common.Address, deposited *big.Int) error {
	threshold := p.clearanceThreshold(deposited)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.POITimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.POIPollInterval)
	defer ticker.Stop()
	start := time.Now()
	for {
		cleared, err := p.checkClearance(ctx, identity, token, threshold)
		if err != nil {
			// a query aborted by the expiring window is still a timeout
			if ctx.Err() == context.DeadlineExceeded {
				return ErrVerificationTimeout.Withf("token %s not cleared after %s",
					token.Hex(), p.cfg.POITimeout)
			}
			return err
		}
		if cleared {
			log.Infow("innocence check cleared", "token", token.Hex(),
				"elapsed", time.Since(start).String())
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return ErrVerificationTimeout.Withf("token %s not cleared after %s",
					token.Hex(), p.cfg.POITimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkClearance refreshes the identity's notes and compares the spendable
// balance against the threshold. Query failures surface as the pool being
// unreachable, distinct from the verification itself timing out.
func (p *Pipeline) checkClearance(ctx context.Context, identity pool.Identity, token common.Address, threshold *big.Int) (bool, error) {
	if _, err := retry.Do(ctx, "refresh-balances", func() (struct{}, error) {
		return struct{}{}, p.sdk.RefreshBalances(ctx, identity)
	}, p.cfg.Retry); err != nil {
		return false, ErrPoolUnavailable.Withf("balance refresh failed: %w", err)
	}
	spendable, err := retry.Do(ctx, "spendable-balance", func() (*big.Int, error) {
		return p.sdk.SpendableBalance(ctx, identity, token)
	}, p.cfg.Retry)
	if err != nil {
		return false, ErrPoolUnavailable.Withf("spendable balance query failed: %w", err)
	}
	return spendable.Cmp(threshold) >= 0, nil
}
