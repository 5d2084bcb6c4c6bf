// Package pipeline implements the relay state machine: acquiring spending
// rights over the user's tokens, shielding them into the privacy pool, waiting
// for the proof-of-innocence clearance, generating spend proofs and settling
// each recipient. The fast path short-circuits the pool and pays out directly
// from the relayer balance.
package pipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veilpay/relayer/pool"
	"github.com/veilpay/relayer/retry"
	"github.com/veilpay/relayer/types"
)

const (
	// DefaultPoolFeeBps is the privacy pool's deposit fee in basis points.
	DefaultPoolFeeBps = 25
	// DefaultFeeToleranceBps is the clearance tolerance: the spendable
	// balance may fall short of the deposit by this much and still count
	// as cleared. It absorbs the pool's deposit fee and rounding.
	DefaultFeeToleranceBps = 100
	// DefaultPOIPollInterval is the delay between innocence checks.
	DefaultPOIPollInterval = 5 * time.Second
	// DefaultPOITimeout bounds the innocence wait per token.
	DefaultPOITimeout = 2 * time.Minute
	// DefaultResyncTimeout bounds the balance resync between consecutive
	// spends of the same token. Exceeding it is not fatal.
	DefaultResyncTimeout = 30 * time.Second
)

// Wallet is the on-chain capability surface the pipeline needs from the
// relayer wallet. *web3.Wallet implements it; tests use MockWallet.
type Wallet interface {
	Address() common.Address
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	SubmitPermit(ctx context.Context, token, owner common.Address, permit *types.PermitData) (common.Hash, error)
	PullTokens(ctx context.Context, token, from common.Address, amount *big.Int) (common.Hash, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	SendCalldata(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	WaitTx(ctx context.Context, hash common.Hash, timeout time.Duration) error
}

// Config tunes a Pipeline. Zero fields take the package defaults.
type Config struct {
	PoolAddress     common.Address
	PoolFeeBps      int64
	FeeToleranceBps int64
	POIPollInterval time.Duration
	POITimeout      time.Duration
	ResyncTimeout   time.Duration
	TxTimeout       time.Duration
	Retry           retry.Options
}

func (c Config) withDefaults() Config {
	if c.PoolFeeBps <= 0 {
		c.PoolFeeBps = DefaultPoolFeeBps
	}
	if c.FeeToleranceBps <= 0 {
		c.FeeToleranceBps = DefaultFeeToleranceBps
	}
	if c.POIPollInterval <= 0 {
		c.POIPollInterval = DefaultPOIPollInterval
	}
	if c.POITimeout <= 0 {
		c.POITimeout = DefaultPOITimeout
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = DefaultResyncTimeout
	}
	return c
}

// Pipeline executes relay requests end to end. It is safe for concurrent use:
// per-request state lives in the run, not in the Pipeline.
type Pipeline struct {
	wallet Wallet
	sdk    pool.SDK
	cfg    Config
}

// New creates a Pipeline. Both the wallet and the pool SDK are mandatory.
func New(wallet Wallet, sdk pool.SDK, cfg Config) (*Pipeline, error) {
	if wallet == nil {
		return nil, ErrRelayerNotConfigured.Withf("missing relayer wallet")
	}
	if sdk == nil {
		return nil, ErrRelayerNotConfigured.Withf("missing pool SDK")
	}
	return &Pipeline{wallet: wallet, sdk: sdk, cfg: cfg.withDefaults()}, nil
}

// Run executes the request and emits its progress stream, including the
// single terminal event. Partial success is a nil-error outcome; the error is
// non-nil only when no recipient could be settled.
func (p *Pipeline) Run(ctx context.Context, req *types.RelayRequest, em *Emitter) (*types.RelayResult, error) {
	var result *types.RelayResult
	var err error
	switch req.Mode {
	case types.ModeFast:
		result, err = p.runFast(ctx, req, em)
	case types.ModeFullPrivacy:
		result, err = p.runFullPrivacy(ctx, req, em)
	default:
		err = ErrUnsupportedMode.Withf("unknown mode %q", req.Mode)
	}
	if err != nil {
		em.Fail(err)
		return result, err
	}
	if result.Failed > 0 {
		em.Complete("Relay finished with partial success")
	} else {
		em.Complete("Relay complete")
	}
	return result, nil
}

// postFee returns amount after the pool's deposit fee, truncated.
func (p *Pipeline) postFee(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(10000-p.cfg.PoolFeeBps))
	return out.Div(out, big.NewInt(10000))
}

// clearanceThreshold returns the spendable balance that counts as cleared for
// a deposit of the given total: the deposit minus the tolerance. The tolerance
// already covers the pool's fee, so the fee is not subtracted again.
func (p *Pipeline) clearanceThreshold(deposited *big.Int) *big.Int {
	out := new(big.Int).Mul(deposited, big.NewInt(10000-p.cfg.FeeToleranceBps))
	return out.Div(out, big.NewInt(10000))
}

// identityOf builds the SDK identity from the request. The credential exists
// only in memory for the lifetime of the run.
func identityOf(req *types.RelayRequest) pool.Identity {
	return pool.Identity{
		Address:    req.Shielded.Address,
		Credential: req.Shielded.Credential,
	}
}
