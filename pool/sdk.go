// Package pool defines the boundary to the privacy-pool SDK: the opaque,
// possibly slow capability that builds shield deposits, scans shielded
// balances and generates zero-knowledge spend proofs. The relay pipeline
// consumes this interface and never looks inside proofs or balances; SimPool
// provides an in-memory implementation for tests and dev mode.
package pool

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veilpay/relayer/types"
)

// Identity is a shielded identity as the SDK sees it: the privacy-pool
// address plus the decryption credential needed to scan its balance.
type Identity struct {
	Address    types.HexBytes
	Credential types.HexBytes
}

// Key returns a map key for the identity.
func (id Identity) Key() string {
	return string(id.Address)
}

// TxRequest is a populated, unsigned transaction returned by the SDK for the
// relayer wallet to sign and submit.
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Spend describes a single-recipient unshield: the SDK enforces one
// recipient per proof, so multi-recipient requests are decomposed upstream.
type Spend struct {
	Identity    Identity
	Token       common.Address
	Amount      *big.Int
	Destination common.Address
	AdapterCall []byte // optional calldata for a settlement adapter
}

// UnshieldProof is the opaque output of proof generation, ready to be turned
// into a payout transaction.
type UnshieldProof struct {
	Spend Spend
	Proof types.HexBytes
}

// ProgressFn reports fractional proof-generation progress in [0,100].
type ProgressFn func(pct float64)

// SDK is the privacy-pool capability surface the pipeline depends on. Every
// method may be slow and may fail transiently.
type SDK interface {
	// EstimateShieldGas estimates gas for a deposit of amount of token.
	EstimateShieldGas(ctx context.Context, token common.Address, amount *big.Int) (uint64, error)
	// PopulateShield builds the deposit transaction that credits the
	// identity with amount of token (minus the pool's own fee).
	PopulateShield(ctx context.Context, identity Identity, token common.Address, amount *big.Int) (*TxRequest, error)
	// EstimateUnshieldGas estimates gas for the payout of a spend.
	EstimateUnshieldGas(ctx context.Context, spend *Spend) (uint64, error)
	// GenerateUnshieldProof computes the zero-knowledge spend proof,
	// reporting progress through the callback. Duration is highly
	// variable, from seconds to many minutes.
	GenerateUnshieldProof(ctx context.Context, spend *Spend, progress ProgressFn) (*UnshieldProof, error)
	// PopulateProvedUnshield builds the payout transaction for a proof.
	PopulateProvedUnshield(ctx context.Context, proof *UnshieldProof) (*TxRequest, error)
	// RefreshBalances re-scans the identity's notes in the pool indexer.
	RefreshBalances(ctx context.Context, identity Identity) error
	// SpendableBalance returns the identity's spendable balance of token
	// as of the last refresh.
	SpendableBalance(ctx context.Context, identity Identity, token common.Address) (*big.Int, error)
}
