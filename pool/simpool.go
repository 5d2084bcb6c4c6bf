package pool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"

	"github.com/veilpay/relayer/types"
)

const (
	// SimFeeBps is the deposit fee the simulated pool applies, in basis
	// points, matching the fee observed on the real pool.
	SimFeeBps = 25
	// defaultPOIRefreshes is the number of balance refreshes after which
	// newly shielded funds clear the simulated innocence check.
	defaultPOIRefreshes = 2
	// defaultIndexRefreshes is the number of refreshes until change notes
	// from a spend become visible again.
	defaultIndexRefreshes = 1
	// proofSteps is the number of progress ticks during simulated proof
	// generation.
	proofSteps = 5
)

// tokenState tracks one identity's holdings of one token inside the
// simulated pool. Funds move pending -> spendable as refreshes accumulate.
type tokenState struct {
	deposited *big.Int // cumulative gross deposits
	spendable *big.Int // visible, provable balance
	pending   *big.Int // awaiting POI clearance or note indexing
	releaseIn int      // refreshes until pending becomes spendable
}

// SimPool is an in-memory privacy pool implementing the SDK interface. It
// models the observable behavior the pipeline depends on: the deposit fee,
// the delayed innocence clearance of shielded funds, slow proof generation
// with progress ticks, and the note-indexing lag after each spend.
type SimPool struct {
	mu       sync.Mutex
	balances map[string]map[common.Address]*tokenState

	// Address is the simulated pool contract address.
	Address common.Address
	// POIRefreshes overrides how many refreshes clear the innocence check.
	POIRefreshes int
	// IndexRefreshes overrides how many refreshes index change notes.
	IndexRefreshes int
	// ProofTick is the sleep per proof progress step; zero keeps tests fast.
	ProofTick time.Duration
	// FailProofs makes proof generation fail, for error-path tests.
	FailProofs bool
}

// NewSimPool returns a SimPool with the default clearance windows.
func NewSimPool() *SimPool {
	return &SimPool{
		balances:       make(map[string]map[common.Address]*tokenState),
		Address:        common.HexToAddress("0x00000000000000000000000000000000000f00f1"),
		POIRefreshes:   defaultPOIRefreshes,
		IndexRefreshes: defaultIndexRefreshes,
	}
}

func (p *SimPool) state(identity Identity, token common.Address) *tokenState {
	tokens, ok := p.balances[identity.Key()]
	if !ok {
		tokens = make(map[common.Address]*tokenState)
		p.balances[identity.Key()] = tokens
	}
	ts, ok := tokens[token]
	if !ok {
		ts = &tokenState{
			deposited: new(big.Int),
			spendable: new(big.Int),
			pending:   new(big.Int),
		}
		tokens[token] = ts
	}
	return ts
}

// EstimateShieldGas implements the SDK interface.
func (p *SimPool) EstimateShieldGas(context.Context, common.Address, *big.Int) (uint64, error) {
	return 1_200_000, nil
}

// PopulateShield credits the identity with the deposit minus the pool fee
// and returns the transaction the relayer would submit. The credited funds
// stay pending until the innocence check clears.
func (p *SimPool) PopulateShield(_ context.Context, identity Identity, token common.Address, amount *big.Int) (*TxRequest, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("shield amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fee := new(big.Int).Mul(amount, big.NewInt(SimFeeBps))
	fee.Div(fee, big.NewInt(10000))
	net := new(big.Int).Sub(amount, fee)

	ts := p.state(identity, token)
	ts.deposited.Add(ts.deposited, amount)
	ts.pending.Add(ts.pending, net)
	ts.releaseIn = p.POIRefreshes

	return &TxRequest{
		To:       p.Address,
		Value:    big.NewInt(0),
		Data:     noteCommitment(identity.Address, token.Bytes(), amount.Bytes()),
		GasLimit: 1_200_000,
	}, nil
}

// EstimateUnshieldGas implements the SDK interface.
func (p *SimPool) EstimateUnshieldGas(context.Context, *Spend) (uint64, error) {
	return 1_500_000, nil
}

// GenerateUnshieldProof simulates a slow proof computation, ticking progress
// from 0 to 100 in fixed steps.
func (p *SimPool) GenerateUnshieldProof(ctx context.Context, spend *Spend, progress ProgressFn) (*UnshieldProof, error) {
	if p.FailProofs {
		return nil, fmt.Errorf("proof generation failed: witness does not satisfy circuit")
	}
	for i := 1; i <= proofSteps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if p.ProofTick > 0 {
			time.Sleep(p.ProofTick)
		}
		if progress != nil {
			progress(float64(i) * 100 / proofSteps)
		}
	}
	return &UnshieldProof{
		Spend: *spend,
		Proof: noteCommitment(spend.Identity.Address, spend.Token.Bytes(),
			spend.Amount.Bytes(), spend.Destination.Bytes()),
	}, nil
}

// PopulateProvedUnshield consumes the spend from the identity's balance and
// returns the payout transaction. Remaining balance becomes change notes,
// invisible until re-indexed by later refreshes.
func (p *SimPool) PopulateProvedUnshield(_ context.Context, proof *UnshieldProof) (*TxRequest, error) {
	spend := proof.Spend
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := p.state(spend.Identity, spend.Token)
	if ts.spendable.Cmp(spend.Amount) < 0 {
		return nil, fmt.Errorf("spendable balance %s below spend amount %s", ts.spendable, spend.Amount)
	}
	ts.spendable.Sub(ts.spendable, spend.Amount)
	if ts.spendable.Sign() > 0 {
		// change notes go back through the indexer
		ts.pending.Add(ts.pending, ts.spendable)
		ts.spendable.SetInt64(0)
		ts.releaseIn = p.IndexRefreshes
	}

	to := spend.Destination
	data := proof.Proof
	if len(spend.AdapterCall) > 0 {
		data = append(append(types.HexBytes{}, data...), spend.AdapterCall...)
	}
	return &TxRequest{
		To:       to,
		Value:    big.NewInt(0),
		Data:     data,
		GasLimit: 1_500_000,
	}, nil
}

// RefreshBalances advances the simulated indexer: each call counts one
// refresh toward releasing pending funds.
func (p *SimPool) RefreshBalances(_ context.Context, identity Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range p.balances[identity.Key()] {
		if ts.pending.Sign() > 0 {
			ts.releaseIn--
			if ts.releaseIn <= 0 {
				ts.spendable.Add(ts.spendable, ts.pending)
				ts.pending.SetInt64(0)
			}
		}
	}
	return nil
}

// SpendableBalance returns the identity's visible balance of token.
func (p *SimPool) SpendableBalance(_ context.Context, identity Identity, token common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.state(identity, token).spendable), nil
}

// noteCommitment derives an opaque commitment over the inputs using MiMC on
// the BN254 scalar field, standing in for the real pool's note hashing.
func noteCommitment(chunks ...[]byte) []byte {
	h := mimc.NewMiMC()
	for _, chunk := range chunks {
		var elem fr.Element
		elem.SetBytes(chunk) // reduces into the field
		b := elem.Bytes()
		if _, err := h.Write(b[:]); err != nil {
			panic(fmt.Sprintf("mimc write: %v", err))
		}
	}
	return h.Sum(nil)
}
