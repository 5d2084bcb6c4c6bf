package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veilpay/relayer/types"
)

// MockWallet is an in-memory Wallet for tests and dry runs: every submission
// succeeds instantly with a deterministic hash unless a failure is injected.
type MockWallet struct {
	mu   sync.Mutex
	seq  uint64
	addr common.Address

	// Allowances maps "token|owner|spender" to the granted amount.
	Allowances map[string]*big.Int
	// Calls records every state-changing call in submission order.
	Calls []string
	// FailTransferTo makes Transfer submissions to these destinations fail.
	FailTransferTo map[common.Address]bool
	// FailPull makes every PullTokens submission fail.
	FailPull bool
	// AllowAll makes every allowance query report an unbounded allowance,
	// used by dev mode where no real approvals exist.
	AllowAll bool
}

// NewMockWallet creates a MockWallet with a fixed relayer address.
func NewMockWallet() *MockWallet {
	return &MockWallet{
		addr:           common.HexToAddress("0x0000000000000000000000000000000000e1a4e5"),
		Allowances:     make(map[string]*big.Int),
		FailTransferTo: make(map[common.Address]bool),
	}
}

func allowanceKey(token, owner, spender common.Address) string {
	return token.Hex() + "|" + owner.Hex() + "|" + spender.Hex()
}

// GrantAllowance seeds an on-chain allowance for already-approved requests.
func (m *MockWallet) GrantAllowance(token, owner, spender common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Allowances[allowanceKey(token, owner, spender)] = new(big.Int).Set(amount)
}

func (m *MockWallet) record(format string, args ...any) common.Hash {
	m.Calls = append(m.Calls, fmt.Sprintf(format, args...))
	m.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.seq)
	return common.BytesToHash(crypto.Keccak256(buf[:]))
}

func (m *MockWallet) Address() common.Address {
	return m.addr
}

func (m *MockWallet) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AllowAll {
		return new(big.Int).Lsh(big.NewInt(1), 255), nil
	}
	if a, ok := m.Allowances[allowanceKey(token, owner, spender)]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (m *MockWallet) SubmitPermit(_ context.Context, token, owner common.Address, permit *types.PermitData) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if permit == nil {
		return common.Hash{}, fmt.Errorf("missing permit data")
	}
	m.Allowances[allowanceKey(token, owner, m.addr)] = permit.Value.MathBigInt()
	return m.record("permit:%s:%s", token.Hex(), permit.Value.String()), nil
}

func (m *MockWallet) PullTokens(_ context.Context, token, from common.Address, amount *big.Int) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPull {
		return common.Hash{}, fmt.Errorf("execution reverted: transfer amount exceeds balance")
	}
	return m.record("pull:%s:%s:%s", token.Hex(), from.Hex(), amount.String()), nil
}

func (m *MockWallet) Approve(_ context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Allowances[allowanceKey(token, m.addr, spender)] = new(big.Int).Set(amount)
	return m.record("approve:%s:%s:%s", token.Hex(), spender.Hex(), amount.String()), nil
}

func (m *MockWallet) Transfer(_ context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTransferTo[to] {
		return common.Hash{}, fmt.Errorf("execution reverted: transfer failed")
	}
	return m.record("transfer:%s:%s:%s", token.Hex(), to.Hex(), amount.String()), nil
}

func (m *MockWallet) SendCalldata(_ context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		value = big.NewInt(0)
	}
	return m.record("call:%s:%s:%d", to.Hex(), value.String(), len(data)), nil
}

func (m *MockWallet) WaitTx(_ context.Context, _ common.Hash, _ time.Duration) error {
	return nil
}
