// Package web3 implements the relayer wallet: the holder of the gas-paying
// key that signs and submits every on-chain transaction of the relay
// pipeline. Submissions are serialized internally so that concurrent relay
// requests never race on the relayer account's nonce sequence.
package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/types"
	"github.com/veilpay/relayer/util"
)

// erc20ABIJSON covers the ERC-20 surface the relayer needs, including the
// EIP-2612 permit extension.
const erc20ABIJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"permit","type":"function","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"},{"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 ABI: %v", err))
	}
	return parsed
}()

const (
	// defaultTxTimeout bounds WaitTx when the caller passes no timeout.
	defaultTxTimeout = 2 * time.Minute
	// receiptPollInterval is the delay between receipt polls.
	receiptPollInterval = 2 * time.Second
)

// Backend is the chain RPC surface the wallet needs. *rpc.Client implements
// it; tests provide a stub.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Wallet signs and submits transactions with the relayer's key. The nonce
// mutex is the only shared mutable state between concurrent relay requests.
type Wallet struct {
	backend Backend
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  ethtypes.Signer

	nonceMu sync.Mutex
}

// NewWallet creates a Wallet from a hex-encoded private key and a chain
// backend. It queries the backend for the chainID.
func NewWallet(hexPrivKey string, backend Backend) (*Wallet, error) {
	if backend == nil {
		return nil, fmt.Errorf("missing chain backend")
	}
	privKey, err := crypto.HexToECDSA(util.TrimHex(hexPrivKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse relayer private key: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chainID: %w", err)
	}
	return &Wallet{
		backend: backend,
		privKey: privKey,
		address: crypto.PubkeyToAddress(privKey.PublicKey),
		chainID: chainID,
		signer:  ethtypes.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the relayer's public address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the chainID the wallet signs for.
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// Allowance returns the amount of token that owner has approved for spender.
func (w *Wallet) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call: %w", err)
	}
	result, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance call failed: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// BalanceOf returns the token balance of the account.
func (w *Wallet) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := w.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// SubmitPermit submits a user-signed EIP-2612 permit on-chain, with the
// relayer paying the gas, establishing the relayer as spender.
func (w *Wallet) SubmitPermit(ctx context.Context, token, owner common.Address, permit *types.PermitData) (common.Hash, error) {
	if permit == nil {
		return common.Hash{}, fmt.Errorf("missing permit data")
	}
	var r, s [32]byte
	copy(r[32-len(permit.R):], permit.R)
	copy(s[32-len(permit.S):], permit.S)
	data, err := erc20ABI.Pack("permit",
		owner,
		w.address,
		permit.Value.MathBigInt(),
		new(big.Int).SetUint64(permit.Deadline),
		permit.V,
		r,
		s,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack permit call: %w", err)
	}
	return w.sendTx(ctx, &token, nil, data)
}

// PullTokens transfers amount of token from the user to the relayer using
// the allowance previously established. Callers must treat confirmed pulls
// as terminal: repeating a successful pull double-charges the user.
func (w *Wallet) PullTokens(ctx context.Context, token, from common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("transferFrom", from, w.address, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transferFrom call: %w", err)
	}
	return w.sendTx(ctx, &token, nil, data)
}

// Approve grants spender an allowance over the relayer's own token balance
// (used for the pool contract before shielding).
func (w *Wallet) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack approve call: %w", err)
	}
	return w.sendTx(ctx, &token, nil, data)
}

// Transfer sends amount of token from the relayer's balance to the
// destination address (fast path payout).
func (w *Wallet) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transfer call: %w", err)
	}
	return w.sendTx(ctx, &token, nil, data)
}

// SendCalldata signs and submits a raw contract call, e.g. a pool deposit or
// an adapter invocation populated by the pool SDK.
func (w *Wallet) SendCalldata(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	return w.sendTx(ctx, &to, value, data)
}

// WaitTx blocks until the transaction is mined or the timeout elapses. It
// returns an error if the transaction reverted.
func (w *Wallet) WaitTx(ctx context.Context, hash common.Hash, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return fmt.Errorf("execution reverted: tx %s", hash.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// sendTx builds, signs and broadcasts a transaction, preferring dynamic-fee
// pricing and falling back to legacy pricing when the node does not serve a
// tip cap. The nonce mutex is held from nonce query to broadcast so that
// concurrent requests submit in a strict nonce order.
func (w *Wallet) sendTx(ctx context.Context, to *common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	gasLimit, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100 // headroom over the estimate

	w.nonceMu.Lock()
	defer w.nonceMu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	var txData ethtypes.TxData
	if tipCap, err := w.backend.SuggestGasTipCap(ctx); err == nil {
		txData = &ethtypes.DynamicFeeTx{
			ChainID:   w.chainID,
			Nonce:     nonce,
			To:        to,
			Value:     value,
			Gas:       gasLimit,
			GasTipCap: tipCap,
			GasFeeCap: new(big.Int).Add(gasPrice, tipCap),
			Data:      data,
		}
	} else {
		// pre-EIP-1559 nodes reject eth_maxPriorityFeePerGas
		log.Debugw("tip cap suggestion failed, using legacy pricing", "error", err.Error())
		txData = &ethtypes.LegacyTx{
			Nonce:    nonce,
			To:       to,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		}
	}
	signedTx, err := ethtypes.SignTx(ethtypes.NewTx(txData), w.signer, w.privKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	log.Debugw("transaction submitted", "hash", signedTx.Hash().Hex(), "nonce", nonce, "to", to.Hex())
	return signedTx.Hash(), nil
}
