package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Client balances the standard read and write operations the relayer needs
// over the endpoints of a Pool. Every method tries the available endpoints in
// weight order, disabling the ones that fail, until one succeeds or the pool
// is exhausted.
type Client struct {
	pool *Pool
}

// do runs fn against endpoints of the pool until it succeeds. Failing
// endpoints are disabled along the way.
func do[T any](c *Client, fn func(*Endpoint) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := c.pool.NumberOfEndpoints(false)
	if attempts == 0 {
		return zero, fmt.Errorf("no endpoints in the pool")
	}
	for i := 0; i < attempts; i++ {
		endpoint, err := c.pool.Endpoint()
		if err != nil {
			return zero, err
		}
		result, err := fn(endpoint)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.pool.DisableEndpoint(endpoint.URI)
	}
	return zero, fmt.Errorf("all web3 endpoints failed: %w", lastErr)
}

// ChainID returns the chainID of the pool's chain.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return do(c, func(e *Endpoint) (*big.Int, error) {
		return e.client.ChainID(ctx)
	})
}

// BlockNumber returns the current block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return do(c, func(e *Endpoint) (uint64, error) {
		return e.client.BlockNumber(ctx)
	})
}

// PendingNonceAt returns the next nonce of the account, pending included.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return do(c, func(e *Endpoint) (uint64, error) {
		return e.client.PendingNonceAt(ctx, account)
	})
}

// SuggestGasTipCap returns the suggested priority fee.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return do(c, func(e *Endpoint) (*big.Int, error) {
		return e.client.SuggestGasTipCap(ctx)
	})
}

// SuggestGasPrice returns the suggested legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return do(c, func(e *Endpoint) (*big.Int, error) {
		return e.client.SuggestGasPrice(ctx)
	})
}

// EstimateGas estimates the gas needed to execute the call.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return do(c, func(e *Endpoint) (uint64, error) {
		return e.client.EstimateGas(ctx, msg)
	})
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return do(c, func(e *Endpoint) ([]byte, error) {
		return e.client.CallContract(ctx, msg, blockNumber)
	})
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	_, err := do(c, func(e *Endpoint) (struct{}, error) {
		return struct{}{}, e.client.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns the receipt of a mined transaction, or an error
// if it is not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return do(c, func(e *Endpoint) (*ethtypes.Receipt, error) {
		return e.client.TransactionReceipt(ctx, txHash)
	})
}
