package rpc

// This package contains the Pool struct, a set of web3 endpoints for a single
// chain with priority and weight. It provides a Client implementation that
// balances reads and writes over the available endpoints, flagging failing
// ones as unavailable to keep the pool healthy. If every endpoint fails, the
// pool resets the available flags and starts again.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.vocdoni.io/dvote/log"
)

const (
	// DefaultMaxDialRetries is the number of retries to connect to a web3
	// provider before giving up on it.
	DefaultMaxDialRetries = 5
	// checkEndpointTimeout is the timeout to dial and check an endpoint.
	checkEndpointTimeout = time.Second * 10
)

// Endpoint is a single web3 provider of the pool. Higher weight endpoints are
// preferred; endpoints that fail are disabled until the whole pool is reset.
type Endpoint struct {
	URI     string
	Weight  int
	ChainID uint64

	client    *ethclient.Client
	available bool
}

// Client returns the underlying ethclient of the endpoint.
func (e *Endpoint) Client() *ethclient.Client {
	return e.client
}

// Pool holds the endpoints configured for the relayer's chain. All endpoints
// must report the same chainID; mixing chains is a configuration error.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	chainID   uint64
}

// NewPool returns an empty *Pool instance.
func NewPool() *Pool {
	return &Pool{}
}

// AddEndpoint dials the web3 provider URI and adds it to the pool with the
// given weight. The first endpoint added pins the pool's chainID; endpoints
// reporting a different chainID are rejected.
func (p *Pool) AddEndpoint(uri string, weight int) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkEndpointTimeout)
	defer cancel()
	client, err := dial(ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("error dialing web3 provider uri '%s': %w", uri, err)
	}
	bChainID, err := client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("error getting the chainID from the web3 provider '%s': %w", uri, err)
	}
	chainID := bChainID.Uint64()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chainID == 0 {
		p.chainID = chainID
	} else if p.chainID != chainID {
		return 0, fmt.Errorf("endpoint '%s' reports chainID %d, pool is pinned to %d", uri, chainID, p.chainID)
	}
	p.endpoints = append(p.endpoints, &Endpoint{
		URI:       uri,
		Weight:    weight,
		ChainID:   chainID,
		client:    client,
		available: true,
	})
	// keep the highest weight first
	sort.SliceStable(p.endpoints, func(i, j int) bool {
		return p.endpoints[i].Weight > p.endpoints[j].Weight
	})
	return chainID, nil
}

// ChainID returns the chainID the pool is pinned to, or zero if empty.
func (p *Pool) ChainID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID
}

// NumberOfEndpoints returns the total number (or just the available ones) of
// endpoints in the pool.
func (p *Pool) NumberOfEndpoints(onlyAvailable bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !onlyAvailable {
		return len(p.endpoints)
	}
	n := 0
	for _, e := range p.endpoints {
		if e.available {
			n++
		}
	}
	return n
}

// Endpoint returns the first available endpoint, preferring higher weights.
// If every endpoint has been disabled, the available flags are reset and the
// search starts again, so a fully degraded pool recovers on its own.
func (p *Pool) Endpoint() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints in the pool")
	}
	for _, e := range p.endpoints {
		if e.available {
			return e, nil
		}
	}
	log.Warnw("all web3 endpoints disabled, resetting pool", "endpoints", len(p.endpoints))
	for _, e := range p.endpoints {
		e.available = true
	}
	return p.endpoints[0], nil
}

// DisableEndpoint flags the endpoint with the URI provided as unavailable.
func (p *Pool) DisableEndpoint(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.URI == uri {
			e.available = false
			log.Warnw("disabled web3 endpoint", "uri", uri)
			return
		}
	}
}

// Client returns a *Client backed by the pool. It returns an error if the
// pool has no endpoints.
func (p *Pool) Client() (*Client, error) {
	if _, err := p.Endpoint(); err != nil {
		return nil, err
	}
	return &Client{pool: p}, nil
}

// dial returns a new *ethclient.Client for the URI provided, retrying up to
// DefaultMaxDialRetries times.
func dial(ctx context.Context, uri string) (client *ethclient.Client, err error) {
	for i := 0; i < DefaultMaxDialRetries; i++ {
		if client, err = ethclient.DialContext(ctx, uri); err != nil {
			continue
		}
		return
	}
	return nil, fmt.Errorf("error dialing web3 provider uri '%s': %w", uri, err)
}
