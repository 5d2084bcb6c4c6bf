// Package types contains the data model shared between the API, the storage
// layer and the relay pipeline: relay requests and their transfer legs,
// shield receipts, recipient settlements and pipeline progress events.
package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Mode selects the execution strategy for a relay request. The two paths
// never mix within one request; the flag is evaluated once at acceptance.
type Mode string

const (
	// ModeFullPrivacy routes funds through the privacy pool: shield, wait
	// for the innocence check, prove and unshield per recipient.
	ModeFullPrivacy Mode = "full-privacy"
	// ModeFast skips the pool entirely and pays out directly from the
	// relayer balance. Weaker privacy, seconds instead of minutes.
	ModeFast Mode = "fast"
)

// GasAbstractionMethod describes how the relayer acquires spending rights
// over the user's tokens without the user paying gas.
type GasAbstractionMethod string

const (
	// MethodPermit submits a user-signed EIP-2612 permit with relayer gas.
	MethodPermit GasAbstractionMethod = "permit"
	// MethodAlreadyApproved expects an existing on-chain allowance.
	MethodAlreadyApproved GasAbstractionMethod = "already-approved"
	// MethodDelegated is reserved and not yet implemented.
	MethodDelegated GasAbstractionMethod = "delegated-authorization"
)

// PermitData carries a user-signed EIP-2612 permit message. The relayer
// submits it on-chain on the user's behalf.
type PermitData struct {
	Value    *BigInt  `json:"value"`
	Deadline uint64   `json:"deadline"`
	V        uint8    `json:"v"`
	R        HexBytes `json:"r"`
	S        HexBytes `json:"s"`
}

// GasAbstraction is the proof that the relayer may pull the user's tokens:
// either a signed permit message or a reference to an existing allowance.
type GasAbstraction struct {
	Method GasAbstractionMethod `json:"method"`
	Permit *PermitData          `json:"permit,omitempty"`
}

// ShieldedIdentity is the sender's privacy-pool address plus the decryption
// credential needed to scan its balance. It is reconstructed per request and
// must never outlive it: the relayer routes funds into the identity but never
// holds spending rights over it.
type ShieldedIdentity struct {
	Address    HexBytes `json:"address"`
	Credential HexBytes `json:"credential"`
}

// TransferLeg is one (token, amount, destination) triple of a relay request.
// If AdapterCall is set, the destination is a settlement adapter contract
// that performs a follow-on action (e.g. a swap) when the payout lands.
type TransferLeg struct {
	Token       common.Address `json:"token"`
	Amount      *BigInt        `json:"amount"`
	Destination common.Address `json:"destination"`
	AdapterCall HexBytes       `json:"adapterCall,omitempty"`
}

// RelayRequest is the unit of work accepted by the relay API. Immutable once
// accepted.
type RelayRequest struct {
	Sender         common.Address   `json:"sender"`
	Shielded       ShieldedIdentity `json:"shielded"`
	Legs           []TransferLeg    `json:"legs"`
	GasAbstraction GasAbstraction   `json:"gasAbstraction"`
	Mode           Mode             `json:"mode"`
}

// Validate performs the synchronous acceptance check on the request. It
// returns a descriptive error for the first malformed field found.
func (r *RelayRequest) Validate() error {
	if r.Sender == (common.Address{}) {
		return fmt.Errorf("missing sender address")
	}
	if len(r.Legs) == 0 {
		return fmt.Errorf("request has no transfer legs")
	}
	for i, leg := range r.Legs {
		if leg.Token == (common.Address{}) {
			return fmt.Errorf("leg %d: missing token address", i)
		}
		if leg.Destination == (common.Address{}) {
			return fmt.Errorf("leg %d: missing destination address", i)
		}
		if leg.Amount == nil || leg.Amount.Sign() <= 0 {
			return fmt.Errorf("leg %d: amount must be positive", i)
		}
	}
	switch r.Mode {
	case ModeFullPrivacy, ModeFast:
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	switch r.GasAbstraction.Method {
	case MethodPermit:
		if r.GasAbstraction.Permit == nil {
			return fmt.Errorf("permit method requires a signed permit")
		}
		if r.GasAbstraction.Permit.Value == nil || r.GasAbstraction.Permit.Value.Sign() <= 0 {
			return fmt.Errorf("permit value must be positive")
		}
	case MethodAlreadyApproved, MethodDelegated:
	default:
		return fmt.Errorf("unknown gas abstraction method %q", r.GasAbstraction.Method)
	}
	if r.Mode == ModeFullPrivacy {
		if len(r.Shielded.Address) == 0 || len(r.Shielded.Credential) == 0 {
			return fmt.Errorf("full-privacy mode requires a shielded identity")
		}
	}
	return nil
}

// TokenGroup aggregates the legs of a request that share a token address.
// One shield deposit is performed per group.
type TokenGroup struct {
	Token  common.Address
	Amount *BigInt // summed over all legs of the token
	Legs   []int   // indices into RelayRequest.Legs, in request order
}

// TokenGroups derives the token groups of the request, preserving the order
// in which each token first appears.
func (r *RelayRequest) TokenGroups() []*TokenGroup {
	var groups []*TokenGroup
	index := make(map[common.Address]*TokenGroup)
	for i, leg := range r.Legs {
		g, ok := index[leg.Token]
		if !ok {
			g = &TokenGroup{Token: leg.Token, Amount: new(BigInt)}
			index[leg.Token] = g
			groups = append(groups, g)
		}
		g.Amount.MathBigInt().Add(g.Amount.MathBigInt(), leg.Amount.MathBigInt())
		g.Legs = append(g.Legs, i)
	}
	return groups
}
