package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a shield receipt or recipient settlement.
// Transitions are monotonic: pending may move to exactly one terminal state
// and terminal states never revert.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusComplete || s == StatusError
}

// ShieldReceipt records one pool deposit for a token group. Created when the
// shield transaction is submitted, finalized exactly once on confirmation or
// failure.
type ShieldReceipt struct {
	Token  common.Address `json:"token"`
	Amount *BigInt        `json:"amount"`
	TxHash common.Hash    `json:"txHash"`
	Status Status         `json:"status"`
}

// MarkConfirmed finalizes the receipt as confirmed. It reports whether the
// transition was applied; a receipt already in a terminal state is never
// mutated.
func (r *ShieldReceipt) MarkConfirmed(tx common.Hash) bool {
	if r.Status.Terminal() {
		return false
	}
	r.TxHash = tx
	r.Status = StatusConfirmed
	return true
}

// MarkError finalizes the receipt as failed.
func (r *ShieldReceipt) MarkError() bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusError
	return true
}

// RecipientSettlement tracks the payout of a single transfer leg. One exists
// per leg of the original request; only the settlement executor mutates it.
type RecipientSettlement struct {
	Destination common.Address `json:"destination"`
	Token       common.Address `json:"token"`
	Requested   *BigInt        `json:"requested"`
	PostFee     *BigInt        `json:"postFee,omitempty"`
	Status      Status         `json:"status"`
	TxHash      common.Hash    `json:"txHash,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// MarkComplete finalizes the settlement as complete with the settled amount
// and transaction. Terminal settlements are never mutated.
func (s *RecipientSettlement) MarkComplete(postFee *BigInt, tx common.Hash) bool {
	if s.Status.Terminal() {
		return false
	}
	s.PostFee = postFee
	s.TxHash = tx
	s.Status = StatusComplete
	return true
}

// MarkError finalizes the settlement as failed with a human-readable reason.
func (s *RecipientSettlement) MarkError(reason string) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Error = reason
	s.Status = StatusError
	return true
}

// RelayResult is the terminal outcome of one pipeline run. Partial success is
// a valid terminal outcome: Settlements carries the per-recipient statuses.
type RelayResult struct {
	Shields     []*ShieldReceipt       `json:"shields,omitempty"`
	Settlements []*RecipientSettlement `json:"settlements"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
}

// AllFailed reports whether no recipient at all was settled.
func (r *RelayResult) AllFailed() bool {
	return r.Completed == 0 && len(r.Settlements) > 0
}
