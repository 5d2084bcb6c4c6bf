package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// Step identifies a stage of the relay pipeline in progress events. The set
// is closed so consumers can exhaustively handle every step.
type Step string

const (
	StepPreparing     Step = "preparing"
	StepApproving     Step = "approving"
	StepPulling       Step = "pulling"
	StepShielding     Step = "shielding_token"
	StepWaitingPOI    Step = "waiting_poi"
	StepProving       Step = "generating_proof"
	StepUnshielding   Step = "unshielding"
	StepTransferring  Step = "transferring_to_destination"
	StepInvokeAdapter Step = "invoking_adapter"
	StepResyncing     Step = "resyncing"
	StepComplete      Step = "complete"
	StepError         Step = "error"
)

// Cursor locates an element inside a loop of the pipeline, e.g. the second
// of three tokens being shielded.
type Cursor struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// PipelineProgress is one event of a pipeline run's progress stream. Each run
// produces an ordered sequence of events terminating in exactly one complete
// or error event.
type PipelineProgress struct {
	Step      Step        `json:"step"`
	Progress  int         `json:"progress"` // 0-100
	Message   string      `json:"message"`
	TxHash    common.Hash `json:"txHash,omitempty"`
	Token     *Cursor     `json:"tokenCursor,omitempty"`
	Recipient *Cursor     `json:"recipientCursor,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (p *PipelineProgress) Terminal() bool {
	return p.Step == StepComplete || p.Step == StepError
}
