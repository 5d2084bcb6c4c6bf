package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/types"
)

// RelaySubmitResponse is the response to a new relay submission.
type RelaySubmitResponse struct {
	RelayID uuid.UUID `json:"relayId"`
}

// RelayStatusResponse is the response to a relay status request. LastEvent is
// the most recent progress event, so polling clients get a one-line summary
// without opening the stream.
type RelayStatusResponse struct {
	RelayID   uuid.UUID               `json:"relayId"`
	Status    storage.JobStatus       `json:"status"`
	CreatedAt time.Time               `json:"createdAt"`
	Result    *types.RelayResult      `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	LastEvent *types.PipelineProgress `json:"lastEvent,omitempty"`
}
