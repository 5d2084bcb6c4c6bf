package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/veilpay/relayer/types"
)

// AppendProgress appends one progress event to the job's ordered log. Events
// are keyed by the job id plus a monotonic sequence number so iteration
// returns them in emission order.
func (s *Storage) AppendProgress(id uuid.UUID, event *types.PipelineProgress) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	seq := s.seq[id.String()]
	s.seq[id.String()] = seq + 1

	key := make([]byte, len(id)+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[len(id):], seq)

	val, err := encodeArtifact(event)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), progressPrefix)
	if err := wTx.Set(key, val); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// ProgressEvents returns the job's progress log in emission order.
func (s *Storage) ProgressEvents(id uuid.UUID) ([]*types.PipelineProgress, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, progressPrefix)
	var events []*types.PipelineProgress
	if err := rd.Iterate(id[:], func(_, v []byte) bool {
		var ev types.PipelineProgress
		if err := decodeArtifact(v, &ev); err != nil {
			return true
		}
		events = append(events, &ev)
		return true
	}); err != nil {
		return nil, fmt.Errorf("iterate progress events: %w", err)
	}
	return events, nil
}
