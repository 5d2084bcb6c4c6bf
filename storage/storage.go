// Package storage persists the artifacts of relay execution in a prefixed
// key-value store: accepted jobs, their terminal results and the append-only
// progress log each pipeline run produces. The following prefixes are used:
//   - 'j/' for relay jobs
//   - 'e/' for progress events (append-only per job)
//
// Secret material never reaches this package: the shielded credential of a
// request lives only in the in-memory payload handed to the pipeline worker.
package storage

import (
	"errors"
	"sync"

	"go.vocdoni.io/dvote/db"
)

var (
	// Prefixes for the keys in the database.
	jobPrefix      = []byte("j/")
	progressPrefix = []byte("e/")
)

var (
	// ErrNotFound is returned when the requested artifact does not exist.
	ErrNotFound = errors.New("not found")
)

// Storage wraps the key-value database with the relay-domain accessors.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	seq        map[string]uint64 // per-job progress sequence numbers
}

// New creates a new Storage instance.
func New(database db.Database) *Storage {
	return &Storage{
		db:  database,
		seq: make(map[string]uint64),
	}
}

// Close closes the storage.
func (s *Storage) Close() {
	s.db.Close()
}
