// Package ledger is the transactional storage boundary of the settlement
// core. Values are versioned JSON documents; a Commit applies a set of
// compare-and-set writes and history appends atomically.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no entry exists for the key.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict signals that a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("ledger: version conflict")
	// ErrTransient signals a retry-safe storage failure.
	ErrTransient = errors.New("ledger: transient failure")
)

// Entry is a stored document. Version starts at 1 and increases on every write.
type Entry struct {
	Key     string
	Version int64
	Value   []byte
}

// Write replaces Key when its current version equals ExpectedVersion.
// ExpectedVersion zero means the key must not exist yet. A Delete write
// removes the key under the same version check; with ExpectedVersion zero it
// has no effect.
type Write struct {
	Key             string
	ExpectedVersion int64
	Value           []byte
	Delete          bool
}

// HistoryEntry is an append-only audit record grouped by Stream (a lot id).
type HistoryEntry struct {
	Stream    string         `json:"stream"`
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Actors    []string       `json:"actors,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Batch is the unit of atomicity.
type Batch struct {
	Writes  []Write
	History []HistoryEntry
}

// Empty reports whether the batch carries no effects.
func (b Batch) Empty() bool {
	return len(b.Writes) == 0 && len(b.History) == 0
}

// Store is implemented by MemStore and PGStore.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Commit applies all writes and history entries or none of them.
	Commit(ctx context.Context, batch Batch) error
	// Scan returns every entry whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	History(ctx context.Context, stream string) ([]HistoryEntry, error)
}

// CompareAndSet is the single-key form of Commit.
func CompareAndSet(ctx context.Context, s Store, key string, expectedVersion int64, value []byte) error {
	return s.Commit(ctx, Batch{Writes: []Write{{Key: key, ExpectedVersion: expectedVersion, Value: value}}})
}

// AppendHistory appends entries without touching any document.
func AppendHistory(ctx context.Context, s Store, entries ...HistoryEntry) error {
	return s.Commit(ctx, Batch{History: entries})
}
