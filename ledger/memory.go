package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-process Store used by tests and single-node development.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	history map[string][]HistoryEntry
}

func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]Entry),
		history: make(map[string][]HistoryEntry),
	}
}

func (s *MemStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemStore) Commit(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(batch.Writes))
	for _, w := range batch.Writes {
		if _, dup := seen[w.Key]; dup {
			return ErrConflict
		}
		seen[w.Key] = struct{}{}
		if w.Delete && w.ExpectedVersion == 0 {
			continue
		}
		current, exists := s.entries[w.Key]
		switch {
		case w.ExpectedVersion == 0 && exists:
			return ErrConflict
		case w.ExpectedVersion != 0 && (!exists || current.Version != w.ExpectedVersion):
			return ErrConflict
		}
	}

	for _, w := range batch.Writes {
		if w.Delete {
			delete(s.entries, w.Key)
			continue
		}
		value := make([]byte, len(w.Value))
		copy(value, w.Value)
		s.entries[w.Key] = Entry{Key: w.Key, Version: w.ExpectedVersion + 1, Value: value}
	}
	for _, h := range batch.History {
		h.Seq = len(s.history[h.Stream]) + 1
		s.history[h.Stream] = append(s.history[h.Stream], h)
	}
	return nil
}

func (s *MemStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, 16)
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemStore) History(ctx context.Context, stream string) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.history[stream]
	out := make([]HistoryEntry, len(src))
	copy(out, src)
	return out, nil
}

func cloneEntry(e Entry) Entry {
	v := make([]byte, len(e.Value))
	copy(v, e.Value)
	return Entry{Key: e.Key, Version: e.Version, Value: v}
}
