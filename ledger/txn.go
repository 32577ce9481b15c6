package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tradeflow/apperr"
)

// Txn collects reads and writes for one optimistic commit. Every key written
// is compare-and-set against the version observed when it was loaded; keys
// written without a prior load must not exist yet.
type Txn struct {
	ctx      context.Context
	store    Store
	reads    map[string]int64
	writes   []Write
	writeIdx map[string]int
	history  []HistoryEntry
}

func newTxn(ctx context.Context, store Store) *Txn {
	return &Txn{
		ctx:      ctx,
		store:    store,
		reads:    make(map[string]int64),
		writeIdx: make(map[string]int),
	}
}

// Context returns the context the transaction runs under.
func (t *Txn) Context() context.Context { return t.ctx }

// Load decodes the document at key into out. It returns false when the key
// does not exist. Pending writes of this transaction are visible.
func (t *Txn) Load(key string, out any) (bool, error) {
	if i, ok := t.writeIdx[key]; ok {
		if t.writes[i].Delete {
			return false, nil
		}
		if err := json.Unmarshal(t.writes[i].Value, out); err != nil {
			return false, fmt.Errorf("ledger: decode pending %s: %w", key, err)
		}
		return true, nil
	}
	entry, err := t.store.Get(t.ctx, key)
	if errors.Is(err, ErrNotFound) {
		t.reads[key] = 0
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.reads[key] = entry.Version
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return false, fmt.Errorf("ledger: decode %s: %w", key, err)
	}
	return true, nil
}

// Put stages v as the new document for key.
func (t *Txn) Put(key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", key, err)
	}
	if i, ok := t.writeIdx[key]; ok {
		t.writes[i].Value = body
		t.writes[i].Delete = false
		return nil
	}
	t.writeIdx[key] = len(t.writes)
	t.writes = append(t.writes, Write{Key: key, ExpectedVersion: t.reads[key], Value: body})
	return nil
}

// Delete stages removal of key, compare-and-set against the version observed
// by a prior Load. Deleting a key that does not exist is a no-op.
func (t *Txn) Delete(key string) error {
	if i, ok := t.writeIdx[key]; ok {
		t.writes[i].Value = nil
		t.writes[i].Delete = true
		return nil
	}
	if _, seen := t.reads[key]; !seen {
		var raw json.RawMessage
		if _, err := t.Load(key, &raw); err != nil {
			return err
		}
	}
	version := t.reads[key]
	if version == 0 {
		return nil
	}
	t.writeIdx[key] = len(t.writes)
	t.writes = append(t.writes, Write{Key: key, ExpectedVersion: version, Delete: true})
	return nil
}

// Append stages a history entry.
func (t *Txn) Append(h HistoryEntry) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	t.history = append(t.history, h)
}

func (t *Txn) batch() Batch {
	return Batch{Writes: t.writes, History: t.history}
}

// Policy bounds the optimistic retry loop.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry, when set, observes every retried attempt.
	OnRetry func(err error, wait time.Duration)
}

// DefaultPolicy is used when a service is built without explicit retry settings.
var DefaultPolicy = Policy{
	MaxRetries:      8,
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// RunTx executes fn in a fresh Txn and commits the staged batch. Version
// conflicts and transient store errors rerun fn from scratch; any other
// error from fn aborts without retry. It returns the committed history so
// callers can emit notifications. An empty batch commits nothing.
func RunTx(ctx context.Context, store Store, p Policy, fn func(tx *Txn) error) ([]HistoryEntry, error) {
	var committed []HistoryEntry

	op := func() error {
		tx := newTxn(ctx, store)
		if err := fn(tx); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		batch := tx.batch()
		if batch.Empty() {
			committed = nil
			return nil
		}
		if err := store.Commit(ctx, batch); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		committed = batch.History
		return nil
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, wait)
		}
	})
	if err != nil {
		if retryable(err) {
			return nil, apperr.Wrap(apperr.KindTransient, "ledger: retries exhausted", err)
		}
		return nil, err
	}
	return committed, nil
}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}
