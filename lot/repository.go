package lot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeflow/apperr"
	"tradeflow/ledger"
)

const (
	lotPrefix     = "lot/"
	offerPrefix   = "offer/"
	counterPrefix = "counter/"
	sweepPrefix   = "sweep/"
)

// Key is the ledger key of a lot aggregate.
func Key(lotID string) string { return lotPrefix + lotID }

// OfferKey is the ledger key of the offer → lot index.
func OfferKey(offerID string) string { return offerPrefix + offerID }

// CounterKey is the ledger key of the counter-offer → lot index.
func CounterKey(counterID string) string { return counterPrefix + counterID }

// SweepKey is the ledger key marking a lot with an open offer round.
func SweepKey(lotID string) string { return sweepPrefix + lotID }

// SweepEntry is present exactly while a lot is offer_open. ExpiresAt is the
// earliest expiry among its open offers.
type SweepEntry struct {
	LotID     string    `json:"lotId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Repository reads and stages lot aggregates.
type Repository struct {
	store ledger.Store
}

func NewRepository(store ledger.Store) *Repository {
	return &Repository{store: store}
}

// Load reads the aggregate inside tx.
func (r *Repository) Load(tx *ledger.Txn, lotID string) (*Aggregate, error) {
	if strings.TrimSpace(lotID) == "" {
		return nil, apperr.New(apperr.KindValidation, "lot", "lot id required")
	}
	var agg Aggregate
	found, err := tx.Load(Key(lotID), &agg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "lot", "lot %s not found", lotID)
	}
	return &agg, nil
}

// LoadByIndex resolves an index key (offer, counter, dispatch request) and
// loads the owning aggregate inside tx.
func (r *Repository) LoadByIndex(tx *ledger.Txn, indexKey string) (*Aggregate, error) {
	var idx IndexEntry
	found, err := tx.Load(indexKey, &idx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "lot", "%s not found", indexKey)
	}
	return r.Load(tx, idx.LotID)
}

// Save stages the aggregate and keeps its sweep entry in step with the phase.
func (r *Repository) Save(tx *ledger.Txn, agg *Aggregate) error {
	if err := tx.Put(Key(agg.Lot.ID), agg); err != nil {
		return err
	}
	key := SweepKey(agg.Lot.ID)
	if agg.Lot.Phase != PhaseOfferOpen {
		return tx.Delete(key)
	}
	next := SweepEntry{LotID: agg.Lot.ID}
	for _, o := range agg.OpenOffers() {
		if next.ExpiresAt.IsZero() || o.ExpiresAt.Before(next.ExpiresAt) {
			next.ExpiresAt = o.ExpiresAt
		}
	}
	var current SweepEntry
	found, err := tx.Load(key, &current)
	if err != nil {
		return err
	}
	if found && current.LotID == next.LotID && current.ExpiresAt.Equal(next.ExpiresAt) {
		return nil
	}
	return tx.Put(key, next)
}

// Index stages a secondary-id index entry. The key must be new.
func (r *Repository) Index(tx *ledger.Txn, indexKey, lotID string) error {
	return tx.Put(indexKey, IndexEntry{LotID: lotID})
}

// Get returns a committed aggregate snapshot.
func (r *Repository) Get(ctx context.Context, lotID string) (Aggregate, error) {
	entry, err := r.store.Get(ctx, Key(lotID))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Aggregate{}, apperr.New(apperr.KindNotFound, "lot", "lot %s not found", lotID)
		}
		return Aggregate{}, fmt.Errorf("lot: get: %w", err)
	}
	var agg Aggregate
	if err := json.Unmarshal(entry.Value, &agg); err != nil {
		return Aggregate{}, fmt.Errorf("lot: decode %s: %w", lotID, err)
	}
	return agg, nil
}

// Resolve returns the lot id an index key points at.
func (r *Repository) Resolve(ctx context.Context, indexKey string) (string, error) {
	entry, err := r.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", apperr.New(apperr.KindNotFound, "lot", "%s not found", indexKey)
		}
		return "", fmt.Errorf("lot: resolve %s: %w", indexKey, err)
	}
	var idx IndexEntry
	if err := json.Unmarshal(entry.Value, &idx); err != nil {
		return "", fmt.Errorf("lot: decode index %s: %w", indexKey, err)
	}
	return idx.LotID, nil
}

// Due returns the ids of open lots holding an offer that expired at or
// before now, ordered by lot id. Lots without an open round are never read.
func (r *Repository) Due(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := r.store.Scan(ctx, sweepPrefix)
	if err != nil {
		return nil, fmt.Errorf("lot: scan sweep entries: %w", err)
	}
	var out []string
	for _, e := range entries {
		var se SweepEntry
		if err := json.Unmarshal(e.Value, &se); err != nil {
			return nil, fmt.Errorf("lot: decode %s: %w", e.Key, err)
		}
		if !se.ExpiresAt.After(now) {
			out = append(out, se.LotID)
		}
	}
	return out, nil
}

// History returns the append-only history of a lot.
func (r *Repository) History(ctx context.Context, lotID string) ([]ledger.HistoryEntry, error) {
	entries, err := r.store.History(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("lot: history: %w", err)
	}
	return entries, nil
}

// Record stages a history entry on the lot's stream.
func Record(tx *ledger.Txn, lotID, eventType string, now time.Time, payload map[string]any, actors ...string) {
	tx.Append(ledger.HistoryEntry{
		Stream:    lotID,
		Type:      eventType,
		Actors:    dedupe(actors),
		Payload:   payload,
		CreatedAt: now.UTC(),
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
