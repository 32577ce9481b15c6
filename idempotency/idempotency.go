// Package idempotency stores the outcome of state-mutating requests in the
// ledger, inside the same commit as the effect, so a retried request with the
// same key replays the original result instead of applying twice.
package idempotency

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"tradeflow/apperr"
	"tradeflow/ledger"
)

// Record is the stored outcome of one keyed request.
type Record struct {
	Op          string          `json:"op"`
	Actor       string          `json:"actor"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Scope identifies a keyed request: the operation, the acting party and the
// caller-supplied key. Fingerprint binds the key to the request target.
type Scope struct {
	Op          string
	Actor       string
	Key         string
	Fingerprint string
}

// ledgerKey returns the ledger key of the replay record. Actor and key are
// caller-supplied and hashed as separate parts so no choice of either can
// address another scope's record.
func (s Scope) ledgerKey() string {
	return "idem/" + s.Op + "/" + Fingerprint(s.Actor, s.Key)
}

// Require validates that a key was supplied.
func (s Scope) Require() error {
	if strings.TrimSpace(s.Key) == "" {
		return apperr.New(apperr.KindValidation, s.Op, "idempotency key required")
	}
	return nil
}

// Fingerprint hashes the parts that identify a request target.
func Fingerprint(parts ...string) string {
	h, _ := blake2b.New256(nil)
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Replay loads a prior result for the scope into out. It reports false when
// the key is unused or empty. Reusing a key for a different request is a
// validation error.
func Replay(tx *ledger.Txn, s Scope, out any) (bool, error) {
	if s.Key == "" {
		return false, nil
	}
	var rec Record
	found, err := tx.Load(s.ledgerKey(), &rec)
	if err != nil || !found {
		return false, err
	}
	if rec.Fingerprint != s.Fingerprint {
		return false, apperr.New(apperr.KindValidation, s.Op, "idempotency key %q reused for a different request", s.Key)
	}
	if err := json.Unmarshal(rec.Result, out); err != nil {
		return false, fmt.Errorf("idempotency: decode result: %w", err)
	}
	return true, nil
}

// Remember stages the result under the scope. The write only succeeds if the
// key is still unused, so concurrent duplicates collapse onto one winner.
func Remember(tx *ledger.Txn, s Scope, result any, now time.Time) error {
	if s.Key == "" {
		return nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: encode result: %w", err)
	}
	return tx.Put(s.ledgerKey(), Record{
		Op:          s.Op,
		Actor:       s.Actor,
		Fingerprint: s.Fingerprint,
		Result:      body,
		CreatedAt:   now.UTC(),
	})
}
