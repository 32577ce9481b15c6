package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeflow/apperr"
	"tradeflow/ledger"
)

type result struct {
	ID string `json:"id"`
}

func run(t *testing.T, store ledger.Store, fn func(tx *ledger.Txn) error) error {
	t.Helper()
	_, err := ledger.RunTx(context.Background(), store, ledger.DefaultPolicy, fn)
	return err
}

func TestReplayReturnsRememberedResult(t *testing.T) {
	store := ledger.NewMemStore()
	scope := Scope{Op: "lot.register", Actor: "custodian-1", Key: "k1", Fingerprint: Fingerprint("a", "b")}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := run(t, store, func(tx *ledger.Txn) error {
		var out result
		hit, err := Replay(tx, scope, &out)
		if err != nil || hit {
			t.Fatalf("first call: expected miss, got hit=%v err=%v", hit, err)
		}
		return Remember(tx, scope, result{ID: "lot-1"}, now)
	}); err != nil {
		t.Fatalf("remember: %v", err)
	}

	var out result
	if err := run(t, store, func(tx *ledger.Txn) error {
		hit, err := Replay(tx, scope, &out)
		if !hit {
			t.Fatal("expected replay hit")
		}
		return err
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.ID != "lot-1" {
		t.Fatalf("expected replayed id lot-1, got %q", out.ID)
	}
}

func TestReplayRejectsReusedKey(t *testing.T) {
	store := ledger.NewMemStore()
	first := Scope{Op: "payment.request", Actor: "buyer", Key: "k", Fingerprint: Fingerprint("lot-1")}
	if err := run(t, store, func(tx *ledger.Txn) error {
		return Remember(tx, first, result{ID: "x"}, time.Now())
	}); err != nil {
		t.Fatalf("remember: %v", err)
	}

	second := first
	second.Fingerprint = Fingerprint("lot-2")
	err := run(t, store, func(tx *ledger.Txn) error {
		var out result
		_, err := Replay(tx, second, &out)
		return err
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConcurrentDuplicatesCollapse(t *testing.T) {
	store := ledger.NewMemStore()
	scope := Scope{Op: "code.redeem", Actor: "custodian", Key: "k", Fingerprint: Fingerprint("C")}

	// Both transactions miss on Replay, then race to Remember. The loser's
	// commit conflicts and its retry replays the winner's result.
	var attempts int
	err := run(t, store, func(tx *ledger.Txn) error {
		attempts++
		var out result
		if hit, err := Replay(tx, scope, &out); err != nil || hit {
			if out.ID != "winner" {
				t.Errorf("expected winner result on replay, got %q", out.ID)
			}
			return err
		}
		if attempts == 1 {
			if err := run(t, store, func(inner *ledger.Txn) error {
				return Remember(inner, scope, result{ID: "winner"}, time.Now())
			}); err != nil {
				t.Fatalf("inner remember: %v", err)
			}
		}
		return Remember(tx, scope, result{ID: "loser"}, time.Now())
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected a conflict retry, got %d attempts", attempts)
	}
}

func TestEmptyKeyIsNoop(t *testing.T) {
	scope := Scope{Op: "offer.accept", Actor: "b"}
	if err := scope.Require(); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	store := ledger.NewMemStore()
	if err := run(t, store, func(tx *ledger.Txn) error {
		return Remember(tx, scope, result{ID: "x"}, time.Now())
	}); err != nil {
		t.Fatalf("remember: %v", err)
	}
	entries, _ := store.Scan(context.Background(), "idem/")
	if len(entries) != 0 {
		t.Fatalf("expected no record for an empty key, got %d", len(entries))
	}
}

func TestFingerprintSeparatesParts(t *testing.T) {
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatal("fingerprint must separate parts")
	}
}

func TestScopesWithSeparatorsDoNotCollide(t *testing.T) {
	store := ledger.NewMemStore()
	first := Scope{Op: "offer.accept", Actor: "buyer/a", Key: "k", Fingerprint: Fingerprint("offer-1")}
	second := Scope{Op: "offer.accept", Actor: "buyer", Key: "a/k", Fingerprint: Fingerprint("offer-2")}
	if first.ledgerKey() == second.ledgerKey() {
		t.Fatal("scopes split differently must map to different records")
	}
	nul := Scope{Op: "offer.accept", Actor: "buyer\x00a", Key: "k"}
	if nul.ledgerKey() == (Scope{Op: "offer.accept", Actor: "buyer", Key: "a\x00k"}).ledgerKey() {
		t.Fatal("NUL bytes must not join parts")
	}

	if err := run(t, store, func(tx *ledger.Txn) error {
		return Remember(tx, first, result{ID: "won"}, time.Now())
	}); err != nil {
		t.Fatalf("remember: %v", err)
	}
	var out result
	if err := run(t, store, func(tx *ledger.Txn) error {
		hit, err := Replay(tx, second, &out)
		if hit {
			t.Fatalf("second scope replayed the first one's result %+v", out)
		}
		return err
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
}
