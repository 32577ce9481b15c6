package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradeflow/ledger"
)

func TestHubFiltersAndCancels(t *testing.T) {
	hub := NewHub()
	mine, cancelMine := hub.Subscribe(4, func(e Event) bool { return e.Involves("buyer-b") })
	all, cancelAll := hub.Subscribe(4, nil)
	defer cancelAll()

	_ = hub.Dispatch(context.Background(), Event{LotID: "l1", Type: "OFFER_ACCEPTED", Actors: []string{"seller", "buyer-b"}})
	_ = hub.Dispatch(context.Background(), Event{LotID: "l1", Type: "OFFER_CREATED", Actors: []string{"seller", "buyer-c"}})

	if got := len(mine); got != 1 {
		t.Fatalf("filtered subscriber: expected 1 event, got %d", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber: expected 2 events, got %d", got)
	}

	cancelMine()
	cancelMine()
	<-mine
	if _, open := <-mine; open {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestHubReportsLaggingSubscriber(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(1, nil)
	defer cancel()

	if err := hub.Dispatch(context.Background(), Event{Type: "A"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := hub.Dispatch(context.Background(), Event{Type: "B"}); !errors.Is(err, ErrSubscriberLagging) {
		t.Fatalf("expected ErrSubscriberLagging, got %v", err)
	}
}

func TestEmitterSwallowsDispatchFailures(t *testing.T) {
	var delivered []string
	d := Multi{
		DispatcherFunc(func(context.Context, Event) error { return errors.New("webhook down") }),
		DispatcherFunc(func(_ context.Context, e Event) error {
			delivered = append(delivered, e.Type)
			return nil
		}),
	}
	em := NewEmitter(d, zerolog.Nop())
	em.Emit(context.Background(), []ledger.HistoryEntry{
		{Stream: "l1", Type: "PAYMENT_REQUESTED", CreatedAt: time.Now()},
		{Stream: "l1", Type: "PAYMENT_CONFIRMED", CreatedAt: time.Now()},
	})
	if len(delivered) != 2 || delivered[0] != "PAYMENT_REQUESTED" {
		t.Fatalf("expected both events delivered in order, got %v", delivered)
	}
}

func TestEmitterNilIsSafe(t *testing.T) {
	var em *Emitter
	em.Emit(context.Background(), []ledger.HistoryEntry{{Stream: "l1", Type: "X"}})
	NewEmitter(nil, zerolog.Nop()).Emit(context.Background(), []ledger.HistoryEntry{{Stream: "l1", Type: "X"}})
}

func TestFromHistory(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := FromHistory(ledger.HistoryEntry{Stream: "l9", Type: "CODE_ISSUED", Actors: []string{"a"}, CreatedAt: at})
	if e.LotID != "l9" || e.Type != "CODE_ISSUED" || !e.At.Equal(at) || !e.Involves("a") {
		t.Fatalf("unexpected event %+v", e)
	}
}
