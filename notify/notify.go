// Package notify carries committed state transitions to interested parties.
// Delivery is fire-and-forget: a failing dispatcher is logged and never rolls
// back or delays the transition that produced the event.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeflow/ledger"
	"tradeflow/metrics"
)

// Event is the payload handed to dispatchers after each committed transition.
type Event struct {
	LotID   string         `json:"lotId"`
	Type    string         `json:"type"`
	Actors  []string       `json:"actors"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// FromHistory converts a committed history entry into an event.
func FromHistory(h ledger.HistoryEntry) Event {
	return Event{
		LotID:   h.Stream,
		Type:    h.Type,
		Actors:  h.Actors,
		Payload: h.Payload,
		At:      h.CreatedAt,
	}
}

// Involves reports whether actor is listed on the event.
func (e Event) Involves(actor string) bool {
	for _, a := range e.Actors {
		if a == actor {
			return true
		}
	}
	return false
}

// Dispatcher delivers one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, e Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi dispatches to every member and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, e Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter is the single emission point used by the services.
type Emitter struct {
	dispatcher Dispatcher
	logger     zerolog.Logger
	timeout    time.Duration
}

// NewEmitter wraps a dispatcher. A nil dispatcher drops every event.
func NewEmitter(d Dispatcher, logger zerolog.Logger) *Emitter {
	return &Emitter{dispatcher: d, logger: logger, timeout: 2 * time.Second}
}

// Emit delivers the committed history entries. Safe on a nil receiver.
func (em *Emitter) Emit(ctx context.Context, entries []ledger.HistoryEntry) {
	if em == nil || em.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), em.timeout)
	defer cancel()
	for _, h := range entries {
		e := FromHistory(h)
		if err := em.dispatcher.Dispatch(ctx, e); err != nil {
			metrics.RecordNotification(e.Type, false)
			em.logger.Warn().Err(err).Str("lot_id", e.LotID).Str("event", e.Type).Msg("notification dispatch failed")
			continue
		}
		metrics.RecordNotification(e.Type, true)
	}
}

// LogDispatcher writes every event to a logger.
type LogDispatcher struct {
	Logger zerolog.Logger
}

func (l LogDispatcher) Dispatch(_ context.Context, e Event) error {
	l.Logger.Info().
		Str("lot_id", e.LotID).
		Str("event", e.Type).
		Strs("actors", e.Actors).
		Msg("transition")
	return nil
}

// ErrSubscriberLagging is returned when an event could not be queued for a
// slow subscriber. The event is dropped for that subscriber only.
var ErrSubscriberLagging = errors.New("notify: subscriber lagging")

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

// Subscribe registers a buffered channel receiving events accepted by filter
// (nil accepts all). The returned cancel func closes the channel.
func (h *Hub) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = subscription{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Dispatch never blocks.
func (h *Hub) Dispatch(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var lagging bool
	for _, s := range h.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			lagging = true
		}
	}
	if lagging {
		return ErrSubscriberLagging
	}
	return nil
}
