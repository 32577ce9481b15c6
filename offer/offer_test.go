package offer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/vcode"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *ledger.MemStore
	clock  *clock
	lots   *lot.Service
	offers *Service
	codes  *vcode.Issuer
}

const (
	custodian = "warehouse-1"
	exporter  = "exporter"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemStore()
	runner := lot.NewRunner(store, nil, zerolog.Nop())
	runner.Policy = ledger.Policy{MaxRetries: 50, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	c := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	codes := vcode.NewIssuer(runner).WithClock(c.Now)
	return &fixture{
		store:  store,
		clock:  c,
		lots:   lot.NewService(runner).WithClock(c.Now),
		offers: NewService(runner, codes).WithClock(c.Now),
		codes:  codes,
	}
}

// authorizedLot registers a lot owned by the exporter and authorizes it.
func (f *fixture) authorizedLot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	l, err := f.lots.Register(ctx, lot.RegisterParams{
		CustodianID: custodian,
		OwnerID:     exporter,
		Commodity:   "maize",
		Quantity:    decimal.NewFromInt(500),
		Unit:        "bag",
	})
	if err != nil {
		t.Fatalf("register lot: %v", err)
	}
	if _, err := f.lots.Authorize(ctx, l.ID, custodian); err != nil {
		t.Fatalf("authorize lot: %v", err)
	}
	return l.ID
}

func terms(price string) lot.Terms {
	return lot.Terms{
		PricePerUnit:  decimal.RequireFromString(price),
		DeliveryTerms: "ex-warehouse",
		PaymentTerms:  "cash on release",
	}
}

// broadcast opens a broadcast round and returns the offers keyed by recipient.
func (f *fixture) broadcast(t *testing.T, lotID string, recipients ...string) map[string]lot.Offer {
	t.Helper()
	offers, err := f.offers.CreateOffer(context.Background(), CreateOfferRequest{
		LotID:      lotID,
		Originator: exporter,
		Mode:       lot.DistributionBroadcast,
		Scope:      lot.ScopeNationwide,
		Recipients: recipients,
		Terms:      terms("31.50"),
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	byRecipient := make(map[string]lot.Offer, len(offers))
	for _, o := range offers {
		byRecipient[o.Audience.CounterpartyID] = o
	}
	return byRecipient
}

func (f *fixture) aggregate(t *testing.T, lotID string) lot.Aggregate {
	t.Helper()
	agg, err := f.lots.Get(context.Background(), lotID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	return agg
}

func historyTypes(t *testing.T, f *fixture, lotID string) []string {
	t.Helper()
	entries, err := f.lots.History(context.Background(), lotID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }
