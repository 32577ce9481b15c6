package offer

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeflow/apperr"
	"tradeflow/ledger"
	"tradeflow/lot"
)

func TestCreateOffer_BroadcastFanOut(t *testing.T) {
	f := newFixture(t)
	lotID := f.authorizedLot(t)

	offers := f.broadcast(t, lotID, "buyer-a", "buyer-b", "buyer-c", "buyer-b", exporter)
	if len(offers) != 3 {
		t.Fatalf("expected 3 offers after dedupe, got %d", len(offers))
	}
	group := offers["buyer-a"].BroadcastGroupID
	if group == "" {
		t.Fatal("expected a broadcast group id")
	}
	for r, o := range offers {
		if o.BroadcastGroupID != group || o.Status != lot.OfferOpen || o.Round != 1 {
			t.Fatalf("unexpected offer for %s: %+v", r, o)
		}
		if o.Terms.ValidityDays != DefaultValidityDays {
			t.Fatalf("expected default validity, got %d", o.Terms.ValidityDays)
		}
		if want := f.clock.Now().Add(DefaultValidityDays * 24 * time.Hour); !o.ExpiresAt.Equal(want) {
			t.Fatalf("expected expiry %s, got %s", want, o.ExpiresAt)
		}
	}

	agg := f.aggregate(t, lotID)
	if agg.Lot.Phase != lot.PhaseOfferOpen || agg.Lot.Round != 1 {
		t.Fatalf("unexpected lot %+v", agg.Lot)
	}
	got, err := f.offers.GetOffer(context.Background(), offers["buyer-c"].ID)
	if err != nil || got.Audience.CounterpartyID != "buyer-c" {
		t.Fatalf("get offer: %+v %v", got, err)
	}
}

func TestCreateOffer_Guards(t *testing.T) {
	f := newFixture(t)
	lotID := f.authorizedLot(t)
	ctx := context.Background()

	base := CreateOfferRequest{
		LotID:          lotID,
		Originator:     exporter,
		Mode:           lot.DistributionDirect,
		CounterpartyID: "buyer-a",
		Terms:          terms("10"),
	}

	stranger := base
	stranger.Originator = "someone"
	if _, err := f.offers.CreateOffer(ctx, stranger); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("stranger: expected not authorized, got %v", err)
	}

	self := base
	self.CounterpartyID = exporter
	if _, err := f.offers.CreateOffer(ctx, self); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("self offer: expected validation, got %v", err)
	}

	county := base
	county.Mode = lot.DistributionBroadcast
	county.Scope = lot.ScopeCounty
	if _, err := f.offers.CreateOffer(ctx, county); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("county without value: expected validation, got %v", err)
	}

	noTerms := base
	noTerms.Terms = lot.Terms{PricePerUnit: price("10")}
	if _, err := f.offers.CreateOffer(ctx, noTerms); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing delivery and payment terms: expected validation, got %v", err)
	}

	noResolver := base
	noResolver.Mode = lot.DistributionBroadcast
	noResolver.Scope = lot.ScopeNationwide
	if _, err := f.offers.CreateOffer(ctx, noResolver); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("broadcast without audience: expected validation, got %v", err)
	}

	if _, err := f.offers.CreateOffer(ctx, base); err != nil {
		t.Fatalf("direct offer: %v", err)
	}
	if _, err := f.offers.CreateOffer(ctx, base); !errors.Is(err, apperr.ErrInvalidLotState) {
		t.Fatalf("second round while open: expected invalid lot state, got %v", err)
	}
}

func TestCreateOffer_ResolvesCommodityAudience(t *testing.T) {
	f := newFixture(t)
	lotID := f.authorizedLot(t)

	var gotScope lot.Scope
	var gotValue string
	f.offers.WithAudienceResolver(AudienceFunc(func(_ context.Context, scope lot.Scope, value string) ([]string, error) {
		gotScope, gotValue = scope, value
		return []string{"miller-1", "miller-2"}, nil
	}))

	offers, err := f.offers.CreateOffer(context.Background(), CreateOfferRequest{
		LotID:      lotID,
		Originator: exporter,
		Mode:       lot.DistributionBroadcast,
		Scope:      lot.ScopeCommodity,
		Terms:      terms("12"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gotScope != lot.ScopeCommodity || gotValue != "maize" {
		t.Fatalf("resolver called with %s=%q", gotScope, gotValue)
	}
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
}

func TestWithdrawOffer_ClosesRound(t *testing.T) {
	f := newFixture(t)
	lotID := f.authorizedLot(t)
	offers := f.broadcast(t, lotID, "buyer-a", "buyer-b")
	ctx := context.Background()

	if _, err := f.offers.WithdrawOffer(ctx, offers["buyer-a"].ID, "buyer-a"); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("recipient withdrawing: expected not authorized, got %v", err)
	}
	if _, err := f.offers.ProposeCounter(ctx, ProposeCounterRequest{OfferID: offers["buyer-b"].ID, Proposer: "buyer-b", Price: price("30")}); err != nil {
		t.Fatalf("propose counter: %v", err)
	}

	o, err := f.offers.WithdrawOffer(ctx, offers["buyer-a"].ID, exporter)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if o.Status != lot.OfferExpired || o.ClosedReason != reasonWithdrawn {
		t.Fatalf("unexpected withdrawn offer %+v", o)
	}

	agg := f.aggregate(t, lotID)
	if agg.Lot.Phase != lot.PhaseAuthorized {
		t.Fatalf("expected lot back to authorized, got %s", agg.Lot.Phase)
	}
	if len(agg.OpenOffers()) != 0 {
		t.Fatal("expected every offer of the round closed")
	}
	if agg.Counters[0].Status != lot.CounterRejected {
		t.Fatalf("expected pending counter rejected, got %s", agg.Counters[0].Status)
	}

	if _, err := f.offers.WithdrawOffer(ctx, offers["buyer-b"].ID, exporter); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("withdraw closed offer: expected invalid state, got %v", err)
	}

	next := f.broadcast(t, lotID, "buyer-c")
	if next["buyer-c"].Round != 2 {
		t.Fatalf("expected round 2, got %d", next["buyer-c"].Round)
	}
}

func TestExpireStaleOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.authorizedLot(t)
	staleOffers := f.broadcast(t, stale, "buyer-a", "buyer-b")

	won := f.authorizedLot(t)
	wonOffers := f.broadcast(t, won, "buyer-c")
	if _, err := f.offers.Accept(ctx, AcceptRequest{OfferID: wonOffers["buyer-c"].ID, Claimant: "buyer-c", IdempotencyKey: "k"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	n, err := f.offers.ExpireStaleOffers(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("early sweep: expected 0 expired, got %d %v", n, err)
	}

	f.clock.Advance(DefaultValidityDays * 24 * time.Hour)
	n, err = f.offers.ExpireStaleOffers(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired offers, got %d", n)
	}

	agg := f.aggregate(t, stale)
	if agg.Lot.Phase != lot.PhaseAuthorized {
		t.Fatalf("expected stale lot authorized, got %s", agg.Lot.Phase)
	}
	if _, err := f.store.Get(ctx, lot.SweepKey(stale)); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("swept lot must leave the sweep index, got %v", err)
	}
	o, _ := agg.Offer(staleOffers["buyer-a"].ID)
	if o.Status != lot.OfferExpired || o.ClosedReason != reasonValidity {
		t.Fatalf("unexpected expired offer %+v", o)
	}
	if f.aggregate(t, won).Lot.Phase != lot.PhaseOfferAccepted {
		t.Fatal("accepted lot must not be touched by the sweep")
	}
	if got := count(historyTypes(t, f, stale), lot.EventOfferExpired); got != 1 {
		t.Fatalf("expected one OFFER_EXPIRED entry, got %d", got)
	}

	if n, err := f.offers.ExpireStaleOffers(ctx, f.clock.Now()); err != nil || n != 0 {
		t.Fatalf("repeat sweep: expected 0, got %d %v", n, err)
	}
}

func TestAuthorizeLeavesOpenRoundAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lotID := f.authorizedLot(t)
	offers := f.broadcast(t, lotID, "buyer-a", "buyer-b")

	if _, err := f.lots.Authorize(ctx, lotID, custodian); !errors.Is(err, apperr.ErrInvalidLotState) {
		t.Fatalf("authorize open lot: expected invalid lot state, got %v", err)
	}
	agg := f.aggregate(t, lotID)
	if agg.Lot.Phase != lot.PhaseOfferOpen || len(agg.OpenOffers()) != 2 {
		t.Fatalf("round must stay open, got %s with %d open offers", agg.Lot.Phase, len(agg.OpenOffers()))
	}

	res, err := f.offers.Accept(ctx, AcceptRequest{OfferID: offers["buyer-a"].ID, Claimant: "buyer-a", IdempotencyKey: "k"})
	if err != nil || !res.Won {
		t.Fatalf("accept after rejected authorize: %+v %v", res, err)
	}
	if _, err := f.lots.Authorize(ctx, lotID, custodian); !errors.Is(err, apperr.ErrInvalidLotState) {
		t.Fatalf("authorize accepted lot: expected invalid lot state, got %v", err)
	}
}
