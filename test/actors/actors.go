package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeflow/apperr"
	"tradeflow/dispatch"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/offer"
	"tradeflow/payment"
	"tradeflow/vcode"
)

// World is the set of services the actors drive, all sharing one ledger.
type World struct {
	Lots     *lot.Service
	Offers   *offer.Service
	Codes    *vcode.Issuer
	Payments *payment.Service
	Dispatch *dispatch.Service
}

func NewWorld(store ledger.Store, logger zerolog.Logger) World {
	runner := lot.NewRunner(store, nil, logger)
	runner.Policy = ledger.Policy{MaxRetries: 40, InitialInterval: 2 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	codes := vcode.NewIssuer(runner)
	d := dispatch.NewService(runner)
	return World{
		Lots:     lot.NewService(runner).WithDispatchChecker(d),
		Offers:   offer.NewService(runner, codes),
		Codes:    codes,
		Payments: payment.NewService(runner),
		Dispatch: d,
	}
}

// Round is one broadcast published by a seller.
type Round struct {
	LotID  string
	Seller string
	Offers map[string]string // buyer -> offer id
}

// Deal is a lot whose offer was accepted and still needs settling.
type Deal struct {
	LotID  string
	Seller string
	Buyer  string
	Code   string
}

// Board is the shared view actors use to find work.
type Board struct {
	mu     sync.Mutex
	rounds []Round
	deals  []Deal
}

const boardWindow = 32

func (b *Board) Post(r Round) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rounds = append(b.rounds, r)
	if len(b.rounds) > boardWindow {
		b.rounds = b.rounds[len(b.rounds)-boardWindow:]
	}
}

// Pick returns a random recent round.
func (b *Board) Pick() (Round, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rounds) == 0 {
		return Round{}, false
	}
	return b.rounds[rand.Intn(len(b.rounds))], true
}

func (b *Board) Won(d Deal) {
	b.mu.Lock()
	b.deals = append(b.deals, d)
	b.mu.Unlock()
}

// TakeDeal pops the oldest unsettled deal.
func (b *Board) TakeDeal() (Deal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deals) == 0 {
		return Deal{}, false
	}
	d := b.deals[0]
	b.deals = b.deals[1:]
	return d, true
}

// tolerable reports whether err is an outcome the workload expects under
// contention or chaos.
func tolerable(err error, kinds ...apperr.Kind) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ledger.ErrTransient) || errors.Is(err, apperr.ErrTransient) {
		return true
	}
	kind := apperr.KindOf(err)
	for _, k := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Seller keeps registering lots and broadcasting them to every buyer.
func Seller(ctx context.Context, w World, b *Board, custodian, seller string, buyers []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		l, err := w.Lots.Register(ctx, lot.RegisterParams{
			CustodianID: custodian,
			OwnerID:     seller,
			Commodity:   "maize",
			Quantity:    decimal.NewFromInt(int64(50 + rand.Intn(500))),
			Unit:        "bag",
		})
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("seller register: %w", err)
		}
		if _, err := w.Lots.Authorize(ctx, l.ID, custodian); err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("seller authorize: %w", err)
		}
		offers, err := w.Offers.CreateOffer(ctx, offer.CreateOfferRequest{
			LotID:      l.ID,
			Originator: seller,
			Mode:       lot.DistributionBroadcast,
			Scope:      lot.ScopeNationwide,
			Recipients: buyers,
			Terms: lot.Terms{
				PricePerUnit:  decimal.NewFromFloat(28.5).Add(decimal.NewFromInt(int64(rand.Intn(5)))),
				DeliveryTerms: "ex-warehouse",
				PaymentTerms:  "cash on release",
			},
		})
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("seller create offer: %w", err)
		}
		r := Round{LotID: l.ID, Seller: seller, Offers: make(map[string]string, len(offers))}
		for _, o := range offers {
			r.Offers[o.Audience.CounterpartyID] = o.ID
		}
		b.Post(r)
		pause(20, 40)
	}
}

// Buyer races the other buyers for recent rounds. Most attempts claim the
// offer outright, some propose a counter instead.
func Buyer(ctx context.Context, w World, b *Board, buyer string, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		r, ok := b.Pick()
		if !ok {
			pause(5, 10)
			continue
		}
		offerID := r.Offers[buyer]

		if rand.Intn(5) == 0 {
			_, err := w.Offers.ProposeCounter(ctx, offer.ProposeCounterRequest{
				OfferID:        offerID,
				Proposer:       buyer,
				Price:          decimal.NewFromInt(int64(25 + rand.Intn(5))),
				IdempotencyKey: fmt.Sprintf("%s-counter-%d", buyer, n),
			})
			if !tolerable(err, apperr.KindAlreadyPending, apperr.KindInvalidState, apperr.KindExpired) {
				return fmt.Errorf("buyer %s counter: %w", buyer, err)
			}
			pause(5, 15)
			continue
		}

		res, err := w.Offers.Accept(ctx, offer.AcceptRequest{
			OfferID:        offerID,
			Claimant:       buyer,
			IdempotencyKey: fmt.Sprintf("%s-accept-%d", buyer, n),
		})
		switch {
		case err == nil && res.Won:
			b.Won(Deal{LotID: r.LotID, Seller: r.Seller, Buyer: buyer, Code: res.Code.Value})
		case tolerable(err, apperr.KindAlreadyTaken, apperr.KindExpired):
		default:
			return fmt.Errorf("buyer %s accept: %w", buyer, err)
		}
		pause(5, 15)
	}
}

// Negotiator answers pending counters on the seller's recent rounds.
func Negotiator(ctx context.Context, w World, b *Board, seller string, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		r, ok := b.Pick()
		if !ok || r.Seller != seller {
			pause(5, 10)
			continue
		}
		agg, err := w.Lots.Get(ctx, r.LotID)
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("negotiator get: %w", err)
		}
		for _, c := range agg.Counters {
			if c.Status != lot.CounterPending {
				continue
			}
			req := offer.RespondCounterRequest{
				CounterID:      c.ID,
				Responder:      seller,
				Decision:       offer.DecisionAccept,
				IdempotencyKey: fmt.Sprintf("%s-respond-%d", seller, n),
			}
			if rand.Intn(2) == 0 {
				req.Decision = offer.DecisionReject
				req.Reason = "below floor"
			}
			res, err := w.Offers.RespondCounter(ctx, req)
			switch {
			case err == nil && res.Code != nil:
				b.Won(Deal{LotID: r.LotID, Seller: seller, Buyer: c.ProposerID, Code: res.Code.Value})
			case tolerable(err, apperr.KindAlreadyTaken, apperr.KindInvalidState, apperr.KindInvalidLotState):
			default:
				return fmt.Errorf("negotiator respond: %w", err)
			}
			break
		}
		pause(10, 30)
	}
}

// Settler walks accepted deals through payment, dispatch, code redemption
// and archival. A deal interrupted by a transient error goes back on the
// board; every step is safe to repeat.
func Settler(ctx context.Context, w World, b *Board, custodian string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d, ok := b.TakeDeal()
		if !ok {
			pause(10, 20)
			continue
		}
		err := settle(ctx, w, d, custodian)
		if err == nil {
			continue
		}
		if tolerable(err) {
			b.Won(d)
			continue
		}
		return fmt.Errorf("settle lot %s: %w", d.LotID, err)
	}
}

func settle(ctx context.Context, w World, d Deal, custodian string) error {
	key := "settle-" + d.LotID
	steps := []struct {
		call  func(context.Context, payment.Request) (payment.Workflow, error)
		actor string
	}{
		{w.Payments.RequestPayment, d.Seller},
		{w.Payments.ConfirmPayment, d.Buyer},
		{w.Payments.ValidatePayment, d.Seller},
	}
	for _, s := range steps {
		if _, err := s.call(ctx, payment.Request{LotID: d.LotID, Actor: s.actor, IdempotencyKey: key}); err != nil {
			return err
		}
	}

	r, err := w.Dispatch.ScheduleDispatch(ctx, dispatch.ScheduleRequest{
		LotID:          d.LotID,
		Requester:      d.Buyer,
		PickupDate:     time.Now().Add(24 * time.Hour),
		Address:        "Mill Road",
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	if _, err := w.Dispatch.ConfirmDispatch(ctx, r.ID, custodian); err != nil {
		return err
	}
	if _, err := w.Codes.RedeemCode(ctx, vcode.RedeemRequest{Code: d.Code, Actor: custodian, IdempotencyKey: key}); err != nil {
		return err
	}
	_, err = w.Lots.Archive(ctx, d.LotID, custodian)
	return err
}

// Sweeper occasionally runs the stale-offer sweep with a clock past every
// validity window, racing it against live claims.
func Sweeper(ctx context.Context, w World, stop <-chan struct{}) error {
	ticker := time.NewTicker(750 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
		}
		if rand.Intn(3) != 0 {
			continue
		}
		if _, err := w.Offers.ExpireStaleOffers(ctx, time.Now().Add(30*24*time.Hour)); !tolerable(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
	}
}
