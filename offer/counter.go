package offer

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/vcode"
)

// Decision answers a counter-offer.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// ProposeCounterRequest proposes an alternate price on an open offer.
type ProposeCounterRequest struct {
	OfferID        string
	Proposer       string
	Price          decimal.Decimal
	Note           string
	IdempotencyKey string
}

// ProposeCounter records a counter-offer from the offer's counter-party. At
// most one counter may be pending per offer.
func (s *Service) ProposeCounter(ctx context.Context, req ProposeCounterRequest) (lot.CounterOffer, error) {
	const op = "offer: propose counter"
	switch {
	case strings.TrimSpace(req.OfferID) == "":
		return lot.CounterOffer{}, apperr.New(apperr.KindValidation, op, "offer id required")
	case strings.TrimSpace(req.Proposer) == "":
		return lot.CounterOffer{}, apperr.New(apperr.KindValidation, op, "proposer required")
	case !req.Price.IsPositive():
		return lot.CounterOffer{}, apperr.New(apperr.KindValidation, op, "price must be positive")
	}
	scope := idempotency.Scope{
		Op:          "offer.counter",
		Actor:       req.Proposer,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req.OfferID, req.Price.String()),
	}

	var out lot.CounterOffer
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		agg, err := s.repo.LoadByIndex(tx, lot.OfferKey(req.OfferID))
		if err != nil {
			return err
		}
		o, ok := agg.Offer(req.OfferID)
		if !ok {
			return apperr.New(apperr.KindNotFound, op, "offer %s not found", req.OfferID)
		}
		if o.Audience.CounterpartyID != req.Proposer {
			return apperr.New(apperr.KindNotAuthorized, op, "only the offer's counter-party may counter")
		}
		if o.Status != lot.OfferOpen {
			return apperr.New(apperr.KindInvalidState, op, "offer %s is %s", o.ID, o.Status)
		}
		now := s.now().UTC()
		if !o.ExpiresAt.After(now) {
			return apperr.New(apperr.KindExpired, op, "offer %s expired", o.ID)
		}
		if pending, ok := agg.PendingCounter(o.ID); ok {
			return apperr.New(apperr.KindAlreadyPending, op, "counter %s is already pending on offer %s", pending.ID, o.ID)
		}

		c := lot.CounterOffer{
			ID:         s.idGen(),
			OfferID:    o.ID,
			LotID:      agg.Lot.ID,
			ProposerID: req.Proposer,
			Price:      req.Price,
			Note:       strings.TrimSpace(req.Note),
			Status:     lot.CounterPending,
			CreatedAt:  now,
		}
		agg.Counters = append(agg.Counters, c)
		if err := s.repo.Index(tx, lot.CounterKey(c.ID), agg.Lot.ID); err != nil {
			return err
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}
		lot.Record(tx, agg.Lot.ID, lot.EventCounterProposed, now, map[string]any{
			"offer_id":   o.ID,
			"counter_id": c.ID,
			"price":      c.Price.String(),
		}, req.Proposer, o.OriginatorID)
		out = c
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return lot.CounterOffer{}, err
	}
	return out, nil
}

// RespondCounterRequest answers a pending counter-offer.
type RespondCounterRequest struct {
	CounterID      string
	Responder      string
	Decision       Decision
	Reason         string
	IdempotencyKey string
}

// RespondResult is the outcome of a counter-offer response. Code is set when
// the counter was accepted.
type RespondResult struct {
	Counter lot.CounterOffer `json:"counter"`
	Offer   lot.Offer        `json:"offer"`
	Code    *vcode.Code      `json:"code,omitempty"`
}

// RespondCounter lets the offer's originator accept or reject a counter.
// Acceptance takes the counter price and settles the offer exactly as a
// winning claim does. Rejection closes the round and returns the lot to
// authorized so a fresh offer can be made.
func (s *Service) RespondCounter(ctx context.Context, req RespondCounterRequest) (RespondResult, error) {
	const op = "offer: respond counter"
	switch {
	case strings.TrimSpace(req.CounterID) == "":
		return RespondResult{}, apperr.New(apperr.KindValidation, op, "counter id required")
	case strings.TrimSpace(req.Responder) == "":
		return RespondResult{}, apperr.New(apperr.KindValidation, op, "responder required")
	case req.Decision != DecisionAccept && req.Decision != DecisionReject:
		return RespondResult{}, apperr.New(apperr.KindValidation, op, "decision must be accept or reject")
	case req.Decision == DecisionReject && strings.TrimSpace(req.Reason) == "":
		return RespondResult{}, apperr.New(apperr.KindValidation, op, "rejection requires a reason")
	}
	scope := idempotency.Scope{
		Op:          "offer.respond",
		Actor:       req.Responder,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req.CounterID, string(req.Decision)),
	}

	var out RespondResult
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		agg, err := s.repo.LoadByIndex(tx, lot.CounterKey(req.CounterID))
		if err != nil {
			return err
		}
		c, ok := agg.Counter(req.CounterID)
		if !ok {
			return apperr.New(apperr.KindNotFound, op, "counter %s not found", req.CounterID)
		}
		o, ok := agg.Offer(c.OfferID)
		if !ok {
			return apperr.New(apperr.KindNotFound, op, "offer %s not found", c.OfferID)
		}
		if o.OriginatorID != req.Responder {
			return apperr.New(apperr.KindNotAuthorized, op, "only the offer's originator may respond")
		}
		if c.Status != lot.CounterPending {
			return apperr.New(apperr.KindInvalidState, op, "counter %s is %s", c.ID, c.Status)
		}

		now := s.now().UTC()
		at := now
		c.RespondedAt = &at

		switch req.Decision {
		case DecisionAccept:
			if o.Status != lot.OfferOpen {
				return apperr.New(apperr.KindAlreadyTaken, op, "offer no longer available")
			}
			c.Status = lot.CounterAccepted
			o.Terms.PricePerUnit = c.Price
			code, superseded, err := s.settle(tx, agg, o, c.ProposerID, c.ID, now)
			if err != nil {
				return err
			}
			out.Code = &code
			lot.Record(tx, agg.Lot.ID, lot.EventCounterAccepted, now, map[string]any{
				"offer_id":             o.ID,
				"counter_id":           c.ID,
				"price":                c.Price.String(),
				"superseded_offer_ids": superseded,
			}, append([]string{o.OriginatorID, c.ProposerID, agg.Lot.CustodianID}, audienceOf(agg, superseded)...)...)
			lot.Record(tx, agg.Lot.ID, lot.EventCodeIssued, now, map[string]any{
				"offer_id":   o.ID,
				"counter_id": c.ID,
			}, o.OriginatorID, c.ProposerID)

		case DecisionReject:
			c.Status = lot.CounterRejected
			c.Reason = strings.TrimSpace(req.Reason)
			var closed, counters []string
			if o.Status == lot.OfferOpen {
				o.Status = lot.OfferRejected
				o.ClosedReason = "counter rejected: " + c.Reason
				o.UpdatedAt = now
				closed, counters = closeRound(agg, reasonRoundClosed, now)
				if err := reopen(agg, now); err != nil {
					return err
				}
			}
			lot.Record(tx, agg.Lot.ID, lot.EventCounterRejected, now, map[string]any{
				"offer_id":           o.ID,
				"counter_id":         c.ID,
				"reason":             c.Reason,
				"closed_offer_ids":   closed,
				"closed_counter_ids": counters,
			}, append([]string{o.OriginatorID, c.ProposerID, agg.Lot.CustodianID}, audienceOf(agg, closed)...)...)
		}

		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}
		out.Counter = *c
		out.Offer = *o
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return RespondResult{}, err
	}
	return out, nil
}

// GetCounter returns one counter-offer.
func (s *Service) GetCounter(ctx context.Context, counterID string) (lot.CounterOffer, error) {
	lotID, err := s.repo.Resolve(ctx, lot.CounterKey(counterID))
	if err != nil {
		return lot.CounterOffer{}, err
	}
	agg, err := s.repo.Get(ctx, lotID)
	if err != nil {
		return lot.CounterOffer{}, err
	}
	c, ok := agg.Counter(counterID)
	if !ok {
		return lot.CounterOffer{}, apperr.New(apperr.KindNotFound, "offer: get counter", "counter %s not found", counterID)
	}
	return *c, nil
}
