package offer

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/metrics"
	"tradeflow/vcode"
)

// Claim is one counter-party's attempt to accept an offer. It only lives for
// the arbitration and is recorded in the acceptance history entry.
type Claim struct {
	ID          string    `json:"id"`
	OfferID     string    `json:"offerId"`
	ClaimantID  string    `json:"claimantId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// AcceptRequest claims an offer.
type AcceptRequest struct {
	OfferID        string
	Claimant       string
	IdempotencyKey string
}

// AcceptResult is the arbitration outcome. A losing claim carries Won=false,
// the offer as it now stands and an AlreadyTaken error.
type AcceptResult struct {
	Won   bool        `json:"won"`
	Claim Claim       `json:"claim"`
	Offer lot.Offer   `json:"offer"`
	Code  *vcode.Code `json:"code,omitempty"`
}

// Accept arbitrates a claim. The first claim that finds the offer open wins:
// the offer becomes accepted, every other open offer of the lot is
// superseded, the lot moves to offer_accepted and a verification code is
// minted, all in one commit. Later claims fail with AlreadyTaken.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (AcceptResult, error) {
	const op = "offer: accept"
	if strings.TrimSpace(req.OfferID) == "" {
		return AcceptResult{}, apperr.New(apperr.KindValidation, op, "offer id required")
	}
	if strings.TrimSpace(req.Claimant) == "" {
		return AcceptResult{}, apperr.New(apperr.KindValidation, op, "claimant required")
	}
	scope := idempotency.Scope{
		Op:          "offer.accept",
		Actor:       req.Claimant,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req.OfferID),
	}
	if err := scope.Require(); err != nil {
		return AcceptResult{}, err
	}

	claim := Claim{
		ID:          s.idGen(),
		OfferID:     req.OfferID,
		ClaimantID:  req.Claimant,
		SubmittedAt: s.now().UTC(),
	}

	var out AcceptResult
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		out = AcceptResult{Claim: claim}
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
		if o.Audience.CounterpartyID != req.Claimant {
			return apperr.New(apperr.KindNotAuthorized, op, "offer %s is not addressed to %s", req.OfferID, req.Claimant)
		}
		if o.Status != lot.OfferOpen {
			out.Offer = *o
			return apperr.New(apperr.KindAlreadyTaken, op, "offer no longer available")
		}
		now := s.now().UTC()
		if !o.ExpiresAt.After(now) {
			out.Offer = *o
			return apperr.New(apperr.KindExpired, op, "offer %s expired at %s", o.ID, o.ExpiresAt.Format(time.RFC3339))
		}

		code, superseded, err := s.settle(tx, agg, o, req.Claimant, "", now)
		if err != nil {
			return err
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}

		lot.Record(tx, agg.Lot.ID, lot.EventOfferAccepted, now, map[string]any{
			"offer_id":             o.ID,
			"claim":                claim,
			"superseded_offer_ids": superseded,
		}, append([]string{o.OriginatorID, req.Claimant, agg.Lot.CustodianID}, audienceOf(agg, superseded)...)...)
		lot.Record(tx, agg.Lot.ID, lot.EventCodeIssued, now, map[string]any{
			"offer_id": o.ID,
		}, o.OriginatorID, req.Claimant)

		out.Won = true
		out.Offer = *o
		out.Code = &code
		return idempotency.Remember(tx, scope, out, now)
	})

	metrics.RecordClaim(claimOutcome(err))
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyTaken) || errors.Is(err, apperr.ErrExpired) {
			out.Won = false
			return out, err
		}
		return AcceptResult{}, err
	}
	return out, nil
}

// settle is the success branch shared by Accept and counter acceptance. It
// marks o accepted by winner, supersedes the rest of the round, closes
// pending counters, advances the lot and mints the verification code. The
// caller saves the aggregate.
func (s *Service) settle(tx *ledger.Txn, agg *lot.Aggregate, o *lot.Offer, winner, counterID string, now time.Time) (vcode.Code, []string, error) {
	if err := agg.Advance(lot.PhaseOfferAccepted, now); err != nil {
		return vcode.Code{}, nil, err
	}

	o.Status = lot.OfferAccepted
	o.AcceptedBy = winner
	at := now
	o.AcceptedAt = &at
	o.UpdatedAt = now

	superseded := make([]string, 0)
	for _, sib := range agg.OpenOffers() {
		sib.Status = lot.OfferSuperseded
		sib.ClosedReason = reasonSuperseded
		sib.UpdatedAt = now
		superseded = append(superseded, sib.ID)
	}

	all := make(map[string]struct{}, len(agg.Offers))
	for _, each := range agg.Offers {
		all[each.ID] = struct{}{}
	}
	agg.RejectPendingCounters(all, reasonAccepted, now)

	code, err := s.codes.Mint(tx, agg, o.ID, counterID, now)
	if err != nil {
		return vcode.Code{}, nil, err
	}
	return code, superseded, nil
}

func claimOutcome(err error) string {
	if err == nil {
		return "won"
	}
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
