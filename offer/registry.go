package offer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/metrics"
)

const (
	reasonWithdrawn   = "withdrawn"
	reasonValidity    = "validity window elapsed"
	reasonAccepted    = "offer accepted"
	reasonSuperseded  = "accepted elsewhere"
	reasonRoundClosed = "round closed"
)

// CreateOfferRequest opens a new offer round on an authorized lot.
type CreateOfferRequest struct {
	LotID      string
	Originator string
	Mode       lot.Distribution
	// CounterpartyID is the target of a direct offer.
	CounterpartyID string
	// Scope and ScopeValue describe a broadcast audience. Recipients, when
	// set, are used as-is; otherwise the AudienceResolver supplies them.
	Scope          lot.Scope
	ScopeValue     string
	Recipients     []string
	Terms          lot.Terms
	IdempotencyKey string
}

func (r CreateOfferRequest) validate() error {
	const op = "offer: create"
	switch {
	case strings.TrimSpace(r.LotID) == "":
		return apperr.New(apperr.KindValidation, op, "lot id required")
	case strings.TrimSpace(r.Originator) == "":
		return apperr.New(apperr.KindValidation, op, "originator required")
	case !r.Terms.PricePerUnit.IsPositive():
		return apperr.New(apperr.KindValidation, op, "price per unit must be positive")
	case strings.TrimSpace(r.Terms.DeliveryTerms) == "":
		return apperr.New(apperr.KindValidation, op, "delivery terms required")
	case strings.TrimSpace(r.Terms.PaymentTerms) == "":
		return apperr.New(apperr.KindValidation, op, "payment terms required")
	case r.Terms.ValidityDays < 0:
		return apperr.New(apperr.KindValidation, op, "validity days must not be negative")
	}
	switch r.Mode {
	case lot.DistributionDirect:
		if strings.TrimSpace(r.CounterpartyID) == "" {
			return apperr.New(apperr.KindValidation, op, "direct offer requires a counter-party")
		}
		if r.CounterpartyID == r.Originator {
			return apperr.New(apperr.KindValidation, op, "originator cannot be the counter-party")
		}
	case lot.DistributionBroadcast:
		switch r.Scope {
		case lot.ScopeCounty:
			if strings.TrimSpace(r.ScopeValue) == "" {
				return apperr.New(apperr.KindValidation, op, "county scope requires a county")
			}
		case lot.ScopeCommodity, lot.ScopeNationwide:
		default:
			return apperr.New(apperr.KindValidation, op, "unknown broadcast scope %q", r.Scope)
		}
	default:
		return apperr.New(apperr.KindValidation, op, "unknown distribution mode %q", r.Mode)
	}
	return nil
}

// CreateOffer moves an authorized lot to offer_open and creates one offer
// record per recipient. Broadcast siblings share a group id and are each
// independently claimable.
func (s *Service) CreateOffer(ctx context.Context, req CreateOfferRequest) ([]lot.Offer, error) {
	const op = "offer: create"
	if err := req.validate(); err != nil {
		return nil, err
	}

	recipients, err := s.recipients(ctx, req)
	if err != nil {
		return nil, err
	}

	scope := idempotency.Scope{
		Op:          "offer.create",
		Actor:       req.Originator,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req.LotID, string(req.Mode), req.Terms.PricePerUnit.String()),
	}

	var out []lot.Offer
	err = s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		agg, err := s.repo.Load(tx, req.LotID)
		if err != nil {
			return err
		}
		if req.Originator != agg.Lot.OwnerID && req.Originator != agg.Lot.CustodianID {
			return apperr.New(apperr.KindNotAuthorized, op, "only the owner or custodian may offer lot %s", req.LotID)
		}
		if agg.Lot.Archived {
			return apperr.New(apperr.KindInvalidLotState, op, "lot %s is archived", req.LotID)
		}
		now := s.now().UTC()
		if err := agg.Advance(lot.PhaseOfferOpen, now); err != nil {
			return err
		}
		agg.Lot.Round++

		terms := req.Terms
		if terms.ValidityDays == 0 {
			terms.ValidityDays = s.validityDays
		}
		expires := now.Add(time.Duration(terms.ValidityDays) * 24 * time.Hour)

		var group string
		if req.Mode == lot.DistributionBroadcast {
			group = s.idGen()
		}

		out = make([]lot.Offer, 0, len(recipients))
		ids := make([]string, 0, len(recipients))
		for _, r := range recipients {
			o := lot.Offer{
				ID:               s.idGen(),
				LotID:            agg.Lot.ID,
				OriginatorID:     req.Originator,
				Mode:             req.Mode,
				Audience:         lot.Audience{CounterpartyID: r, Scope: req.Scope, ScopeValue: req.ScopeValue},
				BroadcastGroupID: group,
				Round:            agg.Lot.Round,
				Terms:            terms,
				Status:           lot.OfferOpen,
				CreatedAt:        now,
				UpdatedAt:        now,
				ExpiresAt:        expires,
			}
			if err := s.repo.Index(tx, lot.OfferKey(o.ID), agg.Lot.ID); err != nil {
				return err
			}
			agg.Offers = append(agg.Offers, o)
			out = append(out, o)
			ids = append(ids, o.ID)
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}

		actors := append([]string{req.Originator, agg.Lot.CustodianID}, recipients...)
		lot.Record(tx, agg.Lot.ID, lot.EventOfferCreated, now, map[string]any{
			"offer_ids":          ids,
			"mode":               string(req.Mode),
			"broadcast_group_id": group,
			"round":              agg.Lot.Round,
			"price_per_unit":     terms.PricePerUnit.String(),
			"expires_at":         expires,
		}, actors...)
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) recipients(ctx context.Context, req CreateOfferRequest) ([]string, error) {
	const op = "offer: create"
	if req.Mode == lot.DistributionDirect {
		return []string{strings.TrimSpace(req.CounterpartyID)}, nil
	}

	candidates := req.Recipients
	if len(candidates) == 0 {
		if s.audience == nil {
			return nil, apperr.New(apperr.KindValidation, op, "broadcast offer requires recipients")
		}
		value := req.ScopeValue
		if req.Scope == lot.ScopeCommodity && value == "" {
			agg, err := s.repo.Get(ctx, req.LotID)
			if err != nil {
				return nil, err
			}
			value = agg.Lot.Commodity
		}
		resolved, err := s.audience.Resolve(ctx, req.Scope, value)
		if err != nil {
			return nil, fmt.Errorf("offer: resolve audience: %w", err)
		}
		candidates = resolved
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || c == req.Originator {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.KindValidation, op, "broadcast scope has no eligible recipients")
	}
	return out, nil
}

// WithdrawOffer lets the originator close an open offer. The whole round
// closes with it and the lot returns to authorized.
func (s *Service) WithdrawOffer(ctx context.Context, offerID, actor string) (lot.Offer, error) {
	const op = "offer: withdraw"
	if strings.TrimSpace(offerID) == "" {
		return lot.Offer{}, apperr.New(apperr.KindValidation, op, "offer id required")
	}

	var out lot.Offer
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		agg, err := s.repo.LoadByIndex(tx, lot.OfferKey(offerID))
		if err != nil {
			return err
		}
		o, ok := agg.Offer(offerID)
		if !ok {
			return apperr.New(apperr.KindNotFound, op, "offer %s not found", offerID)
		}
		if o.OriginatorID != actor {
			return apperr.New(apperr.KindNotAuthorized, op, "only the originator may withdraw offer %s", offerID)
		}
		if o.Status != lot.OfferOpen {
			return apperr.New(apperr.KindInvalidState, op, "offer %s is %s", offerID, o.Status)
		}

		now := s.now().UTC()
		closed, counters := closeRound(agg, reasonWithdrawn, now)
		if err := reopen(agg, now); err != nil {
			return err
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}
		lot.Record(tx, agg.Lot.ID, lot.EventOfferWithdrawn, now, map[string]any{
			"offer_id":           offerID,
			"closed_offer_ids":   closed,
			"closed_counter_ids": counters,
		}, append([]string{actor, agg.Lot.CustodianID}, audienceOf(agg, closed)...)...)
		out = *o
		return nil
	})
	if err != nil {
		return lot.Offer{}, err
	}
	return out, nil
}

// ExpireStaleOffers closes every open offer whose validity window ended at or
// before now and returns the affected lots to authorized. Each lot is swept
// in its own transaction; a lot whose offer was accepted meanwhile is left
// alone. It returns the number of offers expired.
func (s *Service) ExpireStaleOffers(ctx context.Context, now time.Time) (int, error) {
	const op = "offer: expire"
	due, err := s.repo.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		total int
		errs  []error
	)
	for _, lotID := range due {
		var expired []string
		err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
			expired = nil
			agg, err := s.repo.Load(tx, lotID)
			if err != nil {
				return err
			}
			if agg.Lot.Phase != lot.PhaseOfferOpen || !hasStale(agg, now) {
				return nil
			}
			at := now.UTC()
			offerIDs := make(map[string]struct{})
			for _, o := range agg.OpenOffers() {
				if o.ExpiresAt.After(now) {
					continue
				}
				o.Status = lot.OfferExpired
				o.ClosedReason = reasonValidity
				o.UpdatedAt = at
				offerIDs[o.ID] = struct{}{}
				expired = append(expired, o.ID)
			}
			counters := agg.RejectPendingCounters(offerIDs, "offer expired", at)
			if len(agg.OpenOffers()) == 0 {
				if err := reopen(agg, at); err != nil {
					return err
				}
			}
			if err := s.repo.Save(tx, agg); err != nil {
				return err
			}
			sort.Strings(expired)
			lot.Record(tx, lotID, lot.EventOfferExpired, at, map[string]any{
				"offer_ids":          expired,
				"closed_counter_ids": counters,
			}, append([]string{agg.Lot.CustodianID, agg.Lot.OwnerID}, audienceOf(agg, expired)...)...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("lot %s: %w", lotID, err))
			continue
		}
		total += len(expired)
	}
	metrics.RecordExpiredOffers(total)
	return total, errors.Join(errs...)
}

// GetOffer returns one offer.
func (s *Service) GetOffer(ctx context.Context, offerID string) (lot.Offer, error) {
	lotID, err := s.repo.Resolve(ctx, lot.OfferKey(offerID))
	if err != nil {
		return lot.Offer{}, err
	}
	agg, err := s.repo.Get(ctx, lotID)
	if err != nil {
		return lot.Offer{}, err
	}
	o, ok := agg.Offer(offerID)
	if !ok {
		return lot.Offer{}, apperr.New(apperr.KindNotFound, "offer: get", "offer %s not found", offerID)
	}
	return *o, nil
}

// ListOffers returns every offer ever made for a lot, oldest first.
func (s *Service) ListOffers(ctx context.Context, lotID string) ([]lot.Offer, error) {
	agg, err := s.repo.Get(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return agg.Offers, nil
}

func hasStale(agg *lot.Aggregate, now time.Time) bool {
	for _, o := range agg.OpenOffers() {
		if !o.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// closeRound expires every open offer of the lot and rejects their pending
// counters.
func closeRound(agg *lot.Aggregate, reason string, now time.Time) (offers, counters []string) {
	ids := make(map[string]struct{})
	for _, o := range agg.OpenOffers() {
		o.Status = lot.OfferExpired
		o.ClosedReason = reason
		o.UpdatedAt = now
		ids[o.ID] = struct{}{}
		offers = append(offers, o.ID)
	}
	counters = agg.RejectPendingCounters(ids, "offer "+reason, now)
	return offers, counters
}

// reopen returns a lot with an open round to authorized.
func reopen(agg *lot.Aggregate, now time.Time) error {
	if agg.Lot.Phase != lot.PhaseOfferOpen {
		return nil
	}
	return agg.Advance(lot.PhaseAuthorized, now)
}

func audienceOf(agg *lot.Aggregate, offerIDs []string) []string {
	out := make([]string, 0, len(offerIDs))
	for _, id := range offerIDs {
		if o, ok := agg.Offer(id); ok {
			out = append(out, o.Audience.CounterpartyID)
		}
	}
	return out
}
