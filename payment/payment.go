// Package payment tracks the three-phase payment handshake of an accepted
// offer: the requester asks, the other party confirms, the requester
// validates. Validation settles the lot.
package payment

import (
	"context"
	"strings"
	"time"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
	"tradeflow/lot"
)

// Phase is the position of a workflow in the handshake.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseRequested Phase = "requested"
	PhaseConfirmed Phase = "confirmed"
	PhaseValidated Phase = "validated"
)

// Workflow is the payment record of one lot. It is stored apart from the lot
// aggregate and is immutable once validated.
type Workflow struct {
	LotID        string     `json:"lotId"`
	OfferID      string     `json:"offerId"`
	Originator   string     `json:"originator"`
	Counterparty string     `json:"counterparty"`
	RequestedBy  string     `json:"requestedBy"`
	RequestedAt  time.Time  `json:"requestedAt"`
	ConfirmedBy  string     `json:"confirmedBy,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
	ValidatedBy  string     `json:"validatedBy,omitempty"`
	ValidatedAt  *time.Time `json:"validatedAt,omitempty"`
}

// Phase reports how far the handshake has progressed.
func (w Workflow) Phase() Phase {
	switch {
	case w.ValidatedAt != nil:
		return PhaseValidated
	case w.ConfirmedAt != nil:
		return PhaseConfirmed
	case w.RequestedBy != "":
		return PhaseRequested
	default:
		return PhaseNone
	}
}

// Key is the ledger key of a lot's payment workflow.
func Key(lotID string) string { return "payment/" + lotID }

// Request is the input of every handshake step.
type Request struct {
	LotID          string
	Actor          string
	IdempotencyKey string
}

func (r Request) validate(op string) error {
	if strings.TrimSpace(r.LotID) == "" {
		return apperr.New(apperr.KindValidation, op, "lot id required")
	}
	if strings.TrimSpace(r.Actor) == "" {
		return apperr.New(apperr.KindValidation, op, "actor required")
	}
	return nil
}

type Service struct {
	runner lot.Runner
	repo   *lot.Repository
	now    func() time.Time
}

func NewService(runner lot.Runner) *Service {
	return &Service{
		runner: runner,
		repo:   lot.NewRepository(runner.Store),
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestPayment opens the workflow. Either trading party may request once
// the lot has an accepted offer.
func (s *Service) RequestPayment(ctx context.Context, req Request) (Workflow, error) {
	const op = "payment: request"
	return s.step(ctx, op, req, func(tx *ledger.Txn, agg *lot.Aggregate, wf *Workflow, exists bool, now time.Time) (string, error) {
		if exists {
			return "", apperr.New(apperr.KindAlreadyRequested, op, "payment already requested for lot %s by %s", req.LotID, wf.RequestedBy)
		}
		if p := agg.Lot.Phase; p != lot.PhaseOfferAccepted && p != lot.PhaseDispatchScheduled {
			return "", apperr.New(apperr.KindInvalidLotState, op, "lot %s is %s", req.LotID, p)
		}
		o, ok := agg.AcceptedOffer()
		if !ok {
			return "", apperr.New(apperr.KindInvalidLotState, op, "lot %s has no accepted offer", req.LotID)
		}
		if !agg.IsParty(req.Actor) {
			return "", apperr.New(apperr.KindNotAuthorized, op, "%s is not a party to lot %s", req.Actor, req.LotID)
		}
		*wf = Workflow{
			LotID:        req.LotID,
			OfferID:      o.ID,
			Originator:   o.OriginatorID,
			Counterparty: o.AcceptedBy,
			RequestedBy:  req.Actor,
			RequestedAt:  now,
		}
		return lot.EventPaymentRequested, nil
	})
}

// ConfirmPayment records the non-requesting party's confirmation.
func (s *Service) ConfirmPayment(ctx context.Context, req Request) (Workflow, error) {
	const op = "payment: confirm"
	return s.step(ctx, op, req, func(tx *ledger.Txn, agg *lot.Aggregate, wf *Workflow, exists bool, now time.Time) (string, error) {
		if !exists {
			return "", apperr.New(apperr.KindNotRequested, op, "payment has not been requested for lot %s", req.LotID)
		}
		if !wf.involves(req.Actor) {
			return "", apperr.New(apperr.KindNotAuthorized, op, "%s is not a party to lot %s", req.Actor, req.LotID)
		}
		if req.Actor == wf.RequestedBy {
			return "", apperr.New(apperr.KindSameParty, op, "the requester cannot confirm their own payment request")
		}
		if wf.ConfirmedAt != nil {
			return "", nil
		}
		at := now
		wf.ConfirmedBy = req.Actor
		wf.ConfirmedAt = &at
		return lot.EventPaymentConfirmed, nil
	})
}

// ValidatePayment completes the handshake and settles the lot. Only the
// original requester may validate, and only after confirmation.
func (s *Service) ValidatePayment(ctx context.Context, req Request) (Workflow, error) {
	const op = "payment: validate"
	return s.step(ctx, op, req, func(tx *ledger.Txn, agg *lot.Aggregate, wf *Workflow, exists bool, now time.Time) (string, error) {
		if !exists {
			return "", apperr.New(apperr.KindNotRequested, op, "payment has not been requested for lot %s", req.LotID)
		}
		if req.Actor != wf.RequestedBy {
			return "", apperr.New(apperr.KindNotAuthorized, op, "only the requester %s may validate", wf.RequestedBy)
		}
		if wf.ConfirmedAt == nil {
			return "", apperr.New(apperr.KindNotConfirmed, op, "payment for lot %s has not been confirmed", req.LotID)
		}
		if wf.ValidatedAt != nil {
			return "", nil
		}
		if err := agg.Advance(lot.PhaseSettled, now); err != nil {
			return "", err
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return "", err
		}
		at := now
		wf.ValidatedBy = req.Actor
		wf.ValidatedAt = &at
		return lot.EventPaymentValidated, nil
	})
}

// GetPayment returns the workflow of a lot.
func (s *Service) GetPayment(ctx context.Context, lotID string) (Workflow, error) {
	var wf Workflow
	err := s.runner.Run(ctx, "payment: get", func(tx *ledger.Txn) error {
		found, err := tx.Load(Key(lotID), &wf)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.KindNotFound, "payment: get", "no payment workflow for lot %s", lotID)
		}
		return nil
	})
	return wf, err
}

func (w Workflow) involves(actor string) bool {
	return actor != "" && (actor == w.Originator || actor == w.Counterparty)
}

// transition mutates wf and returns the event to record. An empty event
// leaves the ledger untouched.
type transition func(tx *ledger.Txn, agg *lot.Aggregate, wf *Workflow, exists bool, now time.Time) (event string, err error)

func (s *Service) step(ctx context.Context, op string, req Request, fn transition) (Workflow, error) {
	if err := req.validate(op); err != nil {
		return Workflow{}, err
	}
	scope := idempotency.Scope{
		Op:          strings.ReplaceAll(op, ": ", "."),
		Actor:       req.Actor,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req.LotID),
	}
	if err := scope.Require(); err != nil {
		return Workflow{}, err
	}

	var out Workflow
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		agg, err := s.repo.Load(tx, req.LotID)
		if err != nil {
			return err
		}
		var wf Workflow
		exists, err := tx.Load(Key(req.LotID), &wf)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		event, err := fn(tx, agg, &wf, exists, now)
		if err != nil {
			return err
		}
		out = wf
		if event == "" {
			return idempotency.Remember(tx, scope, out, now)
		}
		if err := tx.Put(Key(req.LotID), wf); err != nil {
			return err
		}
		lot.Record(tx, req.LotID, event, now, map[string]any{
			"offer_id": wf.OfferID,
			"phase":    string(wf.Phase()),
		}, req.Actor, wf.Originator, wf.Counterparty, agg.Lot.CustodianID)
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return Workflow{}, err
	}
	return out, nil
}
