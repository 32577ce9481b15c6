// Package dispatch schedules the pickup of goods from custody. Scheduling is
// independent of the payment handshake: either trading party may ask once an
// offer is accepted, and the custodian confirms.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
	"tradeflow/lot"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Request is one pickup scheduling request.
type Request struct {
	ID          string     `json:"id"`
	LotID       string     `json:"lotId"`
	RequesterID string     `json:"requesterId"`
	PickupDate  time.Time  `json:"pickupDate"`
	Address     string     `json:"address"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ConfirmedBy string     `json:"confirmedBy,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CancelledBy string     `json:"cancelledBy,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// Book holds every dispatch request ever made for a lot. At most one is not
// cancelled.
type Book struct {
	LotID    string    `json:"lotId"`
	Requests []Request `json:"requests"`
}

// Active returns the request that is not cancelled, if any.
func (b *Book) Active() (*Request, bool) {
	for i := range b.Requests {
		if b.Requests[i].Status != StatusCancelled {
			return &b.Requests[i], true
		}
	}
	return nil, false
}

func (b *Book) find(id string) (*Request, bool) {
	for i := range b.Requests {
		if b.Requests[i].ID == id {
			return &b.Requests[i], true
		}
	}
	return nil, false
}

// Key is the ledger key of a lot's dispatch book.
func Key(lotID string) string { return "dispatch/" + lotID }

// RequestKey is the ledger key of the request → lot index.
func RequestKey(requestID string) string { return "dispatchreq/" + requestID }

type Service struct {
	runner lot.Runner
	repo   *lot.Repository
	now    func() time.Time
	idGen  func() string
}

func NewService(runner lot.Runner) *Service {
	return &Service{
		runner: runner,
		repo:   lot.NewRepository(runner.Store),
		now:    time.Now,
		idGen:  func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// ScheduleRequest asks the custodian to release the goods.
type ScheduleRequest struct {
	LotID          string
	Requester      string
	PickupDate     time.Time
	Address        string
	IdempotencyKey string
}

// ScheduleDispatch records a pending request. It fails DuplicateRequest while
// another request for the lot is pending or confirmed.
func (s *Service) ScheduleDispatch(ctx context.Context, req ScheduleRequest) (Request, error) {
	const op = "dispatch: schedule"
	switch {
	case strings.TrimSpace(req.LotID) == "":
		return Request{}, apperr.New(apperr.KindValidation, op, "lot id required")
	case strings.TrimSpace(req.Requester) == "":
		return Request{}, apperr.New(apperr.KindValidation, op, "requester required")
	case req.PickupDate.IsZero():
		return Request{}, apperr.New(apperr.KindValidation, op, "pickup date required")
	case strings.TrimSpace(req.Address) == "":
		return Request{}, apperr.New(apperr.KindValidation, op, "destination address required")
	}
	scope := idempotency.Scope{
		Op:          "dispatch.schedule",
		Actor:       req.Requester,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req.LotID, req.PickupDate.UTC().Format(time.DateOnly), req.Address),
	}

	var out Request
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		agg, err := s.repo.Load(tx, req.LotID)
		if err != nil {
			return err
		}
		if !agg.Lot.Phase.AtLeast(lot.PhaseOfferAccepted) {
			return apperr.New(apperr.KindInvalidLotState, op, "lot %s is %s, no offer accepted yet", req.LotID, agg.Lot.Phase)
		}
		if !agg.IsParty(req.Requester) {
			return apperr.New(apperr.KindNotAuthorized, op, "%s is not a party to lot %s", req.Requester, req.LotID)
		}
		now := s.now().UTC()
		if req.PickupDate.UTC().Truncate(24 * time.Hour).Before(now.Truncate(24 * time.Hour)) {
			return apperr.New(apperr.KindValidation, op, "pickup date is in the past")
		}

		book := Book{LotID: req.LotID}
		if _, err := tx.Load(Key(req.LotID), &book); err != nil {
			return err
		}
		if active, ok := book.Active(); ok {
			return apperr.New(apperr.KindDuplicateRequest, op, "dispatch %s is already %s for lot %s", active.ID, active.Status, req.LotID)
		}

		r := Request{
			ID:          s.idGen(),
			LotID:       req.LotID,
			RequesterID: req.Requester,
			PickupDate:  req.PickupDate.UTC(),
			Address:     strings.TrimSpace(req.Address),
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		book.Requests = append(book.Requests, r)
		if err := tx.Put(Key(req.LotID), book); err != nil {
			return err
		}
		if err := s.repo.Index(tx, RequestKey(r.ID), req.LotID); err != nil {
			return err
		}
		lot.Record(tx, req.LotID, lot.EventDispatchRequested, now, map[string]any{
			"request_id":  r.ID,
			"pickup_date": r.PickupDate.Format(time.DateOnly),
		}, req.Requester, agg.Lot.CustodianID)
		out = r
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return Request{}, err
	}
	return out, nil
}

// ConfirmDispatch lets the custodian confirm a pending request. The lot moves
// to dispatch_scheduled unless it is already further along.
func (s *Service) ConfirmDispatch(ctx context.Context, requestID, custodian string) (Request, error) {
	const op = "dispatch: confirm"
	return s.update(ctx, op, requestID, func(agg *lot.Aggregate, r *Request, now time.Time) (string, bool, error) {
		if custodian != agg.Lot.CustodianID {
			return "", false, apperr.New(apperr.KindNotAuthorized, op, "only the custodian may confirm dispatch")
		}
		switch r.Status {
		case StatusConfirmed:
			return "", false, nil
		case StatusCancelled:
			return "", false, apperr.New(apperr.KindInvalidState, op, "dispatch %s was cancelled", r.ID)
		}
		at := now
		r.Status = StatusConfirmed
		r.ConfirmedBy = custodian
		r.ConfirmedAt = &at
		r.UpdatedAt = now
		before := agg.Lot.Phase
		if err := agg.AdvanceAtLeast(lot.PhaseDispatchScheduled, now); err != nil {
			return "", false, err
		}
		return lot.EventDispatchConfirmed, agg.Lot.Phase != before, nil
	})
}

// CancelDispatch withdraws a pending request. Cancelling twice is a no-op.
func (s *Service) CancelDispatch(ctx context.Context, requestID, actor string) (Request, error) {
	const op = "dispatch: cancel"
	return s.update(ctx, op, requestID, func(agg *lot.Aggregate, r *Request, now time.Time) (string, bool, error) {
		if actor != r.RequesterID && actor != agg.Lot.CustodianID {
			return "", false, apperr.New(apperr.KindNotAuthorized, op, "only the requester or custodian may cancel")
		}
		switch r.Status {
		case StatusCancelled:
			return "", false, nil
		case StatusConfirmed:
			return "", false, apperr.New(apperr.KindInvalidState, op, "dispatch %s is already confirmed", r.ID)
		}
		at := now
		r.Status = StatusCancelled
		r.CancelledBy = actor
		r.CancelledAt = &at
		r.UpdatedAt = now
		return lot.EventDispatchCancelled, false, nil
	})
}

// GetDispatch returns the dispatch book of a lot.
func (s *Service) GetDispatch(ctx context.Context, lotID string) (Book, error) {
	var book Book
	err := s.runner.Run(ctx, "dispatch: get", func(tx *ledger.Txn) error {
		found, err := tx.Load(Key(lotID), &book)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.KindNotFound, "dispatch: get", "no dispatch requests for lot %s", lotID)
		}
		return nil
	})
	return book, err
}

// HasConfirmedDispatch reports, inside tx, whether the lot's dispatch was
// confirmed.
func (s *Service) HasConfirmedDispatch(tx *ledger.Txn, lotID string) (bool, error) {
	var book Book
	found, err := tx.Load(Key(lotID), &book)
	if err != nil || !found {
		return false, err
	}
	active, ok := book.Active()
	return ok && active.Status == StatusConfirmed, nil
}

type change func(agg *lot.Aggregate, r *Request, now time.Time) (event string, lotChanged bool, err error)

func (s *Service) update(ctx context.Context, op, requestID string, fn change) (Request, error) {
	if strings.TrimSpace(requestID) == "" {
		return Request{}, apperr.New(apperr.KindValidation, op, "request id required")
	}
	var out Request
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		agg, err := s.repo.LoadByIndex(tx, RequestKey(requestID))
		if err != nil {
			return err
		}
		var book Book
		found, err := tx.Load(Key(agg.Lot.ID), &book)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.KindNotFound, op, "dispatch %s not found", requestID)
		}
		r, ok := book.find(requestID)
		if !ok {
			return apperr.New(apperr.KindNotFound, op, "dispatch %s not found", requestID)
		}

		now := s.now().UTC()
		event, lotChanged, err := fn(agg, r, now)
		if err != nil {
			return err
		}
		out = *r
		if event == "" {
			return nil
		}
		if err := tx.Put(Key(agg.Lot.ID), book); err != nil {
			return err
		}
		if lotChanged {
			if err := s.repo.Save(tx, agg); err != nil {
				return err
			}
		}
		originator, counterparty, _ := agg.Parties()
		lot.Record(tx, agg.Lot.ID, event, now, map[string]any{
			"request_id": r.ID,
			"status":     string(r.Status),
			"phase":      string(agg.Lot.Phase),
		}, r.RequesterID, agg.Lot.CustodianID, originator, counterparty)
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	return out, nil
}
