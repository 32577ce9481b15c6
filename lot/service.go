package lot

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
)

// DispatchChecker reports whether a lot has a confirmed dispatch. It is
// consulted inside the archival transaction.
type DispatchChecker interface {
	HasConfirmedDispatch(tx *ledger.Txn, lotID string) (bool, error)
}

// Service owns the custody side of the lot lifecycle: receipt, storage fees,
// authorisation for sale and archival.
type Service struct {
	runner   Runner
	repo     *Repository
	dispatch DispatchChecker
	now      func() time.Time
	idGen    func() string
}

func NewService(runner Runner) *Service {
	return &Service{
		runner: runner,
		repo:   NewRepository(runner.Store),
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

func (s *Service) WithDispatchChecker(c DispatchChecker) *Service {
	s.dispatch = c
	return s
}

// RegisterParams describes goods received into custody.
type RegisterParams struct {
	CustodianID    string
	OwnerID        string
	Commodity      string
	Quantity       decimal.Decimal
	Unit           string
	Grade          string
	Origin         Origin
	IdempotencyKey string
}

// Register records a new lot in custody.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Lot, error) {
	const op = "lot: register"
	switch {
	case strings.TrimSpace(params.CustodianID) == "":
		return Lot{}, apperr.New(apperr.KindValidation, op, "custodian id required")
	case strings.TrimSpace(params.OwnerID) == "":
		return Lot{}, apperr.New(apperr.KindValidation, op, "owner id required")
	case strings.TrimSpace(params.Commodity) == "":
		return Lot{}, apperr.New(apperr.KindValidation, op, "commodity required")
	case strings.TrimSpace(params.Unit) == "":
		return Lot{}, apperr.New(apperr.KindValidation, op, "unit required")
	case !params.Quantity.IsPositive():
		return Lot{}, apperr.New(apperr.KindValidation, op, "quantity must be positive")
	}

	scope := idempotency.Scope{
		Op:          "lot.register",
		Actor:       params.CustodianID,
		Key:         params.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(params.OwnerID, params.Commodity, params.Quantity.String(), params.Unit),
	}

	var out Lot
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		now := s.now().UTC()
		agg := &Aggregate{
			Lot: Lot{
				ID:          s.idGen(),
				Commodity:   strings.TrimSpace(params.Commodity),
				Quantity:    params.Quantity,
				Unit:        strings.TrimSpace(params.Unit),
				Grade:       strings.TrimSpace(params.Grade),
				CustodianID: params.CustodianID,
				OwnerID:     params.OwnerID,
				Origin:      params.Origin,
				Phase:       PhaseInCustody,
				FeesDue:     decimal.Zero,
				CreatedAt:   now,
				UpdatedAt:   now,
			},
			Offers:   []Offer{},
			Counters: []CounterOffer{},
			Codes:    []CodeBinding{},
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}
		Record(tx, agg.Lot.ID, EventLotRegistered, now, map[string]any{
			"commodity": agg.Lot.Commodity,
			"quantity":  agg.Lot.Quantity.String(),
			"unit":      agg.Lot.Unit,
		}, params.CustodianID, params.OwnerID)
		out = agg.Lot
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return Lot{}, err
	}
	return out, nil
}

// AssessFees records storage fees owed before the lot may be sold.
func (s *Service) AssessFees(ctx context.Context, lotID, custodianID string, amount decimal.Decimal) (Lot, error) {
	const op = "lot: assess fees"
	if !amount.IsPositive() {
		return Lot{}, apperr.New(apperr.KindValidation, op, "fee amount must be positive")
	}
	return s.mutate(ctx, op, lotID, custodianID, func(agg *Aggregate, now time.Time) (string, map[string]any, error) {
		if err := agg.Advance(PhaseFeesDue, now); err != nil {
			return "", nil, err
		}
		agg.Lot.FeesDue = amount
		return EventFeesAssessed, map[string]any{"amount": amount.String()}, nil
	})
}

// Authorize marks the lot sellable. Outstanding fees are considered settled.
func (s *Service) Authorize(ctx context.Context, lotID, custodianID string) (Lot, error) {
	const op = "lot: authorize"
	return s.mutate(ctx, op, lotID, custodianID, func(agg *Aggregate, now time.Time) (string, map[string]any, error) {
		switch agg.Lot.Phase {
		case PhaseAuthorized:
			return "", nil, nil
		case PhaseInCustody, PhaseFeesDue:
		default:
			return "", nil, apperr.New(apperr.KindInvalidLotState, op, "lot %s is %s; only lots in custody or with fees due can be authorized", lotID, agg.Lot.Phase)
		}
		paid := agg.Lot.FeesDue
		if err := agg.Advance(PhaseAuthorized, now); err != nil {
			return "", nil, err
		}
		agg.Lot.FeesDue = decimal.Zero
		return EventLotAuthorized, map[string]any{"fees_paid": paid.String()}, nil
	})
}

// Archive retires a settled lot whose dispatch has been confirmed.
func (s *Service) Archive(ctx context.Context, lotID, custodianID string) (Lot, error) {
	const op = "lot: archive"
	return s.mutateTx(ctx, op, lotID, custodianID, func(tx *ledger.Txn, agg *Aggregate, now time.Time) (string, map[string]any, error) {
		if agg.Lot.Archived {
			return "", nil, nil
		}
		if agg.Lot.Phase != PhaseSettled {
			return "", nil, apperr.New(apperr.KindInvalidLotState, op, "lot %s is %s, not settled", lotID, agg.Lot.Phase)
		}
		if s.dispatch == nil {
			return "", nil, apperr.New(apperr.KindInvalidState, op, "dispatch confirmation unavailable")
		}
		ok, err := s.dispatch.HasConfirmedDispatch(tx, lotID)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, apperr.New(apperr.KindInvalidState, op, "lot %s has no confirmed dispatch", lotID)
		}
		agg.Lot.Archived = true
		agg.Lot.UpdatedAt = now
		return EventLotArchived, nil, nil
	})
}

// Get returns the lot aggregate.
func (s *Service) Get(ctx context.Context, lotID string) (Aggregate, error) {
	return s.repo.Get(ctx, lotID)
}

// History returns the lot's audit trail.
func (s *Service) History(ctx context.Context, lotID string) ([]ledger.HistoryEntry, error) {
	if _, err := s.repo.Get(ctx, lotID); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, lotID)
}

type mutation func(agg *Aggregate, now time.Time) (event string, payload map[string]any, err error)

func (s *Service) mutate(ctx context.Context, op, lotID, custodianID string, fn mutation) (Lot, error) {
	return s.mutateTx(ctx, op, lotID, custodianID, func(_ *ledger.Txn, agg *Aggregate, now time.Time) (string, map[string]any, error) {
		return fn(agg, now)
	})
}

// mutateTx applies a custodian-only change. An empty event means the lot is
// already in the requested state and nothing is written.
func (s *Service) mutateTx(ctx context.Context, op, lotID, custodianID string, fn func(tx *ledger.Txn, agg *Aggregate, now time.Time) (string, map[string]any, error)) (Lot, error) {
	var out Lot
	err := s.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		agg, err := s.repo.Load(tx, lotID)
		if err != nil {
			return err
		}
		if agg.Lot.CustodianID != custodianID {
			return apperr.New(apperr.KindNotAuthorized, op, "only the custodian may change lot %s", lotID)
		}
		now := s.now().UTC()
		event, payload, err := fn(tx, agg, now)
		if err != nil {
			return err
		}
		out = agg.Lot
		if event == "" {
			return nil
		}
		if err := s.repo.Save(tx, agg); err != nil {
			return err
		}
		Record(tx, lotID, event, now, payload, custodianID, agg.Lot.OwnerID)
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	return out, nil
}
