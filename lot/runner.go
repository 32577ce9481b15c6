package lot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tradeflow/ledger"
	"tradeflow/metrics"
	"tradeflow/notify"
)

// History event types appended to a lot's stream.
const (
	EventLotRegistered     = "LOT_REGISTERED"
	EventFeesAssessed      = "FEES_ASSESSED"
	EventLotAuthorized     = "LOT_AUTHORIZED"
	EventLotArchived       = "LOT_ARCHIVED"
	EventOfferCreated      = "OFFER_CREATED"
	EventOfferWithdrawn    = "OFFER_WITHDRAWN"
	EventOfferExpired      = "OFFER_EXPIRED"
	EventOfferAccepted     = "OFFER_ACCEPTED"
	EventCounterProposed   = "COUNTER_PROPOSED"
	EventCounterAccepted   = "COUNTER_ACCEPTED"
	EventCounterRejected   = "COUNTER_REJECTED"
	EventCodeIssued        = "CODE_ISSUED"
	EventCodeRedeemed      = "CODE_REDEEMED"
	EventPaymentRequested  = "PAYMENT_REQUESTED"
	EventPaymentConfirmed  = "PAYMENT_CONFIRMED"
	EventPaymentValidated  = "PAYMENT_VALIDATED"
	EventDispatchRequested = "DISPATCH_REQUESTED"
	EventDispatchConfirmed = "DISPATCH_CONFIRMED"
	EventDispatchCancelled = "DISPATCH_CANCELLED"
)

// Runner executes one optimistic ledger transaction and, after it commits,
// records metrics and emits the committed history as notifications.
type Runner struct {
	Store   ledger.Store
	Policy  ledger.Policy
	Emitter *notify.Emitter
	Logger  zerolog.Logger
}

// NewRunner builds a Runner with the default retry policy.
func NewRunner(store ledger.Store, emitter *notify.Emitter, logger zerolog.Logger) Runner {
	return Runner{Store: store, Policy: ledger.DefaultPolicy, Emitter: emitter, Logger: logger}
}

// Run executes fn. op labels log lines.
func (r Runner) Run(ctx context.Context, op string, fn func(tx *ledger.Txn) error) error {
	policy := r.Policy
	next := policy.OnRetry
	policy.OnRetry = func(err error, wait time.Duration) {
		metrics.RecordLedgerRetry()
		r.Logger.Debug().Err(err).Str("op", op).Dur("wait", wait).Msg("retrying ledger transaction")
		if next != nil {
			next(err, wait)
		}
	}

	history, err := ledger.RunTx(ctx, r.Store, policy, fn)
	if err != nil {
		return err
	}
	for _, h := range history {
		metrics.RecordTransition(h.Type)
		r.Logger.Debug().Str("op", op).Str("lot_id", h.Stream).Str("event", h.Type).Msg("committed")
	}
	r.Emitter.Emit(ctx, history)
	return nil
}
