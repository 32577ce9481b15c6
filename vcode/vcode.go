// Package vcode mints and redeems the single-use verification codes that bind
// an accepted offer to the physical handoff of the goods.
package vcode

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"

	"tradeflow/apperr"
	"tradeflow/idempotency"
	"tradeflow/ledger"
	"tradeflow/lot"
)

// Crockford base32: no I, L, O or U.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	DefaultLength = 10
	MinLength     = 8

	keyPrefix    = "code/"
	mintAttempts = 4
)

// Code is the stored verification code record.
type Code struct {
	Value      string     `json:"value"`
	LotID      string     `json:"lotId"`
	OfferID    string     `json:"offerId"`
	CounterID  string     `json:"counterId,omitempty"`
	IssuedAt   time.Time  `json:"issuedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	ConsumedBy string     `json:"consumedBy,omitempty"`
}

// Key is the ledger key of a code record.
func Key(value string) string { return keyPrefix + value }

// Issuer generates and redeems codes.
type Issuer struct {
	runner lot.Runner
	repo   *lot.Repository
	length int
	ttl    time.Duration
	random io.Reader
	now    func() time.Time
}

func NewIssuer(runner lot.Runner) *Issuer {
	return &Issuer{
		runner: runner,
		repo:   lot.NewRepository(runner.Store),
		length: DefaultLength,
		random: rand.Reader,
		now:    time.Now,
	}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// WithLength sets the code length. Values below MinLength are raised to it.
func (i *Issuer) WithLength(n int) *Issuer {
	if n < MinLength {
		n = MinLength
	}
	i.length = n
	return i
}

// WithTTL bounds how long an unconsumed code stays redeemable. Zero disables expiry.
func (i *Issuer) WithTTL(ttl time.Duration) *Issuer {
	i.ttl = ttl
	return i
}

// WithRandom replaces the entropy source.
func (i *Issuer) WithRandom(r io.Reader) *Issuer {
	i.random = r
	return i
}

// Mint generates a code for an acceptance inside tx and binds it to the
// aggregate. The caller saves the aggregate. A second mint for the same
// offer fails AlreadyIssued.
func (i *Issuer) Mint(tx *ledger.Txn, agg *lot.Aggregate, offerID, counterID string, now time.Time) (Code, error) {
	const op = "vcode: mint"
	if _, ok := agg.CodeFor(offerID); ok {
		return Code{}, apperr.New(apperr.KindAlreadyIssued, op, "code already issued for offer %s", offerID)
	}

	for attempt := 0; attempt < mintAttempts; attempt++ {
		value, err := i.generate()
		if err != nil {
			return Code{}, fmt.Errorf("vcode: generate: %w", err)
		}
		var existing Code
		taken, err := tx.Load(Key(value), &existing)
		if err != nil {
			return Code{}, err
		}
		if taken {
			continue
		}

		code := Code{
			Value:     value,
			LotID:     agg.Lot.ID,
			OfferID:   offerID,
			CounterID: counterID,
			IssuedAt:  now,
		}
		if i.ttl > 0 {
			exp := now.Add(i.ttl)
			code.ExpiresAt = &exp
		}
		if err := tx.Put(Key(value), code); err != nil {
			return Code{}, err
		}
		agg.Codes = append(agg.Codes, lot.CodeBinding{
			Code:      value,
			OfferID:   offerID,
			CounterID: counterID,
			IssuedAt:  now,
		})
		return code, nil
	}
	return Code{}, fmt.Errorf("vcode: no free code after %d attempts", mintAttempts)
}

// IssueCode mints the code for an accepted offer on behalf of the custodian
// or a trading party. Acceptance already mints one, so for a normal
// acceptance this reports AlreadyIssued.
func (i *Issuer) IssueCode(ctx context.Context, lotID, offerID, actor string) (Code, error) {
	const op = "vcode: issue"
	if strings.TrimSpace(offerID) == "" {
		return Code{}, apperr.New(apperr.KindValidation, op, "offer id required")
	}
	var out Code
	err := i.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		agg, err := i.repo.Load(tx, lotID)
		if err != nil {
			return err
		}
		o, ok := agg.Offer(offerID)
		if !ok {
			return apperr.New(apperr.KindNotFound, op, "offer %s not found on lot %s", offerID, lotID)
		}
		if !agg.MaySeeCodes(actor) {
			return apperr.New(apperr.KindNotAuthorized, op, "%s is not a party to lot %s", actor, lotID)
		}
		if o.Status != lot.OfferAccepted {
			return apperr.New(apperr.KindInvalidState, op, "offer %s is %s, not accepted", offerID, o.Status)
		}
		now := i.now().UTC()
		var counterID string
		for _, c := range agg.Counters {
			if c.OfferID == offerID && c.Status == lot.CounterAccepted {
				counterID = c.ID
			}
		}
		code, err := i.Mint(tx, agg, offerID, counterID, now)
		if err != nil {
			return err
		}
		if err := i.repo.Save(tx, agg); err != nil {
			return err
		}
		lot.Record(tx, lotID, lot.EventCodeIssued, now, map[string]any{"offer_id": offerID},
			o.OriginatorID, o.AcceptedBy)
		out = code
		return nil
	})
	if err != nil {
		return Code{}, err
	}
	return out, nil
}

// RedeemRequest consumes a code at handoff.
type RedeemRequest struct {
	Code           string
	Actor          string
	IdempotencyKey string
}

// RedeemCode marks a code consumed. Redeeming a consumed code returns the
// original consumption record.
func (i *Issuer) RedeemCode(ctx context.Context, req RedeemRequest) (Code, error) {
	const op = "vcode: redeem"
	value := strings.ToUpper(strings.TrimSpace(req.Code))
	if value == "" {
		return Code{}, apperr.New(apperr.KindValidation, op, "code required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return Code{}, apperr.New(apperr.KindValidation, op, "actor required")
	}
	scope := idempotency.Scope{
		Op:          "vcode.redeem",
		Actor:       req.Actor,
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(value),
	}
	if err := scope.Require(); err != nil {
		return Code{}, err
	}

	var out Code
	err := i.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		if hit, err := idempotency.Replay(tx, scope, &out); err != nil || hit {
			return err
		}
		var code Code
		found, err := tx.Load(Key(value), &code)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.KindNotFound, op, "code not found")
		}
		agg, err := i.repo.Load(tx, code.LotID)
		if err != nil {
			return err
		}
		if req.Actor != agg.Lot.CustodianID && !agg.IsParty(req.Actor) {
			return apperr.New(apperr.KindNotAuthorized, op, "actor %s is not part of lot %s", req.Actor, code.LotID)
		}

		now := i.now().UTC()
		if !code.Consumed {
			if code.ExpiresAt != nil && now.After(*code.ExpiresAt) {
				return apperr.New(apperr.KindExpired, op, "code expired at %s", code.ExpiresAt.Format(time.RFC3339))
			}
			code.Consumed = true
			code.ConsumedAt = &now
			code.ConsumedBy = req.Actor
			if err := tx.Put(Key(value), code); err != nil {
				return err
			}
			originator, counterparty, _ := agg.Parties()
			lot.Record(tx, code.LotID, lot.EventCodeRedeemed, now, map[string]any{"offer_id": code.OfferID},
				req.Actor, originator, counterparty, agg.Lot.CustodianID)
		}
		out = code
		return idempotency.Remember(tx, scope, out, now)
	})
	if err != nil {
		return Code{}, err
	}
	return out, nil
}

// Get returns a code record to the lot's custodian or a trading party.
// Anyone else is told the code does not exist.
func (i *Issuer) Get(ctx context.Context, value, actor string) (Code, error) {
	const op = "vcode: get"
	var out Code
	err := i.runner.Run(ctx, op, func(tx *ledger.Txn) error {
		found, err := tx.Load(Key(strings.ToUpper(strings.TrimSpace(value))), &out)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.KindNotFound, op, "code not found")
		}
		agg, err := i.repo.Load(tx, out.LotID)
		if err != nil {
			return err
		}
		if !agg.MaySeeCodes(actor) {
			return apperr.New(apperr.KindNotFound, op, "code not found")
		}
		return nil
	})
	if err != nil {
		return Code{}, err
	}
	return out, nil
}

func (i *Issuer) generate() (string, error) {
	buf := make([]byte, i.length)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return "", err
	}
	for n, b := range buf {
		buf[n] = alphabet[int(b)&(len(alphabet)-1)]
	}
	return string(buf), nil
}
