package lot

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle position of a custody lot.
type Phase string

const (
	PhaseInCustody         Phase = "in_custody"
	PhaseFeesDue           Phase = "fees_due"
	PhaseAuthorized        Phase = "authorized"
	PhaseOfferOpen         Phase = "offer_open"
	PhaseOfferAccepted     Phase = "offer_accepted"
	PhaseDispatchScheduled Phase = "dispatch_scheduled"
	PhaseSettled           Phase = "settled"
)

// Origin records where the goods came from.
type Origin struct {
	County    string `json:"county,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Lot is a quantity of a commodity under a custodian's control.
type Lot struct {
	ID          string          `json:"id"`
	Commodity   string          `json:"commodity"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	Grade       string          `json:"grade,omitempty"`
	CustodianID string          `json:"custodianId"`
	OwnerID     string          `json:"ownerId"`
	Origin      Origin          `json:"origin"`
	Phase       Phase           `json:"phase"`
	Round       int             `json:"round"`
	FeesDue     decimal.Decimal `json:"feesDue"`
	Archived    bool            `json:"archived"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Distribution selects who may claim an offer.
type Distribution string

const (
	DistributionDirect    Distribution = "direct"
	DistributionBroadcast Distribution = "broadcast_scope"
)

// Scope narrows a broadcast audience.
type Scope string

const (
	ScopeCounty     Scope = "county"
	ScopeCommodity  Scope = "commodity"
	ScopeNationwide Scope = "nationwide"
)

// Audience is the party an offer record is addressed to. Broadcast siblings
// keep the scope they were fanned out from.
type Audience struct {
	CounterpartyID string `json:"counterpartyId"`
	Scope          Scope  `json:"scope,omitempty"`
	ScopeValue     string `json:"scopeValue,omitempty"`
}

// Terms are the commercial terms of an offer.
type Terms struct {
	PricePerUnit  decimal.Decimal `json:"pricePerUnit"`
	Currency      string          `json:"currency,omitempty"`
	DeliveryTerms string          `json:"deliveryTerms"`
	PaymentTerms  string          `json:"paymentTerms"`
	ValidityDays  int             `json:"validityDays"`
}

// OfferStatus is the state of one offer record.
type OfferStatus string

const (
	OfferOpen       OfferStatus = "open"
	OfferAccepted   OfferStatus = "accepted"
	OfferRejected   OfferStatus = "rejected"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
)

// Offer proposes the sale of a lot to one counter-party.
type Offer struct {
	ID               string       `json:"id"`
	LotID            string       `json:"lotId"`
	OriginatorID     string       `json:"originatorId"`
	Mode             Distribution `json:"mode"`
	Audience         Audience     `json:"audience"`
	BroadcastGroupID string       `json:"broadcastGroupId,omitempty"`
	Round            int          `json:"round"`
	Terms            Terms        `json:"terms"`
	Status           OfferStatus  `json:"status"`
	AcceptedBy       string       `json:"acceptedBy,omitempty"`
	AcceptedAt       *time.Time   `json:"acceptedAt,omitempty"`
	ClosedReason     string       `json:"closedReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	ExpiresAt        time.Time    `json:"expiresAt"`
}

// CounterStatus is the state of a counter-offer.
type CounterStatus string

const (
	CounterPending  CounterStatus = "pending"
	CounterAccepted CounterStatus = "accepted"
	CounterRejected CounterStatus = "rejected"
)

// CounterOffer is an alternate price proposed by an offer's counter-party.
type CounterOffer struct {
	ID          string          `json:"id"`
	OfferID     string          `json:"offerId"`
	LotID       string          `json:"lotId"`
	ProposerID  string          `json:"proposerId"`
	Price       decimal.Decimal `json:"price"`
	Note        string          `json:"note,omitempty"`
	Status      CounterStatus   `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	RespondedAt *time.Time      `json:"respondedAt,omitempty"`
}

// CodeBinding records that a verification code was minted for an acceptance.
type CodeBinding struct {
	Code      string    `json:"code,omitempty"`
	OfferID   string    `json:"offerId"`
	CounterID string    `json:"counterId,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// Aggregate is the consistency domain of a lot: the lot itself, every offer
// ever made for it, counter-offers and code bindings. It is stored as one
// ledger document so a single compare-and-set covers all of it.
type Aggregate struct {
	Lot      Lot            `json:"lot"`
	Offers   []Offer        `json:"offers"`
	Counters []CounterOffer `json:"counters"`
	Codes    []CodeBinding  `json:"codes"`
}

// IndexEntry maps a secondary id (offer, counter, dispatch request) to its lot.
type IndexEntry struct {
	LotID string `json:"lotId"`
}
