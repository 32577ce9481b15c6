package lot

import (
	"time"

	"tradeflow/apperr"
)

var phaseRank = map[Phase]int{
	PhaseInCustody:         1,
	PhaseFeesDue:           2,
	PhaseAuthorized:        3,
	PhaseOfferOpen:         4,
	PhaseOfferAccepted:     5,
	PhaseDispatchScheduled: 6,
	PhaseSettled:           7,
}

var transitions = map[Phase][]Phase{
	PhaseInCustody:         {PhaseFeesDue, PhaseAuthorized},
	PhaseFeesDue:           {PhaseAuthorized},
	PhaseAuthorized:        {PhaseOfferOpen},
	PhaseOfferOpen:         {PhaseOfferAccepted, PhaseAuthorized},
	PhaseOfferAccepted:     {PhaseDispatchScheduled, PhaseSettled},
	PhaseDispatchScheduled: {PhaseSettled},
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// AtLeast reports whether p is at or beyond other in the lifecycle.
func (p Phase) AtLeast(other Phase) bool {
	return phaseRank[p] >= phaseRank[other]
}

// CanTransition reports whether a lot may move from one phase to another.
// Phases only move forward, except that an open offer round may be closed
// and the lot returned to authorized.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves the lot to the next phase or fails with InvalidLotState.
func (a *Aggregate) Advance(to Phase, now time.Time) error {
	if !CanTransition(a.Lot.Phase, to) {
		return apperr.New(apperr.KindInvalidLotState, "lot", "cannot move lot %s from %s to %s", a.Lot.ID, a.Lot.Phase, to)
	}
	a.Lot.Phase = to
	a.Lot.UpdatedAt = now
	return nil
}

// AdvanceAtLeast moves the lot forward to phase to unless it is already there
// or beyond, in which case the phase is left alone.
func (a *Aggregate) AdvanceAtLeast(to Phase, now time.Time) error {
	if a.Lot.Phase.AtLeast(to) {
		return nil
	}
	return a.Advance(to, now)
}

// Offer returns the offer with the given id.
func (a *Aggregate) Offer(id string) (*Offer, bool) {
	for i := range a.Offers {
		if a.Offers[i].ID == id {
			return &a.Offers[i], true
		}
	}
	return nil, false
}

// Siblings returns the other offers of o's broadcast group.
func (a *Aggregate) Siblings(o *Offer) []*Offer {
	if o.BroadcastGroupID == "" {
		return nil
	}
	out := make([]*Offer, 0, len(a.Offers))
	for i := range a.Offers {
		s := &a.Offers[i]
		if s.ID != o.ID && s.BroadcastGroupID == o.BroadcastGroupID {
			out = append(out, s)
		}
	}
	return out
}

// OpenOffers returns every offer still open.
func (a *Aggregate) OpenOffers() []*Offer {
	out := make([]*Offer, 0, len(a.Offers))
	for i := range a.Offers {
		if a.Offers[i].Status == OfferOpen {
			out = append(out, &a.Offers[i])
		}
	}
	return out
}

// AcceptedOffer returns the offer currently in status accepted.
func (a *Aggregate) AcceptedOffer() (*Offer, bool) {
	for i := range a.Offers {
		if a.Offers[i].Status == OfferAccepted {
			return &a.Offers[i], true
		}
	}
	return nil, false
}

// Parties returns the originator and winning counter-party of the accepted offer.
func (a *Aggregate) Parties() (originator, counterparty string, ok bool) {
	o, found := a.AcceptedOffer()
	if !found {
		return "", "", false
	}
	return o.OriginatorID, o.AcceptedBy, true
}

// IsParty reports whether actor is one of the two trading parties.
func (a *Aggregate) IsParty(actor string) bool {
	originator, counterparty, ok := a.Parties()
	return ok && actor != "" && (actor == originator || actor == counterparty)
}

// MaySeeCodes reports whether actor may read verification code values: the
// lot's custodian and the two trading parties.
func (a *Aggregate) MaySeeCodes(actor string) bool {
	return actor != "" && (actor == a.Lot.CustodianID || a.IsParty(actor))
}

// RedactedFor returns a copy of the aggregate with code values removed unless
// actor may see them.
func (a *Aggregate) RedactedFor(actor string) Aggregate {
	out := *a
	if a.MaySeeCodes(actor) {
		return out
	}
	out.Codes = make([]CodeBinding, len(a.Codes))
	for i, c := range a.Codes {
		c.Code = ""
		out.Codes[i] = c
	}
	return out
}

// Counter returns the counter-offer with the given id.
func (a *Aggregate) Counter(id string) (*CounterOffer, bool) {
	for i := range a.Counters {
		if a.Counters[i].ID == id {
			return &a.Counters[i], true
		}
	}
	return nil, false
}

// PendingCounter returns the active counter-offer on an offer, if any.
func (a *Aggregate) PendingCounter(offerID string) (*CounterOffer, bool) {
	for i := range a.Counters {
		c := &a.Counters[i]
		if c.OfferID == offerID && c.Status == CounterPending {
			return c, true
		}
	}
	return nil, false
}

// RejectPendingCounters closes every pending counter on the given offers.
func (a *Aggregate) RejectPendingCounters(offerIDs map[string]struct{}, reason string, now time.Time) []string {
	closed := make([]string, 0)
	for i := range a.Counters {
		c := &a.Counters[i]
		if c.Status != CounterPending {
			continue
		}
		if _, ok := offerIDs[c.OfferID]; !ok {
			continue
		}
		c.Status = CounterRejected
		c.Reason = reason
		at := now
		c.RespondedAt = &at
		closed = append(closed, c.ID)
	}
	return closed
}

// CodeFor returns the code binding minted for an offer's acceptance.
func (a *Aggregate) CodeFor(offerID string) (CodeBinding, bool) {
	for _, c := range a.Codes {
		if c.OfferID == offerID {
			return c, true
		}
	}
	return CodeBinding{}, false
}
