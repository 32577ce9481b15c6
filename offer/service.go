// Package offer implements the sell-offer lifecycle of a custody lot: the
// registry (create, withdraw, expire), the acceptance arbiter and one round
// of counter-offer negotiation.
//
// Every mutation runs as one optimistic transaction over the lot aggregate,
// so an acceptance, the supersession of its broadcast siblings and the
// verification code it mints commit together or not at all.
package offer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tradeflow/lot"
	"tradeflow/vcode"
)

// DefaultValidityDays applies when an offer is created without a validity window.
const DefaultValidityDays = 7

// AudienceResolver lists the counter-parties inside a broadcast scope. It is
// the boundary to the profile directory.
type AudienceResolver interface {
	Resolve(ctx context.Context, scope lot.Scope, value string) ([]string, error)
}

// AudienceFunc adapts a function to AudienceResolver.
type AudienceFunc func(ctx context.Context, scope lot.Scope, value string) ([]string, error)

func (f AudienceFunc) Resolve(ctx context.Context, scope lot.Scope, value string) ([]string, error) {
	return f(ctx, scope, value)
}

// Service owns offers, acceptance claims and counter-offers.
type Service struct {
	runner       lot.Runner
	repo         *lot.Repository
	codes        *vcode.Issuer
	audience     AudienceResolver
	validityDays int
	now          func() time.Time
	idGen        func() string
}

func NewService(runner lot.Runner, codes *vcode.Issuer) *Service {
	return &Service{
		runner:       runner,
		repo:         lot.NewRepository(runner.Store),
		codes:        codes,
		validityDays: DefaultValidityDays,
		now:          time.Now,
		idGen:        func() string { return uuid.NewString() },
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

func (s *Service) WithAudienceResolver(r AudienceResolver) *Service {
	s.audience = r
	return s
}

// WithDefaultValidity sets the validity window used when a request leaves it zero.
func (s *Service) WithDefaultValidity(days int) *Service {
	if days > 0 {
		s.validityDays = days
	}
	return s
}
