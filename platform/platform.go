// Package platform wires the ledger, notification fan-out and settlement
// services from configuration. Both binaries start from here.
package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"tradeflow/config"
	"tradeflow/db"
	"tradeflow/dispatch"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/notify"
	"tradeflow/offer"
	"tradeflow/payment"
	"tradeflow/vcode"
)

// Platform holds the constructed services.
type Platform struct {
	Store    ledger.Store
	Pool     *pgxpool.Pool
	Hub      *notify.Hub
	Runner   lot.Runner
	Lots     *lot.Service
	Offers   *offer.Service
	Codes    *vcode.Issuer
	Payments *payment.Service
	Dispatch *dispatch.Service
}

// Open builds the platform. With the postgres backend it connects and applies
// migrations; Close releases the pool.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Platform, error) {
	p := &Platform{Hub: notify.NewHub()}

	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MaxConnLifetime: config.Duration(cfg.Database.MaxConnLifetime),
			MaxConnIdleTime: config.Duration(cfg.Database.MaxConnIdleTime),
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		p.Pool = pool
		p.Store = ledger.NewPGStore(pool)
	case config.BackendMemory, "":
		p.Store = ledger.NewMemStore()
	default:
		return nil, fmt.Errorf("platform: unknown ledger backend %q", cfg.Ledger.Backend)
	}

	emitter := notify.NewEmitter(notify.Multi{
		notify.LogDispatcher{Logger: logger},
		p.Hub,
	}, logger)

	p.Runner = lot.NewRunner(p.Store, emitter, logger)
	p.Runner.Policy = ledger.Policy{
		MaxRetries:      cfg.Ledger.MaxRetries,
		InitialInterval: config.Duration(cfg.Ledger.InitialInterval),
		MaxInterval:     config.Duration(cfg.Ledger.MaxInterval),
	}

	p.Codes = vcode.NewIssuer(p.Runner).WithTTL(config.Duration(cfg.Codes.TTL))
	if cfg.Codes.Length > 0 {
		p.Codes.WithLength(cfg.Codes.Length)
	}
	p.Dispatch = dispatch.NewService(p.Runner)
	p.Lots = lot.NewService(p.Runner).WithDispatchChecker(p.Dispatch)
	p.Offers = offer.NewService(p.Runner, p.Codes).WithDefaultValidity(cfg.Offers.DefaultValidityDays)
	p.Payments = payment.NewService(p.Runner)
	return p, nil
}

// Close releases the database pool, if any.
func (p *Platform) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}
