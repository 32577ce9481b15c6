package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradeflow/auth"
	"tradeflow/config"
	"tradeflow/logging"
	"tradeflow/offer"
	"tradeflow/platform"
)

func main() {
	configPath := flag.String("config", "", "path to tradeflow.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.New("info", "console", "tradeflow-api")
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Name+"-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, config.Duration(cfg.Auth.TokenTTL))
	if err != nil {
		return err
	}

	limiter := newRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, logger)
	server := &Server{
		lotService:      p.Lots,
		offerService:    p.Offers,
		paymentService:  p.Payments,
		dispatchService: p.Dispatch,
		codeService:     p.Codes,
		tokens:          tokens,
		hub:             p.Hub,
		limiter:         limiter,
		logger:          logger,
	}
	if cfg.HTTP.RateLimit == 0 {
		server.limiter = nil
	}

	sched := cron.New()
	if cfg.Offers.SweepSchedule != "" {
		if _, err := sched.AddFunc(cfg.Offers.SweepSchedule, sweepJob(ctx, p.Offers, logger)); err != nil {
			return err
		}
	}
	if _, err := sched.AddFunc("@every 5m", func() { limiter.Cleanup(time.Now()) }); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  config.Duration(cfg.HTTP.ReadTimeout),
		WriteTimeout: config.Duration(cfg.HTTP.WriteTimeout),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("ledger", cfg.Ledger.Backend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func sweepJob(ctx context.Context, offers *offer.Service, logger zerolog.Logger) func() {
	return func() {
		n, err := offers.ExpireStaleOffers(ctx, time.Now())
		if err != nil {
			logger.Warn().Err(err).Int("expired", n).Msg("stale offer sweep incomplete")
			return
		}
		if n > 0 {
			logger.Info().Int("expired", n).Msg("stale offers expired")
		}
	}
}
