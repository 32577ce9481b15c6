package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradeflow/auth"
	"tradeflow/config"
	"tradeflow/db"
	"tradeflow/ledger"
	"tradeflow/logging"
	"tradeflow/platform"
)

func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, cfg.Name+"-ctl")
	return cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger migrations to the configured database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("migrate: %s is not set", config.EnvDatabaseURL)
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire offers whose validity window has passed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			at, _ := cmd.Flags().GetString("at")
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("sweep: --at: %w", err)
				}
			}

			p, err := platform.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			n, err := p.Offers.ExpireStaleOffers(cmd.Context(), now)
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d offers\n", n)
			return err
		},
	}
	cmd.Flags().String("at", "", "evaluate expiry at this RFC3339 instant instead of now")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rawRole, _ := cmd.Flags().GetString("role")
			role, err := auth.ParseRole(rawRole)
			if err != nil {
				return err
			}
			ttl := config.Duration(cfg.Auth.TokenTTL)
			if override, _ := cmd.Flags().GetDuration("ttl"); override > 0 {
				ttl = override
			}
			svc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(args[0], role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("role", string(auth.RoleTrader), "actor role: trader, custodian, transporter or operator")
	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <lot-id>",
		Short: "Print a lot's audit trail as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := platform.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			entries, err := p.Lots.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries)
		},
	}
}

func printHistory(w io.Writer, entries []ledger.HistoryEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
