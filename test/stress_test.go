package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradeflow/ledger"
	"tradeflow/test/actors"
	"tradeflow/test/chaos"
	"tradeflow/test/infra"
	"tradeflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run each stress epoch")
	flEpochs      = flag.Int("epochs", 1, "number of epochs; the ledger is reset between them")
	flConcurrency = flag.Int("concurrency", 8, "number of competing buyers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestSettlementConcurrency races buyers, counter negotiation, the stale-offer
// sweep and settlement against one PostgreSQL ledger and checks the ledger
// invariants while they run.
func TestSettlementConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*flEpochs)*(*flDuration+60*time.Second))
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv(infra.EnvStressDSN) != "":
		dsn = os.Getenv(infra.EnvStressDSN)
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared, int32(4*(*flConcurrency)+8))
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	world := actors.NewWorld(ledger.NewPGStore(pool), zerolog.Nop())

	for epoch := 0; epoch < *flEpochs; epoch++ {
		if epoch > 0 {
			if err := infra.Reset(ctx, pool); err != nil {
				t.Fatalf("reset before epoch %d: %v", epoch, err)
			}
		}
		runEpoch(t, ctx, pool, world, epoch, seed)
	}
}

func runEpoch(t *testing.T, ctx context.Context, pool *pgxpool.Pool, world actors.World, epoch int, seed int64) {
	t.Helper()
	const custodian = "warehouse-stress"
	sellers := []string{"exporter-a", "exporter-b"}
	buyers := make([]string, *flConcurrency)
	for i := range buyers {
		buyers[i] = fmt.Sprintf("buyer-%02d", i)
	}

	board := &actors.Board{}
	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, s := range sellers {
		g.Go(func() error { return actors.Seller(gctx, world, board, custodian, s, buyers, stop) })
		g.Go(func() error { return actors.Negotiator(gctx, world, board, s, stop) })
	}
	for _, b := range buyers {
		g.Go(func() error { return actors.Buyer(gctx, world, board, b, stop) })
	}
	g.Go(func() error { return actors.Settler(gctx, world, board, custodian, stop) })
	g.Go(func() error { return actors.Settler(gctx, world, board, custodian, stop) })
	g.Go(func() error { return actors.Sweeper(gctx, world, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, infra.ApplicationName, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	check := func() {
		name, row, err := oracles.Run(ctx, pool)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			t.Fatalf("oracle error: %v", err)
		}
		if name != "" {
			dumpRecent(t, ctx, pool)
			t.Fatalf("Oracle %s failed in epoch %d. First row: %s (seed=%d)", name, epoch, row, seed)
		}
	}

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			check()
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			dumpRecent(t, ctx, pool)
			t.Fatalf("actors errored (seed=%d): %v", seed, err)
		}
	}
	check()
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"ledger_history", `SELECT id, stream, seq, type, actors, created_at FROM ledger_history ORDER BY id DESC LIMIT 50`},
		{"ledger_entries", `SELECT key, version, updated_at FROM ledger_entries ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
