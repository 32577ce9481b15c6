package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// offersOf and codesOf guard against aggregates stored with null arrays.
const (
	offersOf = `CASE jsonb_typeof(l.value->'offers') WHEN 'array' THEN l.value->'offers' ELSE '[]'::jsonb END`
	codesOf  = `CASE jsonb_typeof(l.value->'codes') WHEN 'array' THEN l.value->'codes' ELSE '[]'::jsonb END`
)

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_offer",
			SQL: `SELECT l.key FROM ledger_entries l
                  WHERE l.key LIKE 'lot/%'
                    AND (SELECT COUNT(*) FROM jsonb_array_elements(` + offersOf + `) o
                         WHERE o->>'status' = 'accepted') > 1`,
		},
		{
			Name: "O2_single_code_per_lot",
			SQL: `SELECT l.key, jsonb_array_length(` + codesOf + `) FROM ledger_entries l
                  WHERE l.key LIKE 'lot/%' AND jsonb_array_length(` + codesOf + `) > 1`,
		},
		{
			Name: "O3_history_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT stream, seq,
                             ROW_NUMBER() OVER (PARTITION BY stream ORDER BY seq) AS rn
                      FROM ledger_history)
                  SELECT stream, seq, rn FROM seqs WHERE seq <> rn`,
		},
		{
			Name: "O4_code_binds_accepted_offer",
			SQL: `SELECT c.key FROM ledger_entries c
                  LEFT JOIN ledger_entries l ON l.key = 'lot/' || (c.value->>'lotId')
                  WHERE c.key LIKE 'code/%'
                    AND (l.key IS NULL OR NOT EXISTS (
                        SELECT 1 FROM jsonb_array_elements(` + offersOf + `) o
                        WHERE o->>'id' = c.value->>'offerId' AND o->>'status' = 'accepted'))`,
		},
		{
			Name: "O5_phase_matches_offers",
			SQL: `SELECT l.key, l.value->'lot'->>'phase' FROM ledger_entries l
                  WHERE l.key LIKE 'lot/%'
                    AND (
                      (l.value->'lot'->>'phase' IN ('offer_accepted','dispatch_scheduled','settled')
                        AND NOT EXISTS (SELECT 1 FROM jsonb_array_elements(` + offersOf + `) o WHERE o->>'status' = 'accepted'))
                   OR (l.value->'lot'->>'phase' = 'offer_open'
                        AND NOT EXISTS (SELECT 1 FROM jsonb_array_elements(` + offersOf + `) o WHERE o->>'status' = 'open'))
                   OR (l.value->'lot'->>'phase' IN ('in_custody','fees_due','authorized')
                        AND EXISTS (SELECT 1 FROM jsonb_array_elements(` + offersOf + `) o WHERE o->>'status' IN ('open','accepted'))))`,
		},
		{
			Name: "O6_single_acceptance_event",
			SQL: `SELECT stream, COUNT(*) FROM ledger_history
                  WHERE type IN ('OFFER_ACCEPTED','COUNTER_ACCEPTED')
                  GROUP BY stream HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_payment_handshake_parties",
			SQL: `SELECT key FROM ledger_entries
                  WHERE key LIKE 'payment/%'
                    AND (value->>'confirmedBy' = value->>'requestedBy'
                      OR (value ? 'validatedBy' AND value->>'validatedBy' <> value->>'requestedBy')
                      OR (value ? 'validatedAt' AND NOT value ? 'confirmedAt'))`,
		},
		{
			Name: "O8_settled_requires_validation",
			SQL: `SELECT l.key FROM ledger_entries l
                  LEFT JOIN ledger_entries p ON p.key = 'payment/' || (l.value->'lot'->>'id')
                  WHERE l.key LIKE 'lot/%'
                    AND l.value->'lot'->>'phase' = 'settled'
                    AND (p.key IS NULL OR NOT p.value ? 'validatedAt')`,
		},
		{
			Name: "O9_archived_requires_pickup",
			SQL: `SELECT l.key FROM ledger_entries l
                  LEFT JOIN ledger_entries d ON d.key = 'dispatch/' || (l.value->'lot'->>'id')
                  WHERE l.key LIKE 'lot/%'
                    AND (l.value->'lot'->>'archived')::boolean
                    AND (d.key IS NULL OR NOT EXISTS (
                        SELECT 1 FROM jsonb_array_elements(d.value->'requests') r
                        WHERE r->>'status' = 'confirmed'))`,
		},
		{
			Name: "O11_sweep_entry_matches_open_lot",
			SQL: `SELECT l.key, l.value->'lot'->>'phase' FROM ledger_entries l
                  LEFT JOIN ledger_entries s ON s.key = 'sweep/' || (l.value->'lot'->>'id')
                  WHERE l.key LIKE 'lot/%'
                    AND ((l.value->'lot'->>'phase' = 'offer_open') <> (s.key IS NOT NULL))`,
		},
		{
			Name: "O10_history_append_only_guard",
			SQL: `SELECT 'missing_no_mutate_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_ledger_history')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
