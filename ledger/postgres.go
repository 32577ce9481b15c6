package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGPool abstracts pgxpool.Pool for testability.
type PGPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore implements Store on the ledger_entries and ledger_history tables
// (see migrations/). Compare-and-set is a conditional UPDATE on version; a
// batch runs in one transaction so either every write lands or none does.
type PGStore struct {
	pool PGPool
}

func NewPGStore(pool PGPool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, key string) (Entry, error) {
	const q = `SELECT version, value FROM ledger_entries WHERE key = $1`
	e := Entry{Key: key}
	if err := s.pool.QueryRow(ctx, q, key).Scan(&e.Version, &e.Value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, classify("get", err)
	}
	return e, nil
}

func (s *PGStore) Commit(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback(ctx)

	for _, w := range batch.Writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return err
		}
	}

	const insertHistorySQL = `
INSERT INTO ledger_history (stream, seq, type, actors, payload, created_at)
VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_history WHERE stream = $1), $2, $3, $4::jsonb, $5)
`
	for _, h := range batch.History {
		payload := h.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal history payload: %w", err)
		}
		actors := h.Actors
		if actors == nil {
			actors = []string{}
		}
		createdAt := h.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, insertHistorySQL, h.Stream, h.Type, actors, body, createdAt); err != nil {
			return classify("append history", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func applyWrite(ctx context.Context, tx pgx.Tx, w Write) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case w.Delete && w.ExpectedVersion == 0:
		return nil
	case w.Delete:
		const deleteSQL = `DELETE FROM ledger_entries WHERE key = $1 AND version = $2`
		tag, err = tx.Exec(ctx, deleteSQL, w.Key, w.ExpectedVersion)
	case w.ExpectedVersion == 0:
		const insertSQL = `
INSERT INTO ledger_entries (key, version, value)
VALUES ($1, 1, $2::jsonb)
ON CONFLICT (key) DO NOTHING
`
		tag, err = tx.Exec(ctx, insertSQL, w.Key, w.Value)
	default:
		const updateSQL = `
UPDATE ledger_entries
SET version = version + 1,
    value = $3::jsonb,
    updated_at = now()
WHERE key = $1 AND version = $2
`
		tag, err = tx.Exec(ctx, updateSQL, w.Key, w.ExpectedVersion, w.Value)
	}
	if err != nil {
		return classify("write "+w.Key, err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	const q = `SELECT key, version, value FROM ledger_entries WHERE key LIKE $1 ORDER BY key`
	rows, err := s.pool.Query(ctx, q, likePrefix(prefix))
	if err != nil {
		return nil, classify("scan", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Version, &e.Value); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate scan", err)
	}
	return out, nil
}

func (s *PGStore) History(ctx context.Context, stream string) ([]HistoryEntry, error) {
	const q = `
SELECT stream, seq, type, actors, payload, created_at
FROM ledger_history
WHERE stream = $1
ORDER BY seq
`
	rows, err := s.pool.Query(ctx, q, stream)
	if err != nil {
		return nil, classify("history", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var (
			h    HistoryEntry
			body []byte
		)
		if err := rows.Scan(&h.Stream, &h.Seq, &h.Type, &h.Actors, &body, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan history: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &h.Payload); err != nil {
				return nil, fmt.Errorf("ledger: decode history payload: %w", err)
			}
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate history", err)
	}
	return out, nil
}

// classify maps driver failures onto ErrConflict and ErrTransient so RunTx
// can decide whether to retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
		}
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) ||
		errors.As(err, &connErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
