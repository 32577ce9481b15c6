package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recorder struct {
	sql  []string
	fail error
}

func (r *recorder) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.fail != nil {
		return pgconn.CommandTag{}, r.fail
	}
	r.sql = append(r.sql, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestNamesAreOrdered(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_ledger.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestApply(t *testing.T) {
	var rec recorder
	if err := Apply(context.Background(), &rec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	names, _ := Names()
	if len(rec.sql) != len(names) {
		t.Fatalf("expected %d statements, got %d", len(names), len(rec.sql))
	}
	for _, table := range []string{"ledger_entries", "ledger_history"} {
		if !strings.Contains(rec.sql[0], table) {
			t.Fatalf("expected %s in the first migration", table)
		}
	}

	rec.fail = errors.New("boom")
	if err := Apply(context.Background(), &rec); err == nil || !strings.Contains(err.Error(), "0001_ledger.sql") {
		t.Fatalf("expected wrapped failure naming the file, got %v", err)
	}
}
