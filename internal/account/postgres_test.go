package account_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/MrWong99/soundlink/internal/account"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// ─── mock DB ─────────────────────────────────────────────────────────────────

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	row       *mockRow
	execErr   error
	execCalls []execCall
}

func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return m.row }

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execCalls = append(m.execCalls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

// ─── unit tests ──────────────────────────────────────────────────────────────

func TestPostgresStore_CredentialsFor(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")
	tests := []struct {
		name    string
		scan    func(dest ...any) error
		want    backend.Credentials
		wantErr error
	}{
		{
			name: "linked",
			scan: func(dest ...any) error {
				*dest[0].(*string) = "alice"
				*dest[1].(*string) = "tok"
				*dest[2].(*string) = "Kitchen"
				return nil
			},
			want: backend.Credentials{UserID: "u1", Username: "alice", Token: "tok", DeviceName: "Kitchen"},
		},
		{
			name:    "not linked",
			scan:    func(...any) error { return pgx.ErrNoRows },
			wantErr: account.ErrNotLinked,
		},
		{
			name:    "query failure",
			scan:    func(...any) error { return errBoom },
			wantErr: errBoom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := account.NewPostgresStore(&mockDB{row: &mockRow{scanFunc: tt.scan}})
			got, err := s.CredentialsFor(t.Context(), "u1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPostgresStore_Link(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := account.NewPostgresStore(db)

	if err := s.Link(t.Context(), "u1", backend.Credentials{Username: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if len(db.execCalls) != 1 {
		t.Fatalf("Exec calls = %d, want 1", len(db.execCalls))
	}
	call := db.execCalls[0]
	if !strings.Contains(call.sql, "ON CONFLICT (user_id)") {
		t.Errorf("Link should upsert, got query %q", call.sql)
	}
	if call.args[0] != "u1" || call.args[2] != "tok" {
		t.Errorf("args = %v", call.args)
	}

	db.execErr = errors.New("down")
	if err := s.Unlink(t.Context(), "u1"); err == nil {
		t.Error("Unlink should surface the exec error")
	}
}

// ─── integration ─────────────────────────────────────────────────────────────

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	ctx := t.Context()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("soundlink"),
		postgres.WithUsername("soundlink"),
		postgres.WithPassword("soundlink"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	store, pool, err := account.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	// Migrations are idempotent.
	if err := account.Migrate(pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	storeContract(t, store)
	assertTable(t, pool)
}

func assertTable(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	var n int
	err := pool.QueryRow(t.Context(), `SELECT count(*) FROM information_schema.tables WHERE table_name = 'account_links'`).Scan(&n)
	if err != nil {
		t.Fatalf("query schema: %v", err)
	}
	if n != 1 {
		t.Errorf("account_links tables = %d, want 1", n)
	}
}
