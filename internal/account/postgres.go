package account

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/MrWong99/soundlink/pkg/backend"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by the account_links table.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db. The schema must already exist; see
// [Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to dsn, applies pending migrations and returns the store
// together with its pool. The caller closes the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("account: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("account: ping: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return NewPostgresStore(pool), pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(pool *pgxpool.Pool) (err error) {
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("account: migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("account: migrate source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("account: migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		err = errors.Join(err, srcErr, dbErr)
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("account: migrate up: %w", err)
	}
	return nil
}

// CredentialsFor implements [Store].
func (s *PostgresStore) CredentialsFor(ctx context.Context, userID string) (backend.Credentials, error) {
	const query = `SELECT username, token, device_name FROM account_links WHERE user_id = $1`

	c := backend.Credentials{UserID: userID}
	err := s.db.QueryRow(ctx, query, userID).Scan(&c.Username, &c.Token, &c.DeviceName)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.Credentials{}, ErrNotLinked
	}
	if err != nil {
		return backend.Credentials{}, fmt.Errorf("account: get %s: %w", userID, err)
	}
	return c, nil
}

// Link implements [Store].
func (s *PostgresStore) Link(ctx context.Context, userID string, creds backend.Credentials) error {
	if userID == "" {
		return errors.New("account: empty user id")
	}
	const query = `
		INSERT INTO account_links (user_id, username, token, device_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			username    = EXCLUDED.username,
			token       = EXCLUDED.token,
			device_name = EXCLUDED.device_name,
			updated_at  = now()`

	if _, err := s.db.Exec(ctx, query, userID, creds.Username, creds.Token, creds.DeviceName); err != nil {
		return fmt.Errorf("account: link %s: %w", userID, err)
	}
	return nil
}

// Unlink implements [Store].
func (s *PostgresStore) Unlink(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM account_links WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("account: unlink %s: %w", userID, err)
	}
	return nil
}
