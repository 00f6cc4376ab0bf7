package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect selects between the embedded sqlite store and an external Postgres
// when ENVOIX_DATABASE_URL is set. Queries are written with ? placeholders
// and rebound for Postgres.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, dialect, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, dialectPostgres, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(8)
		db.SetConnMaxIdleTime(2 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, dialectPostgres, fmt.Errorf("ping postgres: %w", err)
		}
		if err := runMigrations(ctx, db, dialectPostgres); err != nil {
			_ = db.Close()
			return nil, dialectPostgres, err
		}
		return db, dialectPostgres, nil
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, dialectSQLite, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dialectSQLite, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, dialectSQLite, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := runMigrations(ctx, db, dialectSQLite); err != nil {
		_ = db.Close()
		return nil, dialectSQLite, err
	}
	return db, dialectSQLite, nil
}

func runMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	blob := "BLOB"
	if d == dialectPostgres {
		blob = "BYTEA"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS environments (
			env_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			env_path TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL,
			ciphertext %s NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`, blob),
		`CREATE INDEX IF NOT EXISTS environments_owner_idx ON environments(owner);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS grants (
			grant_id TEXT PRIMARY KEY,
			env_id TEXT NOT NULL REFERENCES environments(env_id) ON DELETE CASCADE,
			user_email TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			wrapped_key %s NOT NULL,
			bootstrapped INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(env_id, user_email)
		);`, blob),
		`CREATE INDEX IF NOT EXISTS grants_env_idx ON grants(env_id);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			actor TEXT NOT NULL,
			env_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS audit_events_env_created_idx ON audit_events(env_id, created_at DESC);`,
	}

	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, d.rebind(statement)); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$N for Postgres. Question marks never
// appear inside the literals this server issues.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation recognizes the storage layer's duplicate-row rejection.
// The uniqueness constraint on grants(env_id, user_email) is the canonical
// arbiter for concurrent invitations, so this maps to the Conflict outcome.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type queryRowExecutor interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
