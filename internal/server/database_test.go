package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/envoix/envoix/pkg/envoix/api"
)

func TestRebind(t *testing.T) {
	t.Parallel()

	query := `INSERT INTO grants (grant_id, env_id) VALUES (?, ?)`
	if got := dialectSQLite.rebind(query); got != query {
		t.Fatalf("sqlite rebind must be identity, got %q", got)
	}
	want := `INSERT INTO grants (grant_id, env_id) VALUES ($1, $2)`
	if got := dialectPostgres.rebind(query); got != want {
		t.Fatalf("postgres rebind: got %q, want %q", got, want)
	}
	if got := dialectPostgres.rebind("SELECT 1"); got != "SELECT 1" {
		t.Fatalf("rebind without placeholders: got %q", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	if isUniqueViolation(nil) {
		t.Fatal("nil is not a violation")
	}
	if isUniqueViolation(errors.New("connection reset")) {
		t.Fatal("unrelated error is not a violation")
	}
	if !isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: grants.env_id, grants.user_email (2067)")) {
		t.Fatal("sqlite unique message must be recognized")
	}
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("postgres 23505 must be recognized")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation is not a unique violation")
	}
}

func TestTimestampFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.FixedZone("X", 3600))
	got := timestamp(at)
	if got != "2025-03-14T08:26:53.589793Z" {
		t.Fatalf("unexpected timestamp: %q", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, got); err != nil {
		t.Fatalf("timestamp must round-trip: %v", err)
	}
}

func TestWriteAuditSwallowsStorageFaults(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))

	srv := &Server{
		logger:  slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		db:      db,
		dialect: dialectSQLite,
	}
	srv.writeAudit(context.Background(), auditRecord{
		EventType: auditEventPull,
		Actor:     "alice@example.com",
		EnvID:     "env-1",
		Outcome:   auditOutcomeSuccess,
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateGrantRowsAffectedFault(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT grant_id, env_id, user_email, capabilities, wrapped_key, bootstrapped").
		WillReturnRows(sqlmock.NewRows([]string{"grant_id", "env_id", "user_email", "capabilities", "wrapped_key", "bootstrapped"}).
			AddRow("grt_1", "env-1", "alice@example.com", `["update_user"]`, []byte{0x01}, 1))
	mock.ExpectExec("UPDATE grants").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows affected unsupported")))

	srv := &Server{
		logger:    slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		db:        db,
		dialect:   dialectSQLite,
		jwtSecret: []byte("unit-test-secret"),
	}

	req := connect.NewRequest(&api.UpdateGrantRequest{
		EnvID:        "env-1",
		UserEmail:    "bob@example.com",
		Capabilities: api.CapabilitySet{api.CapabilityPull},
	})
	req.Header().Set("Authorization", "Bearer "+mustToken(t, srv.jwtSecret, "usr_a", "alice@example.com"))
	_, err = srv.handleUpdateGrant(context.Background(), req)
	if connect.CodeOf(err) != connect.CodeInternal {
		t.Fatalf("expected internal error when row count is unavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadEnvironmentStorageFault(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery("SELECT env_id, name, env_path, owner, ciphertext FROM environments").
		WillReturnError(errors.New("connection reset"))

	srv := &Server{dialect: dialectSQLite, db: db}
	_, err = srv.loadEnvironment(context.Background(), db, "env-1")
	if err == nil || errors.Is(err, errNotFound) {
		t.Fatalf("storage fault must not collapse into not-found, got %v", err)
	}
}
