// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGTest opens a test database, runs all goose migrations from the
// migrations/ directory, and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is set, that database is used and tables are truncated
// on cleanup. Otherwise a throwaway postgres container is started via
// testcontainers (requires a local Docker daemon; the test is skipped if
// the container cannot start).
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	var terminate func()
	if dbURL == "" {
		var err error
		dbURL, terminate, err = startContainer(ctx)
		if err != nil {
			t.Skipf("POSTGRES_URL not set and container start failed: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		if terminate != nil {
			terminate()
		}
	}

	return db, cleanup
}

func startContainer(ctx context.Context) (string, func(), error) {
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("caddypay_test"),
		tcpostgres.WithUsername("caddypay"),
		tcpostgres.WithPassword("caddypay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, err
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return "", nil, err
	}

	terminate := func() { _ = testcontainers.TerminateContainer(ctr) }
	return connStr, terminate, nil
}

// runMigrations applies all goose migrations from the project-level
// migrations/ directory, found by walking up from the test's cwd.
func runMigrations(db *sql.DB) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			goose.SetLogger(goose.NopLogger())
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			return goose.Up(db, candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return os.ErrNotExist
		}
		dir = parent
	}
}

// truncateAll clears application tables between tests, leaving goose's
// version table alone.
func truncateAll(ctx context.Context, db *sql.DB) {
	for _, table := range []string{
		"event_subscriptions",
		"payout_accounts",
		"payouts",
		"payment_holds",
		"transactions",
	} {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+table+" CASCADE")
	}
}
