// Package testutil provides the database harness for integration tests that
// need a real Postgres. Tests using it skip themselves unless
// TEST_POSTGRES_DSN points at a reachable server, so the unit suite stays
// runnable anywhere.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/ficheops/control-plane/internal/migrate"
)

// TestDB is a throwaway database with the full schema applied.
type TestDB struct {
	DB   *bun.DB
	Name string

	adminDSN string
}

// NewTestDB creates a uniquely named database on the server TEST_POSTGRES_DSN
// points at, applies migrations, and registers teardown on t. Tests are
// skipped when the variable is unset.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	adminDSN := os.Getenv("TEST_POSTGRES_DSN")
	if adminDSN == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping database-backed test")
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	name := fmt.Sprintf("controlplane_test_%d_%s", time.Now().Unix(), hex.EncodeToString(suffix))

	admin, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("open admin connection: %v", err)
	}
	if _, err := admin.Exec("CREATE DATABASE " + name); err != nil {
		admin.Close()
		t.Fatalf("create test database: %v", err)
	}

	cfg, err := pgx.ParseConfig(adminDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("parse admin dsn: %v", err)
	}
	cfg.Database = name

	sqldb := stdlib.OpenDB(*cfg)
	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrate.RunWithDB(ctx, sqldb); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	tdb := &TestDB{DB: db, Name: name, adminDSN: adminDSN}
	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec("DROP DATABASE IF EXISTS " + name + " WITH (FORCE)")
		admin.Close()
	})
	return tdb
}
