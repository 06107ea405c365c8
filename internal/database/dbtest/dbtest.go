// Package dbtest gives tests a migrated in-memory SQLite database.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"ms-fulfillment/internal/database"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// New returns a fresh database per call. A single connection keeps the
// in-memory database alive and serializes concurrent tests the way row
// locks would.
func New(t testing.TB) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := database.CreateSchema(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}
