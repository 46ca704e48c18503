// Package dbtest opens throwaway migrated SQLite databases for store tests.
package dbtest

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/opos-prep/backend/internal/database"
)

var seq atomic.Int64

// New returns an in-memory database with the full schema applied. Each call
// gets its own named shared-cache database, closed when the test ends.
func New(tb testing.TB) *sql.DB {
	tb.Helper()

	name := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared", seq.Add(1))
	db, err := sql.Open("sqlite3", database.SQLiteDSN(name))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	tb.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		tb.Fatalf("ping sqlite: %v", err)
	}
	if err := database.Migrate(db, "sqlite3"); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}
