package database_test

import (
	"testing"
	"time"

	"github.com/opos-prep/backend/internal/database"
	"github.com/opos-prep/backend/internal/database/dbtest"
)

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"questions.db", "file:questions.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"},
		{"file:x?mode=memory&cache=shared", "file:x?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"},
	}
	for _, tt := range tests {
		if got := database.SQLiteDSN(tt.in); got != tt.want {
			t.Errorf("SQLiteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMigrate_CreatesSchemaAndIsIdempotent(t *testing.T) {
	db := dbtest.New(t)

	for _, table := range []string{"question_cache", "user_seen_questions", "chunk_usage", "user_question_buffer", "cache_stats"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	if err := database.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("expected second migrate to be a no-op, got: %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := database.Placeholders(3, 3); got != "$3, $4, $5" {
		t.Errorf("unexpected placeholders: %q", got)
	}
	if got := database.Placeholders(1, 0); got != "" {
		t.Errorf("expected empty placeholders, got %q", got)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	if got := database.FromMillis(database.Millis(ts)); !got.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, got)
	}
}
