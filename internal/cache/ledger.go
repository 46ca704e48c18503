package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opos-prep/backend/internal/database"
	"github.com/opos-prep/backend/internal/models"
)

// Ledger records which cached questions each user has been shown.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// MarkSeen records the sighting (a repeat for the same pair is ignored) and
// bumps the question's times_used counter. Call it when the question is
// committed to a response or a buffer slot, not when it is merely considered.
func (l *Ledger) MarkSeen(ctx context.Context, userID, questionID int64, seenCtx models.SeenContext) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO user_seen_questions (user_id, question_cache_id, seen_at, context)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, question_cache_id) DO NOTHING`,
		userID, questionID, database.Millis(l.now()), string(seenCtx),
	)
	if err != nil {
		return fmt.Errorf("mark question %d seen: %w", questionID, err)
	}

	_, err = l.db.ExecContext(ctx,
		`UPDATE question_cache SET times_used = times_used + 1 WHERE id = $1`, questionID)
	if err != nil {
		return fmt.Errorf("bump times_used for %d: %w", questionID, err)
	}
	return nil
}

// IsRecentlySeen reports whether the user saw the question less than window ago.
func (l *Ledger) IsRecentlySeen(ctx context.Context, userID, questionID int64, window time.Duration) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_seen_questions
		 WHERE user_id = $1 AND question_cache_id = $2 AND seen_at > $3`,
		userID, questionID, database.Millis(l.now().Add(-window)),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return n > 0, nil
}
