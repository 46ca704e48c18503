package chunks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opos-prep/backend/internal/database"
)

// Store persists which chunk indices each user has consumed per topic.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Used(ctx context.Context, userID int64, topic string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index FROM chunk_usage WHERE user_id = $1 AND topic_id = $2`,
		userID, topic,
	)
	if err != nil {
		return nil, fmt.Errorf("list used chunks: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan used chunk: %w", err)
		}
		used[idx] = true
	}
	return used, rows.Err()
}

func (s *Store) Reset(ctx context.Context, userID int64, topic string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_usage WHERE user_id = $1 AND topic_id = $2`,
		userID, topic,
	)
	if err != nil {
		return fmt.Errorf("reset chunk usage: %w", err)
	}
	return nil
}

// MarkUsed records the indices; already-recorded ones are ignored.
func (s *Store) MarkUsed(ctx context.Context, userID int64, topic string, indices ...int) error {
	now := database.Millis(s.now())
	for _, idx := range indices {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chunk_usage (user_id, topic_id, chunk_index, used_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, topic_id, chunk_index) DO NOTHING`,
			userID, topic, idx, now,
		)
		if err != nil {
			return fmt.Errorf("mark chunk %d used: %w", idx, err)
		}
	}
	return nil
}

// Count returns how many chunks of the topic the user has consumed in the
// current rotation.
func (s *Store) Count(ctx context.Context, userID int64, topic string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_usage WHERE user_id = $1 AND topic_id = $2`,
		userID, topic,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunk usage: %w", err)
	}
	return n, nil
}
