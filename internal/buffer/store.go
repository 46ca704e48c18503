package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opos-prep/backend/internal/database"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

var (
	ErrInvalidPayload = errors.New("buffer: question text or options missing")
	ErrBufferFull     = errors.New("buffer: full")
	ErrBufferCorrupt  = errors.New("buffer: corrupt entry discarded")
)

// takeAttempts bounds how often TakeOldest retries after losing a race.
const takeAttempts = 3

type Options struct {
	Cap int
	TTL time.Duration
}

// Store is the per-(user, topic) FIFO of ready questions.
type Store struct {
	db   *sql.DB
	opts Options
	log  *logger.Logger
	now  func() time.Time
}

func NewStore(db *sql.DB, opts Options, log *logger.Logger) *Store {
	if opts.Cap <= 0 {
		opts.Cap = 5
	}
	if opts.TTL <= 0 {
		opts.TTL = 6 * time.Hour
	}
	return &Store{db: db, opts: opts, log: log, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Push appends a question to the (user, topic) queue. It returns false with a
// nil error when the queue already holds Cap live entries; the count check
// and the insert are one statement.
func (s *Store) Push(ctx context.Context, userID int64, topic string, q models.Question, difficulty models.Difficulty, cacheID *int64) (bool, error) {
	if strings.TrimSpace(q.Question) == "" || len(q.Options) == 0 {
		return false, ErrInvalidPayload
	}
	data, err := json.Marshal(q)
	if err != nil {
		return false, fmt.Errorf("encode buffered question: %w", err)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_question_buffer (user_id, topic_id, question_data, difficulty, cache_id, created_at, expires_at)
		 SELECT CAST($1 AS BIGINT), CAST($2 AS TEXT), CAST($3 AS TEXT), CAST($4 AS TEXT),
		        CAST($5 AS BIGINT), CAST($6 AS BIGINT), CAST($7 AS BIGINT)
		 WHERE (
		   SELECT COUNT(*) FROM user_question_buffer
		   WHERE user_id = $1 AND topic_id = $2 AND expires_at > $6
		 ) < $8`,
		userID, topic, string(data), string(difficulty), cacheID,
		database.Millis(now), database.Millis(now.Add(s.opts.TTL)), s.opts.Cap,
	)
	if err != nil {
		return false, fmt.Errorf("push buffered question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("push buffered question: %w", err)
	}
	return n == 1, nil
}

// PushOrErr is Push with a full queue reported as ErrBufferFull.
func (s *Store) PushOrErr(ctx context.Context, userID int64, topic string, q models.Question, difficulty models.Difficulty, cacheID *int64) error {
	ok, err := s.Push(ctx, userID, topic, q, difficulty, cacheID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBufferFull
	}
	return nil
}

// TakeOldest removes and returns the oldest live entry, or nil when there is
// none. Select and delete run in one transaction and the delete must remove
// exactly one row, so two callers never receive the same entry. An entry that
// fails validation is deleted and reported as ErrBufferCorrupt.
func (s *Store) TakeOldest(ctx context.Context, userID int64, topic string) (*models.BufferedQuestion, error) {
	for attempt := 0; attempt < takeAttempts; attempt++ {
		bq, retry, err := s.takeOnce(ctx, userID, topic)
		if err != nil || !retry {
			return bq, err
		}
		s.log.Debug("buffer take lost race, retrying", "user", userID, "topic", topic, "attempt", attempt+1)
	}
	return nil, nil
}

func (s *Store) takeOnce(ctx context.Context, userID int64, topic string) (*models.BufferedQuestion, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin buffer take: %w", err)
	}
	defer tx.Rollback()

	bq := models.BufferedQuestion{UserID: userID, Topic: topic}
	var data, difficulty string
	var cacheID sql.NullInt64
	var created, expires int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, question_data, difficulty, cache_id, created_at, expires_at
		 FROM user_question_buffer
		 WHERE user_id = $1 AND topic_id = $2 AND expires_at > $3
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		userID, topic, database.Millis(s.now()),
	).Scan(&bq.ID, &data, &difficulty, &cacheID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select buffered question: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM user_question_buffer WHERE id = $1`, bq.ID)
	if err != nil {
		return nil, false, fmt.Errorf("delete buffered question: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, true, nil
	}

	decodeErr := json.Unmarshal([]byte(data), &bq.Payload)
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit buffer take: %w", err)
	}

	if decodeErr != nil || !bq.Payload.Complete() {
		s.log.Warn("discarded corrupt buffer entry", "id", bq.ID, "user", userID, "topic", topic, "error", decodeErr)
		return nil, false, fmt.Errorf("%w: id %d", ErrBufferCorrupt, bq.ID)
	}

	bq.Difficulty = models.Difficulty(difficulty)
	if cacheID.Valid {
		id := cacheID.Int64
		bq.CacheID = &id
	}
	bq.CreatedAt = database.FromMillis(created)
	bq.ExpiresAt = database.FromMillis(expires)
	return &bq, false, nil
}

// Size counts live entries for (user, topic).
func (s *Store) Size(ctx context.Context, userID int64, topic string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_question_buffer
		 WHERE user_id = $1 AND topic_id = $2 AND expires_at > $3`,
		userID, topic, database.Millis(s.now()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("buffer size: %w", err)
	}
	return n, nil
}

// SweepExpired deletes entries past their TTL.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_question_buffer WHERE expires_at < $1`, database.Millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep buffer: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
