package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opos-prep/backend/internal/database"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

type Options struct {
	Cap            int
	EvictBatch     int
	NoRepeatWindow time.Duration
}

// Store is the shared pool of generated questions.
type Store struct {
	db   *sql.DB
	opts Options
	log  *logger.Logger
	now  func() time.Time
}

func NewStore(db *sql.DB, opts Options, log *logger.Logger) *Store {
	if opts.Cap <= 0 {
		opts.Cap = 10000
	}
	if opts.EvictBatch <= 0 {
		opts.EvictBatch = 1000
	}
	if opts.NoRepeatWindow <= 0 {
		opts.NoRepeatWindow = 15 * 24 * time.Hour
	}
	return &Store{db: db, opts: opts, log: log, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Find returns a random non-expired question of the given difficulty from one
// of the topics that the user has not seen inside the no-repeat window and
// that is not in exclude. It returns nil when nothing qualifies.
func (s *Store) Find(ctx context.Context, userID int64, topics []string, difficulty models.Difficulty, exclude []int64) (*models.CachedQuestion, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	now := s.now()

	args := []interface{}{
		userID,
		database.Millis(now.Add(-s.opts.NoRepeatWindow)),
		string(difficulty),
		database.Millis(now),
	}
	query := `SELECT qc.id, qc.topic_id, qc.difficulty, qc.question_data, qc.generated_at, qc.expires_at, qc.times_used
		FROM question_cache qc
		LEFT JOIN user_seen_questions usq
		  ON usq.question_cache_id = qc.id AND usq.user_id = $1 AND usq.seen_at > $2
		WHERE qc.difficulty = $3
		  AND qc.expires_at > $4
		  AND usq.user_id IS NULL
		  AND qc.topic_id IN (` + database.Placeholders(len(args)+1, len(topics)) + `)`
	for _, t := range topics {
		args = append(args, t)
	}
	if len(exclude) > 0 {
		query += ` AND qc.id NOT IN (` + database.Placeholders(len(args)+1, len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY RANDOM() LIMIT 1`

	q, err := scanCached(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cached question: %w", err)
	}
	return q, nil
}

// Insert stores a question that never expires and returns its id. The size
// bound is enforced first.
func (s *Store) Insert(ctx context.Context, topic string, difficulty models.Difficulty, q models.Question) (int64, error) {
	return s.insert(ctx, topic, difficulty, q, database.Never)
}

// InsertWithTTL stores a question that expires after ttl.
func (s *Store) InsertWithTTL(ctx context.Context, topic string, difficulty models.Difficulty, q models.Question, ttl time.Duration) (int64, error) {
	return s.insert(ctx, topic, difficulty, q, s.now().Add(ttl))
}

func (s *Store) insert(ctx context.Context, topic string, difficulty models.Difficulty, q models.Question, expires time.Time) (int64, error) {
	if _, err := s.EvictIfFull(ctx); err != nil {
		s.log.Warn("cache eviction failed", "error", err)
	}

	data, err := json.Marshal(q)
	if err != nil {
		return 0, fmt.Errorf("encode question: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO question_cache (topic_id, difficulty, question_data, generated_at, expires_at, times_used)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 RETURNING id`,
		topic, string(difficulty), string(data), database.Millis(s.now()), database.Millis(expires),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert cached question: %w", err)
	}
	return id, nil
}

func (s *Store) MarkUsed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE question_cache SET times_used = times_used + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark cached question %d used: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*models.CachedQuestion, error) {
	q, err := scanCached(s.db.QueryRowContext(ctx,
		`SELECT id, topic_id, difficulty, question_data, generated_at, expires_at, times_used
		 FROM question_cache WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get cached question %d: %w", id, err)
	}
	return q, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM question_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache: %w", err)
	}
	return n, nil
}

// EvictIfFull removes the EvictBatch lowest-priority rows once the store holds
// Cap rows or more. Priority is times_used*100 minus age in days; rows still
// referenced by a live buffer entry are skipped.
func (s *Store) EvictIfFull(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n < s.opts.Cap {
		return 0, nil
	}

	now := database.Millis(s.now())
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM question_cache WHERE id IN (
			SELECT qc.id FROM question_cache qc
			WHERE NOT EXISTS (
				SELECT 1 FROM user_question_buffer b
				WHERE b.cache_id = qc.id AND b.expires_at > $1
			)
			ORDER BY qc.times_used * 100 - ($2 - qc.generated_at) / 86400000.0 ASC, qc.id ASC
			LIMIT $3
		)`,
		now, now, s.opts.EvictBatch,
	)
	if err != nil {
		return 0, fmt.Errorf("evict cache: %w", err)
	}
	removed, _ := res.RowsAffected()
	s.log.Info("cache evicted", "size", n, "removed", removed)
	return int(removed), nil
}

// CleanExpired removes rows whose expiry has passed.
func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM question_cache WHERE expires_at < $1`, database.Millis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("clean expired cache: %w", err)
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

func (s *Store) Stats(ctx context.Context) (*models.CacheStats, error) {
	now := database.Millis(s.now())
	stats := &models.CacheStats{ByDifficulty: make(map[models.Difficulty]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT difficulty, COUNT(*) FROM question_cache WHERE expires_at > $1 GROUP BY difficulty`, now)
	if err != nil {
		return nil, fmt.Errorf("cache stats by difficulty: %w", err)
	}
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		stats.ByDifficulty[models.Difficulty(d)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT times_used, COUNT(*) FROM question_cache WHERE expires_at > $1
		 GROUP BY times_used ORDER BY times_used DESC LIMIT 5`, now)
	if err != nil {
		return nil, fmt.Errorf("cache usage stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u models.UsageCount
		if err := rows.Scan(&u.TimesUsed, &u.Count); err != nil {
			return nil, fmt.Errorf("scan usage stats: %w", err)
		}
		stats.TopUsed = append(stats.TopUsed, u)
	}
	return stats, rows.Err()
}

// RecordDailyStats adds the counters to today's row.
func (s *Store) RecordDailyStats(ctx context.Context, generated, cached int, costUSD float64) error {
	date := s.now().UTC().Format("2006-01-02")
	hitRate := 0.0
	if total := generated + cached; total > 0 {
		hitRate = float64(cached) / float64(total)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_stats (date, questions_generated, questions_cached, cache_hit_rate, total_cost_usd)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (date) DO UPDATE SET
		   questions_generated = cache_stats.questions_generated + excluded.questions_generated,
		   questions_cached = cache_stats.questions_cached + excluded.questions_cached,
		   cache_hit_rate = CASE
		     WHEN cache_stats.questions_generated + excluded.questions_generated
		        + cache_stats.questions_cached + excluded.questions_cached > 0
		     THEN (cache_stats.questions_cached + excluded.questions_cached) * 1.0
		        / (cache_stats.questions_generated + excluded.questions_generated
		        + cache_stats.questions_cached + excluded.questions_cached)
		     ELSE 0 END,
		   total_cost_usd = cache_stats.total_cost_usd + excluded.total_cost_usd`,
		date, generated, cached, hitRate, costUSD,
	)
	if err != nil {
		return fmt.Errorf("record daily stats: %w", err)
	}
	return nil
}

func (s *Store) DailyStats(ctx context.Context, date string) (*models.DailyStats, error) {
	d := models.DailyStats{Date: date}
	err := s.db.QueryRowContext(ctx,
		`SELECT questions_generated, questions_cached, cache_hit_rate, total_cost_usd
		 FROM cache_stats WHERE date = $1`, date,
	).Scan(&d.Generated, &d.Cached, &d.HitRate, &d.CostUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCached(row rowScanner) (*models.CachedQuestion, error) {
	var q models.CachedQuestion
	var difficulty string
	var generated, expires int64
	if err := row.Scan(&q.ID, &q.Topic, &difficulty, &q.RawPayload, &generated, &expires, &q.TimesUsed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(q.RawPayload), &q.Payload); err != nil {
		return nil, fmt.Errorf("decode cached question %d: %w", q.ID, err)
	}
	q.Difficulty = models.Difficulty(difficulty)
	q.GeneratedAt = database.FromMillis(generated)
	q.ExpiresAt = database.FromMillis(expires)
	return &q, nil
}
