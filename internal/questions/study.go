package questions

import (
	"context"
	"errors"
	"fmt"

	"github.com/opos-prep/backend/internal/buffer"
	"github.com/opos-prep/backend/internal/jobs"
	"github.com/opos-prep/backend/internal/models"
)

// studyBatch is how many questions a study miss produces: one to serve and
// one for the buffer.
const studyBatch = 2

// GetStudyQuestion serves the next study question for the topic, from the
// user's buffer when it has one ready, otherwise from the cache or a fresh
// generation. Either way the buffer is topped up in the background.
func (s *Service) GetStudyQuestion(ctx context.Context, userID int64, topic string) (*models.StudyResponse, error) {
	if err := s.library.Catalog().Validate([]string{topic}); err != nil {
		return nil, err
	}

	bq, err := s.buffer.TakeOldest(ctx, userID, topic)
	switch {
	case errors.Is(err, buffer.ErrBufferCorrupt):
		s.log.Warn("discarded corrupt buffer entry", "user", userID, "topic", topic)
	case err != nil:
		s.log.Warn("buffer take failed", "user", userID, "topic", topic, "error", err)
	case bq != nil:
		size := s.topUp(ctx, userID, topic)
		return &models.StudyResponse{
			Question: models.ServedQuestion{
				Question: s.shuffleOptions(bq.Payload),
				CacheID:  bq.CacheID,
				Topic:    topic,
				Source:   models.SourceBuffer,
			},
			BufferSize: size,
		}, nil
	}

	texts, err := s.library.Chunks([]string{topic})
	if err != nil {
		return nil, err
	}
	served, err := s.supplyStudy(ctx, userID, topic, texts, studyBatch, s.cfg.ExamCachePreference, models.SeenStudy)
	if len(served) == 0 {
		return nil, supplyError(err, 1)
	}

	first := served[0]
	if first.Source == models.SourceGenerated && first.CacheID != nil {
		s.markSeen(ctx, userID, *first.CacheID, models.SeenStudy)
	}
	for _, extra := range served[1:] {
		ok, err := s.buffer.Push(ctx, userID, topic, extra.Question, extra.Difficulty, extra.CacheID)
		if err != nil {
			s.log.Warn("buffer push failed", "user", userID, "topic", topic, "error", err)
			continue
		}
		if ok {
			s.markBuffered(ctx, userID, extra)
		}
	}
	size := s.topUp(ctx, userID, topic)

	first.Question = s.shuffleOptions(first.Question)
	return &models.StudyResponse{Question: first, BufferSize: size}, nil
}

// Prewarm fills the buffer ahead of a study session. Nothing is scheduled
// when the buffer already holds the target or a job for it is running.
func (s *Service) Prewarm(ctx context.Context, userID int64, topic string) (*models.PrewarmResponse, error) {
	if err := s.library.Catalog().Validate([]string{topic}); err != nil {
		return nil, err
	}
	size, err := s.buffer.Size(ctx, userID, topic)
	if err != nil {
		return nil, err
	}
	if size >= s.cfg.BufferTarget {
		return &models.PrewarmResponse{BufferSize: size}, nil
	}

	scheduled := s.startJob(jobs.RefillKey(userID, topic), func(ctx context.Context) {
		s.refill(ctx, userID, topic, min(studyBatch, s.cfg.BufferTarget-size))
		s.refill(ctx, userID, topic, s.cfg.BufferTarget)
	})
	return &models.PrewarmResponse{BufferSize: size, Scheduled: scheduled}, nil
}

// topUp returns the current buffer size and schedules a refill when it is
// below target.
func (s *Service) topUp(ctx context.Context, userID int64, topic string) int {
	size, err := s.buffer.Size(ctx, userID, topic)
	if err != nil {
		s.log.Warn("buffer size failed", "user", userID, "topic", topic, "error", err)
		return 0
	}
	if missing := s.cfg.BufferTarget - size; missing > 0 {
		s.scheduleRefill(userID, topic, missing)
	}
	return size
}

func (s *Service) scheduleRefill(userID int64, topic string, count int) bool {
	return s.startJob(jobs.RefillKey(userID, topic), func(ctx context.Context) {
		s.refill(ctx, userID, topic, count)
	})
}

// refill produces up to count questions for the buffer and pushes them
// until it reports full. Everything pushed is marked seen for the user so
// later lookups skip it. Questions that do not fit stay in the cache.
func (s *Service) refill(ctx context.Context, userID int64, topic string, count int) {
	size, err := s.buffer.Size(ctx, userID, topic)
	if err != nil {
		s.log.Warn("refill size check failed", "user", userID, "topic", topic, "error", err)
		return
	}
	want := min(count, s.cfg.BufferTarget-size)
	if want <= 0 {
		s.log.Debug("refill not needed", "user", userID, "topic", topic, "size", size)
		return
	}

	texts, err := s.library.Chunks([]string{topic})
	if err != nil {
		s.log.Warn("refill has no content", "topic", topic, "error", err)
		return
	}
	served, err := s.supplyStudy(ctx, userID, topic, texts, want, s.cfg.RefillPreference, models.SeenStudy)
	if err != nil && len(served) == 0 {
		s.log.Warn("refill produced nothing", "user", userID, "topic", topic, "error", err)
		return
	}

	pushed := 0
	for _, q := range served {
		err := s.buffer.PushOrErr(ctx, userID, topic, q.Question, q.Difficulty, q.CacheID)
		if errors.Is(err, buffer.ErrBufferFull) {
			break
		}
		if err != nil {
			s.log.Warn("refill push failed", "user", userID, "topic", topic, "error", err)
			continue
		}
		s.markBuffered(ctx, userID, q)
		pushed++
	}
	s.log.Debug("buffer refilled", "user", userID, "topic", topic, "pushed", pushed, "produced", len(served))
}

// markBuffered records a generated question as seen once it holds a buffer
// slot. Cache hits were already marked by the lookup.
func (s *Service) markBuffered(ctx context.Context, userID int64, q models.ServedQuestion) {
	if q.Source == models.SourceGenerated && q.CacheID != nil {
		s.markSeen(ctx, userID, *q.CacheID, models.SeenStudy)
	}
}

// supplyStudy gathers count questions of random difficulty for a single
// topic. Each round prefers the cache with probability cachePref and falls
// back to one generation call. Cache hits are marked seen under seenCtx when
// it is set; generated questions are left for the caller to mark.
func (s *Service) supplyStudy(ctx context.Context, userID int64, topic string, texts []string, count int, cachePref float64, seenCtx models.SeenContext) ([]models.ServedQuestion, error) {
	var out []models.ServedQuestion
	var exclude []int64
	var lastErr error

	for round := 0; round < count*2 && len(out) < count; round++ {
		difficulty := s.randomDifficulty()

		if s.chance(cachePref) {
			hits := s.lookup(ctx, userID, []string{topic}, difficulty, min(2, count-len(out)), &exclude, seenCtx)
			if len(hits) > 0 {
				out = append(out, hits...)
				continue
			}
		}

		batch, err := s.generateOnce(ctx, userID, topic, topic, texts, difficulty)
		if err != nil {
			lastErr = err
			s.log.Warn("study generation failed", "user", userID, "topic", topic, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, c := range batch {
			if len(out) == count {
				break
			}
			out = append(out, models.ServedQuestion{Question: c.question, CacheID: c.cacheID, Topic: topic, Source: models.SourceGenerated})
		}
	}

	if len(out) == 0 && lastErr == nil {
		lastErr = fmt.Errorf("no study question for %s", topic)
	}
	return out, lastErr
}
