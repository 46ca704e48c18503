package questions

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opos-prep/backend/internal/models"
)

// OfficialTopic is the cache topic under which official-exam questions are
// stored; OfficialRotation is the chunk rotation key over the combined
// document.
const (
	OfficialTopic    = "examen-oficial"
	OfficialRotation = "official-exam"
)

// cellResult is what one (topic, difficulty) cell of an exam produced.
type cellResult struct {
	questions []models.ServedQuestion
	hits      int
	err       error
}

// GetExamBatch assembles an exam of total questions over the given topics,
// split by difficulty plan and spread evenly across topics. Cached questions
// the user has not seen recently are preferred; the shortfall is generated.
// A short exam is returned as-is; an empty one is an error.
func (s *Service) GetExamBatch(ctx context.Context, userID int64, topics []string, total int) (*models.ExamResponse, error) {
	if total <= 0 || total > maxExamQuestions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, total)
	}
	topics = uniqueTopics(topics)
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	if err := s.library.Catalog().Validate(topics); err != nil {
		return nil, err
	}
	texts := make(map[string][]string, len(topics))
	for _, t := range topics {
		chunks, err := s.library.Chunks([]string{t})
		if err != nil {
			return nil, err
		}
		texts[t] = chunks
	}

	if err := s.admission.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for exam slot: %w", err)
	}
	defer s.admission.Release(1)

	plan := s.plan(total)
	results := make([][]cellResult, len(topics))
	var g errgroup.Group
	for ti, topic := range topics {
		g.Go(func() error {
			var exclude []int64
			for di, d := range models.Difficulties {
				n := share(plan[d], len(topics), ti, di)
				if n == 0 {
					continue
				}
				results[ti] = append(results[ti], s.fillCell(ctx, userID, topic, texts[topic], d, n, &exclude))
			}
			return nil
		})
	}
	g.Wait()

	var served []models.ServedQuestion
	var hits int
	var lastErr error
	for _, cells := range results {
		for _, c := range cells {
			served = append(served, c.questions...)
			hits += c.hits
			if c.err != nil {
				lastErr = c.err
			}
		}
	}
	served = dedupe(served)
	if len(served) == 0 {
		return nil, supplyError(lastErr, total)
	}
	if len(served) < total {
		s.log.Warn("exam short of requested size", "user", userID, "served", len(served), "requested", total, "error", lastErr)
	}

	for i := range served {
		served[i].Question = s.shuffleOptions(served[i].Question)
	}
	hits = min(hits, len(served))
	stats := s.requestStats(ctx, hits, len(served)-hits)

	return &models.ExamResponse{
		ExamID:        uuid.NewString(),
		Questions:     served,
		QuestionCount: len(served),
		Requested:     total,
		Topics:        topics,
		Coverage:      s.coverage(ctx, userID, topics, texts),
		Stats:         stats,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// fillCell serves n questions of one difficulty for one topic: each slot
// tries the cache with the configured preference, the rest is generated.
func (s *Service) fillCell(ctx context.Context, userID int64, topic string, texts []string, d models.Difficulty, n int, exclude *[]int64) cellResult {
	var res cellResult
	missing := 0
	for i := 0; i < n; i++ {
		if s.chance(s.cfg.ExamCachePreference) {
			if hit := s.lookup(ctx, userID, []string{topic}, d, 1, exclude, models.SeenExam); len(hit) == 1 {
				res.questions = append(res.questions, hit[0])
				continue
			}
		}
		missing++
	}
	res.hits = len(res.questions)
	if missing == 0 {
		return res
	}

	produced, err := s.produce(ctx, userID, topic, topic, texts, d, missing)
	res.err = err
	for _, c := range produced[:min(missing, len(produced))] {
		res.questions = append(res.questions, s.serve(ctx, userID, c, models.SeenExam))
	}
	return res
}

// GetOfficialExam builds a full-syllabus exam of exactly total questions.
// It over-generates by the configured surplus, removes duplicates and fails
// with InsufficientSupplyError rather than returning a short exam. Only the
// questions actually served are marked seen.
func (s *Service) GetOfficialExam(ctx context.Context, userID int64, total int) (*models.ExamResponse, error) {
	if !slices.Contains(s.cfg.OfficialSizes, total) {
		return nil, fmt.Errorf("%w: %d not in %v", ErrInvalidCount, total, s.cfg.OfficialSizes)
	}
	topics := s.library.Catalog().IDs()
	texts, err := s.library.Chunks(topics)
	if err != nil {
		return nil, err
	}

	if err := s.admission.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for exam slot: %w", err)
	}
	defer s.admission.Release(1)

	target := int(math.Ceil(float64(total) * (1 + s.cfg.OfficialSurplus)))
	plan := s.plan(target)
	lookupTopics := append(slices.Clone(topics), OfficialTopic)

	var pool []models.ServedQuestion
	var exclude []int64
	missing := make(map[models.Difficulty]int, len(plan))
	for _, d := range models.Difficulties {
		hits := s.lookup(ctx, userID, lookupTopics, d, plan[d], &exclude, "")
		pool = append(pool, hits...)
		missing[d] = plan[d] - len(hits)
	}
	hits := len(pool)

	var (
		mu       sync.Mutex
		produced []candidate
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.OfficialConcurrency)
	for _, d := range models.Difficulties {
		calls := (missing[d] + studyBatch - 1) / studyBatch
		for i := 0; i < calls; i++ {
			g.Go(func() error {
				batch, err := s.generateOnce(gctx, userID, OfficialRotation, OfficialTopic, texts, d)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					lastErr = err
					s.log.Warn("official exam generation failed", "difficulty", d, "error", err)
					return nil
				}
				produced = append(produced, batch...)
				return nil
			})
		}
	}
	g.Wait()

	for _, c := range produced {
		pool = append(pool, models.ServedQuestion{Question: c.question, CacheID: c.cacheID, Topic: c.topic, Source: models.SourceGenerated})
	}
	if len(pool) < total {
		s.log.Error("official exam short", "generated", len(pool), "requested", total, "error", lastErr)
		return nil, &InsufficientSupplyError{Generated: len(pool), Requested: total}
	}
	pool = dedupe(pool)
	if len(pool) < total {
		s.log.Error("official exam short after removing duplicates", "unique", len(pool), "requested", total)
		return nil, &InsufficientSupplyError{Generated: len(pool), Requested: total}
	}

	served := pool[:total]
	for i := range served {
		if served[i].CacheID != nil {
			s.markSeen(ctx, userID, *served[i].CacheID, models.SeenExam)
		}
		served[i].Question = s.shuffleOptions(served[i].Question)
	}
	s.shuffleOrder(served)

	fromCache := 0
	for _, q := range served {
		if q.Source == models.SourceCache {
			fromCache++
		}
	}
	s.log.Info("official exam built", "user", userID, "questions", total, "cache_hits", hits, "generated", len(produced))

	return &models.ExamResponse{
		ExamID:        uuid.NewString(),
		Questions:     served,
		QuestionCount: total,
		Requested:     total,
		Topics:        topics,
		IsOfficial:    true,
		Stats:         s.requestStats(ctx, fromCache, total-fromCache),
		Timestamp:     time.Now().UTC(),
	}, nil
}

// share is the part of n assigned to topic i out of k. The remainder goes
// to consecutive topics starting at offset, so different difficulties favour
// different topics.
func share(n, k, i, offset int) int {
	base, rem := n/k, n%k
	if (i-offset%k+k)%k < rem {
		return base + 1
	}
	return base
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	var out []string
	for _, t := range topics {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// requestStats summarises a response and adds it to today's counters.
func (s *Service) requestStats(ctx context.Context, fromCache, generated int) models.RequestStats {
	stats := models.RequestStats{
		FromCache:  fromCache,
		Generated:  generated,
		CostUSD:    float64(generated) * s.costUSD,
		SavingsUSD: float64(fromCache) * s.costUSD,
	}
	if total := fromCache + generated; total > 0 {
		stats.HitRate = math.Round(float64(fromCache)/float64(total)*1000) / 10
	}
	if err := s.cache.RecordDailyStats(context.WithoutCancel(ctx), generated, fromCache, stats.CostUSD); err != nil {
		s.log.Warn("record daily stats failed", "error", err)
	}
	return stats
}

// coverage reports, per topic, how much of the current chunk rotation the
// user has consumed.
func (s *Service) coverage(ctx context.Context, userID int64, topics []string, texts map[string][]string) map[string]models.Coverage {
	out := make(map[string]models.Coverage, len(topics))
	for _, t := range topics {
		used, err := s.usage.Count(ctx, userID, t)
		if err != nil {
			s.log.Warn("chunk coverage failed", "topic", t, "error", err)
			continue
		}
		total := len(texts[t])
		c := models.Coverage{Used: used, Total: total}
		if total > 0 {
			c.Percentage = math.Round(float64(used) / float64(total) * 100)
		}
		out[t] = c
	}
	return out
}
