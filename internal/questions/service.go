package questions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opos-prep/backend/internal/buffer"
	"github.com/opos-prep/backend/internal/cache"
	"github.com/opos-prep/backend/internal/chunks"
	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/content"
	"github.com/opos-prep/backend/internal/generator"
	"github.com/opos-prep/backend/internal/jobs"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

var (
	ErrInvalidCount = errors.New("invalid question count")
	ErrNoTopics     = errors.New("at least one topic is required")
)

// maxExamQuestions bounds a regular exam request.
const maxExamQuestions = 100

// InsufficientSupplyError reports that fewer questions than requested could
// be produced.
type InsufficientSupplyError struct {
	Generated int
	Requested int
}

func (e *InsufficientSupplyError) Error() string {
	return fmt.Sprintf("insufficient supply: %d of %d questions", e.Generated, e.Requested)
}

// Plan is the number of questions per difficulty tier.
type Plan map[models.Difficulty]int

// PlanDifficulties splits total into 20% simple, 60% medium and the rest
// elaborate.
func PlanDifficulties(total int) Plan {
	return planShares(total, 0.2, 0.2)
}

func planShares(total int, simpleShare, elaborateShare float64) Plan {
	if total <= 0 {
		return Plan{models.DifficultySimple: 0, models.DifficultyMedium: 0, models.DifficultyElaborate: 0}
	}
	simple := min(int(math.Round(float64(total)*simpleShare)), total)
	medium := min(int(math.Round(float64(total)*(1-simpleShare-elaborateShare))), total-simple)
	return Plan{
		models.DifficultySimple:    simple,
		models.DifficultyMedium:    medium,
		models.DifficultyElaborate: total - simple - medium,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Cache     *cache.Store
	Ledger    *cache.Ledger
	Buffer    *buffer.Store
	Selector  *chunks.Selector
	Usage     *chunks.Store
	Library   *content.Library
	Generator *generator.Generator
	Jobs      jobs.Registry
}

// Service decides, for every request, which questions come from the cache,
// the prefetch buffer or a fresh generation call.
type Service struct {
	cache    *cache.Store
	ledger   *cache.Ledger
	buffer   *buffer.Store
	selector *chunks.Selector
	usage    *chunks.Store
	library  *content.Library
	gen      *generator.Generator
	gate     generator.Gate
	jobs     jobs.Registry
	cfg      config.SupplyConfig
	costUSD  float64
	log      *logger.Logger

	admission *semaphore.Weighted

	mu  sync.Mutex
	rng *rand.Rand

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewService(deps Deps, cfg *config.Config, log *logger.Logger) *Service {
	supply := cfg.Supply
	if supply.BufferTarget <= 0 {
		supply.BufferTarget = 3
	}
	if supply.BucketAttempts <= 0 {
		supply.BucketAttempts = 3
	}
	if supply.AdmissionSlots <= 0 {
		supply.AdmissionSlots = 100
	}
	if supply.OfficialConcurrency <= 0 {
		supply.OfficialConcurrency = 20
	}
	if len(supply.OfficialSizes) == 0 {
		supply.OfficialSizes = []int{25, 50, 75, 100}
	}
	if supply.JobTTL <= 0 {
		supply.JobTTL = jobs.DefaultTTL
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	log.Info("question service configured",
		"buffer_target", supply.BufferTarget,
		"exam_cache_preference", supply.ExamCachePreference,
		"refill_cache_preference", supply.RefillPreference,
		"threshold", supply.AcceptThreshold,
		"admission_slots", supply.AdmissionSlots)

	return &Service{
		cache:     deps.Cache,
		ledger:    deps.Ledger,
		buffer:    deps.Buffer,
		selector:  deps.Selector,
		usage:     deps.Usage,
		library:   deps.Library,
		gen:       deps.Generator,
		gate:      generator.NewGate(supply.AcceptThreshold),
		jobs:      deps.Jobs,
		cfg:       supply,
		costUSD:   cfg.Generator.CostUSD,
		log:       log,
		admission: semaphore.NewWeighted(int64(supply.AdmissionSlots)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
	}
}

// SetRand replaces the random source. Tests only.
func (s *Service) SetRand(rng *rand.Rand) {
	s.mu.Lock()
	s.rng = rng
	s.mu.Unlock()
}

// Wait blocks until all background jobs started so far have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// Close cancels running background jobs and waits for them.
func (s *Service) Close() {
	s.bgCancel()
	s.bg.Wait()
}

// ── Randomness ──────────────────────────────────────────

func (s *Service) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < p
}

func (s *Service) randomDifficulty() models.Difficulty {
	s.mu.Lock()
	r := s.rng.Float64()
	s.mu.Unlock()
	switch {
	case r < s.cfg.SimpleShare:
		return models.DifficultySimple
	case r > 1-s.cfg.ElaborateShare:
		return models.DifficultyElaborate
	default:
		return models.DifficultyMedium
	}
}

func (s *Service) shuffleOptions(q models.Question) models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generator.ShuffleOptions(q, s.rng)
}

func (s *Service) shuffleOrder(qs []models.ServedQuestion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
}

// ── Generation ──────────────────────────────────────────

// candidate is an accepted, already cached, generated question.
type candidate struct {
	question models.Question
	cacheID  *int64
	topic    string
}

// generateOnce runs one generation attempt: pick two spaced chunks, call the
// generator, gate every candidate and cache the accepted ones. The chosen
// chunks are marked used after the call returns, whatever its outcome.
func (s *Service) generateOnce(ctx context.Context, userID int64, rotationKey, cacheTopic string, texts []string, difficulty models.Difficulty) ([]candidate, error) {
	idx, err := s.selector.Pick(ctx, userID, rotationKey, len(texts), 2)
	if err != nil {
		return nil, fmt.Errorf("pick chunks: %w", err)
	}
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %s", content.ErrNoContent, rotationKey)
	}
	fragments := make([]string, len(idx))
	for i, n := range idx {
		fragments[i] = texts[n]
	}

	questions, err := s.gen.Generate(ctx, difficulty, fragments)
	if markErr := s.selector.MarkUsed(context.WithoutCancel(ctx), userID, rotationKey, idx...); markErr != nil {
		s.log.Warn("mark chunks used failed", "user", userID, "key", rotationKey, "error", markErr)
	}
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, q := range questions {
		res := s.gate.Evaluate(q, fragments)
		if !res.Valid {
			rej := &generator.ValidationRejection{Score: res.Score, Issues: res.Issues}
			s.log.Warn("candidate rejected", "topic", cacheTopic, "difficulty", difficulty, "error", rej)
			continue
		}
		id, err := s.cache.Insert(ctx, cacheTopic, difficulty, q)
		if err != nil {
			s.log.Warn("cache insert failed", "topic", cacheTopic, "error", err)
			out = append(out, candidate{question: q, topic: cacheTopic})
			continue
		}
		out = append(out, candidate{question: q, cacheID: &id, topic: cacheTopic})
	}
	return out, nil
}

// produce repeats generateOnce until need candidates were accepted or the
// attempt budget is spent. It may return more than need; the extra
// questions are already cached. The error is the last generation failure.
func (s *Service) produce(ctx context.Context, userID int64, rotationKey, cacheTopic string, texts []string, difficulty models.Difficulty, need int) ([]candidate, error) {
	var out []candidate
	var lastErr error
	for attempt := 0; attempt < s.cfg.BucketAttempts && len(out) < need; attempt++ {
		batch, err := s.generateOnce(ctx, userID, rotationKey, cacheTopic, texts, difficulty)
		if err != nil {
			lastErr = err
			s.log.Warn("generation attempt failed", "key", rotationKey, "difficulty", difficulty, "attempt", attempt+1, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		out = append(out, batch...)
	}
	return out, lastErr
}

// lookup fetches up to n cached questions, extending exclude as it goes and
// marking every hit seen when seenCtx is set.
func (s *Service) lookup(ctx context.Context, userID int64, topics []string, difficulty models.Difficulty, n int, exclude *[]int64, seenCtx models.SeenContext) []models.ServedQuestion {
	var out []models.ServedQuestion
	for i := 0; i < n; i++ {
		cq, err := s.cache.Find(ctx, userID, topics, difficulty, *exclude)
		if err != nil {
			s.log.Warn("cache lookup failed", "user", userID, "difficulty", difficulty, "error", err)
			return out
		}
		if cq == nil {
			return out
		}
		*exclude = append(*exclude, cq.ID)
		if seenCtx != "" {
			s.markSeen(ctx, userID, cq.ID, seenCtx)
		}
		id := cq.ID
		out = append(out, models.ServedQuestion{Question: cq.Payload, CacheID: &id, Topic: cq.Topic, Source: models.SourceCache})
	}
	return out
}

func (s *Service) markSeen(ctx context.Context, userID, questionID int64, seenCtx models.SeenContext) {
	if err := s.ledger.MarkSeen(context.WithoutCancel(ctx), userID, questionID, seenCtx); err != nil {
		s.log.Warn("mark seen failed", "user", userID, "question", questionID, "error", err)
	}
}

func (s *Service) serve(ctx context.Context, userID int64, c candidate, seenCtx models.SeenContext) models.ServedQuestion {
	if c.cacheID != nil && seenCtx != "" {
		s.markSeen(ctx, userID, *c.cacheID, seenCtx)
	}
	return models.ServedQuestion{Question: c.question, CacheID: c.cacheID, Topic: c.topic, Source: models.SourceGenerated}
}

// dedupe drops questions whose normalized text already appeared.
func dedupe(qs []models.ServedQuestion) []models.ServedQuestion {
	seen := make(map[string]bool, len(qs))
	out := qs[:0]
	for _, q := range qs {
		key := strings.ToLower(strings.TrimSpace(q.Question.Question))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func supplyError(lastErr error, requested int) error {
	var se *generator.ServiceError
	if errors.As(lastErr, &se) {
		return se
	}
	return &InsufficientSupplyError{Generated: 0, Requested: requested}
}

// ── Background Jobs ─────────────────────────────────────

// startJob runs fn in the background while holding key. It returns false
// when another job already holds the key.
func (s *Service) startJob(key string, fn func(ctx context.Context)) bool {
	release, ok, err := s.jobs.TryAcquire(s.bgCtx, key)
	if err != nil {
		s.log.Warn("job registry unavailable", "key", key, "error", err)
		return false
	}
	if !ok {
		s.log.Debug("job already running", "key", key)
		return false
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer release()
		ctx, cancel := context.WithTimeout(s.bgCtx, s.cfg.JobTTL)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// ── Bulk Population ─────────────────────────────────────

// PopulateCache fills the shared cache for one topic, or every catalog
// topic when topic is empty, without touching any user's seen ledger. It
// returns the number of questions cached per topic.
func (s *Service) PopulateCache(ctx context.Context, topic string) (map[string]int, error) {
	topics := s.library.Catalog().IDs()
	if topic != "" {
		if err := s.library.Catalog().Validate([]string{topic}); err != nil {
			return nil, err
		}
		topics = []string{topic}
	}

	result := make(map[string]int, len(topics))
	for _, t := range topics {
		texts, err := s.library.Chunks([]string{t})
		if err != nil {
			s.log.Warn("populate skipped topic", "topic", t, "error", err)
			continue
		}
		plan := s.plan(s.cfg.PopulateTarget)
		for _, d := range models.Difficulties {
			need := plan[d]
			got := 0
			for attempt := 0; got < need && attempt < need+s.cfg.BucketAttempts; attempt++ {
				batch, err := s.generateOnce(ctx, 0, t, t, texts, d)
				if err != nil {
					s.log.Warn("populate attempt failed", "topic", t, "difficulty", d, "error", err)
					if ctx.Err() != nil {
						return result, ctx.Err()
					}
					continue
				}
				got += len(batch)
			}
			result[t] += got
		}
		s.log.Info("populated topic", "topic", t, "cached", result[t])
	}
	return result, nil
}

// StartPopulate runs PopulateCache in the background. It returns false when a
// population of the same scope is already running.
func (s *Service) StartPopulate(topic string) (bool, error) {
	if topic != "" {
		if err := s.library.Catalog().Validate([]string{topic}); err != nil {
			return false, err
		}
	}
	return s.startJob(jobs.PopulateKey(topic), func(ctx context.Context) {
		if _, err := s.PopulateCache(ctx, topic); err != nil {
			s.log.Error("cache population failed", "topic", topic, "error", err)
		}
	}), nil
}

func (s *Service) plan(total int) Plan {
	return planShares(total, s.cfg.SimpleShare, s.cfg.ElaborateShare)
}

// ── Maintenance ─────────────────────────────────────────

// StartMaintenanceWorker sweeps expired buffer and cache rows on every tick
// until ctx ends.
func (s *Service) StartMaintenanceWorker(ctx context.Context) {
	every := s.cfg.MaintenanceEvery
	if every <= 0 {
		every = 6 * time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.log.Info("maintenance worker started", "interval", every)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("maintenance worker shutting down")
			return
		case <-ticker.C:
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance performs one sweep.
func (s *Service) RunMaintenance(ctx context.Context) {
	buffered, err := s.buffer.SweepExpired(ctx)
	if err != nil {
		s.log.Warn("buffer sweep failed", "error", err)
	}
	cached, err := s.cache.CleanExpired(ctx)
	if err != nil {
		s.log.Warn("cache cleanup failed", "error", err)
	}
	s.log.Info("maintenance sweep", "buffer_removed", buffered, "cache_removed", cached)
}

// ── Admin ───────────────────────────────────────────────

type AdminStats struct {
	Cache *models.CacheStats   `json:"cache"`
	Today *models.DailyStats   `json:"today"`
	Docs  []models.TopicStatus `json:"documents"`
}

func (s *Service) CacheStats(ctx context.Context) (*AdminStats, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	today, err := s.cache.DailyStats(ctx, time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	return &AdminStats{Cache: stats, Today: today, Docs: s.library.Status()}, nil
}

// Topics lists the catalog with document availability.
func (s *Service) Topics() []models.TopicStatus {
	return s.library.Status()
}
