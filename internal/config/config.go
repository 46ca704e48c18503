package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Generator GeneratorConfig
	Supply    SupplyConfig
	Content   ContentConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	JWTSecret    string
	AdminKeyHash string
	CORSOrigins  []string
	DevToken     bool // print a user 1 token at startup; development only
}

// IssueDevToken reports whether startup should print a development token.
// It needs both DEV_TOKEN=true and APP_ENV=development.
func (s ServerConfig) IssueDevToken() bool {
	return s.DevToken && s.Env == "development"
}

type DatabaseConfig struct {
	Driver     string // "postgres" or "sqlite3"
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
}

// RedisConfig is optional; an empty Addr keeps background job tokens in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GeneratorConfig struct {
	APIKey  string
	Model   string
	Mock    bool
	UseCLI  bool
	CLIPath string
	CostUSD float64 // estimated cost per generated question
	Limiter LimiterConfig
	Retry   RetryConfig
	Timeout time.Duration // absolute bound over a whole retry sequence
	Tiers   map[string]TierConfig
}

type LimiterConfig struct {
	MaxConcurrent int
	MinSpacing    time.Duration
	Reservoir     int
	RefreshEvery  time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

type TierConfig struct {
	MaxTokens   int
	Temperature float64
}

type SupplyConfig struct {
	NoRepeatWindow      time.Duration
	CacheCap            int
	EvictBatch          int
	BufferCap           int
	BufferTarget        int
	BufferTTL           time.Duration
	JobTTL              time.Duration
	SimpleShare         float64
	ElaborateShare      float64
	AcceptThreshold     int
	BucketAttempts      int
	ExamCachePreference float64
	RefillPreference    float64
	OfficialSurplus     float64
	OfficialSizes       []int
	OfficialConcurrency int
	AdmissionSlots      int
	PopulateTarget      int
	MaintenanceEvery    time.Duration
}

type ContentConfig struct {
	TopicsFile   string
	DocumentsDir string
	ChunkSize    int
	DocCacheTTL  time.Duration
	DocSweep     time.Duration
}

// Load reads the configuration from the environment. Malformed numeric
// values are reported together rather than silently replaced by defaults.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Env:          getEnv("APP_ENV", "development"),
			JWTSecret:    getEnv("JWT_SECRET", "dev-secret-change-me"),
			AdminKeyHash: getEnv("ADMIN_KEY_HASH", ""),
			CORSOrigins:  splitList(getEnv("CORS_ORIGINS", "*")),
			DevToken:     getEnv("DEV_TOKEN", "") == "true",
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "opos_user"),
			Password:   getEnv("DB_PASSWORD", "opos_password"),
			Name:       getEnv("DB_NAME", "opos_prep"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "questions.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       p.int("REDIS_DB", 0),
		},
		Generator: GeneratorConfig{
			APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			Model:   getEnv("ANTHROPIC_MODEL", "claude-haiku-4-5-20251001"),
			Mock:    getEnv("MOCK_GENERATOR", "") == "true",
			UseCLI:  getEnv("USE_CLI_GENERATOR", "") == "true",
			CLIPath: getEnv("CLAUDE_CLI_PATH", "claude"),
			CostUSD: p.float("COST_PER_QUESTION_USD", 0.00076),
			Limiter: LimiterConfig{
				MaxConcurrent: p.int("LLM_MAX_CONCURRENT", 35),
				MinSpacing:    p.millis("LLM_MIN_SPACING_MS", 1000),
				Reservoir:     p.int("LLM_RESERVOIR", 50),
				RefreshEvery:  p.millis("LLM_RESERVOIR_REFRESH_MS", 60000),
			},
			Retry: RetryConfig{
				MaxAttempts: p.int("LLM_MAX_RETRIES", 3),
				BaseDelay:   p.millis("LLM_BASE_DELAY_MS", 1500),
				MaxDelay:    p.millis("LLM_MAX_DELAY_MS", 8000),
				Multiplier:  p.float("LLM_BACKOFF_MULTIPLIER", 2),
				Jitter:      p.float("LLM_BACKOFF_JITTER", 0.1),
			},
			Timeout: p.millis("LLM_ABSOLUTE_TIMEOUT_MS", 240000),
			Tiers: map[string]TierConfig{
				"simple":    {MaxTokens: p.int("LLM_SIMPLE_MAX_TOKENS", 600), Temperature: p.float("LLM_SIMPLE_TEMPERATURE", 0.3)},
				"medium":    {MaxTokens: p.int("LLM_MEDIUM_MAX_TOKENS", 800), Temperature: p.float("LLM_MEDIUM_TEMPERATURE", 0.5)},
				"elaborate": {MaxTokens: p.int("LLM_ELABORATE_MAX_TOKENS", 1000), Temperature: p.float("LLM_ELABORATE_TEMPERATURE", 0.7)},
			},
		},
		Supply: SupplyConfig{
			NoRepeatWindow:      time.Duration(p.int("NO_REPEAT_DAYS", 15)) * 24 * time.Hour,
			CacheCap:            p.int("CACHE_MAX_SIZE", 10000),
			EvictBatch:          p.int("CACHE_EVICT_BATCH", 1000),
			BufferCap:           p.int("BUFFER_MAX_SIZE", 5),
			BufferTarget:        p.int("BUFFER_TARGET_SIZE", 3),
			BufferTTL:           p.millis("BUFFER_TTL_MS", 6*60*60*1000),
			JobTTL:              p.millis("BACKGROUND_JOB_TTL_MS", 5*60*1000),
			SimpleShare:         p.float("SHARE_SIMPLE", 0.2),
			ElaborateShare:      p.float("SHARE_ELABORATE", 0.2),
			AcceptThreshold:     p.int("QUALITY_THRESHOLD", 65),
			BucketAttempts:      p.int("BUCKET_ATTEMPTS", 3),
			ExamCachePreference: p.float("CACHE_PROBABILITY", 0.90),
			RefillPreference:    p.float("REFILL_CACHE_PROBABILITY", 1.0),
			OfficialSurplus:     p.float("OFFICIAL_SURPLUS", 0.10),
			OfficialSizes:       p.intList("OFFICIAL_EXAM_SIZES", []int{25, 50, 75, 100}),
			OfficialConcurrency: p.int("OFFICIAL_CONCURRENCY", 20),
			AdmissionSlots:      p.int("EXAM_QUEUE_SLOTS", 100),
			PopulateTarget:      p.int("POPULATE_PER_TOPIC", 100),
			MaintenanceEvery:    p.millis("MAINTENANCE_INTERVAL_MS", 6*60*60*1000),
		},
		Content: ContentConfig{
			TopicsFile:   getEnv("TOPICS_FILE", "topics.yaml"),
			DocumentsDir: getEnv("DOCUMENTS_DIR", "documents"),
			ChunkSize:    p.int("CHUNK_SIZE", 1000),
			DocCacheTTL:  p.millis("DOC_CACHE_TTL_MS", 30*60*1000),
			DocSweep:     p.millis("DOC_CACHE_SWEEP_MS", 15*60*1000),
		},
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite3, got %q", c.Database.Driver))
	}
	s := c.Supply
	if s.SimpleShare < 0 || s.ElaborateShare < 0 || s.SimpleShare+s.ElaborateShare > 1 {
		errs = append(errs, fmt.Errorf("difficulty shares out of range: simple=%v elaborate=%v", s.SimpleShare, s.ElaborateShare))
	}
	if s.BufferTarget > s.BufferCap {
		errs = append(errs, fmt.Errorf("BUFFER_TARGET_SIZE (%d) exceeds BUFFER_MAX_SIZE (%d)", s.BufferTarget, s.BufferCap))
	}
	if s.EvictBatch <= 0 || s.CacheCap <= 0 {
		errs = append(errs, errors.New("cache cap and eviction batch must be positive"))
	}
	if c.Generator.Limiter.MaxConcurrent <= 0 || c.Generator.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("limiter concurrency and retry attempts must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func (p *parser) intList(key string, fallback []int) []int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	var out []int
	for _, part := range splitList(v) {
		n, err := strconv.Atoi(part)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return fallback
		}
		out = append(out, n)
	}
	return out
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}
