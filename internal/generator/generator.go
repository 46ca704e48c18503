package generator

import (
	"context"
	"fmt"

	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

var defaultTiers = map[models.Difficulty]config.TierConfig{
	models.DifficultySimple:    {MaxTokens: 600, Temperature: 0.3},
	models.DifficultyMedium:    {MaxTokens: 800, Temperature: 0.5},
	models.DifficultyElaborate: {MaxTokens: 1000, Temperature: 0.7},
}

// Generator turns source fragments into candidate questions.
type Generator struct {
	exec  *Executor
	tiers map[models.Difficulty]config.TierConfig
	log   *logger.Logger
	model string
}

// New builds a Generator from configuration. The client is chosen by
// NewClient unless one is passed in.
func New(cfg config.GeneratorConfig, client LLMClient, log *logger.Logger) *Generator {
	model := cfg.Model
	if client == nil {
		client, model = NewClient(cfg, log)
	}

	tiers := make(map[models.Difficulty]config.TierConfig, len(defaultTiers))
	for d, t := range defaultTiers {
		if override, ok := cfg.Tiers[string(d)]; ok && override.MaxTokens > 0 {
			t = override
		}
		tiers[d] = t
	}

	exec := NewExecutor(client, NewLimiter(cfg.Limiter), PolicyFromConfig(cfg.Retry), cfg.Timeout, log)
	return &Generator{exec: exec, tiers: tiers, log: log, model: model}
}

func (g *Generator) ModelName() string {
	return g.model
}

// Generate asks for a tier-specific batch built from up to two fragments and
// returns the parsed candidates, all labelled with the requested tier.
// Candidates are not quality-checked here.
func (g *Generator) Generate(ctx context.Context, difficulty models.Difficulty, fragments []string) ([]models.Question, error) {
	if !difficulty.Valid() {
		difficulty = models.DifficultyMedium
	}
	tier := g.tiers[difficulty]

	resp, err := g.exec.Call(ctx, Request{
		System:      SystemPrompt(),
		Prompt:      BuildPrompt(difficulty, fragments),
		MaxTokens:   tier.MaxTokens,
		Temperature: tier.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generate %s batch: %w", difficulty, err)
	}

	questions, err := ParseQuestions(resp.Content)
	if err != nil {
		g.log.Warn("generator output unparseable", "difficulty", difficulty, "error", err)
		return nil, fmt.Errorf("parse %s batch: %w", difficulty, err)
	}

	for i := range questions {
		questions[i].Difficulty = difficulty
	}
	g.log.Debug("generated batch", "difficulty", difficulty, "count", len(questions),
		"prompt_tokens", resp.PromptTokens, "output_tokens", resp.OutputTokens)
	return questions, nil
}
