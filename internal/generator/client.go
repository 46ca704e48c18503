package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

// LLMClient is the interface every generation backend satisfies.
type LLMClient interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response holds the raw response content and token usage.
type Response struct {
	Content      string
	PromptTokens int
	OutputTokens int
}

// NewClient picks the backend from configuration and returns it with the
// model name used for logging.
func NewClient(cfg config.GeneratorConfig, log *logger.Logger) (LLMClient, string) {
	switch {
	case cfg.UseCLI:
		log.Info("generator using claude CLI", "path", cfg.CLIPath)
		return NewCLIClient(cfg.CLIPath), "claude-cli"
	case cfg.Mock:
		log.Info("generator using mock data")
		return NewMockClient(), "mock"
	default:
		log.Info("generator using Anthropic API", "model", cfg.Model)
		return NewAPIClient(cfg.APIKey, cfg.Model), cfg.Model
	}
}

// ── APIClient: Anthropic SDK (production) ──────────────────

type APIClient struct {
	client *anthropic.Client
	model  string
}

// NewAPIClient disables the SDK's own retries; the Executor owns retrying.
func NewAPIClient(apiKey, model string) *APIClient {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &APIClient{client: &client, model: model}
}

func (c *APIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: param.NewOpt(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, &ServiceError{Kind: KindMalformed, Err: errors.New("no text content in API response")}
	}

	return &Response{
		Content:      text,
		PromptTokens: int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// ── MockClient: local development ──────────────────────────

// MockClient answers with one well-formed question per fragment, built
// from the fragment's own vocabulary so it passes the quality gate.
type MockClient struct {
	seq atomic.Int64
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

var mockFallbackTerms = []string{"conservación", "medicamentos", "dispensación"}

var mockDistractors = []string{
	"Únicamente cuando lo autoriza la dirección médica",
	"Solo en casos excepcionales sin registro previo",
	"Sin requisitos adicionales de documentación",
}

func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tier := TierFromPrompt(req.Prompt)
	fragments := FragmentsFromPrompt(req.Prompt)
	if len(fragments) == 0 {
		fragments = []string{"", ""}
	}

	batch := questionBatch{}
	for _, fragment := range fragments {
		n := m.seq.Add(1)
		batch.Questions = append(batch.Questions, mockQuestion(tier, mockTerms(fragment), n))
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode mock batch: %w", err)
	}
	return &Response{
		Content:      string(data),
		PromptTokens: len(req.Prompt) / 4,
		OutputTokens: len(data) / 4,
	}, nil
}

// mockTerms returns three distinct digit-free keywords from text.
func mockTerms(text string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, k := range ExtractKeywords(text) {
		if seen[k] || strings.IndexFunc(k, unicode.IsDigit) >= 0 || strings.Contains(k, "_") {
			continue
		}
		seen[k] = true
		terms = append(terms, k)
		if len(terms) == 3 {
			return terms
		}
	}
	for _, f := range mockFallbackTerms {
		if len(terms) == 3 {
			break
		}
		if !seen[f] {
			terms = append(terms, f)
		}
	}
	return terms
}

func mockQuestion(tier models.Difficulty, terms []string, n int64) models.Question {
	k1, k2, k3 := terms[0], terms[1], terms[2]

	var text, label string
	switch tier {
	case models.DifficultySimple:
		label = "simple"
		text = fmt.Sprintf("¿Qué establece la normativa sobre %s y %s en el servicio de farmacia (ref. %d)?", k1, k2, n)
	case models.DifficultyElaborate:
		label = "elaborada"
		text = fmt.Sprintf("En un servicio de farmacia hospitalaria que revisa sus procedimientos internos, "+
			"¿qué combinación de criterios relaciona correctamente %s, %s y %s según la normativa aplicable (caso %d)?", k1, k2, k3, n)
	default:
		label = "media"
		text = fmt.Sprintf("En la práctica diaria del técnico, ¿qué criterio se aplica respecto a %s cuando interviene %s (caso %d)?", k1, k2, n)
	}

	correct := int(n % 4)
	options := make([]string, 4)
	d := 0
	for i := range options {
		body := mockDistractors[d%len(mockDistractors)]
		if i == correct {
			body = fmt.Sprintf("%s %s %s según procedimiento establecido", k1, k2, k3)
		} else {
			d++
		}
		options[i] = models.OptionLabels[i] + ") " + body
	}

	return models.Question{
		Question:      text,
		Options:       options,
		Correct:       correct,
		Explanation:   fmt.Sprintf("**Normativa:** %s y %s se aplican según lo establecido.", k1, k2),
		Difficulty:    models.Difficulty(label),
		PageReference: "Material de estudio",
	}
}
