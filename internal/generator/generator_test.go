package generator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

var testFragments = []string{
	"La conservación de medicamentos termolábiles exige nevera validada con registro diario de temperatura entre dos y ocho grados.",
	"Los estupefacientes se custodian bajo llave en armario específico y cada movimiento se anota en el libro oficial.",
}

type staticClient struct{ content string }

func (c staticClient) Generate(ctx context.Context, req Request) (*Response, error) {
	return &Response{Content: c.content}, nil
}

func TestGenerator_MockOutputPassesGate(t *testing.T) {
	gen := New(config.GeneratorConfig{Model: "mock"}, NewMockClient(), logger.Nop())
	gate := NewGate(DefaultThreshold)
	seen := make(map[string]bool)

	for _, d := range models.Difficulties {
		t.Run(string(d), func(t *testing.T) {
			qs, err := gen.Generate(context.Background(), d, testFragments)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if len(qs) != 2 {
				t.Fatalf("expected one question per fragment, got %d", len(qs))
			}
			for _, q := range qs {
				if q.Difficulty != d {
					t.Errorf("expected difficulty %q, got %q", d, q.Difficulty)
				}
				if seen[q.Question] {
					t.Errorf("duplicate question text %q", q.Question)
				}
				seen[q.Question] = true

				res := gate.Evaluate(q, testFragments)
				if !res.Valid {
					t.Errorf("expected mock question to pass, got %+v for %+v", res, q)
				}
			}
		})
	}
}

func TestGenerator_NormalizesDifficulty(t *testing.T) {
	gen := New(config.GeneratorConfig{}, staticClient{content: `{"questions":[` + parsedQuestion + `]}`}, logger.Nop())

	qs, err := gen.Generate(context.Background(), models.DifficultyElaborate, testFragments)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if qs[0].Difficulty != models.DifficultyElaborate {
		t.Errorf("expected requested tier, got %q", qs[0].Difficulty)
	}
}

func TestGenerator_UnparseableOutput(t *testing.T) {
	gen := New(config.GeneratorConfig{}, staticClient{content: "no JSON here"}, logger.Nop())

	_, err := gen.Generate(context.Background(), models.DifficultySimple, testFragments)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ParseError, got %v", err)
	}
}

func TestShuffleOptions(t *testing.T) {
	q := models.Question{
		Question:    "¿Pregunta?",
		Options:     []string{"A) uno", "B) dos", "C) tres", "D) cuatro"},
		Correct:     2,
		Explanation: "tres",
	}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		got := ShuffleOptions(q, rng)
		if got.Options[got.Correct][3:] != "tres" {
			t.Fatalf("correct option moved incorrectly: %+v", got)
		}
		for j, o := range got.Options {
			if !strings.HasPrefix(o, models.OptionLabels[j]+") ") {
				t.Errorf("option %d not relabelled: %q", j, o)
			}
		}
	}
	if q.Options[0] != "A) uno" || q.Correct != 2 {
		t.Error("expected the input to be left untouched")
	}

	incomplete := models.Question{Question: "x", Options: []string{"A) a"}}
	if got := ShuffleOptions(incomplete, rng); len(got.Options) != 1 {
		t.Errorf("expected incomplete question unchanged, got %+v", got)
	}
}
