package generator

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/opos-prep/backend/internal/models"
)

var errNoQuestions = errors.New("no questions recovered")

type questionBatch struct {
	Questions []models.Question `json:"questions"`
}

var (
	fencedJSONRe   = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedAnyRe    = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	openFenceRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*)$")
	looseQuestion  = regexp.MustCompile(`(?s)\{.*?"question"\s*:\s*"([^"]*)".*?"options"\s*:\s*\[(.*?)\].*?"correct"\s*:\s*(\d+).*?"explanation"\s*:\s*"([^"]*)".*?"difficulty"\s*:\s*"([^"]*)".*?"page_reference"\s*:\s*"([^"]*)"\s*\}`)
	quotedStringRe = regexp.MustCompile(`"([^"]*)"`)
)

// ParseQuestions recovers questions from raw generator output. It tries, in
// order: the text as JSON, a fenced code block (repairing a truncated one),
// the outermost brace pair, and finally a per-question pattern scan that
// keeps only entries with exactly four options.
func ParseQuestions(text string) ([]models.Question, error) {
	if qs, ok := decodeBatch(text); ok {
		return qs, nil
	}

	if block, ok := fencedBlock(text); ok {
		if qs, ok := decodeBatch(block); ok {
			return qs, nil
		}
		if qs, ok := decodeBatch(closeOpenBrackets(block)); ok {
			return qs, nil
		}
	}

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		outer := text[start : end+1]
		if qs, ok := decodeBatch(outer); ok {
			return qs, nil
		}
		if qs, ok := decodeBatch(closeOpenBrackets(outer)); ok {
			return qs, nil
		}
	}

	if qs := scanQuestions(text); len(qs) > 0 {
		return qs, nil
	}

	return nil, &ParseError{Snippet: snippet(text, 120), Err: errNoQuestions}
}

func decodeBatch(s string) ([]models.Question, bool) {
	var batch questionBatch
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &batch); err != nil {
		return nil, false
	}
	return batch.Questions, len(batch.Questions) > 0
}

func fencedBlock(text string) (string, bool) {
	for _, re := range []*regexp.Regexp{fencedJSONRe, fencedAnyRe, openFenceRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// closeOpenBrackets appends the closing brackets then braces a truncated
// document is missing.
func closeOpenBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	missingBrackets := strings.Count(s, "[") - strings.Count(s, "]")
	missingBraces := strings.Count(s, "{") - strings.Count(s, "}")
	if missingBrackets > 0 {
		s += strings.Repeat("]", missingBrackets)
	}
	if missingBraces > 0 {
		s += strings.Repeat("}", missingBraces)
	}
	return s
}

func scanQuestions(text string) []models.Question {
	var out []models.Question
	for _, m := range looseQuestion.FindAllStringSubmatch(text, -1) {
		var options []string
		for _, o := range quotedStringRe.FindAllStringSubmatch(m[2], -1) {
			options = append(options, o[1])
		}
		if len(options) != 4 {
			continue
		}
		correct, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		out = append(out, models.Question{
			Question:      m[1],
			Options:       options,
			Correct:       correct,
			Explanation:   m[4],
			Difficulty:    models.Difficulty(m[5]),
			PageReference: m[6],
		})
	}
	return out
}

func snippet(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
