package generator

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/opos-prep/backend/internal/models"
)

// DefaultThreshold is the minimum combined score a candidate needs.
const DefaultThreshold = 65

var narrativeOpeners = []string{
	"recibes", "durante la recepción", "al elaborar",
	"un paciente solicita", "en tu turno", "te llega",
	"mientras trabajas", "en la farmacia",
}

var selfReferences = []string{
	"el texto dice", "según el fragmento", "la documentación indica", "los apuntes",
	"el fragmento destaca", "el fragmento indica", "el fragmento establece",
	"en el texto", "como indica el", "según se establece",
}

var stopWords = map[string]bool{
	"el": true, "la": true, "los": true, "las": true, "un": true, "una": true,
	"de": true, "del": true, "en": true, "a": true, "al": true, "que": true,
	"es": true, "por": true, "para": true, "con": true, "se": true, "y": true,
	"o": true, "según": true, "cual": true, "cuales": true, "cuál": true,
	"cuáles": true, "qué": true, "como": true, "cómo": true,
}

var (
	fullATCCode   = regexp.MustCompile(`(?i)código atc[:\s]+[a-z]\d{2}[a-z]{2}\d{2}`)
	temperatureRe = regexp.MustCompile(`(?i)(-?\d+)\s*°?\s*c`)
	nonWordRe     = regexp.MustCompile(`[^\w\sáéíóúñ]`)
)

// QualityResult is the combined verdict of both scoring layers.
type QualityResult struct {
	Valid    bool     `json:"valid"`
	Score    int      `json:"score"`
	Basic    int      `json:"basic"`
	Advanced int      `json:"advanced"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Gate accepts candidates whose combined score reaches Threshold.
type Gate struct {
	Threshold int
}

func NewGate(threshold int) Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Gate{Threshold: threshold}
}

// ScoreQuestion evaluates q with the default threshold.
func ScoreQuestion(q models.Question, fragments []string) QualityResult {
	return NewGate(DefaultThreshold).Evaluate(q, fragments)
}

// Evaluate scores q against the source fragments it was generated from.
// The result depends only on its inputs.
func (g Gate) Evaluate(q models.Question, fragments []string) QualityResult {
	basic, basicIssues := BasicScore(q)
	if len(basicIssues) == 1 && basicIssues[0] == "missing_fields" {
		return QualityResult{Valid: false, Issues: basicIssues, Warnings: basicIssues}
	}
	advanced, advIssues := AdvancedScore(q, fragments)

	final := int(math.Round(float64(basic)*0.4 + float64(advanced)*0.6))
	issues := append(append([]string{}, basicIssues...), advIssues...)
	var warnings []string
	for _, issue := range issues {
		if !strings.HasPrefix(issue, "excellent") {
			warnings = append(warnings, issue)
		}
	}

	return QualityResult{
		Valid:    final >= g.Threshold,
		Score:    final,
		Basic:    basic,
		Advanced: advanced,
		Issues:   issues,
		Warnings: warnings,
	}
}

// BasicScore runs the structural checks: 100 minus 15 per issue.
func BasicScore(q models.Question) (int, []string) {
	if strings.TrimSpace(q.Question) == "" || len(q.Options) != 4 {
		return 0, []string{"missing_fields"}
	}

	var issues []string
	lower := strings.ToLower(q.Question)

	for _, phrase := range narrativeOpeners {
		if strings.HasPrefix(lower, phrase) || strings.Contains(lower, ". "+phrase) {
			issues = append(issues, "narrative_start")
			break
		}
	}

	if fullATCCode.MatchString(lower) {
		issues = append(issues, "atc_code_full")
	}

	switch n := utf8.RuneCountInString(q.Question); {
	case n > 350:
		issues = append(issues, "question_too_long")
	case n < 20:
		issues = append(issues, "question_too_short")
	}

	switch n := len(strings.Fields(q.Explanation)); {
	case n > 25:
		issues = append(issues, "explanation_verbose")
	case n < 5:
		issues = append(issues, "explanation_too_short")
	}

	seen := make(map[string]bool, 4)
	for _, opt := range q.Options {
		seen[strings.ToLower(stripLabel(opt))] = true
	}
	if len(seen) < 4 {
		issues = append(issues, "duplicate_options")
	}

	return max(0, 100-15*len(issues)), issues
}

// AdvancedScore runs the coherence checks against the source fragments.
func AdvancedScore(q models.Question, fragments []string) (int, []string) {
	var issues []string
	score := 100

	validIndex := q.Correct >= 0 && q.Correct <= 3 && q.Correct < len(q.Options)
	if !validIndex {
		issues = append(issues, "invalid_correct_index")
		score -= 30
	}

	options := make([]string, len(q.Options))
	for i, o := range q.Options {
		options[i] = strings.TrimSpace(stripLabel(o))
	}

	if len(options) > 0 {
		shortest, longest := math.MaxInt, 0
		tooShort := false
		for _, o := range options {
			n := utf8.RuneCountInString(o)
			if n < 5 {
				tooShort = true
			}
			shortest = min(shortest, n)
			longest = max(longest, n)
		}
		if tooShort {
			issues = append(issues, "options_too_short")
			score -= 15
		}
		if longest > shortest*3 {
			issues = append(issues, "unbalanced_option_lengths")
			score -= 10
		}
	}

	lowerQ := strings.ToLower(q.Question)
	if strings.Contains(lowerQ, "temperatura") || strings.Contains(lowerQ, "°c") {
		for _, o := range options {
			m := temperatureRe.FindStringSubmatch(strings.ToLower(o))
			if m == nil {
				continue
			}
			if temp, err := strconv.Atoi(m[1]); err == nil && (temp < -20 || temp > 60) {
				issues = append(issues, "absurd_temperature")
				score -= 20
			}
		}
	}

	lowerExpl := strings.ToLower(q.Explanation)
	for _, phrase := range selfReferences {
		if strings.Contains(lowerExpl, phrase) {
			issues = append(issues, "explanation_bad_phrasing")
			score -= 15
			break
		}
	}

	qKeywords := ExtractKeywords(q.Question)
	eKeywords := make(map[string]bool)
	for _, k := range ExtractKeywords(q.Explanation) {
		eKeywords[k] = true
	}
	overlap := 0
	for _, k := range qKeywords {
		if eKeywords[k] {
			overlap++
		}
	}
	if overlap == 0 && len(qKeywords) > 2 {
		issues = append(issues, "explanation_unrelated")
		score -= 15
	}

	if len(fragments) > 0 && validIndex {
		source := strings.ToLower(strings.Join(fragments, " "))
		keywords := ExtractKeywords(options[q.Correct])
		found := 0
		for _, k := range keywords {
			if strings.Contains(source, k) {
				found++
			}
		}
		if len(keywords) > 0 && float64(found)/float64(len(keywords)) < 0.3 {
			issues = append(issues, "answer_not_in_source")
			score -= 25
		}
	}

	words := len(strings.Fields(q.Question))
	switch q.Difficulty {
	case models.DifficultySimple:
		if words > 20 {
			issues = append(issues, "simple_question_too_long")
			score -= 15
		} else if words < 6 {
			issues = append(issues, "simple_question_too_short")
			score -= 10
		}
	case models.DifficultyMedium:
		if words > 35 {
			issues = append(issues, "medium_question_too_long")
			score -= 10
		} else if words < 10 {
			issues = append(issues, "medium_question_too_short")
			score -= 10
		}
	case models.DifficultyElaborate:
		if words < 20 {
			issues = append(issues, "elaborate_question_too_short")
			score -= 15
		} else if words > 50 {
			issues = append(issues, "elaborate_question_too_long")
			score -= 10
		}
		total := 0
		for _, o := range options {
			total += utf8.RuneCountInString(o)
		}
		if float64(total)/4 < 30 {
			issues = append(issues, "elaborate_options_too_simple")
			score -= 10
		}
	}

	if score >= 95 {
		issues = append(issues, "excellent_quality")
	}
	return max(0, score), issues
}

// ExtractKeywords lower-cases text, blanks out punctuation and keeps the
// tokens longer than three characters that are not stop words.
func ExtractKeywords(text string) []string {
	cleaned := nonWordRe.ReplaceAllString(strings.ToLower(text), " ")
	var out []string
	for _, w := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(w) > 3 && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// stripLabel drops the three-character "A) " prefix.
func stripLabel(option string) string {
	r := []rune(option)
	if len(r) <= 3 {
		return ""
	}
	return string(r[3:])
}
