package models

import (
	"strings"
	"time"
)

type Difficulty string

const (
	DifficultySimple    Difficulty = "simple"
	DifficultyMedium    Difficulty = "medium"
	DifficultyElaborate Difficulty = "elaborate"
)

// Difficulties lists the tiers in plan order.
var Difficulties = []Difficulty{DifficultySimple, DifficultyMedium, DifficultyElaborate}

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultySimple, DifficultyMedium, DifficultyElaborate:
		return true
	}
	return false
}

// ParseDifficulty accepts the tier names and the Spanish labels the
// generator tends to echo back ("media", "elaborada").
func ParseDifficulty(s string) (Difficulty, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return DifficultySimple, true
	case "medium", "media":
		return DifficultyMedium, true
	case "elaborate", "elaborada":
		return DifficultyElaborate, true
	}
	return "", false
}

type SeenContext string

const (
	SeenStudy  SeenContext = "study"
	SeenExam   SeenContext = "exam"
	SeenReview SeenContext = "review"
)

// OptionLabels are the display prefixes for the four options.
var OptionLabels = []string{"A", "B", "C", "D"}

// Question is the serialized payload stored in the cache and the buffer.
type Question struct {
	Question      string     `json:"question"`
	Options       []string   `json:"options"`
	Correct       int        `json:"correct"`
	Explanation   string     `json:"explanation"`
	Difficulty    Difficulty `json:"difficulty"`
	PageReference string     `json:"page_reference"`
}

// Complete reports whether the payload has a prompt and exactly four options
// with an in-range correct index.
func (q Question) Complete() bool {
	return strings.TrimSpace(q.Question) != "" && len(q.Options) == 4 && q.Correct >= 0 && q.Correct <= 3
}

type CachedQuestion struct {
	ID          int64
	Topic       string
	Difficulty  Difficulty
	Payload     Question
	RawPayload  string
	GeneratedAt time.Time
	ExpiresAt   time.Time
	TimesUsed   int
}

type BufferedQuestion struct {
	ID         int64
	UserID     int64
	Topic      string
	Difficulty Difficulty
	Payload    Question
	CacheID    *int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type QuestionSource string

const (
	SourceBuffer    QuestionSource = "buffer"
	SourceCache     QuestionSource = "cache"
	SourceGenerated QuestionSource = "generated"
)

// ServedQuestion is a question as returned to a caller.
type ServedQuestion struct {
	Question
	CacheID *int64         `json:"cache_id,omitempty"`
	Topic   string         `json:"topic"`
	Source  QuestionSource `json:"source"`
}

// Topic is one entry of the topic catalog.
type Topic struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Files       []string `json:"files,omitempty" yaml:"files"`
}
