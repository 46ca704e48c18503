package models

import "time"

type ExamRequest struct {
	Topics        []string `json:"topics"`
	QuestionCount int      `json:"question_count"`
}

type OfficialExamRequest struct {
	QuestionCount int `json:"question_count"`
}

type StudyRequest struct {
	TopicID string `json:"topic_id"`
}

type PopulateRequest struct {
	TopicID string `json:"topic_id,omitempty"`
}

type Coverage struct {
	Used       int     `json:"used"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// RequestStats summarises how one request was served.
type RequestStats struct {
	FromCache  int     `json:"from_cache"`
	Generated  int     `json:"generated"`
	HitRate    float64 `json:"hit_rate"`
	CostUSD    float64 `json:"cost_usd"`
	SavingsUSD float64 `json:"savings_usd"`
}

type ExamResponse struct {
	ExamID        string              `json:"exam_id"`
	Questions     []ServedQuestion    `json:"questions"`
	QuestionCount int                 `json:"question_count"`
	Requested     int                 `json:"requested"`
	Topics        []string            `json:"topics"`
	IsOfficial    bool                `json:"is_official"`
	Coverage      map[string]Coverage `json:"coverage,omitempty"`
	Stats         RequestStats        `json:"stats"`
	Timestamp     time.Time           `json:"timestamp"`
}

type StudyResponse struct {
	Question   ServedQuestion `json:"question"`
	BufferSize int            `json:"buffer_size"`
}

type PrewarmResponse struct {
	BufferSize int  `json:"buffer_size"`
	Scheduled  bool `json:"scheduled"`
}

type UsageCount struct {
	TimesUsed int `json:"times_used"`
	Count     int `json:"count"`
}

type CacheStats struct {
	Total        int                `json:"total"`
	ByDifficulty map[Difficulty]int `json:"by_difficulty"`
	TopUsed      []UsageCount       `json:"top_used"`
}

type DailyStats struct {
	Date      string  `json:"date"`
	Generated int     `json:"generated"`
	Cached    int     `json:"cached"`
	HitRate   float64 `json:"hit_rate"`
	CostUSD   float64 `json:"cost_usd"`
}

type TopicStatus struct {
	Topic
	Available bool `json:"available"`
	Chunks    int  `json:"chunks"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Action    string `json:"action,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	WaitMs    int64  `json:"wait_ms,omitempty"`
	Generated *int   `json:"generated,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}
