package storage

import "time"

// Call statuses. Failed records carry the error that ended the job and no
// response.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// CallRecord is one completed (or partially completed) call. Prompt and
// response columns may hold sealed values.
type CallRecord struct {
	ID               int64
	JobID            string
	Source           string
	Model            string
	Backend          string
	Status           string
	SystemPrompt     string
	UserPrompt       string
	Response         string
	PromptTokens     int
	CompletionTokens int
	UsageEstimated   bool
	StreamError      string
	Error            string
	CreatedAt        time.Time
}

type ModelUsage struct {
	Model            string `json:"model"`
	Calls            int64  `json:"calls"`
	PartialCalls     int64  `json:"partial_calls"`
	FailedCalls      int64  `json:"failed_calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}
