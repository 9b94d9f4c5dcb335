package store

import "time"

// RequestLog is one relayed request, persisted for the usage views.
type RequestLog struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"requestId"`
	AccountID    string    `json:"accountId"`
	Dialect      string    `json:"dialect"`
	Model        string    `json:"model"`
	Stream       bool      `json:"stream"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Status       int       `json:"status"`
	DurationMs   int64     `json:"durationMs"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RequestLogQuery filters QueryRequestLogs.
type RequestLogQuery struct {
	AccountID string
	Model     string
	Limit     int
	Offset    int
}

// UsagePeriod aggregates request counts and token totals over one window.
type UsagePeriod struct {
	Label        string `json:"label"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// ModelUsageRow is the 7-day per-model breakdown.
type ModelUsageRow struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}
