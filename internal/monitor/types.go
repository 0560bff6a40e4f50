package monitor

import (
	"time"

	"swapflow/internal/allowance"
	"swapflow/internal/engine"
	"swapflow/internal/quote"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTransition EventType = "transition"
	EventSubmission EventType = "submission"
	EventError      EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TransitionPayload 记录一次状态变化。
type TransitionPayload struct {
	Generation uint64           `json:"generation"`
	From       engine.State     `json:"from"`
	To         engine.State     `json:"to"`
	Quote      *quote.Quote     `json:"quote,omitempty"`
	Allowance  *allowance.State `json:"allowance,omitempty"`
}

// SubmissionPayload 记录订单提交结果。
type SubmissionPayload struct {
	OrderID   string `json:"orderId"`
	QuoteID   int64  `json:"quoteId"`
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
}

// ErrorPayload 记录失败。
type ErrorPayload struct {
	State         engine.State `json:"state"`
	Kind          string       `json:"kind"`
	Error         string       `json:"error"`
	Retryable     bool         `json:"retryable"`
	UserRejection bool         `json:"userRejection"`
}
