package models

import "time"

// InferenceResponse is the result of a completed non-streaming inference,
// or the collected form of a drained stream.
type InferenceResponse struct {
	RequestID    string            `json:"request_id"`
	Content      string            `json:"content"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	TokensUsed   int               `json:"tokens_used"`
	DurationMs   int64             `json:"duration_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Streaming    bool              `json:"streaming"`
}

// FinishReason values for terminal stream chunks.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCall      = "tool_call"
	FinishReasonContentFilter = "content_filter"
	FinishReasonError         = "error"
	FinishReasonCancelled     = "cancelled"
)

// StreamChunk is one unit of a streamed response. Sequence numbers are dense
// and start at 0 within a request; exactly one chunk per stream carries
// IsComplete=true.
type StreamChunk struct {
	RequestID      string    `json:"request_id"`
	SequenceNumber int       `json:"sequence_number"`
	Token          string    `json:"token"`
	IsComplete     bool      `json:"is_complete"`
	FinishReason   string    `json:"finish_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
