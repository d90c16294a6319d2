package models

import "time"

// JobStatus enumerates async job states.
type JobStatus string

// Async job states. Completed, failed, and cancelled are terminal.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// AsyncJob tracks one fire-and-forget inference job. Terminal records are
// retained in memory for a configurable period and then garbage collected.
type AsyncJob struct {
	JobID       string             `json:"job_id"`
	RequestID   string             `json:"request_id"`
	TenantID    string             `json:"tenant_id"`
	Status      JobStatus          `json:"status"`
	Result      *InferenceResponse `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}
