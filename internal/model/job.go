package model

import (
	"encoding/json"
	"time"
)

// JobState is the externally visible state of a background job.
type JobState string

const (
	JobEnqueued   JobState = "Enqueued"
	JobScheduled  JobState = "Scheduled"
	JobProcessing JobState = "Processing"
	JobSucceeded  JobState = "Succeeded"
	JobFailed     JobState = "Failed"
	JobUnknown    JobState = "Unknown"
)

// InProgress reports whether the job has not reached a final state.
func (s JobState) InProgress() bool {
	switch s {
	case JobEnqueued, JobScheduled, JobProcessing:
		return true
	}
	return false
}

// WorkDescriptor names a registered job kind and its arguments.
type WorkDescriptor struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// RequestedBy is the user the work runs on behalf of; empty for
	// system work such as retention.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Job is the durable record of one unit of background work.
type Job struct {
	ID              string          `json:"job_id"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	RequestedBy     string          `json:"requested_by,omitempty"`
	State           JobState        `json:"state"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	RunAt           time.Time       `json:"run_at"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}
