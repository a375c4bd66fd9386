package model

import "time"

// ProgressEvent is an ephemeral status update pushed to live clients.
type ProgressEvent struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	Percent       int       `json:"percent"`
	Status        string    `json:"status"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// JobProgress is the payload published by running jobs.
type JobProgress struct {
	JobID          string `json:"job_id"`
	State          string `json:"state"`
	CurrentItem    string `json:"current_item,omitempty"`
	ProcessedItems int64  `json:"processed_items"`
	TotalItems     int64  `json:"total_items"`
	Details        string `json:"details,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}
