package models

import "time"

// BatchStatus aggregates the state of a group of jobs submitted
// under one batch ID.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// BatchJob groups N job payloads under one ID with aggregate status.
// Member jobs are referenced by ID only.
type BatchJob struct {
	ID          string      `json:"id"`
	JobIDs      []string    `json:"job_ids"`
	Status      BatchStatus `json:"status"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Failed      int         `json:"failed"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// JobSchedule binds a payload to a recurring cron trigger.
// Disabling stops future fires without affecting in-flight jobs.
type JobSchedule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Expression string      `json:"expression"`
	Payload    *JobPayload `json:"payload"`
	Options    JobOptions  `json:"-"`
	Enabled    bool        `json:"enabled"`
	CreatedAt  time.Time   `json:"created_at"`
	LastRunAt  *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time  `json:"next_run_at,omitempty"`
	RunCount   int64       `json:"run_count"`
	LastJobID  string      `json:"last_job_id,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// DependencyNode records one job's upstream dependencies and
// downstream dependents for chain propagation. Nodes live in an
// arena indexed by job ID; cancellation walks Dependents iteratively.
type DependencyNode struct {
	JobID        string   `json:"job_id"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
	Submitted    bool     `json:"submitted"`
	Cancelled    bool     `json:"cancelled"`
}
