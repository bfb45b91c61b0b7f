package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
// Progression is strict: queued -> processing -> terminal.
// A failed job may loop back to queued via retry-requeue until its
// retry budget is spent.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusTimeout    JobStatus = "timeout"
)

// IsTerminal reports whether no further transitions are possible,
// except the failed->queued retry loop handled by the adapter.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// JobPriority determines queue tier and SLA target.
type JobPriority string

const (
	PriorityUrgent JobPriority = "urgent"
	PriorityHigh   JobPriority = "high"
	PriorityMedium JobPriority = "medium"
	PriorityLow    JobPriority = "low"
)

// PriorityTiers lists tiers in strict dispatch order, urgent first.
var PriorityTiers = []JobPriority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

// SLATarget returns the maximum acceptable duration for a priority.
func (p JobPriority) SLATarget() time.Duration {
	switch p {
	case PriorityUrgent:
		return 3 * time.Second
	case PriorityHigh:
		return 10 * time.Second
	case PriorityMedium:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// Valid reports whether the priority names a known tier.
func (p JobPriority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Job is the unit of schedulable work. It is created on submission,
// owned by the queue adapter for its entire lifecycle, and referenced
// by orchestration entities by ID only.
type Job struct {
	ID           string            `json:"id"`
	Type         PayloadType       `json:"type"`
	Payload      *JobPayload       `json:"payload"`
	Priority     JobPriority       `json:"priority"`
	Status       JobStatus         `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	FailedAt     *time.Time        `json:"failed_at,omitempty"`
	SLATargetMs  int64             `json:"sla_target_ms"`
	MaxRetries   int               `json:"max_retries"`
	RetryCount   int               `json:"retry_count"`
	RetryDelay   time.Duration     `json:"retry_delay"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Result       interface{}       `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// JobOptions carries the caller-supplied submission options.
type JobOptions struct {
	Priority     JobPriority
	MaxRetries   int
	Timeout      time.Duration
	ScheduledFor *time.Time
	Tags         map[string]string
	Dependencies []string
}

// NewJob builds a queued job from a validated payload and options.
// The adapter assigns the ID; callers never choose one.
func NewJob(payload *JobPayload, opts JobOptions) *Job {
	now := time.Now()

	priority := opts.Priority
	if !priority.Valid() {
		priority = PriorityMedium
	}

	return &Job{
		ID:           uuid.New().String(),
		Type:         payload.Type,
		Payload:      payload,
		Priority:     priority,
		Status:       JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		SLATargetMs:  priority.SLATarget().Milliseconds(),
		MaxRetries:   opts.MaxRetries,
		Timeout:      opts.Timeout,
		ScheduledFor: opts.ScheduledFor,
		Tags:         opts.Tags,
		Dependencies: opts.Dependencies,
	}
}

// SLAResult reports SLA compliance for one completed job.
type SLAResult struct {
	JobID      string        `json:"job_id"`
	TargetMs   int64         `json:"target_ms"`
	ActualMs   int64         `json:"actual_ms"`
	Met        bool          `json:"met"`
	VarianceMs int64         `json:"variance_ms"`
	Priority   JobPriority   `json:"priority"`
	Duration   time.Duration `json:"-"`
}

// ComputeSLA derives compliance from start and completion times.
// Variance is negative when the job finished under target.
func (j *Job) ComputeSLA() *SLAResult {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}

	actual := j.CompletedAt.Sub(*j.StartedAt)
	actualMs := actual.Milliseconds()

	return &SLAResult{
		JobID:      j.ID,
		TargetMs:   j.SLATargetMs,
		ActualMs:   actualMs,
		Met:        actualMs <= j.SLATargetMs,
		VarianceMs: actualMs - j.SLATargetMs,
		Priority:   j.Priority,
		Duration:   actual,
	}
}
