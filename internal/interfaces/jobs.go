package interfaces

import (
	"context"

	"github.com/ternarybob/relay/internal/models"
)

// JobSubmitter is the single-job surface the orchestrator builds on.
// The queue adapter is the only implementation in-process.
type JobSubmitter interface {
	// SubmitJob validates the payload, creates a job, and enqueues it.
	// Returns the assigned job ID.
	SubmitJob(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (string, error)

	// SubmitJobWithCallback submits a job and blocks until it reaches a
	// terminal status or the timeout elapses, whichever comes first.
	SubmitJobWithCallback(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (*models.Job, error)

	// GetJobStatus is a point read of the job index. Returns nil when
	// the job is unknown.
	GetJobStatus(jobID string) *models.Job

	// CancelJob cancels a job that is not currently processing.
	// Returns false when the job is unknown or already processing.
	CancelJob(ctx context.Context, jobID string) bool
}
