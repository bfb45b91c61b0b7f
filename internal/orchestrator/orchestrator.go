package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// Config controls orchestration-level polling and batching.
type Config struct {
	// PollInterval is the cadence for fan-in and batch status polls.
	PollInterval time.Duration
	// MaxConcurrency is the default batch chunk size.
	MaxConcurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   250 * time.Millisecond,
		MaxConcurrency: 5,
	}
}

// Orchestrator builds batch, scheduled, chained, and fan-out workflows
// on top of the adapter's single-job primitives. It holds no job state
// beyond IDs; the adapter's index stays the single source of truth.
type Orchestrator struct {
	config       Config
	submitter    interfaces.JobSubmitter
	eventService interfaces.EventService
	logger       arbor.ILogger

	cron *cron.Cron

	mu        sync.RWMutex
	batches   map[string]*models.BatchJob
	schedules map[string]*scheduleEntry
	nodes     map[string]*models.DependencyNode
}

// New creates an orchestrator over the given job submitter.
func New(config Config, submitter interfaces.JobSubmitter, eventService interfaces.EventService, logger arbor.ILogger) *Orchestrator {
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}

	return &Orchestrator{
		config:       config,
		submitter:    submitter,
		eventService: eventService,
		logger:       logger,
		cron:         cron.New(),
		batches:      make(map[string]*models.BatchJob),
		schedules:    make(map[string]*scheduleEntry),
		nodes:        make(map[string]*models.DependencyNode),
	}
}

// Start launches the cron runner for registered schedules.
func (o *Orchestrator) Start() {
	o.cron.Start()
	o.logger.Info().Msg("Orchestrator started")
}

// Stop halts the cron runner. In-flight jobs are unaffected.
func (o *Orchestrator) Stop() {
	ctx := o.cron.Stop()
	<-ctx.Done()
	o.logger.Info().Msg("Orchestrator stopped")
}

// BatchOptions controls batch partitioning and failure behavior.
type BatchOptions struct {
	// MaxConcurrency caps in-flight jobs per chunk. Zero uses the
	// orchestrator default.
	MaxConcurrency int
	// FailFast aborts the whole batch on the first submission error.
	FailFast bool
	// JobOptions apply to every member job.
	JobOptions models.JobOptions
}

// RunBatch partitions the payloads into chunks of MaxConcurrency,
// submits a chunk, and waits for every job in it to reach a terminal
// status before submitting the next. Blocks until the batch finishes.
func (o *Orchestrator) RunBatch(ctx context.Context, payloads []*models.JobPayload, opts BatchOptions) (*models.BatchJob, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("batch requires at least one payload")
	}

	chunkSize := opts.MaxConcurrency
	if chunkSize <= 0 {
		chunkSize = o.config.MaxConcurrency
	}

	batch := &models.BatchJob{
		ID:        uuid.New().String(),
		Status:    models.BatchStatusRunning,
		Total:     len(payloads),
		CreatedAt: time.Now(),
	}
	o.mu.Lock()
	o.batches[batch.ID] = batch
	o.mu.Unlock()

	o.logger.Info().
		Str("batch_id", batch.ID).
		Int("total", batch.Total).
		Int("chunk_size", chunkSize).
		Msg("Batch started")

	for start := 0; start < len(payloads); start += chunkSize {
		end := start + chunkSize
		if end > len(payloads) {
			end = len(payloads)
		}

		chunkIDs := make([]string, 0, end-start)
		for _, payload := range payloads[start:end] {
			jobOpts := opts.JobOptions
			jobOpts.Tags = withTag(jobOpts.Tags, "batch", batch.ID)

			jobID, err := o.submitter.SubmitJob(ctx, payload, jobOpts)
			if err != nil {
				if opts.FailFast {
					o.finishBatch(batch, models.BatchStatusFailed)
					return batch, fmt.Errorf("batch %s aborted: %w", batch.ID, err)
				}
				o.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Batch member submission failed")
				o.incrementBatchFailed(batch)
				continue
			}
			chunkIDs = append(chunkIDs, jobID)
			o.appendBatchJob(batch, jobID)
		}

		done, err := o.awaitTerminal(ctx, chunkIDs)
		if err != nil {
			o.finishBatch(batch, models.BatchStatusCancelled)
			return batch, err
		}
		for _, job := range done {
			if job.Status == models.JobStatusCompleted {
				o.incrementBatchCompleted(batch)
			} else {
				o.incrementBatchFailed(batch)
			}
		}
	}

	o.mu.RLock()
	failed := batch.Failed
	o.mu.RUnlock()

	status := models.BatchStatusCompleted
	if failed > 0 {
		status = models.BatchStatusFailed
	}
	o.finishBatch(batch, status)

	o.logger.Info().
		Str("batch_id", batch.ID).
		Str("status", string(status)).
		Int("completed", batch.Completed).
		Int("failed", batch.Failed).
		Msg("Batch finished")

	return batch, nil
}

// GetBatch returns a batch record by ID, or nil when unknown.
func (o *Orchestrator) GetBatch(batchID string) *models.BatchJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.batches[batchID]
}

// FanOut submits all payloads concurrently under one shared batch tag
// and returns all job IDs immediately, without waiting.
func (o *Orchestrator) FanOut(ctx context.Context, payloads []*models.JobPayload, opts models.JobOptions) (string, []string, error) {
	if len(payloads) == 0 {
		return "", nil, fmt.Errorf("fan-out requires at least one payload")
	}

	tag := uuid.New().String()
	jobIDs := make([]string, 0, len(payloads))

	for _, payload := range payloads {
		jobOpts := opts
		jobOpts.Tags = withTag(jobOpts.Tags, "batch", tag)

		jobID, err := o.submitter.SubmitJob(ctx, payload, jobOpts)
		if err != nil {
			return tag, jobIDs, fmt.Errorf("fan-out submission failed after %d jobs: %w", len(jobIDs), err)
		}
		jobIDs = append(jobIDs, jobID)
	}

	o.logger.Debug().
		Str("tag", tag).
		Int("jobs", len(jobIDs)).
		Msg("Fan-out submitted")

	return tag, jobIDs, nil
}

// Aggregator folds completed job results into a single value.
type Aggregator func(jobs []*models.Job) (interface{}, error)

// FanIn polls until every job reaches a terminal status, then applies
// the aggregator. A nil aggregator returns the raw result list.
func (o *Orchestrator) FanIn(ctx context.Context, jobIDs []string, aggregate Aggregator) (interface{}, error) {
	done, err := o.awaitTerminal(ctx, jobIDs)
	if err != nil {
		return nil, err
	}

	if aggregate != nil {
		return aggregate(done)
	}

	results := make([]interface{}, 0, len(done))
	for _, job := range done {
		results = append(results, job.Result)
	}
	return results, nil
}

// awaitTerminal polls the job index until every listed job is
// terminal. Unknown IDs are treated as terminal to avoid a stuck wait.
func (o *Orchestrator) awaitTerminal(ctx context.Context, jobIDs []string) ([]*models.Job, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		done := make([]*models.Job, 0, len(jobIDs))
		pending := 0
		for _, id := range jobIDs {
			job := o.submitter.GetJobStatus(id)
			if job == nil {
				continue
			}
			if job.Status.IsTerminal() {
				done = append(done, job)
			} else {
				pending++
			}
		}

		if pending == 0 {
			return done, nil
		}

		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) appendBatchJob(batch *models.BatchJob, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch.JobIDs = append(batch.JobIDs, jobID)
}

func (o *Orchestrator) incrementBatchCompleted(batch *models.BatchJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch.Completed++
}

func (o *Orchestrator) incrementBatchFailed(batch *models.BatchJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch.Failed++
}

func (o *Orchestrator) finishBatch(batch *models.BatchJob, status models.BatchStatus) {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	batch.Status = status
	batch.CompletedAt = &now
}

func withTag(tags map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[key] = value
	return out
}
