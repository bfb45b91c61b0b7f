package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/resilience"
	storage "github.com/ternarybob/relay/internal/storage/badger"
	"github.com/ternarybob/relay/internal/workers"
)

const (
	// DefaultMaxRetries applies when submission does not set a budget.
	DefaultMaxRetries = 3

	// defaultCallbackTimeout bounds SubmitJobWithCallback when the
	// caller does not set a job timeout.
	defaultCallbackTimeout = 2 * time.Minute

	// slaHistoryLimit bounds the in-memory SLA result ring.
	slaHistoryLimit = 1000
)

// AdapterConfig controls queue naming, polling, and retry backoff.
type AdapterConfig struct {
	QueuePrefix      string
	PollInterval     time.Duration
	BatchSize        int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

// DefaultAdapterConfig returns the production defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		QueuePrefix:      "relay_jobs",
		PollInterval:     time.Second,
		BatchSize:        10,
		RetryBackoffBase: time.Second,
		RetryBackoffCap:  30 * time.Second,
	}
}

// AdapterConfigFromCommon maps the TOML queue section onto adapter settings.
func AdapterConfigFromCommon(qc common.QueueConfig) AdapterConfig {
	config := DefaultAdapterConfig()
	if qc.QueuePrefix != "" {
		config.QueuePrefix = qc.QueuePrefix
	}
	if qc.BatchSize > 0 {
		config.BatchSize = qc.BatchSize
	}
	config.PollInterval = common.ParseDurationOr(qc.PollInterval, config.PollInterval)
	config.RetryBackoffBase = common.ParseDurationOr(qc.RetryBackoffBase, config.RetryBackoffBase)
	config.RetryBackoffCap = common.ParseDurationOr(qc.RetryBackoffCap, config.RetryBackoffCap)
	return config
}

// jobMessage is the wire body placed on the queue. The job record
// itself stays in the adapter's index; the queue carries only the ID.
type jobMessage struct {
	JobID string `json:"job_id"`
}

// deadLetterMessage is the wire body placed on the dead-letter queue.
type deadLetterMessage struct {
	JobID    string `json:"job_id"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Job lifecycle event payloads, one struct per event type.

// JobSubmittedEvent is the payload of job:submitted.
type JobSubmittedEvent struct {
	JobID    string             `json:"job_id"`
	Type     models.PayloadType `json:"type"`
	Priority models.JobPriority `json:"priority"`
}

// JobProcessingEvent is the payload of job:processing.
type JobProcessingEvent struct {
	JobID    string             `json:"job_id"`
	Priority models.JobPriority `json:"priority"`
}

// JobCompletedEvent is the payload of job:completed. SLA is nil when
// the job carried no start or completion timestamp.
type JobCompletedEvent struct {
	JobID      string             `json:"job_id"`
	Priority   models.JobPriority `json:"priority"`
	DurationMs int64              `json:"duration_ms"`
	SLA        *models.SLAResult  `json:"sla,omitempty"`
}

// JobRetriedEvent is the payload of job:retried.
type JobRetriedEvent struct {
	JobID      string `json:"job_id"`
	RetryCount int    `json:"retry_count"`
	DelayMs    int64  `json:"delay_ms"`
	Error      string `json:"error"`
}

// JobDeadLetterEvent is the payload of job:dead-letter.
type JobDeadLetterEvent struct {
	JobID    string `json:"job_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// JobFailedEvent is the payload of job:failed.
type JobFailedEvent struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// JobCancelledEvent is the payload of job:cancelled.
type JobCancelledEvent struct {
	JobID string `json:"job_id"`
}

// QueueAdapter bridges job submissions to the priority queues and the
// worker pool. It owns the job lifecycle end to end: enqueue, dispatch,
// retry-requeue with backoff, dead-lettering, and SLA accounting.
type QueueAdapter struct {
	config       AdapterConfig
	queue        interfaces.MessageQueue
	pool         *workers.PoolManager
	handler      workers.JobHandler
	fallback     *resilience.FallbackManager
	deadLetter   *storage.DeadLetterStorage
	eventService interfaces.EventService
	logger       arbor.ILogger

	mu        sync.RWMutex
	jobs      map[string]*models.Job
	receipts  map[string]string
	callbacks map[string]chan *models.Job

	slaMu      sync.Mutex
	slaResults []*models.SLAResult
	slaMet     int64
	slaMissed  int64

	completedCount  int64
	failedCount     int64
	cancelledCount  int64
	deadLetterCount int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

var _ interfaces.JobSubmitter = (*QueueAdapter)(nil)

// NewQueueAdapter constructs the adapter and its worker pool. The
// fallback manager and dead-letter storage are optional; passing nil
// disables stats enrichment and archiving respectively.
func NewQueueAdapter(
	config AdapterConfig,
	poolConfig workers.PoolConfig,
	queue interfaces.MessageQueue,
	handler workers.JobHandler,
	fallback *resilience.FallbackManager,
	deadLetter *storage.DeadLetterStorage,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) (*QueueAdapter, error) {
	if queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("job handler is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.QueuePrefix == "" {
		config.QueuePrefix = "relay_jobs"
	}
	if config.RetryBackoffBase <= 0 {
		config.RetryBackoffBase = time.Second
	}
	if config.RetryBackoffCap <= 0 {
		config.RetryBackoffCap = 30 * time.Second
	}

	qa := &QueueAdapter{
		config:       config,
		queue:        queue,
		handler:      handler,
		fallback:     fallback,
		deadLetter:   deadLetter,
		eventService: eventService,
		logger:       logger,
		jobs:         make(map[string]*models.Job),
		receipts:     make(map[string]string),
		callbacks:    make(map[string]chan *models.Job),
	}

	pool, err := workers.NewPoolManager(poolConfig, qa.handleCompletion, eventService, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	qa.pool = pool

	return qa, nil
}

// Pool exposes the owned worker pool for stats and wiring.
func (qa *QueueAdapter) Pool() *workers.PoolManager {
	return qa.pool
}

// queueName returns the tier queue name for a priority.
func (qa *QueueAdapter) queueName(priority models.JobPriority) string {
	return fmt.Sprintf("%s-%s", qa.config.QueuePrefix, priority)
}

// deadLetterQueueName returns the dead-letter queue name.
func (qa *QueueAdapter) deadLetterQueueName() string {
	return qa.config.QueuePrefix + "-dead-letter"
}

// Start creates the tier queues and launches the polling loop.
func (qa *QueueAdapter) Start(ctx context.Context) error {
	qa.runMu.Lock()
	defer qa.runMu.Unlock()
	if qa.running {
		return nil
	}

	for _, tier := range models.PriorityTiers {
		if err := qa.queue.CreateQueue(ctx, qa.queueName(tier)); err != nil {
			return fmt.Errorf("create queue for tier %s: %w", tier, err)
		}
	}
	if err := qa.queue.CreateQueue(ctx, qa.deadLetterQueueName()); err != nil {
		return fmt.Errorf("create dead-letter queue: %w", err)
	}

	qa.ctx, qa.cancel = context.WithCancel(context.Background())
	qa.pool.Start()
	qa.running = true

	qa.wg.Add(1)
	go qa.pollLoop()

	qa.logger.Info().
		Str("prefix", qa.config.QueuePrefix).
		Dur("poll_interval", qa.config.PollInterval).
		Int("batch_size", qa.config.BatchSize).
		Msg("Queue adapter started")
	return nil
}

// Stop halts polling and stops the worker pool.
func (qa *QueueAdapter) Stop() {
	qa.runMu.Lock()
	defer qa.runMu.Unlock()
	if !qa.running {
		return
	}
	qa.running = false

	qa.cancel()
	qa.wg.Wait()
	qa.pool.Stop()

	qa.logger.Info().Msg("Queue adapter stopped")
}

// SubmitJob validates the payload, creates the job record, and
// enqueues it on the tier queue matching its priority.
func (qa *QueueAdapter) SubmitJob(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (string, error) {
	job, err := qa.submit(ctx, payload, opts)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// SubmitJobWithCallback submits a job and blocks until it reaches a
// terminal status or the timeout elapses. A job that ends failed or
// timed out is returned alongside a non-nil error, so checking the
// error alone is sufficient.
func (qa *QueueAdapter) SubmitJobWithCallback(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (*models.Job, error) {
	ch := make(chan *models.Job, 1)

	job, err := qa.submitWithCallback(ctx, payload, opts, ch)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case done := <-ch:
		switch done.Status {
		case models.JobStatusFailed, models.JobStatusTimeout:
			return done, fmt.Errorf("job %s ended %s: %s", done.ID, done.Status, done.Error)
		}
		return done, nil
	case <-timer.C:
		qa.removeCallback(job.ID)
		return nil, fmt.Errorf("job %s did not complete within %s", job.ID, timeout)
	case <-ctx.Done():
		qa.removeCallback(job.ID)
		return nil, ctx.Err()
	}
}

func (qa *QueueAdapter) submit(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (*models.Job, error) {
	return qa.submitWithCallback(ctx, payload, opts, nil)
}

func (qa *QueueAdapter) submitWithCallback(ctx context.Context, payload *models.JobPayload, opts models.JobOptions, callback chan *models.Job) (*models.Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	// Zero means "use the default budget". A negative value disables
	// retries entirely.
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	job := models.NewJob(payload, opts)

	qa.mu.Lock()
	qa.jobs[job.ID] = job
	if callback != nil {
		qa.callbacks[job.ID] = callback
	}
	qa.mu.Unlock()

	if err := qa.enqueue(ctx, job, qa.submitDelay(job)); err != nil {
		qa.mu.Lock()
		delete(qa.jobs, job.ID)
		delete(qa.callbacks, job.ID)
		qa.mu.Unlock()
		return nil, err
	}

	qa.logger.Debug().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("priority", string(job.Priority)).
		Msg("Job submitted")

	qa.publish(interfaces.EventJobSubmitted, JobSubmittedEvent{
		JobID:    job.ID,
		Type:     job.Type,
		Priority: job.Priority,
	})

	return job, nil
}

// submitDelay holds scheduled jobs invisible until their due time.
func (qa *QueueAdapter) submitDelay(job *models.Job) time.Duration {
	if job.ScheduledFor == nil {
		return 0
	}
	delay := time.Until(*job.ScheduledFor)
	if delay < 0 {
		return 0
	}
	return delay
}

func (qa *QueueAdapter) enqueue(ctx context.Context, job *models.Job, delay time.Duration) error {
	body, err := json.Marshal(jobMessage{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	opts := &interfaces.SendOptions{Delay: delay}
	if err := qa.queue.SendMessage(ctx, qa.queueName(job.Priority), body, opts); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// GetJobStatus is a point read of the job index.
func (qa *QueueAdapter) GetJobStatus(jobID string) *models.Job {
	qa.mu.RLock()
	defer qa.mu.RUnlock()
	return qa.jobs[jobID]
}

// CancelJob cancels a job that has not started processing. Jobs
// already on a worker are never interrupted; terminal jobs are
// unaffected.
func (qa *QueueAdapter) CancelJob(ctx context.Context, jobID string) bool {
	qa.mu.Lock()
	job, ok := qa.jobs[jobID]
	if !ok || job.Status != models.JobStatusQueued {
		qa.mu.Unlock()
		return false
	}
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = time.Now()
	qa.mu.Unlock()

	atomic.AddInt64(&qa.cancelledCount, 1)

	qa.logger.Debug().Str("job_id", jobID).Msg("Job cancelled")
	qa.publish(interfaces.EventJobCancelled, JobCancelledEvent{JobID: jobID})
	qa.notifyCallback(job)
	return true
}

// pollLoop drives scaling decisions and dispatch on a fixed cadence.
func (qa *QueueAdapter) pollLoop() {
	defer qa.wg.Done()

	ticker := time.NewTicker(qa.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-qa.ctx.Done():
			return
		case <-ticker.C:
			qa.pump(qa.ctx)
		}
	}
}

// pump runs one poll cycle: measure depth, adjust the pool, then drain
// tiers in strict priority order while idle workers remain.
func (qa *QueueAdapter) pump(ctx context.Context) {
	depth := qa.totalDepth(ctx)

	qa.pool.ScaleUp(depth)
	qa.pool.ScaleDown(depth)

	for _, tier := range models.PriorityTiers {
		if qa.pool.IdleCount() == 0 {
			return
		}
		qa.drainTier(ctx, tier)
	}
}

// drainTier pulls up to BatchSize messages from one tier, stopping
// early when the queue empties or idle workers run out.
func (qa *QueueAdapter) drainTier(ctx context.Context, tier models.JobPriority) {
	queueName := qa.queueName(tier)

	for i := 0; i < qa.config.BatchSize; i++ {
		if qa.pool.IdleCount() == 0 {
			return
		}

		msg, err := qa.queue.ReceiveMessage(ctx, queueName)
		if err != nil {
			qa.logger.Warn().Err(err).Str("queue", queueName).Msg("Receive failed")
			return
		}
		if msg == nil {
			return
		}

		var m jobMessage
		if err := json.Unmarshal(msg.Body, &m); err != nil {
			qa.logger.Warn().Err(err).Str("queue", queueName).Msg("Dropping malformed queue message")
			qa.deleteMessage(ctx, queueName, msg.ReceiptID)
			continue
		}

		qa.mu.Lock()
		job, ok := qa.jobs[m.JobID]
		if !ok {
			qa.mu.Unlock()
			qa.logger.Warn().Str("job_id", m.JobID).Msg("Dropping message for unknown job")
			qa.deleteMessage(ctx, queueName, msg.ReceiptID)
			continue
		}
		if job.Status == models.JobStatusCancelled {
			qa.mu.Unlock()
			qa.deleteMessage(ctx, queueName, msg.ReceiptID)
			continue
		}

		now := time.Now()
		job.Status = models.JobStatusProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		qa.receipts[job.ID] = msg.ReceiptID
		qa.mu.Unlock()

		if err := qa.pool.Dispatch(job, qa.handler); err != nil {
			// Lost the race for an idle worker. Revert and let the
			// visibility timeout or next poll cycle redeliver.
			qa.mu.Lock()
			job.Status = models.JobStatusQueued
			job.StartedAt = nil
			delete(qa.receipts, job.ID)
			qa.mu.Unlock()
			return
		}

		qa.publish(interfaces.EventJobProcessing, JobProcessingEvent{
			JobID:    job.ID,
			Priority: job.Priority,
		})
	}
}

// handleCompletion receives every worker execution outcome. It runs on
// worker goroutines, so all index access is locked.
func (qa *QueueAdapter) handleCompletion(res workers.ExecutionResult) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	job := res.Job

	qa.mu.Lock()
	receipt := qa.receipts[job.ID]
	delete(qa.receipts, job.ID)
	qa.mu.Unlock()

	if res.Err == nil {
		qa.completeJob(ctx, job, receipt, res)
		return
	}
	qa.failJob(ctx, job, receipt, res)
}

func (qa *QueueAdapter) completeJob(ctx context.Context, job *models.Job, receipt string, res workers.ExecutionResult) {
	now := time.Now()

	qa.mu.Lock()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.Result = res.Result
	qa.mu.Unlock()

	qa.deleteMessage(ctx, qa.queueName(job.Priority), receipt)
	atomic.AddInt64(&qa.completedCount, 1)

	sla := job.ComputeSLA()
	if sla != nil {
		qa.recordSLA(sla)
	}

	qa.logger.Debug().
		Str("job_id", job.ID).
		Dur("duration", res.Duration).
		Bool("sla_met", sla != nil && sla.Met).
		Msg("Job completed")

	qa.publish(interfaces.EventJobCompleted, JobCompletedEvent{
		JobID:      job.ID,
		Priority:   job.Priority,
		DurationMs: res.Duration.Milliseconds(),
		SLA:        sla,
	})
	qa.notifyCallback(job)
}

func (qa *QueueAdapter) failJob(ctx context.Context, job *models.Job, receipt string, res workers.ExecutionResult) {
	now := time.Now()

	qa.mu.Lock()
	job.Error = res.Err.Error()
	job.FailedAt = &now
	job.UpdatedAt = now
	canRetry := job.RetryCount < job.MaxRetries
	qa.mu.Unlock()

	if canRetry {
		qa.retryJob(ctx, job, receipt, res)
		return
	}
	qa.deadLetterJob(ctx, job, receipt, res)
}

// retryJob requeues the job on its tier queue with exponential backoff
// and jitter. The original message is removed first so the retry is
// the only copy in flight.
func (qa *QueueAdapter) retryJob(ctx context.Context, job *models.Job, receipt string, res workers.ExecutionResult) {
	qa.mu.Lock()
	job.RetryCount++
	job.Status = models.JobStatusQueued
	job.StartedAt = nil
	delay := qa.retryDelay(job.RetryCount)
	job.RetryDelay = delay
	qa.mu.Unlock()

	qa.deleteMessage(ctx, qa.queueName(job.Priority), receipt)

	if err := qa.enqueue(ctx, job, delay); err != nil {
		qa.logger.Error().Err(err).Str("job_id", job.ID).Msg("Retry requeue failed, dead-lettering")
		qa.deadLetterJob(ctx, job, "", res)
		return
	}

	qa.logger.Debug().
		Str("job_id", job.ID).
		Int("retry_count", job.RetryCount).
		Dur("delay", delay).
		Bool("timed_out", res.TimedOut).
		Msg("Job requeued for retry")

	qa.publish(interfaces.EventJobRetried, JobRetriedEvent{
		JobID:      job.ID,
		RetryCount: job.RetryCount,
		DelayMs:    delay.Milliseconds(),
		Error:      job.Error,
	})
}

// retryDelay computes base * 2^retryCount with a jitter multiplier in
// [1.0, 1.1), capped at the configured ceiling.
func (qa *QueueAdapter) retryDelay(retryCount int) time.Duration {
	backoff := float64(qa.config.RetryBackoffBase) * math.Pow(2, float64(retryCount))
	backoff *= 1 + rand.Float64()*0.1
	delay := time.Duration(backoff)
	if delay > qa.config.RetryBackoffCap {
		delay = qa.config.RetryBackoffCap
	}
	return delay
}

// deadLetterJob moves an exhausted job to the dead-letter queue and
// archives it. A final timeout keeps the timeout status; other
// failures end as failed.
func (qa *QueueAdapter) deadLetterJob(ctx context.Context, job *models.Job, receipt string, res workers.ExecutionResult) {
	now := time.Now()

	qa.mu.Lock()
	if res.TimedOut {
		job.Status = models.JobStatusTimeout
	} else {
		job.Status = models.JobStatusFailed
	}
	job.UpdatedAt = now
	attempts := job.RetryCount + 1
	qa.mu.Unlock()

	if receipt != "" {
		qa.deleteMessage(ctx, qa.queueName(job.Priority), receipt)
	}

	body, err := json.Marshal(deadLetterMessage{
		JobID:    job.ID,
		Error:    job.Error,
		Attempts: attempts,
	})
	if err == nil {
		if sendErr := qa.queue.SendMessage(ctx, qa.deadLetterQueueName(), body, nil); sendErr != nil {
			qa.logger.Error().Err(sendErr).Str("job_id", job.ID).Msg("Dead-letter enqueue failed")
		}
	}

	if qa.deadLetter != nil {
		if archiveErr := qa.deadLetter.Archive(ctx, job); archiveErr != nil {
			qa.logger.Error().Err(archiveErr).Str("job_id", job.ID).Msg("Dead-letter archive failed")
		}
	}

	atomic.AddInt64(&qa.failedCount, 1)
	atomic.AddInt64(&qa.deadLetterCount, 1)

	qa.logger.Warn().
		Str("job_id", job.ID).
		Int("attempts", attempts).
		Str("error", job.Error).
		Msg("Job dead-lettered after exhausting retries")

	qa.publish(interfaces.EventJobDeadLetter, JobDeadLetterEvent{
		JobID:    job.ID,
		Attempts: attempts,
		Error:    job.Error,
	})
	qa.publish(interfaces.EventJobFailed, JobFailedEvent{
		JobID: job.ID,
		Error: job.Error,
	})
	qa.notifyCallback(job)
}

// totalDepth sums visible depth across all tier queues.
func (qa *QueueAdapter) totalDepth(ctx context.Context) int {
	total := 0
	for _, tier := range models.PriorityTiers {
		info, err := qa.queue.GetQueueInfo(ctx, qa.queueName(tier))
		if err != nil {
			continue
		}
		total += info.MessageCount
	}
	return total
}

func (qa *QueueAdapter) deleteMessage(ctx context.Context, queueName, receiptID string) {
	if receiptID == "" {
		return
	}
	if err := qa.queue.DeleteMessage(ctx, queueName, receiptID); err != nil {
		qa.logger.Warn().Err(err).Str("queue", queueName).Msg("Delete message failed")
	}
}

func (qa *QueueAdapter) recordSLA(sla *models.SLAResult) {
	qa.slaMu.Lock()
	defer qa.slaMu.Unlock()

	qa.slaResults = append(qa.slaResults, sla)
	if len(qa.slaResults) > slaHistoryLimit {
		qa.slaResults = qa.slaResults[len(qa.slaResults)-slaHistoryLimit:]
	}
	if sla.Met {
		qa.slaMet++
	} else {
		qa.slaMissed++
	}
}

func (qa *QueueAdapter) notifyCallback(job *models.Job) {
	qa.mu.Lock()
	ch, ok := qa.callbacks[job.ID]
	delete(qa.callbacks, job.ID)
	qa.mu.Unlock()

	if ok {
		select {
		case ch <- job:
		default:
		}
	}
}

func (qa *QueueAdapter) removeCallback(jobID string) {
	qa.mu.Lock()
	delete(qa.callbacks, jobID)
	qa.mu.Unlock()
}

func (qa *QueueAdapter) publish(eventType interfaces.EventType, payload interface{}) {
	if qa.eventService == nil {
		return
	}
	qa.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
