package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/models"
)

// WorkerStatus represents one worker's state.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerBusy      WorkerStatus = "busy"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerStopped   WorkerStatus = "stopped"
)

// JobHandler performs the actual work of one job.
type JobHandler func(ctx context.Context, job *models.Job) (interface{}, error)

// ExecutionResult is the outcome of one job execution attempt.
type ExecutionResult struct {
	WorkerID string
	Job      *models.Job
	Result   interface{}
	Err      error
	TimedOut bool
	Duration time.Duration
}

// CompletionFunc receives execution outcomes from workers.
type CompletionFunc func(res ExecutionResult)

// WorkerConfig holds per-worker execution limits.
type WorkerConfig struct {
	Timeout           time.Duration // per-job execution ceiling
	HeartbeatInterval time.Duration
	MemoryLimitMB     uint64 // heap ceiling sampled by the heartbeat
}

// Worker executes at most one job at a time. Execution races the
// handler against the worker timeout; a periodic heartbeat samples
// memory usage and self-demotes to unhealthy when the ceiling is
// exceeded. Unhealthy workers are evicted by the pool, never reused.
type Worker struct {
	id         string
	config     WorkerConfig
	onComplete CompletionFunc
	logger     arbor.ILogger

	mu            sync.Mutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int64
	lastHeartbeat time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates and starts a worker in the idle state.
func NewWorker(config WorkerConfig, onComplete CompletionFunc, logger arbor.ILogger) *Worker {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		id:            uuid.New().String(),
		config:        config,
		onComplete:    onComplete,
		logger:        logger,
		status:        WorkerIdle,
		lastHeartbeat: time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.heartbeatLoop()

	return w
}

// ID returns the worker's unique identity.
func (w *Worker) ID() string {
	return w.id
}

// Status returns the worker's current state.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastHeartbeat returns the time of the most recent heartbeat sample.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// JobsProcessed returns the number of completed executions.
func (w *Worker) JobsProcessed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobsProcessed
}

// Assign hands a job to an idle worker. Assigning to a non-idle
// worker is a usage error.
func (w *Worker) Assign(job *models.Job, handler JobHandler) error {
	w.mu.Lock()
	if w.status != WorkerIdle {
		status := w.status
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not idle (status: %s)", w.id, status)
	}
	w.status = WorkerBusy
	w.currentJobID = job.ID
	w.mu.Unlock()

	w.wg.Add(1)
	go w.execute(job, handler)

	return nil
}

// execute races the handler against the worker timeout. Timeout
// produces a failure outcome identical in shape to a handler error.
func (w *Worker) execute(job *models.Job, handler JobHandler) {
	defer w.wg.Done()

	timeout := w.config.Timeout
	if job.Timeout > 0 && job.Timeout < timeout {
		timeout = job.Timeout
	}

	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("job handler panic: %v", r)}
			}
		}()
		result, err := handler(ctx, job)
		done <- outcome{result: result, err: err}
	}()

	res := ExecutionResult{WorkerID: w.id, Job: job}

	select {
	case out := <-done:
		res.Result = out.result
		res.Err = out.err
	case <-ctx.Done():
		res.TimedOut = true
		res.Err = fmt.Errorf("job %s timed out after %s", job.ID, timeout)
	}

	res.Duration = time.Since(start)

	w.mu.Lock()
	w.currentJobID = ""
	w.jobsProcessed++
	// An unhealthy or stopped worker stays that way; only busy
	// transitions back to idle.
	if w.status == WorkerBusy {
		w.status = WorkerIdle
	}
	w.mu.Unlock()

	if w.onComplete != nil {
		w.onComplete(res)
	}
}

// heartbeatLoop samples resource usage on a fixed interval and
// self-demotes to unhealthy when the memory ceiling is breached.
func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

func (w *Worker) heartbeat() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	status := w.status
	w.mu.Unlock()

	if status == WorkerStopped || status == WorkerUnhealthy {
		return
	}

	if w.config.MemoryLimitMB == 0 {
		return
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	allocMB := stats.Alloc / (1024 * 1024)

	if allocMB > w.config.MemoryLimitMB {
		w.mu.Lock()
		w.status = WorkerUnhealthy
		w.mu.Unlock()

		w.logger.Warn().
			Str("worker_id", w.id).
			Int64("alloc_mb", int64(allocMB)).
			Int64("limit_mb", int64(w.config.MemoryLimitMB)).
			Msg("Worker exceeded memory ceiling, marking unhealthy")
	}
}

// Stop halts the worker and cancels any in-flight execution context.
// The interrupted job surfaces as a failure outcome so the adapter's
// retry policy can requeue it.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.status == WorkerStopped {
		w.mu.Unlock()
		return
	}
	w.status = WorkerStopped
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}
