package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/models"
)

func testJob() *models.Job {
	return models.NewJob(&models.JobPayload{
		Type:     models.PayloadChatCompletion,
		Provider: "claude",
		Model:    "claude-sonnet-4-20250514",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	}, models.JobOptions{})
}

// resultCollector gathers completion callbacks for assertions.
type resultCollector struct {
	mu      sync.Mutex
	results []ExecutionResult
	ch      chan ExecutionResult
}

func newResultCollector() *resultCollector {
	return &resultCollector{ch: make(chan ExecutionResult, 16)}
}

func (c *resultCollector) collect(res ExecutionResult) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.ch <- res
}

func (c *resultCollector) wait(t *testing.T) ExecutionResult {
	t.Helper()
	select {
	case res := <-c.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execution result")
		return ExecutionResult{}
	}
}

func TestWorker_ExecutesJob(t *testing.T) {
	collector := newResultCollector()
	w := NewWorker(WorkerConfig{Timeout: time.Second}, collector.collect, arbor.NewLogger())
	defer w.Stop()

	job := testJob()
	err := w.Assign(job, func(ctx context.Context, j *models.Job) (interface{}, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	res := collector.wait(t)
	if res.Err != nil {
		t.Errorf("result error = %v", res.Err)
	}
	if res.Result != "done" {
		t.Errorf("result = %v, want done", res.Result)
	}
	if res.Job.ID != job.ID {
		t.Errorf("result job = %s, want %s", res.Job.ID, job.ID)
	}
	if res.TimedOut {
		t.Error("result marked timed out for a fast handler")
	}

	if w.Status() != WorkerIdle {
		t.Errorf("worker status after completion = %s, want idle", w.Status())
	}
	if w.JobsProcessed() != 1 {
		t.Errorf("jobs processed = %d, want 1", w.JobsProcessed())
	}
}

func TestWorker_AssignWhileBusyFails(t *testing.T) {
	collector := newResultCollector()
	w := NewWorker(WorkerConfig{Timeout: time.Second}, collector.collect, arbor.NewLogger())
	defer w.Stop()

	release := make(chan struct{})
	if err := w.Assign(testJob(), func(ctx context.Context, j *models.Job) (interface{}, error) {
		<-release
		return nil, nil
	}); err != nil {
		t.Fatalf("first Assign() error = %v", err)
	}

	if err := w.Assign(testJob(), func(ctx context.Context, j *models.Job) (interface{}, error) {
		return nil, nil
	}); err == nil {
		t.Error("Assign() on a busy worker must fail")
	}

	close(release)
	collector.wait(t)
}

func TestWorker_TimeoutRace(t *testing.T) {
	collector := newResultCollector()
	w := NewWorker(WorkerConfig{Timeout: 20 * time.Millisecond}, collector.collect, arbor.NewLogger())
	defer w.Stop()

	err := w.Assign(testJob(), func(ctx context.Context, j *models.Job) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	res := collector.wait(t)
	if !res.TimedOut {
		t.Error("slow handler must surface as a timeout")
	}
	if res.Err == nil {
		t.Error("timeout must carry an error")
	}

	// The worker returns to idle and stays usable after a timeout.
	if w.Status() != WorkerIdle {
		t.Errorf("worker status after timeout = %s, want idle", w.Status())
	}
}

func TestWorker_JobTimeoutOverridesWorkerTimeout(t *testing.T) {
	collector := newResultCollector()
	w := NewWorker(WorkerConfig{Timeout: 5 * time.Second}, collector.collect, arbor.NewLogger())
	defer w.Stop()

	job := testJob()
	job.Timeout = 20 * time.Millisecond

	start := time.Now()
	if err := w.Assign(job, func(ctx context.Context, j *models.Job) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	res := collector.wait(t)
	if !res.TimedOut {
		t.Error("job-level timeout must win when shorter")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %s, the shorter job timeout should apply", elapsed)
	}
}

func TestWorker_HandlerPanicIsFailure(t *testing.T) {
	collector := newResultCollector()
	w := NewWorker(WorkerConfig{Timeout: time.Second}, collector.collect, arbor.NewLogger())
	defer w.Stop()

	if err := w.Assign(testJob(), func(ctx context.Context, j *models.Job) (interface{}, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	res := collector.wait(t)
	if res.Err == nil {
		t.Error("panicking handler must produce a failure outcome")
	}
	if w.Status() != WorkerIdle {
		t.Errorf("worker status after panic = %s, want idle", w.Status())
	}
}

func TestWorker_HandlerErrorPropagates(t *testing.T) {
	collector := newResultCollector()
	w := NewWorker(WorkerConfig{Timeout: time.Second}, collector.collect, arbor.NewLogger())
	defer w.Stop()

	handlerErr := errors.New("backend unavailable")
	if err := w.Assign(testJob(), func(ctx context.Context, j *models.Job) (interface{}, error) {
		return nil, handlerErr
	}); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	res := collector.wait(t)
	if !errors.Is(res.Err, handlerErr) {
		t.Errorf("result error = %v, want %v", res.Err, handlerErr)
	}
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := NewWorker(WorkerConfig{Timeout: time.Second}, nil, arbor.NewLogger())
	w.Stop()
	w.Stop()

	if w.Status() != WorkerStopped {
		t.Errorf("status = %s, want stopped", w.Status())
	}
}
