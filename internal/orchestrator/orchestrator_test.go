package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/models"
)

// fakeSubmitter records submissions and resolves each job to a
// scripted terminal status. Jobs resolve immediately unless a hold is
// installed, so awaitTerminal returns on its first pass.
type fakeSubmitter struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	submitted  []submission
	cancelled  []string
	nextStatus models.JobStatus
	failAfter  int // fail submissions once this many succeeded; 0 disables
	rejectNext int // reject this many submissions outright, then recover
	seq        int
}

type submission struct {
	jobID   string
	payload *models.JobPayload
	opts    models.JobOptions
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		jobs:       make(map[string]*models.Job),
		nextStatus: models.JobStatusCompleted,
	}
}

func (f *fakeSubmitter) SubmitJob(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAfter > 0 && len(f.submitted) >= f.failAfter {
		return "", errors.New("submission rejected")
	}
	if f.rejectNext > 0 {
		f.rejectNext--
		return "", errors.New("submission rejected")
	}

	f.seq++
	jobID := fmt.Sprintf("job-%d", f.seq)
	job := models.NewJob(payload, opts)
	job.ID = jobID
	job.Status = f.nextStatus
	job.Result = fmt.Sprintf("result-%d", f.seq)
	f.jobs[jobID] = job
	f.submitted = append(f.submitted, submission{jobID: jobID, payload: payload, opts: opts})
	return jobID, nil
}

func (f *fakeSubmitter) SubmitJobWithCallback(ctx context.Context, payload *models.JobPayload, opts models.JobOptions) (*models.Job, error) {
	id, err := f.SubmitJob(ctx, payload, opts)
	if err != nil {
		return nil, err
	}
	return f.GetJobStatus(id), nil
}

func (f *fakeSubmitter) GetJobStatus(jobID string) *models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID]
}

func (f *fakeSubmitter) CancelJob(ctx context.Context, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	if job, ok := f.jobs[jobID]; ok && job.Status == models.JobStatusQueued {
		job.Status = models.JobStatusCancelled
		return true
	}
	return false
}

func (f *fakeSubmitter) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func testOrchestrator(sub *fakeSubmitter) *Orchestrator {
	return New(Config{PollInterval: 5 * time.Millisecond, MaxConcurrency: 2}, sub, nil, arbor.NewLogger())
}

func payloads(n int) []*models.JobPayload {
	out := make([]*models.JobPayload, n)
	for i := range out {
		out[i] = &models.JobPayload{
			Type:     models.PayloadChatCompletion,
			Provider: "claude",
			Model:    "claude-sonnet-4-20250514",
			Messages: []models.Message{{Role: "user", Content: fmt.Sprintf("prompt %d", i)}},
		}
	}
	return out
}

func TestRunBatch_AllComplete(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	batch, err := o.RunBatch(context.Background(), payloads(5), BatchOptions{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if batch.Status != models.BatchStatusCompleted {
		t.Errorf("status = %s, want completed", batch.Status)
	}
	if batch.Total != 5 || batch.Completed != 5 || batch.Failed != 0 {
		t.Errorf("counts = %d/%d/%d, want 5/5/0", batch.Total, batch.Completed, batch.Failed)
	}
	if len(batch.JobIDs) != 5 {
		t.Errorf("job ids = %d, want 5", len(batch.JobIDs))
	}
	if batch.CompletedAt == nil {
		t.Error("finished batch must carry a completion time")
	}

	// Every member carries the shared batch tag.
	for _, s := range sub.submissions() {
		if s.opts.Tags["batch"] != batch.ID {
			t.Errorf("job %s batch tag = %q, want %q", s.jobID, s.opts.Tags["batch"], batch.ID)
		}
	}

	if got := o.GetBatch(batch.ID); got != batch {
		t.Error("GetBatch must return the stored record")
	}
	if o.GetBatch("unknown") != nil {
		t.Error("unknown batch must be nil")
	}
}

func TestRunBatch_EmptyRejected(t *testing.T) {
	o := testOrchestrator(newFakeSubmitter())
	if _, err := o.RunBatch(context.Background(), nil, BatchOptions{}); err == nil {
		t.Fatal("empty batch must be rejected")
	}
}

func TestRunBatch_FailedMembersMarkBatchFailed(t *testing.T) {
	sub := newFakeSubmitter()
	sub.nextStatus = models.JobStatusFailed
	o := testOrchestrator(sub)

	batch, err := o.RunBatch(context.Background(), payloads(3), BatchOptions{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if batch.Status != models.BatchStatusFailed {
		t.Errorf("status = %s, want failed", batch.Status)
	}
	if batch.Failed != 3 || batch.Completed != 0 {
		t.Errorf("counts = %d completed / %d failed, want 0/3", batch.Completed, batch.Failed)
	}
}

func TestRunBatch_FailFastAborts(t *testing.T) {
	sub := newFakeSubmitter()
	sub.failAfter = 2
	o := testOrchestrator(sub)

	batch, err := o.RunBatch(context.Background(), payloads(5), BatchOptions{MaxConcurrency: 5, FailFast: true})
	if err == nil {
		t.Fatal("fail-fast batch must surface the submission error")
	}
	if batch.Status != models.BatchStatusFailed {
		t.Errorf("status = %s, want failed", batch.Status)
	}
	if got := len(sub.submissions()); got != 2 {
		t.Errorf("submissions = %d, want 2 (no further submissions after abort)", got)
	}
}

func TestRunBatch_SubmissionErrorsCountedWithoutFailFast(t *testing.T) {
	sub := newFakeSubmitter()
	sub.failAfter = 2
	o := testOrchestrator(sub)

	batch, err := o.RunBatch(context.Background(), payloads(4), BatchOptions{MaxConcurrency: 4})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if batch.Completed != 2 || batch.Failed != 2 {
		t.Errorf("counts = %d completed / %d failed, want 2/2", batch.Completed, batch.Failed)
	}
	if batch.Status != models.BatchStatusFailed {
		t.Errorf("status = %s, want failed", batch.Status)
	}
}

func TestRunBatch_ChunksRespectMaxConcurrency(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	batch, err := o.RunBatch(context.Background(), payloads(5), BatchOptions{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if batch.Completed != 5 {
		t.Errorf("completed = %d, want 5", batch.Completed)
	}
}

func TestFanOut_ReturnsImmediately(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	tag, ids, err := o.FanOut(context.Background(), payloads(3), models.JobOptions{})
	if err != nil {
		t.Fatalf("FanOut() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("job ids = %d, want 3", len(ids))
	}
	for _, s := range sub.submissions() {
		if s.opts.Tags["batch"] != tag {
			t.Errorf("job %s missing shared tag", s.jobID)
		}
	}
}

func TestFanIn_AggregatesResults(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	_, ids, err := o.FanOut(context.Background(), payloads(3), models.JobOptions{})
	if err != nil {
		t.Fatalf("FanOut() error = %v", err)
	}

	joined, err := o.FanIn(context.Background(), ids, func(jobs []*models.Job) (interface{}, error) {
		parts := make([]string, 0, len(jobs))
		for _, j := range jobs {
			parts = append(parts, j.Result.(string))
		}
		return strings.Join(parts, ","), nil
	})
	if err != nil {
		t.Fatalf("FanIn() error = %v", err)
	}
	if joined != "result-1,result-2,result-3" {
		t.Errorf("aggregate = %v", joined)
	}
}

func TestFanIn_NilAggregatorReturnsResults(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	_, ids, err := o.FanOut(context.Background(), payloads(2), models.JobOptions{})
	if err != nil {
		t.Fatalf("FanOut() error = %v", err)
	}

	raw, err := o.FanIn(context.Background(), ids, nil)
	if err != nil {
		t.Fatalf("FanIn() error = %v", err)
	}
	results, ok := raw.([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("results = %#v, want two raw results", raw)
	}
}

func TestFanIn_ContextCancellation(t *testing.T) {
	sub := newFakeSubmitter()
	sub.nextStatus = models.JobStatusProcessing // never terminal
	o := testOrchestrator(sub)

	_, ids, err := o.FanOut(context.Background(), payloads(1), models.JobOptions{})
	if err != nil {
		t.Fatalf("FanOut() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := o.FanIn(ctx, ids, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRunChain_SequentialWithDependencies(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	result, err := o.RunChain(context.Background(), payloads(3), ChainOptions{})
	if err != nil {
		t.Fatalf("RunChain() error = %v", err)
	}
	if len(result.Links) != 3 {
		t.Fatalf("links = %d, want 3", len(result.Links))
	}
	for i, link := range result.Links {
		if link.Status != models.JobStatusCompleted {
			t.Errorf("link %d status = %s, want completed", i, link.Status)
		}
		if link.JobID == "" {
			t.Errorf("link %d missing job id", i)
		}
	}

	// Each link after the first depends on its predecessor's job.
	subs := sub.submissions()
	for i := 1; i < len(subs); i++ {
		deps := subs[i].opts.Dependencies
		if len(deps) != 1 || deps[0] != subs[i-1].jobID {
			t.Errorf("link %d dependencies = %v, want [%s]", i, deps, subs[i-1].jobID)
		}
	}
}

func TestRunChain_StopOnErrorCancelsDownstream(t *testing.T) {
	sub := newFakeSubmitter()
	sub.nextStatus = models.JobStatusFailed
	o := testOrchestrator(sub)

	result, err := o.RunChain(context.Background(), payloads(4), ChainOptions{StopOnError: true})
	if err == nil {
		t.Fatal("chain must report the stop")
	}
	if result.Links[0].Status != models.JobStatusFailed {
		t.Errorf("link 0 status = %s, want failed", result.Links[0].Status)
	}
	for i := 1; i < len(result.Links); i++ {
		if result.Links[i].Status != models.JobStatusCancelled {
			t.Errorf("link %d status = %s, want cancelled", i, result.Links[i].Status)
		}
		if result.Links[i].JobID != "" {
			t.Errorf("link %d must never have been submitted", i)
		}
	}
	// Only the first link was submitted.
	if got := len(sub.submissions()); got != 1 {
		t.Errorf("submissions = %d, want 1", got)
	}
}

func TestRunChain_ContinuesWithoutStopOnError(t *testing.T) {
	sub := newFakeSubmitter()
	sub.nextStatus = models.JobStatusFailed
	o := testOrchestrator(sub)

	result, err := o.RunChain(context.Background(), payloads(3), ChainOptions{})
	if err != nil {
		t.Fatalf("RunChain() error = %v", err)
	}
	if got := len(sub.submissions()); got != 3 {
		t.Errorf("submissions = %d, want 3", got)
	}
	for i, link := range result.Links {
		if link.Status != models.JobStatusFailed {
			t.Errorf("link %d status = %s, want failed", i, link.Status)
		}
	}
}

func TestRunChain_FailedSubmitLeavesNoEmptyDependency(t *testing.T) {
	sub := newFakeSubmitter()
	sub.rejectNext = 1
	o := testOrchestrator(sub)

	result, err := o.RunChain(context.Background(), payloads(3), ChainOptions{})
	if err != nil {
		t.Fatalf("RunChain() error = %v", err)
	}
	if result.Links[0].Status != models.JobStatusFailed || result.Links[0].JobID != "" {
		t.Errorf("link 0 = %+v, want failed with no job", result.Links[0])
	}

	subs := sub.submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	// The first surviving link has no upstream job, so it must carry no
	// dependency at all, and in particular no empty job ID.
	if len(subs[0].opts.Dependencies) != 0 {
		t.Errorf("link 1 dependencies = %v, want none", subs[0].opts.Dependencies)
	}
	if len(subs[1].opts.Dependencies) != 1 || subs[1].opts.Dependencies[0] != subs[0].jobID {
		t.Errorf("link 2 dependencies = %v, want [%s]", subs[1].opts.Dependencies, subs[0].jobID)
	}
}

func TestRunChain_EmptyRejected(t *testing.T) {
	o := testOrchestrator(newFakeSubmitter())
	if _, err := o.RunChain(context.Background(), nil, ChainOptions{}); err == nil {
		t.Fatal("empty chain must be rejected")
	}
}

func TestCreateSchedule_Validation(t *testing.T) {
	o := testOrchestrator(newFakeSubmitter())
	payload := payloads(1)[0]

	if _, err := o.CreateSchedule("nightly", "not a cron", payload, models.JobOptions{}); err == nil {
		t.Error("malformed expression must be rejected")
	}
	if _, err := o.CreateSchedule("nightly", "0 3 * * *", nil, models.JobOptions{}); err == nil {
		t.Error("nil payload must be rejected")
	}
	if _, err := o.CreateSchedule("nightly", "0 3 * * *", &models.JobPayload{Type: "bogus"}, models.JobOptions{}); err == nil {
		t.Error("invalid payload must be rejected")
	}

	schedule, err := o.CreateSchedule("nightly", "0 3 * * *", payload, models.JobOptions{Priority: models.PriorityLow})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	if !schedule.Enabled {
		t.Error("new schedule must start enabled")
	}
	if got := o.GetSchedule(schedule.ID); got != schedule {
		t.Error("GetSchedule must return the stored record")
	}
	if got := len(o.ListSchedules()); got != 1 {
		t.Errorf("schedules = %d, want 1", got)
	}
}

func TestFireSchedule_SubmitsOneJob(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	schedule, err := o.CreateSchedule("hourly", "0 * * * *", payloads(1)[0], models.JobOptions{})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	o.fireSchedule(schedule.ID)

	if got := len(sub.submissions()); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if schedule.RunCount != 1 {
		t.Errorf("run count = %d, want 1", schedule.RunCount)
	}
	if schedule.LastJobID == "" || schedule.LastRunAt == nil {
		t.Error("fired schedule must record the last run")
	}
	if schedule.LastError != "" {
		t.Errorf("last error = %q, want empty", schedule.LastError)
	}
}

func TestFireSchedule_RecordsSubmissionError(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	schedule, err := o.CreateSchedule("hourly", "0 * * * *", payloads(1)[0], models.JobOptions{})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	// Exhaust the submission budget so the fire is rejected.
	sub.mu.Lock()
	sub.submitted = append(sub.submitted, submission{})
	sub.failAfter = 1
	sub.mu.Unlock()

	o.fireSchedule(schedule.ID)

	if schedule.LastError == "" {
		t.Error("failed fire must record the error")
	}
	if schedule.RunCount != 1 {
		t.Errorf("run count = %d, want 1", schedule.RunCount)
	}
}

func TestDisableSchedule_StopsFiring(t *testing.T) {
	sub := newFakeSubmitter()
	o := testOrchestrator(sub)

	schedule, err := o.CreateSchedule("hourly", "0 * * * *", payloads(1)[0], models.JobOptions{})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	if err := o.DisableSchedule(schedule.ID); err != nil {
		t.Fatalf("DisableSchedule() error = %v", err)
	}
	if schedule.Enabled {
		t.Error("schedule must be disabled")
	}
	if schedule.NextRunAt != nil {
		t.Error("disabled schedule must clear its next run")
	}

	// A disabled schedule ignores fires.
	o.fireSchedule(schedule.ID)
	if got := len(sub.submissions()); got != 0 {
		t.Errorf("submissions after disable = %d, want 0", got)
	}

	// Disable is idempotent; enable restores firing.
	if err := o.DisableSchedule(schedule.ID); err != nil {
		t.Fatalf("second DisableSchedule() error = %v", err)
	}
	if err := o.EnableSchedule(schedule.ID); err != nil {
		t.Fatalf("EnableSchedule() error = %v", err)
	}
	o.fireSchedule(schedule.ID)
	if got := len(sub.submissions()); got != 1 {
		t.Errorf("submissions after enable = %d, want 1", got)
	}
}

func TestDeleteSchedule(t *testing.T) {
	o := testOrchestrator(newFakeSubmitter())

	schedule, err := o.CreateSchedule("hourly", "0 * * * *", payloads(1)[0], models.JobOptions{})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	if err := o.DeleteSchedule(schedule.ID); err != nil {
		t.Fatalf("DeleteSchedule() error = %v", err)
	}
	if o.GetSchedule(schedule.ID) != nil {
		t.Error("deleted schedule must be gone")
	}
	if err := o.DeleteSchedule(schedule.ID); err == nil {
		t.Error("deleting an unknown schedule must fail")
	}
	if err := o.DisableSchedule("unknown"); err == nil {
		t.Error("disabling an unknown schedule must fail")
	}
	if err := o.EnableSchedule("unknown"); err == nil {
		t.Error("enabling an unknown schedule must fail")
	}
}
