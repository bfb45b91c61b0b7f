package workers

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/models"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers:          1,
		DefaultWorkers:      2,
		MaxWorkers:          4,
		AutoScale:           true,
		ScaleUpThreshold:    5,
		ScaleDownThreshold:  1,
		ScaleUpStep:         2,
		ScaleDownStep:       1,
		HealthSweepInterval: time.Hour,
		Worker:              WorkerConfig{Timeout: time.Second, HeartbeatInterval: time.Hour},
	}
}

func newTestPool(t *testing.T, config PoolConfig) *PoolManager {
	t.Helper()
	pm, err := NewPoolManager(config, nil, nil, arbor.NewLogger())
	if err != nil {
		t.Fatalf("NewPoolManager() error = %v", err)
	}
	t.Cleanup(pm.Stop)
	return pm
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PoolConfig)
		wantErr bool
	}{
		{"valid", func(c *PoolConfig) {}, false},
		{"zero min", func(c *PoolConfig) { c.MinWorkers = 0 }, true},
		{"min above default", func(c *PoolConfig) { c.MinWorkers = 3 }, true},
		{"default above max", func(c *PoolConfig) { c.DefaultWorkers = 5 }, true},
		{"max above hard cap", func(c *PoolConfig) { c.MaxWorkers = 51 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testPoolConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPool_StartsAtDefaultSize(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	if pm.Size() != 2 {
		t.Errorf("pool size = %d, want 2", pm.Size())
	}
	if pm.IdleCount() != 2 {
		t.Errorf("idle count = %d, want 2", pm.IdleCount())
	}
}

func TestPool_ScaleUpRespectsMax(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	pm.ScaleUp(10)
	if pm.Size() != 4 {
		t.Errorf("pool size after scale up = %d, want 4", pm.Size())
	}

	// Already at max: a further scale up is a no-op.
	pm.ScaleUp(100)
	if pm.Size() != 4 {
		t.Errorf("pool size at max = %d, want 4", pm.Size())
	}
}

func TestPool_ScaleUpBelowThresholdIsNoOp(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	pm.ScaleUp(3)
	if pm.Size() != 2 {
		t.Errorf("pool size = %d, want 2: depth below threshold must not scale", pm.Size())
	}
}

func TestPool_ScaleUpStepClampedToMax(t *testing.T) {
	config := testPoolConfig()
	config.DefaultWorkers = 3
	pm := newTestPool(t, config)

	// Step of 2 from 3 workers would overshoot max 4; only 1 is added.
	pm.ScaleUp(10)
	if pm.Size() != 4 {
		t.Errorf("pool size = %d, want 4", pm.Size())
	}
}

func TestPool_ScaleDownRespectsMin(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	pm.ScaleDown(0)
	if pm.Size() != 1 {
		t.Errorf("pool size after scale down = %d, want 1", pm.Size())
	}

	pm.ScaleDown(0)
	if pm.Size() != 1 {
		t.Errorf("pool size at min = %d, want 1", pm.Size())
	}
}

func TestPool_ScaleDownRemovesOnlyIdle(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	// Occupy every worker so none are idle.
	release := make(chan struct{})
	handler := func(ctx context.Context, j *models.Job) (interface{}, error) {
		<-release
		return nil, nil
	}
	for i := 0; i < 2; i++ {
		if err := pm.Dispatch(testJob(), handler); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	pm.ScaleDown(0)
	if pm.Size() != 2 {
		t.Errorf("pool size = %d, want 2: busy workers must not be removed", pm.Size())
	}

	close(release)
}

func TestPool_DispatchNoIdleWorkers(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	release := make(chan struct{})
	handler := func(ctx context.Context, j *models.Job) (interface{}, error) {
		<-release
		return nil, nil
	}
	for i := 0; i < 2; i++ {
		if err := pm.Dispatch(testJob(), handler); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	if err := pm.Dispatch(testJob(), handler); err == nil {
		t.Error("Dispatch() with no idle workers must fail")
	}

	close(release)
}

func TestPool_Utilization(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	if pm.Utilization() != 0 {
		t.Errorf("idle pool utilization = %f, want 0", pm.Utilization())
	}

	release := make(chan struct{})
	if err := pm.Dispatch(testJob(), func(ctx context.Context, j *models.Job) (interface{}, error) {
		<-release
		return nil, nil
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if got := pm.Utilization(); got != 0.5 {
		t.Errorf("utilization = %f, want 0.5", got)
	}

	close(release)
}

func TestPool_SweepReplacesUnhealthyWorker(t *testing.T) {
	pm := newTestPool(t, testPoolConfig())

	// Force one worker unhealthy and run the sweep directly.
	pm.mu.Lock()
	var victim *Worker
	for _, w := range pm.workers {
		victim = w
		break
	}
	pm.mu.Unlock()

	victim.mu.Lock()
	victim.status = WorkerUnhealthy
	victim.mu.Unlock()

	pm.sweep()

	if pm.Size() != 2 {
		t.Errorf("pool size after sweep = %d, want 2: evictions are replaced", pm.Size())
	}

	pm.mu.Lock()
	_, stillThere := pm.workers[victim.ID()]
	pm.mu.Unlock()
	if stillThere {
		t.Error("unhealthy worker must be evicted by the sweep")
	}
}
