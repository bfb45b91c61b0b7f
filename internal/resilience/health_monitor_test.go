package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/models"
)

func testMonitor(windowSize, minSamples int) *HealthMonitor {
	return NewHealthMonitor(HealthMonitorConfig{
		WindowSize:         windowSize,
		UnhealthyThreshold: 0.70,
		RecoveryThreshold:  0.90,
		MinSamples:         minSamples,
		CheckInterval:      time.Hour,
	}, nil, arbor.NewLogger())
}

func TestHealthMonitor_StartsHealthy(t *testing.T) {
	hm := testMonitor(100, 5)

	status := hm.GetHealthStatus(models.ProviderClaude)
	if !status.IsHealthy {
		t.Error("unseen backend must report healthy")
	}
	if status.SuccessRate != 1.0 {
		t.Errorf("empty-window success rate = %f, want 1.0", status.SuccessRate)
	}
}

func TestHealthMonitor_UnhealthyBelowThreshold(t *testing.T) {
	hm := testMonitor(100, 5)

	// 6 failures in 10 samples: 0.40 success rate, below 0.70.
	for i := 0; i < 4; i++ {
		hm.RecordSuccess(models.ProviderClaude, time.Millisecond)
	}
	for i := 0; i < 6; i++ {
		hm.RecordFailure(models.ProviderClaude, time.Millisecond)
	}

	status := hm.GetHealthStatus(models.ProviderClaude)
	if status.IsHealthy {
		t.Errorf("success rate %f should flip backend unhealthy", status.SuccessRate)
	}
}

func TestHealthMonitor_MinSamplesGuard(t *testing.T) {
	hm := testMonitor(100, 5)

	// Below the sample floor a bad rate must not flip health.
	hm.RecordFailure(models.ProviderClaude, time.Millisecond)
	hm.RecordFailure(models.ProviderClaude, time.Millisecond)

	if !hm.GetHealthStatus(models.ProviderClaude).IsHealthy {
		t.Error("backend flipped unhealthy with fewer samples than the floor")
	}
}

func TestHealthMonitor_RecoveryAtThreshold(t *testing.T) {
	hm := testMonitor(10, 5)

	for i := 0; i < 10; i++ {
		hm.RecordFailure(models.ProviderClaude, time.Millisecond)
	}
	if hm.GetHealthStatus(models.ProviderClaude).IsHealthy {
		t.Fatal("backend should be unhealthy after a window of failures")
	}

	// Window size 10: nine successes push the rate to 0.90, the
	// recovery threshold, flipping healthy.
	for i := 0; i < 9; i++ {
		hm.RecordSuccess(models.ProviderClaude, time.Millisecond)
	}

	status := hm.GetHealthStatus(models.ProviderClaude)
	if !status.IsHealthy {
		t.Errorf("success rate %f should recover the backend", status.SuccessRate)
	}
}

func TestHealthMonitor_WindowBound(t *testing.T) {
	hm := testMonitor(100, 5)

	for i := 0; i < 250; i++ {
		hm.RecordSuccess(models.ProviderClaude, time.Millisecond)
	}

	hm.mu.Lock()
	n := len(hm.providers[models.ProviderClaude].samples)
	hm.mu.Unlock()

	if n != 100 {
		t.Errorf("window holds %d samples, want 100", n)
	}

	// Lifetime counters keep counting past the window.
	status := hm.GetHealthStatus(models.ProviderClaude)
	if status.TotalRequests != 250 {
		t.Errorf("total requests = %d, want 250", status.TotalRequests)
	}
}

func TestHealthMonitor_WindowEvictsOldest(t *testing.T) {
	hm := testMonitor(10, 5)

	for i := 0; i < 10; i++ {
		hm.RecordFailure(models.ProviderClaude, time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		hm.RecordSuccess(models.ProviderClaude, time.Millisecond)
	}

	status := hm.GetHealthStatus(models.ProviderClaude)
	if status.SuccessRate != 1.0 {
		t.Errorf("success rate = %f, want 1.0 after failures aged out", status.SuccessRate)
	}
}

func TestHealthMonitor_TransitionListener(t *testing.T) {
	hm := testMonitor(10, 5)

	var mu sync.Mutex
	var flips []bool
	hm.RegisterTransitionListener(func(provider models.ProviderType, healthy bool) {
		mu.Lock()
		flips = append(flips, healthy)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		hm.RecordFailure(models.ProviderClaude, time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		hm.RecordSuccess(models.ProviderClaude, time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flips) != 2 {
		t.Fatalf("listener saw %d transitions, want 2", len(flips))
	}
	if flips[0] != false || flips[1] != true {
		t.Errorf("transitions = %v, want [false true]", flips)
	}
}

func TestHealthMonitor_PerformHealthCheck(t *testing.T) {
	hm := testMonitor(10, 5)

	probeErr := errors.New("backend down")
	calls := 0
	hm.RegisterProbe(models.ProviderGemini, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return probeErr
		}
		return nil
	})

	hm.PerformHealthCheck(context.Background(), models.ProviderGemini)
	hm.PerformHealthCheck(context.Background(), models.ProviderGemini)
	hm.PerformHealthCheck(context.Background(), models.ProviderGemini)

	status := hm.GetHealthStatus(models.ProviderGemini)
	if status.TotalRequests != 3 {
		t.Errorf("probe outcomes recorded = %d, want 3", status.TotalRequests)
	}
	if status.FailedRequests != 2 {
		t.Errorf("failed probes recorded = %d, want 2", status.FailedRequests)
	}
}

func TestHealthMonitor_ResetProviderHealth(t *testing.T) {
	hm := testMonitor(10, 5)

	for i := 0; i < 10; i++ {
		hm.RecordFailure(models.ProviderClaude, time.Millisecond)
	}
	hm.ResetProviderHealth(models.ProviderClaude)

	status := hm.GetHealthStatus(models.ProviderClaude)
	if !status.IsHealthy || status.TotalRequests != 0 {
		t.Error("reset must discard all tracked state")
	}
}

func TestHealthMonitor_StartStop(t *testing.T) {
	hm := NewHealthMonitor(HealthMonitorConfig{
		WindowSize:         10,
		UnhealthyThreshold: 0.70,
		RecoveryThreshold:  0.90,
		MinSamples:         5,
		CheckInterval:      5 * time.Millisecond,
	}, nil, arbor.NewLogger())

	var mu sync.Mutex
	probed := 0
	hm.RegisterProbe(models.ProviderClaude, func(ctx context.Context) error {
		mu.Lock()
		probed++
		mu.Unlock()
		return nil
	})

	hm.Start()
	time.Sleep(30 * time.Millisecond)
	hm.Stop()

	mu.Lock()
	defer mu.Unlock()
	if probed == 0 {
		t.Error("periodic driver never invoked the probe")
	}
}
