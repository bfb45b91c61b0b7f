package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// HealthMonitorConfig holds sliding-window and threshold settings.
type HealthMonitorConfig struct {
	WindowSize         int           // samples kept per backend
	UnhealthyThreshold float64       // healthy -> unhealthy below this success rate
	RecoveryThreshold  float64       // unhealthy -> healthy at or above this rate
	MinSamples         int           // samples required before flipping unhealthy
	CheckInterval      time.Duration // periodic probe interval
}

// DefaultHealthMonitorConfig returns the default window and thresholds.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		WindowSize:         100,
		UnhealthyThreshold: 0.70,
		RecoveryThreshold:  0.90,
		MinSamples:         5,
		CheckInterval:      30 * time.Second,
	}
}

// ProbeFunc is a lightweight provider-supplied liveness probe.
type ProbeFunc func(ctx context.Context) error

// TransitionListener receives healthy/unhealthy flips. Registered by
// the fallback layer to force-open or force-reset breakers.
type TransitionListener func(provider models.ProviderType, healthy bool)

type sample struct {
	timestamp    time.Time
	responseTime time.Duration
	success      bool
}

type providerHealth struct {
	samples              []sample // bounded ring, FIFO eviction
	healthy              bool
	totalRequests        int64
	successfulRequests   int64
	failedRequests       int64
	consecutiveFailures  int
	consecutiveSuccesses int
	lastSuccessTime      time.Time
	lastFailureTime      time.Time
}

// HealthMonitor tracks per-backend success rate and latency over a
// bounded sliding window, drives periodic probes, and emits
// healthy/unhealthy transitions.
type HealthMonitor struct {
	mu           sync.Mutex
	config       HealthMonitorConfig
	providers    map[models.ProviderType]*providerHealth
	probes       map[models.ProviderType]ProbeFunc
	listeners    []TransitionListener
	eventService interfaces.EventService // may be nil for testing
	logger       arbor.ILogger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
}

// NewHealthMonitor creates a monitor with the given configuration.
func NewHealthMonitor(config HealthMonitorConfig, eventService interfaces.EventService, logger arbor.ILogger) *HealthMonitor {
	if config.WindowSize <= 0 {
		config.WindowSize = 100
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 0.70
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 0.90
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 5
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}

	return &HealthMonitor{
		config:       config,
		providers:    make(map[models.ProviderType]*providerHealth),
		probes:       make(map[models.ProviderType]ProbeFunc),
		eventService: eventService,
		logger:       logger,
	}
}

// RegisterProbe binds a liveness probe to a backend. The periodic
// driver invokes every registered probe each interval.
func (hm *HealthMonitor) RegisterProbe(provider models.ProviderType, probe ProbeFunc) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.probes[provider] = probe
	hm.healthFor(provider)
}

// RegisterTransitionListener adds a listener for health flips.
func (hm *HealthMonitor) RegisterTransitionListener(listener TransitionListener) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.listeners = append(hm.listeners, listener)
}

// healthFor returns the tracked state for a backend, creating it
// healthy on first sight. Caller holds the lock.
func (hm *HealthMonitor) healthFor(provider models.ProviderType) *providerHealth {
	h, ok := hm.providers[provider]
	if !ok {
		h = &providerHealth{healthy: true}
		hm.providers[provider] = h
	}
	return h
}

// RecordSuccess pushes a success sample and recomputes health.
func (hm *HealthMonitor) RecordSuccess(provider models.ProviderType, responseTime time.Duration) {
	hm.record(provider, responseTime, true)
}

// RecordFailure pushes a failure sample and recomputes health.
func (hm *HealthMonitor) RecordFailure(provider models.ProviderType, responseTime time.Duration) {
	hm.record(provider, responseTime, false)
}

func (hm *HealthMonitor) record(provider models.ProviderType, responseTime time.Duration, success bool) {
	hm.mu.Lock()

	h := hm.healthFor(provider)
	now := time.Now()

	h.samples = append(h.samples, sample{timestamp: now, responseTime: responseTime, success: success})
	if len(h.samples) > hm.config.WindowSize {
		h.samples = h.samples[len(h.samples)-hm.config.WindowSize:]
	}

	h.totalRequests++
	if success {
		h.successfulRequests++
		h.consecutiveSuccesses++
		h.consecutiveFailures = 0
		h.lastSuccessTime = now
	} else {
		h.failedRequests++
		h.consecutiveFailures++
		h.consecutiveSuccesses = 0
		h.lastFailureTime = now
	}

	rate := windowSuccessRate(h.samples)
	var flipped *bool

	if h.healthy && len(h.samples) >= hm.config.MinSamples && rate < hm.config.UnhealthyThreshold {
		h.healthy = false
		v := false
		flipped = &v
	} else if !h.healthy && rate >= hm.config.RecoveryThreshold {
		h.healthy = true
		v := true
		flipped = &v
	}

	listeners := hm.listeners
	hm.mu.Unlock()

	if flipped == nil {
		return
	}

	if *flipped {
		hm.logger.Info().
			Str("provider", provider.String()).
			Float64("success_rate", rate).
			Msg("Provider recovered")
		hm.publish(interfaces.EventProviderRecovered, provider)
	} else {
		hm.logger.Warn().
			Str("provider", provider.String()).
			Float64("success_rate", rate).
			Msg("Provider unhealthy")
		hm.publish(interfaces.EventProviderUnhealthy, provider)
	}

	for _, listener := range listeners {
		listener(provider, *flipped)
	}
}

func windowSuccessRate(samples []sample) float64 {
	if len(samples) == 0 {
		return 1.0
	}
	succeeded := 0
	for _, s := range samples {
		if s.success {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(samples))
}

// GetHealthStatus returns a snapshot of one backend's health.
func (hm *HealthMonitor) GetHealthStatus(provider models.ProviderType) models.HealthStatus {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h := hm.healthFor(provider)

	status := models.HealthStatus{
		Provider:             provider,
		IsHealthy:            h.healthy,
		SuccessRate:          windowSuccessRate(h.samples),
		TotalRequests:        h.totalRequests,
		SuccessfulRequests:   h.successfulRequests,
		FailedRequests:       h.failedRequests,
		ConsecutiveFailures:  h.consecutiveFailures,
		ConsecutiveSuccesses: h.consecutiveSuccesses,
	}

	if h.totalRequests > 0 {
		status.Availability = float64(h.successfulRequests) / float64(h.totalRequests)
	} else {
		status.Availability = 1.0
	}

	if len(h.samples) > 0 {
		var total time.Duration
		for _, s := range h.samples {
			total += s.responseTime
		}
		status.AverageResponseTime = total / time.Duration(len(h.samples))
	}

	if !h.lastSuccessTime.IsZero() {
		t := h.lastSuccessTime
		status.LastSuccessTime = &t
	}
	if !h.lastFailureTime.IsZero() {
		t := h.lastFailureTime
		status.LastFailureTime = &t
	}

	return status
}

// GetAllHealthStatuses returns snapshots for every tracked backend.
func (hm *HealthMonitor) GetAllHealthStatuses() map[models.ProviderType]models.HealthStatus {
	hm.mu.Lock()
	providers := make([]models.ProviderType, 0, len(hm.providers))
	for provider := range hm.providers {
		providers = append(providers, provider)
	}
	hm.mu.Unlock()

	statuses := make(map[models.ProviderType]models.HealthStatus, len(providers))
	for _, provider := range providers {
		statuses[provider] = hm.GetHealthStatus(provider)
	}
	return statuses
}

// ResetProviderHealth discards all tracked state for a backend.
func (hm *HealthMonitor) ResetProviderHealth(provider models.ProviderType) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.providers[provider] = &providerHealth{healthy: true}
}

// PerformHealthCheck runs one backend's probe with measured latency
// and records the outcome exactly like a production call. Probe
// failures are recorded, never returned to callers.
func (hm *HealthMonitor) PerformHealthCheck(ctx context.Context, provider models.ProviderType) {
	hm.mu.Lock()
	probe, ok := hm.probes[provider]
	hm.mu.Unlock()

	if !ok {
		return
	}

	start := time.Now()
	err := probe(ctx)
	elapsed := time.Since(start)

	if err != nil {
		hm.logger.Debug().
			Err(err).
			Str("provider", provider.String()).
			Dur("elapsed", elapsed).
			Msg("Health probe failed")
		hm.RecordFailure(provider, elapsed)
		return
	}

	hm.RecordSuccess(provider, elapsed)
}

// Start launches the periodic probe driver. Probes for different
// backends run in independent goroutines so a hanging backend cannot
// block the others.
func (hm *HealthMonitor) Start() {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = true
	ctx, cancel := context.WithCancel(context.Background())
	hm.cancel = cancel
	hm.mu.Unlock()

	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()

		ticker := time.NewTicker(hm.config.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.runProbes(ctx)
			}
		}
	}()

	hm.logger.Info().
		Dur("interval", hm.config.CheckInterval).
		Msg("Health monitor started")
}

func (hm *HealthMonitor) runProbes(ctx context.Context) {
	hm.mu.Lock()
	providers := make([]models.ProviderType, 0, len(hm.probes))
	for provider := range hm.probes {
		providers = append(providers, provider)
	}
	hm.mu.Unlock()

	for _, provider := range providers {
		hm.wg.Add(1)
		go func(p models.ProviderType) {
			defer hm.wg.Done()
			hm.PerformHealthCheck(ctx, p)
		}(provider)
	}
}

// Stop halts the probe driver and waits for in-flight probes.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = false
	cancel := hm.cancel
	hm.mu.Unlock()

	cancel()
	hm.wg.Wait()
	hm.logger.Info().Msg("Health monitor stopped")
}

func (hm *HealthMonitor) publish(eventType interfaces.EventType, provider models.ProviderType) {
	if hm.eventService == nil {
		return
	}
	_ = hm.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: provider,
	})
}
