package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// BreakerState names the three states of the failure-gate machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"    // normal operation
	BreakerOpen     BreakerState = "open"      // failing fast
	BreakerHalfOpen BreakerState = "half_open" // probing after cooldown
)

// CircuitBreakerConfig holds breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes required to close
	CooldownPeriod   time.Duration // how long to stay open before half-open
}

// DefaultCircuitBreakerConfig returns the default thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CooldownPeriod:   30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of one backend's breaker.
type BreakerSnapshot struct {
	Provider        models.ProviderType `json:"provider"`
	State           BreakerState        `json:"state"`
	FailureCount    int                 `json:"failure_count"`
	SuccessCount    int                 `json:"success_count"`
	LastFailureTime *time.Time          `json:"last_failure_time,omitempty"`
	NextRetryTime   *time.Time          `json:"next_retry_time,omitempty"`
}

type circuit struct {
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextRetryTime   time.Time
}

// CircuitBreaker tracks per-backend failure state. Every recorded
// outcome is attributed to exactly one backend's circuit; circuits are
// created lazily in the closed state.
type CircuitBreaker struct {
	mu           sync.Mutex
	config       CircuitBreakerConfig
	circuits     map[models.ProviderType]*circuit
	eventService interfaces.EventService // may be nil for testing
	logger       arbor.ILogger
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(config CircuitBreakerConfig, eventService interfaces.EventService, logger arbor.ILogger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = 30 * time.Second
	}

	return &CircuitBreaker{
		config:       config,
		circuits:     make(map[models.ProviderType]*circuit),
		eventService: eventService,
		logger:       logger,
	}
}

func (cb *CircuitBreaker) circuitFor(provider models.ProviderType) *circuit {
	c, ok := cb.circuits[provider]
	if !ok {
		c = &circuit{state: BreakerClosed}
		cb.circuits[provider] = c
	}
	return c
}

// CanProceed reports whether a call to the backend is permitted.
// An open circuit whose cooldown has elapsed transitions to half_open
// as a side effect and permits one probe.
func (cb *CircuitBreaker) CanProceed(provider models.ProviderType) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(provider)

	switch c.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Now().Before(c.nextRetryTime) {
			return false
		}
		c.state = BreakerHalfOpen
		c.failureCount = 0
		c.successCount = 0
		cb.logger.Debug().
			Str("provider", provider.String()).
			Msg("Circuit breaker entering half-open state")
		return true
	case BreakerHalfOpen:
		return true
	}
	return true
}

// RecordSuccess resets the failure count. In half_open it accumulates
// successes and closes the circuit once the success threshold is met.
func (cb *CircuitBreaker) RecordSuccess(provider models.ProviderType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(provider)
	c.failureCount = 0

	if c.state == BreakerHalfOpen {
		c.successCount++
		if c.successCount >= cb.config.SuccessThreshold {
			c.state = BreakerClosed
			c.successCount = 0
			cb.logger.Info().
				Str("provider", provider.String()).
				Msg("Circuit breaker closed after successful probes")
			cb.publish(interfaces.EventCircuitBreakerReset, provider)
		}
	}
}

// RecordFailure counts a failure. Any failure in half_open reopens
// immediately; in closed the circuit opens once the failure threshold
// is reached.
func (cb *CircuitBreaker) RecordFailure(provider models.ProviderType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(provider)
	now := time.Now()
	c.lastFailureTime = now

	switch c.state {
	case BreakerHalfOpen:
		cb.open(provider, c, now)
	case BreakerClosed:
		c.failureCount++
		if c.failureCount >= cb.config.FailureThreshold {
			cb.open(provider, c, now)
		}
	}
}

// open transitions a circuit to open. Caller holds the lock.
func (cb *CircuitBreaker) open(provider models.ProviderType, c *circuit, now time.Time) {
	c.state = BreakerOpen
	c.successCount = 0
	c.nextRetryTime = now.Add(cb.config.CooldownPeriod)

	cb.logger.Warn().
		Str("provider", provider.String()).
		Int("failure_count", c.failureCount).
		Str("next_retry", c.nextRetryTime.Format(time.RFC3339)).
		Msg("Circuit breaker opened")

	cb.publish(interfaces.EventCircuitBreakerOpen, provider)
}

// ForceOpen opens a circuit immediately, bypassing thresholds. Used by
// the health monitor when a backend crosses its unhealthy threshold.
func (cb *CircuitBreaker) ForceOpen(provider models.ProviderType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(provider)
	if c.state == BreakerOpen {
		return
	}
	cb.open(provider, c, time.Now())
}

// Reset force-closes a circuit and zeroes all counters. Used for
// manual operator recovery and health-driven recovery.
func (cb *CircuitBreaker) Reset(provider models.ProviderType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(provider)
	c.state = BreakerClosed
	c.failureCount = 0
	c.successCount = 0
	c.lastFailureTime = time.Time{}
	c.nextRetryTime = time.Time{}

	cb.logger.Info().
		Str("provider", provider.String()).
		Msg("Circuit breaker reset")

	cb.publish(interfaces.EventCircuitBreakerReset, provider)
}

// State returns a snapshot of one backend's circuit.
func (cb *CircuitBreaker) State(provider models.ProviderType) BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(provider)
	snap := BreakerSnapshot{
		Provider:     provider,
		State:        c.state,
		FailureCount: c.failureCount,
		SuccessCount: c.successCount,
	}
	if !c.lastFailureTime.IsZero() {
		t := c.lastFailureTime
		snap.LastFailureTime = &t
	}
	if !c.nextRetryTime.IsZero() {
		t := c.nextRetryTime
		snap.NextRetryTime = &t
	}
	return snap
}

// States returns snapshots for every circuit seen so far.
func (cb *CircuitBreaker) States() map[models.ProviderType]BreakerSnapshot {
	cb.mu.Lock()
	providers := make([]models.ProviderType, 0, len(cb.circuits))
	for provider := range cb.circuits {
		providers = append(providers, provider)
	}
	cb.mu.Unlock()

	states := make(map[models.ProviderType]BreakerSnapshot, len(providers))
	for _, provider := range providers {
		states[provider] = cb.State(provider)
	}
	return states
}

func (cb *CircuitBreaker) publish(eventType interfaces.EventType, provider models.ProviderType) {
	if cb.eventService == nil {
		return
	}
	// Publish is async; safe to call while holding the lock.
	_ = cb.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: provider,
	})
}
