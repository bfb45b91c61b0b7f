package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// Operation is one unit of provider work: a call taking a backend
// handle and returning a result or failing.
type Operation func(ctx context.Context, provider models.ProviderType) (interface{}, error)

// RequestSuccessEvent is the payload of a request-success event.
type RequestSuccessEvent struct {
	Chain         string              `json:"chain"`
	Provider      models.ProviderType `json:"provider"`
	AttemptNumber int                 `json:"attempt_number"` // 1-based backend index in the chain walk
	Retries       int                 `json:"retries"`        // intra-backend retries consumed
	Latency       time.Duration       `json:"latency"`
}

// RequestFailureEvent is the payload of a request-failure event.
type RequestFailureEvent struct {
	Chain        string              `json:"chain"`
	Provider     models.ProviderType `json:"provider"`
	Error        string              `json:"error"`
	BreakerOpen  bool                `json:"breaker_open"`
	WillFailover bool                `json:"will_failover"`
}

// RetryAttemptEvent is the payload of a retry-attempt event.
type RetryAttemptEvent struct {
	Chain    string              `json:"chain"`
	Provider models.ProviderType `json:"provider"`
	Attempt  int                 `json:"attempt"`
	Delay    time.Duration       `json:"delay"`
	Error    string              `json:"error"`
}

// FallbackManager walks a use case's provider chain, skipping backends
// whose breaker is open, retrying transient failures against the same
// backend under the chain's retry policy, and failing over to the next
// backend on exhaustion. It owns the circuit breaker and the health
// monitor, and records every outcome on both.
type FallbackManager struct {
	mu           sync.RWMutex
	chains       map[string]models.ProviderChain
	breaker      *CircuitBreaker
	monitor      *HealthMonitor
	eventService interfaces.EventService // may be nil for testing
	logger       arbor.ILogger
}

// NewFallbackManager wires the resilience layer together. Health
// transitions force-open or force-reset the matching breaker circuit
// independently of direct call outcomes.
func NewFallbackManager(breaker *CircuitBreaker, monitor *HealthMonitor, eventService interfaces.EventService, logger arbor.ILogger) *FallbackManager {
	fm := &FallbackManager{
		chains:       make(map[string]models.ProviderChain),
		breaker:      breaker,
		monitor:      monitor,
		eventService: eventService,
		logger:       logger,
	}

	fm.chains[models.DefaultChainName] = models.DefaultProviderChain()

	monitor.RegisterTransitionListener(func(provider models.ProviderType, healthy bool) {
		if healthy {
			fm.breaker.Reset(provider)
		} else {
			fm.breaker.ForceOpen(provider)
		}
	})

	return fm
}

// RegisterChain adds or replaces a named provider chain.
func (fm *FallbackManager) RegisterChain(chain models.ProviderChain) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.chains[chain.Name] = chain
}

// ChainFor resolves a use-case key, falling back to the default chain
// when the key is unknown.
func (fm *FallbackManager) ChainFor(useCase string) models.ProviderChain {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	if chain, ok := fm.chains[useCase]; ok {
		return chain
	}
	return fm.chains[models.DefaultChainName]
}

// Breaker exposes the owned circuit breaker for stats and operator use.
func (fm *FallbackManager) Breaker() *CircuitBreaker {
	return fm.breaker
}

// Monitor exposes the owned health monitor for stats and operator use.
func (fm *FallbackManager) Monitor() *HealthMonitor {
	return fm.monitor
}

// Execute runs the operation against the chain selected by useCase.
// The first backend success wins; no further backends are tried.
func (fm *FallbackManager) Execute(ctx context.Context, useCase string, op Operation) (interface{}, error) {
	return fm.ExecuteChain(ctx, fm.ChainFor(useCase), op)
}

// ExecuteChain runs the operation against an explicit chain. Callers
// that reorder providers, such as a preferred-backend request, build
// the chain themselves and come through here.
func (fm *FallbackManager) ExecuteChain(ctx context.Context, chain models.ProviderChain, op Operation) (interface{}, error) {
	if len(chain.Providers) == 0 {
		return nil, ErrEmptyChain
	}

	failures := make(map[models.ProviderType]error, len(chain.Providers))
	attemptNumber := 0

	for i, provider := range chain.Providers {
		lastBackend := i == len(chain.Providers)-1

		if !fm.breaker.CanProceed(provider) {
			fm.logger.Debug().
				Str("provider", provider.String()).
				Str("chain", chain.Name).
				Msg("Skipping provider with open circuit breaker")

			failures[provider] = ErrBreakerOpen
			fm.publishFailure(RequestFailureEvent{
				Chain:        chain.Name,
				Provider:     provider,
				Error:        ErrBreakerOpen.Error(),
				BreakerOpen:  true,
				WillFailover: !lastBackend,
			})
			continue
		}

		attemptNumber++

		result, retries, latency, err := fm.attempt(ctx, chain, provider, op)
		if err == nil {
			fm.breaker.RecordSuccess(provider)
			fm.monitor.RecordSuccess(provider, latency)
			fm.publishSuccess(RequestSuccessEvent{
				Chain:         chain.Name,
				Provider:      provider,
				AttemptNumber: attemptNumber,
				Retries:       retries,
				Latency:       latency,
			})
			return result, nil
		}

		fm.breaker.RecordFailure(provider)
		fm.monitor.RecordFailure(provider, latency)
		failures[provider] = err

		retryable := IsRetryable(err)
		willFailover := !lastBackend && (retryable || chain.FailoverOnNonRetryable)

		fm.publishFailure(RequestFailureEvent{
			Chain:        chain.Name,
			Provider:     provider,
			Error:        err.Error(),
			WillFailover: willFailover,
		})

		fm.logger.Warn().
			Err(err).
			Str("provider", provider.String()).
			Str("chain", chain.Name).
			Bool("will_failover", willFailover).
			Msg("Provider exhausted")

		if !retryable && !chain.FailoverOnNonRetryable {
			// Non-retryable error propagates immediately, aborting
			// the chain walk.
			return nil, err
		}
	}

	return nil, &AllProvidersFailedError{Chain: chain.Name, Errors: failures}
}

// attempt runs the operation against one backend under the chain's
// retry policy. It returns the result, the retries consumed, and the
// latency of the final try.
func (fm *FallbackManager) attempt(ctx context.Context, chain models.ProviderChain, provider models.ProviderType, op Operation) (interface{}, int, time.Duration, error) {
	var lastErr error
	var latency time.Duration

	try := 0
	for ; try <= chain.Retry.MaxRetries; try++ {
		start := time.Now()
		result, err := op(ctx, provider)
		latency = time.Since(start)

		if err == nil {
			return result, try, latency, nil
		}
		lastErr = err

		if !IsRetryable(err) || try == chain.Retry.MaxRetries {
			break
		}

		delay := chain.Retry.NextBackoff(try)
		fm.publishRetry(RetryAttemptEvent{
			Chain:    chain.Name,
			Provider: provider,
			Attempt:  try + 1,
			Delay:    delay,
			Error:    err.Error(),
		})

		fm.logger.Debug().
			Err(err).
			Str("provider", provider.String()).
			Int("attempt", try+1).
			Dur("delay", delay).
			Msg("Retrying provider after transient failure")

		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, try, latency, fmt.Errorf("retry wait aborted: %w", err)
		}
	}

	return nil, try, latency, lastErr
}

// sleepWithContext waits for the duration or until the context ends.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (fm *FallbackManager) publishSuccess(payload RequestSuccessEvent) {
	fm.publish(interfaces.EventRequestSuccess, payload)
}

func (fm *FallbackManager) publishFailure(payload RequestFailureEvent) {
	fm.publish(interfaces.EventRequestFailure, payload)
}

func (fm *FallbackManager) publishRetry(payload RetryAttemptEvent) {
	fm.publish(interfaces.EventRetryAttempt, payload)
}

func (fm *FallbackManager) publish(eventType interfaces.EventType, payload interface{}) {
	if fm.eventService == nil {
		return
	}
	_ = fm.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
