package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

// Job lifecycle events emitted by the queue adapter.
const (
	EventJobSubmitted  EventType = "job:submitted"
	EventJobProcessing EventType = "job:processing"
	EventJobCompleted  EventType = "job:completed"
	EventJobFailed     EventType = "job:failed"
	EventJobRetried    EventType = "job:retried"
	EventJobDeadLetter EventType = "job:dead-letter"
	EventJobCancelled  EventType = "job:cancelled"
)

// Resilience events emitted by the breaker, health monitor, and
// fallback executor.
const (
	EventCircuitBreakerOpen  EventType = "circuit-breaker-open"
	EventCircuitBreakerReset EventType = "circuit-breaker-reset"
	EventProviderUnhealthy   EventType = "provider-unhealthy"
	EventProviderRecovered   EventType = "provider-recovered"
	EventRequestSuccess      EventType = "request-success"
	EventRequestFailure      EventType = "request-failure"
	EventRetryAttempt        EventType = "retry-attempt"
)

// Worker pool events emitted by the pool manager.
const (
	EventWorkerPoolScaledUp        EventType = "worker-pool:scaled-up"
	EventWorkerPoolScaledDown      EventType = "worker-pool:scaled-down"
	EventWorkerPoolWorkerUnhealthy EventType = "worker-pool:worker-unhealthy"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
