package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
)

// subscription pairs a handler with its identity key so Unsubscribe can
// find it again. Go functions are not comparable, so the key is the
// function pointer captured at Subscribe time.
type subscription struct {
	key uintptr
	fn  interfaces.EventHandler
}

// Service is an in-process pub/sub bus. Job lifecycle, resilience, and
// worker pool components publish through it; delivery is per event type.
type Service struct {
	mu       sync.RWMutex
	registry map[interfaces.EventType][]subscription
	logger   arbor.ILogger
}

// NewService creates the event bus.
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		registry: make(map[interfaces.EventType][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	sub := subscription{key: reflect.ValueOf(handler).Pointer(), fn: handler}

	s.mu.Lock()
	s.registry[eventType] = append(s.registry[eventType], sub)
	count := len(s.registry[eventType])
	s.mu.Unlock()

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")
	return nil
}

// Unsubscribe removes a previously subscribed handler. Fails if the
// handler was never registered for the event type.
func (s *Service) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	key := reflect.ValueOf(handler).Pointer()

	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.registry[eventType]
	for i, sub := range subs {
		if sub.key == key {
			s.registry[eventType] = append(subs[:i], subs[i+1:]...)
			s.logger.Debug().
				Str("event_type", string(eventType)).
				Msg("Event handler unsubscribed")
			return nil
		}
	}
	return fmt.Errorf("handler not found for event type: %s", eventType)
}

// Publish delivers the event to every subscriber on its own goroutine and
// returns immediately. Handler errors are logged, not returned.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	subs := s.snapshot(event.Type)
	if len(subs) == 0 {
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(subs)).
		Msg("Publishing event")

	for _, sub := range subs {
		fn := sub.fn
		common.SafeGo(s.logger, "eventHandler:"+string(event.Type), func() {
			s.invoke(ctx, event, fn)
		})
	}
	return nil
}

// PublishSync delivers the event to every subscriber concurrently and
// blocks until all handlers return. Handler errors are joined into the
// returned error.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	subs := s.snapshot(event.Type)
	if len(subs) == 0 {
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(subs)).
		Msg("Publishing event synchronously")

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(fn interfaces.EventHandler) {
			defer wg.Done()
			if err := s.invoke(ctx, event, fn); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(sub.fn)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Close drops every subscription. Later publishes become no-ops.
func (s *Service) Close() error {
	s.mu.Lock()
	s.registry = make(map[interfaces.EventType][]subscription)
	s.mu.Unlock()

	s.logger.Info().Msg("Event service closed")
	return nil
}

// snapshot copies the subscriber list for a type so delivery runs without
// holding the registry lock.
func (s *Service) snapshot(eventType interfaces.EventType) []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.registry[eventType]
	if len(subs) == 0 {
		return nil
	}
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

func (s *Service) invoke(ctx context.Context, event interfaces.Event, fn interfaces.EventHandler) error {
	err := fn(ctx, event)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Msg("Event handler failed")
	}
	return err
}
