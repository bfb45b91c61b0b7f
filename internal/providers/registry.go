package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"golang.org/x/time/rate"
)

// Registry holds the registered AI backends and applies a per-backend
// request rate limit in front of every call.
type Registry struct {
	mu       sync.RWMutex
	backends map[models.ProviderType]interfaces.AIBackend
	limiters map[models.ProviderType]*rate.Limiter
	logger   arbor.ILogger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		backends: make(map[models.ProviderType]interfaces.AIBackend),
		limiters: make(map[models.ProviderType]*rate.Limiter),
		logger:   logger,
	}
}

// Register adds a backend with a requests-per-second ceiling.
// A non-positive rps disables limiting for that backend.
func (r *Registry) Register(backend interfaces.AIBackend, rps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider := backend.Provider()
	r.backends[provider] = backend

	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		r.limiters[provider] = rate.NewLimiter(rate.Limit(rps), burst)
	}

	r.logger.Info().
		Str("provider", provider.String()).
		Float64("rps", rps).
		Msg("AI backend registered")
}

// Backend returns the registered backend for a provider.
func (r *Registry) Backend(provider models.ProviderType) (interfaces.AIBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, ok := r.backends[provider]
	if !ok {
		return nil, fmt.Errorf("no backend registered for provider: %s", provider)
	}
	return backend, nil
}

// Providers lists the registered backend identities.
func (r *Registry) Providers() []models.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]models.ProviderType, 0, len(r.backends))
	for provider := range r.backends {
		providers = append(providers, provider)
	}
	return providers
}

// wait blocks until the provider's rate limit admits one request.
func (r *Registry) wait(ctx context.Context, provider models.ProviderType) error {
	r.mu.RLock()
	limiter := r.limiters[provider]
	r.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted for %s: %w", provider, err)
	}
	return nil
}

// ChatCompletion routes a chat request to a backend under its rate limit.
func (r *Registry) ChatCompletion(ctx context.Context, provider models.ProviderType, req *interfaces.ChatRequest) (*interfaces.ChatResponse, error) {
	backend, err := r.Backend(provider)
	if err != nil {
		return nil, err
	}
	if err := r.wait(ctx, provider); err != nil {
		return nil, err
	}
	return backend.CreateChatCompletion(ctx, req)
}

// ChatCompletionStream routes a streaming request under the rate limit.
func (r *Registry) ChatCompletionStream(ctx context.Context, provider models.ProviderType, req *interfaces.ChatRequest) (<-chan interfaces.ChatChunk, error) {
	backend, err := r.Backend(provider)
	if err != nil {
		return nil, err
	}
	if err := r.wait(ctx, provider); err != nil {
		return nil, err
	}
	return backend.CreateChatCompletionStream(ctx, req)
}

// Embedding routes an embedding request under the rate limit.
func (r *Registry) Embedding(ctx context.Context, provider models.ProviderType, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	backend, err := r.Backend(provider)
	if err != nil {
		return nil, err
	}
	if err := r.wait(ctx, provider); err != nil {
		return nil, err
	}
	return backend.CreateEmbedding(ctx, req)
}

// HealthCheck probes one backend directly, bypassing the rate limit.
func (r *Registry) HealthCheck(ctx context.Context, provider models.ProviderType) error {
	backend, err := r.Backend(provider)
	if err != nil {
		return err
	}
	return backend.HealthCheck(ctx)
}

// Close closes every registered backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for provider, backend := range r.backends {
		if err := backend.Close(); err != nil {
			r.logger.Warn().Err(err).Str("provider", provider.String()).Msg("Failed to close backend")
		}
	}
	return nil
}
