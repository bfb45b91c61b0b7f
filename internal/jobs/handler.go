package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/providers"
	"github.com/ternarybob/relay/internal/resilience"
)

// InferenceHandler executes inference jobs by routing their payloads
// through the fallback manager and the provider registry. It is the
// single JobHandler the worker pool runs.
type InferenceHandler struct {
	registry *providers.Registry
	fallback *resilience.FallbackManager
	logger   arbor.ILogger
}

// NewInferenceHandler creates the handler shared by all workers.
func NewInferenceHandler(registry *providers.Registry, fallback *resilience.FallbackManager, logger arbor.ILogger) *InferenceHandler {
	return &InferenceHandler{
		registry: registry,
		fallback: fallback,
		logger:   logger,
	}
}

// Handle runs one job. The provider the operation actually lands on is
// decided by the chain walk, not the payload, though the payload's
// preferred provider is moved to the front of its chain.
func (h *InferenceHandler) Handle(ctx context.Context, job *models.Job) (interface{}, error) {
	if job.Payload == nil {
		return nil, fmt.Errorf("job %s has no payload", job.ID)
	}

	jobLogger := h.logger.WithCorrelationId(job.ID)
	jobLogger.Debug().
		Str("type", string(job.Type)).
		Str("provider", job.Payload.Provider).
		Str("model", job.Payload.Model).
		Msg("Executing inference job")

	chain := h.chainFor(job.Payload)

	switch job.Type {
	case models.PayloadChatCompletion, models.PayloadBatchCompletion:
		return h.chat(ctx, chain, job.Payload)
	case models.PayloadStreamingCompletion:
		return h.streamingChat(ctx, chain, job.Payload)
	case models.PayloadEmbedding:
		return h.embedding(ctx, chain, job.Payload)
	default:
		return nil, fmt.Errorf("unsupported payload type: %s", job.Type)
	}
}

// chainFor resolves the chain for the payload type and promotes the
// payload's preferred provider to the front when it participates.
func (h *InferenceHandler) chainFor(payload *models.JobPayload) models.ProviderChain {
	chain := h.fallback.ChainFor(string(payload.Type))

	preferred := payload.ProviderType()
	for i, provider := range chain.Providers {
		if provider == preferred && i > 0 {
			reordered := make([]models.ProviderType, 0, len(chain.Providers))
			reordered = append(reordered, preferred)
			reordered = append(reordered, chain.Providers[:i]...)
			reordered = append(reordered, chain.Providers[i+1:]...)
			chain.Providers = reordered
			break
		}
	}
	return chain
}

func (h *InferenceHandler) chat(ctx context.Context, chain models.ProviderChain, payload *models.JobPayload) (interface{}, error) {
	req := &interfaces.ChatRequest{
		Model:    payload.Model,
		Messages: payload.Messages,
		Config:   payload.Config,
		Metadata: payload.Metadata,
	}

	return h.fallback.ExecuteChain(ctx, chain, func(ctx context.Context, provider models.ProviderType) (interface{}, error) {
		return h.registry.ChatCompletion(ctx, provider, req)
	})
}

// streamingChat drains the chunk stream inside the worker so the job
// result is the assembled completion. Retry and failover operate on
// the whole stream; a stream that dies midway is retried from scratch.
func (h *InferenceHandler) streamingChat(ctx context.Context, chain models.ProviderChain, payload *models.JobPayload) (interface{}, error) {
	req := &interfaces.ChatRequest{
		Model:    payload.Model,
		Messages: payload.Messages,
		Config:   payload.Config,
		Metadata: payload.Metadata,
	}

	return h.fallback.ExecuteChain(ctx, chain, func(ctx context.Context, provider models.ProviderType) (interface{}, error) {
		stream, err := h.registry.ChatCompletionStream(ctx, provider, req)
		if err != nil {
			return nil, err
		}

		var sb strings.Builder
		chunks := 0
		completed := false
		for chunk := range stream {
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			sb.WriteString(chunk.Text)
			if chunk.Done {
				completed = true
			} else {
				chunks++
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// A channel that closes without the terminal Done chunk means
		// the stream was cut off. The partial text is worthless, so the
		// failure is transient and the whole stream is retried.
		if !completed {
			return nil, &resilience.ProviderError{
				Provider:  provider,
				Retryable: true,
				Err:       fmt.Errorf("stream ended after %d chunks without completing", chunks),
			}
		}

		h.logger.Debug().
			Str("provider", provider.String()).
			Int("chunks", chunks).
			Msg("Stream drained")

		return &interfaces.ChatResponse{
			Text:     sb.String(),
			Model:    payload.Model,
			Provider: provider,
		}, nil
	})
}

func (h *InferenceHandler) embedding(ctx context.Context, chain models.ProviderChain, payload *models.JobPayload) (interface{}, error) {
	req := &interfaces.EmbeddingRequest{
		Model: payload.Model,
		Input: []string(payload.Input),
	}

	return h.fallback.ExecuteChain(ctx, chain, func(ctx context.Context, provider models.ProviderType) (interface{}, error) {
		return h.registry.Embedding(ctx, provider, req)
	})
}
