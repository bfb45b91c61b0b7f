package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/resilience"
	"google.golang.org/genai"
)

// GeminiBackend implements the AIBackend interface using the Google
// Gemini API.
type GeminiBackend struct {
	config  *common.GeminiConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

// convertMessagesToGemini converts payload messages to Gemini Content
// format. The first system message becomes the system instruction.
func convertMessagesToGemini(messages []models.Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	contents := make([]*genai.Content, 0, len(messages))
	var systemText string

	for _, msg := range messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}

		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("at least one non-system message is required")
	}

	return contents, systemText, nil
}

// NewGeminiBackend creates a Gemini backend from configuration.
func NewGeminiBackend(config *common.GeminiConfig, logger arbor.ILogger) (*GeminiBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Google API key is required (set GEMINI_API_KEY or gemini.api_key in config)")
	}

	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "gemini-embedding-001"
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", config.Timeout, err)
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	backend := &GeminiBackend{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Debug().
		Str("chat_model", config.Model).
		Str("embed_model", config.EmbedModel).
		Dur("timeout", timeout).
		Msg("Gemini backend initialized")

	return backend, nil
}

// Provider returns the backend identity.
func (b *GeminiBackend) Provider() models.ProviderType {
	return models.ProviderGemini
}

// CreateChatCompletion generates a completion for a conversation.
func (b *GeminiBackend) CreateChatCompletion(ctx context.Context, req *interfaces.ChatRequest) (*interfaces.ChatResponse, error) {
	contents, config, model, err := b.buildRequest(req)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.Models.GenerateContent(timeoutCtx, model, contents, config)
	if err != nil {
		return nil, b.wrapError(err)
	}

	var text strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}

	if text.Len() == 0 {
		return nil, resilience.NewProviderError(models.ProviderGemini, 0,
			fmt.Errorf("no response generated from chat model"))
	}

	return &interfaces.ChatResponse{
		Text:     text.String(),
		Model:    model,
		Provider: models.ProviderGemini,
	}, nil
}

// CreateChatCompletionStream generates a completion delivered as a
// finite chunk sequence.
func (b *GeminiBackend) CreateChatCompletionStream(ctx context.Context, req *interfaces.ChatRequest) (<-chan interfaces.ChatChunk, error) {
	contents, config, model, err := b.buildRequest(req)
	if err != nil {
		return nil, err
	}

	out := make(chan interfaces.ChatChunk)

	go func() {
		defer close(out)

		timeoutCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		index := 0
		for resp, err := range b.client.Models.GenerateContentStream(timeoutCtx, model, contents, config) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("Gemini stream terminated with error")
				select {
				case out <- interfaces.ChatChunk{Err: b.wrapError(err), Index: index}:
				case <-timeoutCtx.Done():
				}
				return
			}

			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case out <- interfaces.ChatChunk{Text: part.Text, Index: index}:
						index++
					case <-timeoutCtx.Done():
						return
					}
				}
			}
		}

		select {
		case out <- interfaces.ChatChunk{Done: true, Index: index}:
		case <-timeoutCtx.Done():
		}
	}()

	return out, nil
}

// CreateEmbedding generates one vector per input element.
func (b *GeminiBackend) CreateEmbedding(ctx context.Context, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	if len(req.Input) == 0 {
		return nil, &resilience.ProviderError{
			Provider: models.ProviderGemini,
			Err:      errors.New("embedding input cannot be empty"),
		}
	}

	model := req.Model
	if model == "" {
		model = b.config.EmbedModel
	}

	contents := make([]*genai.Content, 0, len(req.Input))
	for _, text := range req.Input {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	result, err := b.client.Models.EmbedContent(timeoutCtx, model, contents, &genai.EmbedContentConfig{})
	if err != nil {
		return nil, b.wrapError(err)
	}

	if result == nil || len(result.Embeddings) == 0 {
		return nil, resilience.NewProviderError(models.ProviderGemini, 0,
			fmt.Errorf("no embeddings returned from API"))
	}

	embeddings := make([][]float32, 0, len(result.Embeddings))
	for _, e := range result.Embeddings {
		embeddings = append(embeddings, e.Values)
	}

	return &interfaces.EmbeddingResponse{
		Embeddings: embeddings,
		Model:      model,
		Provider:   models.ProviderGemini,
	}, nil
}

// HealthCheck exercises the chat model with a minimal probe.
func (b *GeminiBackend) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)}
	resp, err := b.client.Models.GenerateContent(probeCtx, b.config.Model, contents, nil)
	if err != nil {
		return fmt.Errorf("Gemini health probe failed: %w", b.wrapError(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return fmt.Errorf("Gemini health probe returned empty response")
	}
	return nil
}

// Close clears the client reference; genai requires no explicit close.
func (b *GeminiBackend) Close() error {
	b.logger.Debug().Msg("Closing Gemini backend")
	b.client = nil
	return nil
}

func (b *GeminiBackend) buildRequest(req *interfaces.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig, string, error) {
	contents, systemText, err := convertMessagesToGemini(req.Messages)
	if err != nil {
		return nil, nil, "", &resilience.ProviderError{
			Provider: models.ProviderGemini,
			Err:      err,
		}
	}

	model := req.Model
	if model == "" {
		model = b.config.Model
	}

	config := &genai.GenerateContentConfig{}
	if systemText != "" {
		config.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
	}

	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(*cfg.Temperature)
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(*cfg.TopP)
		}
		if cfg.MaxTokens > 0 {
			config.MaxOutputTokens = int32(cfg.MaxTokens)
		}
		if len(cfg.Stop) > 0 {
			config.StopSequences = cfg.Stop
		}
	} else if b.config.Temperature > 0 {
		config.Temperature = genai.Ptr(b.config.Temperature)
	}

	return contents, config, model, nil
}

// wrapError attributes and classifies an SDK error.
func (b *GeminiBackend) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return resilience.NewProviderError(models.ProviderGemini, apiErr.Code, err)
	}
	return resilience.NewProviderError(models.ProviderGemini, 0, err)
}
