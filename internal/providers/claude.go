package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/resilience"
)

// ClaudeBackend implements the AIBackend interface using the Anthropic
// Claude API.
type ClaudeBackend struct {
	config  *common.ClaudeConfig
	logger  arbor.ILogger
	client  anthropic.Client
	timeout time.Duration
}

// convertMessagesToClaude converts payload messages to Claude
// MessageParam format. System messages are extracted separately for
// use with the System parameter.
func convertMessagesToClaude(messages []models.Message) ([]anthropic.MessageParam, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	claudeMessages := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string

	for _, msg := range messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		switch msg.Role {
		case "assistant":
			claudeMessages = append(claudeMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			claudeMessages = append(claudeMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	if len(claudeMessages) == 0 {
		return nil, "", fmt.Errorf("at least one non-system message is required")
	}

	return claudeMessages, systemText, nil
}

// NewClaudeBackend creates a Claude backend from configuration.
func NewClaudeBackend(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or claude.api_key in config)")
	}

	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", config.Timeout, err)
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	backend := &ClaudeBackend{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Msg("Claude backend initialized")

	return backend, nil
}

// Provider returns the backend identity.
func (b *ClaudeBackend) Provider() models.ProviderType {
	return models.ProviderClaude
}

// CreateChatCompletion generates a completion for a conversation.
func (b *ClaudeBackend) CreateChatCompletion(ctx context.Context, req *interfaces.ChatRequest) (*interfaces.ChatResponse, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.Messages.New(timeoutCtx, params)
	if err != nil {
		return nil, b.wrapError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if text.Len() == 0 {
		return nil, resilience.NewProviderError(models.ProviderClaude, 0,
			fmt.Errorf("no response generated from Claude API"))
	}

	return &interfaces.ChatResponse{
		Text:         text.String(),
		Model:        string(resp.Model),
		Provider:     models.ProviderClaude,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// CreateChatCompletionStream generates a completion delivered as a
// finite chunk sequence.
func (b *ClaudeBackend) CreateChatCompletionStream(ctx context.Context, req *interfaces.ChatRequest) (<-chan interfaces.ChatChunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan interfaces.ChatChunk)

	go func() {
		defer close(out)

		timeoutCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		stream := b.client.Messages.NewStreaming(timeoutCtx, params)
		index := 0

		for stream.Next() {
			event := stream.Current()
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					select {
					case out <- interfaces.ChatChunk{Text: deltaVariant.Text, Index: index}:
						index++
					case <-timeoutCtx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			b.logger.Warn().Err(err).Msg("Claude stream terminated with error")
			select {
			case out <- interfaces.ChatChunk{Err: b.wrapError(err), Index: index}:
			case <-timeoutCtx.Done():
			}
			return
		}

		select {
		case out <- interfaces.ChatChunk{Done: true, Index: index}:
		case <-timeoutCtx.Done():
		}
	}()

	return out, nil
}

// CreateEmbedding is not supported by the Anthropic API. The error is
// permanent so chains fail over without burning retry budget.
func (b *ClaudeBackend) CreateEmbedding(ctx context.Context, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	return nil, &resilience.ProviderError{
		Provider:  models.ProviderClaude,
		Retryable: false,
		Err:       errors.New("embeddings are not supported by the Anthropic API"),
	}
}

// HealthCheck lists models as a lightweight liveness probe.
func (b *ClaudeBackend) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := b.client.Models.List(probeCtx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("Claude health probe failed: %w", b.wrapError(err))
	}
	return nil
}

// Close releases resources. The Claude client needs no explicit cleanup.
func (b *ClaudeBackend) Close() error {
	b.logger.Debug().Msg("Closing Claude backend")
	return nil
}

func (b *ClaudeBackend) buildParams(req *interfaces.ChatRequest) (anthropic.MessageNewParams, error) {
	claudeMessages, systemText, err := convertMessagesToClaude(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, &resilience.ProviderError{
			Provider: models.ProviderClaude,
			Err:      err,
		}
	}

	model := req.Model
	if model == "" {
		model = b.config.Model
	}

	maxTokens := b.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}

	if systemText != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemText},
		}
	}

	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			params.Temperature = anthropic.Float(float64(*cfg.Temperature))
		}
		if cfg.TopP != nil {
			params.TopP = anthropic.Float(float64(*cfg.TopP))
		}
		if cfg.MaxTokens > 0 {
			params.MaxTokens = int64(cfg.MaxTokens)
		}
		if len(cfg.Stop) > 0 {
			params.StopSequences = cfg.Stop
		}
	}

	return params, nil
}

// wrapError attributes and classifies an SDK error.
func (b *ClaudeBackend) wrapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return resilience.NewProviderError(models.ProviderClaude, apierr.StatusCode, err)
	}
	return resilience.NewProviderError(models.ProviderClaude, 0, err)
}
