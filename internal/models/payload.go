package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// PayloadType classifies the inference operation a job performs.
type PayloadType string

const (
	PayloadChatCompletion      PayloadType = "chat_completion"
	PayloadStreamingCompletion PayloadType = "streaming_completion"
	PayloadEmbedding           PayloadType = "embedding"
	PayloadBatchCompletion     PayloadType = "batch_completion"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// GenerationConfig holds provider-agnostic sampling parameters.
type GenerationConfig struct {
	Temperature    *float32    `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP           *float32    `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxTokens      int         `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Stop           []string    `json:"stop,omitempty"`
	ResponseFormat string      `json:"response_format,omitempty"`
	Extra          interface{} `json:"extra,omitempty"`
}

// JobPayload is the validated body of an inference job. Shape errors
// are rejected synchronously at submission; no job is created.
type JobPayload struct {
	Type     PayloadType            `json:"type" validate:"required,oneof=chat_completion streaming_completion embedding batch_completion"`
	Provider string                 `json:"provider" validate:"required"`
	Model    string                 `json:"model" validate:"required"`
	Messages []Message              `json:"messages,omitempty" validate:"omitempty,min=1,dive"`
	Input    InputText              `json:"input,omitempty"`
	Config   *GenerationConfig      `json:"config,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
}

// InputText accepts either a single string or a list of strings,
// normalized to a slice.
type InputText []string

func (in *InputText) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*in = InputText{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or list of strings")
	}
	*in = InputText(many)

	return nil
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural and semantic payload constraints.
func (p *JobPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("payload is required")
	}

	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if _, err := ParseProviderType(p.Provider); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	switch p.Type {
	case PayloadChatCompletion, PayloadStreamingCompletion, PayloadBatchCompletion:
		if len(p.Messages) == 0 {
			return fmt.Errorf("invalid payload: messages are required for %s", p.Type)
		}
	case PayloadEmbedding:
		if len(p.Input) == 0 {
			return fmt.Errorf("invalid payload: input is required for %s", p.Type)
		}
		for i, text := range p.Input {
			if text == "" {
				return fmt.Errorf("invalid payload: input[%d] is empty", i)
			}
		}
	}

	return nil
}

// ProviderType returns the parsed backend identity. Valid only after
// Validate has succeeded.
func (p *JobPayload) ProviderType() ProviderType {
	pt, _ := ParseProviderType(p.Provider)
	return pt
}
