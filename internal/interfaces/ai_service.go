package interfaces

import (
	"context"

	"github.com/ternarybob/relay/internal/models"
)

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Model    string
	Messages []models.Message
	Config   *models.GenerationConfig
	Metadata map[string]interface{}
}

// ChatResponse is a provider-agnostic chat completion response.
type ChatResponse struct {
	Text         string
	Model        string
	Provider     models.ProviderType
	InputTokens  int64
	OutputTokens int64
}

// ChatChunk is one element of a streaming completion. The sequence is
// finite and not restartable: a successful stream ends with a chunk
// whose Done is true, a failed one with a chunk carrying Err.
type ChatChunk struct {
	Text  string
	Done  bool
	Index int
	Err   error
}

// EmbeddingRequest is a provider-agnostic embedding request.
type EmbeddingRequest struct {
	Model string
	Input []string
}

// EmbeddingResponse carries one vector per input element.
type EmbeddingResponse struct {
	Embeddings [][]float32
	Model      string
	Provider   models.ProviderType
}

// AIBackend defines the operations every interchangeable AI backend
// must support. Implementations wrap one concrete provider SDK.
type AIBackend interface {
	// Provider returns the backend identity used for routing and
	// breaker/health attribution.
	Provider() models.ProviderType

	// CreateChatCompletion generates a completion for a conversation.
	CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// CreateChatCompletionStream generates a completion delivered as a
	// finite sequence of chunks on the returned channel. The channel is
	// closed after the terminal chunk: Done true on success, Err set
	// when the stream fails partway.
	CreateChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error)

	// CreateEmbedding generates embedding vectors for the given input.
	CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}
