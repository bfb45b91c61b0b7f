package models

import "fmt"

// ProviderType identifies one AI backend. It is the key for circuit
// breakers, health tracking, and routing chains.
type ProviderType string

const (
	// ProviderClaude uses the Anthropic Claude API
	ProviderClaude ProviderType = "claude"
	// ProviderGemini uses the Google Gemini API
	ProviderGemini ProviderType = "gemini"
)

// AllProviders lists every known backend in registration order.
var AllProviders = []ProviderType{ProviderClaude, ProviderGemini}

// ParseProviderType validates a provider name from a job payload.
func ParseProviderType(s string) (ProviderType, error) {
	switch ProviderType(s) {
	case ProviderClaude:
		return ProviderClaude, nil
	case ProviderGemini:
		return ProviderGemini, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", s)
	}
}

func (p ProviderType) String() string {
	return string(p)
}
