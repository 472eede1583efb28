package llm

import (
	"context"
	"fmt"
)

// Supported completion backends.
const (
	ProviderLangChain = "langchaingo"
	ProviderOpenAI    = "openai"
)

// Message is a single chat turn sent upstream.
type Message struct {
	Role    string
	Content string
}

// Request is one streamed chat completion call.
type Request struct {
	Messages  []Message
	MaxTokens int
}

// StreamFunc receives content fragments in the order the upstream produced
// them. Returning an error aborts the stream.
type StreamFunc func(ctx context.Context, fragment string) error

// Streamer runs a chat completion against an OpenAI-compatible endpoint and
// delivers the reply incrementally. Implementations are safe for concurrent use.
type Streamer interface {
	Stream(ctx context.Context, req Request, fn StreamFunc) error
}

type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// New builds the Streamer selected by cfg.Provider.
func New(cfg Config) (Streamer, error) {
	switch cfg.Provider {
	case "", ProviderLangChain:
		return NewLangChain(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case ProviderOpenAI:
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
