package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mgerstgrasser/tacheles/internal/models"
)

// LangChain streams completions through langchaingo's OpenAI client.
type LangChain struct {
	llm llms.Model
}

func NewLangChain(baseURL, token, model string) (*LangChain, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	return &LangChain{llm: llm}, nil
}

func (l *LangChain) Stream(ctx context.Context, req Request, fn StreamFunc) error {
	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			return fn(ctx, string(chunk))
		}),
	}
	if req.MaxTokens > 0 {
		// Compatible servers expect max_tokens, not max_completion_tokens.
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens), openai.WithLegacyMaxTokensField())
	}

	if _, err := l.llm.GenerateContent(ctx, content, opts...); err != nil {
		return fmt.Errorf("failed to generate completion: %w", err)
	}
	return nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
