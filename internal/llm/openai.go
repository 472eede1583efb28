package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAI streams completions through the go-openai client.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(baseURL, token, model string) *OpenAI {
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAI) Stream(ctx context.Context, req Request, fn StreamFunc) error {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to start completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if err := fn(ctx, resp.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}
