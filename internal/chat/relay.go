// Package chat runs a single chat turn: it authorizes the caller, relays the
// streamed completion as frames and stores the exchange once it completed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mgerstgrasser/tacheles/internal/apierror"
	"github.com/mgerstgrasser/tacheles/internal/db"
	"github.com/mgerstgrasser/tacheles/internal/llm"
	"github.com/mgerstgrasser/tacheles/internal/metrics"
	"github.com/mgerstgrasser/tacheles/internal/models"
)

const (
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultMaxTokens    = 2000
)

// ErrClientGone is returned when the caller stopped reading before the turn finished.
var ErrClientGone = errors.New("client disconnected")

// Store is the persistence the relay needs.
type Store interface {
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	FindMessagesByConversation(ctx context.Context, conversationID int64) ([]models.Message, error)
	AppendMessages(ctx context.Context, conversationID int64, msgs ...models.Message) ([]models.Message, error)
}

type Config struct {
	SystemPrompt string
	MaxTokens    int
}

type Relay struct {
	store    Store
	streamer llm.Streamer
	cfg      Config
	logger   *zap.Logger
}

func NewRelay(store Store, streamer llm.Streamer, cfg Config, logger *zap.Logger) *Relay {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Relay{store: store, streamer: streamer, cfg: cfg, logger: logger}
}

// Turn is an authorized chat turn that has not been streamed yet.
type Turn struct {
	ConversationID int64
	UserMessage    string
	request        llm.Request
}

// Begin looks up the conversation, checks that callerID owns it and composes
// the upstream request. Nothing is sent anywhere before Begin succeeds.
func (r *Relay) Begin(ctx context.Context, conversationID, callerID int64, content string) (*Turn, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apierror.NotFound("Conversation not found.")
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("failed to load conversation %d: %w", conversationID, err))
	}
	if !conv.OwnedBy(callerID) {
		return nil, apierror.Forbidden()
	}

	history, err := r.store.FindMessagesByConversation(ctx, conversationID)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("failed to load history of conversation %d: %w", conversationID, err))
	}

	return &Turn{
		ConversationID: conversationID,
		UserMessage:    content,
		request: llm.Request{
			Messages:  r.compose(history, content),
			MaxTokens: r.cfg.MaxTokens,
		},
	}, nil
}

func (r *Relay) compose(history []models.Message, content string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: models.RoleSystem, Content: r.cfg.SystemPrompt})
	for _, msg := range history {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return append(messages, llm.Message{Role: models.RoleUser, Content: content})
}

// Stream relays the completion for turn to w, writes the end frame and then
// stores the user and assistant messages in one transaction.
//
// Upstream failures come back as apierror upstream errors and a caller that
// stops reading yields ErrClientGone. In both cases nothing is stored.
func (r *Relay) Stream(ctx context.Context, turn *Turn, w FrameWriter) error {
	logger := r.logger.With(zap.Int64("conversation_id", turn.ConversationID))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments := make(chan string)
	done := make(chan error, 1)
	go func() {
		defer close(fragments)
		done <- r.streamer.Stream(streamCtx, turn.request, func(ctx context.Context, fragment string) error {
			if fragment == "" {
				return nil
			}
			select {
			case fragments <- fragment:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var (
		content  strings.Builder
		writeErr error
	)
	for fragment := range fragments {
		if writeErr != nil {
			continue
		}
		content.WriteString(fragment)
		if err := w.WriteFrame(ContentFrame(fragment)); err != nil {
			writeErr = err
			cancel()
			continue
		}
		metrics.ChatFragments.Inc()
		logger.Debug("relayed chunk", zap.String("chunk", fragment))
	}
	streamErr := <-done

	switch {
	case writeErr != nil:
		metrics.ChatTurns.WithLabelValues(metrics.OutcomeClientGone).Inc()
		logger.Info("client went away during chat turn", zap.Error(writeErr))
		return fmt.Errorf("%w: %v", ErrClientGone, writeErr)
	case ctx.Err() != nil:
		// Some clients end a cancelled stream without an error, so the
		// accumulated text may be truncated.
		metrics.ChatTurns.WithLabelValues(metrics.OutcomeClientGone).Inc()
		logger.Info("chat turn cancelled", zap.NamedError("stream_error", streamErr))
		return fmt.Errorf("%w: %v", ErrClientGone, ctx.Err())
	case streamErr != nil:
		metrics.ChatTurns.WithLabelValues(metrics.OutcomeUpstreamError).Inc()
		return apierror.Upstream(streamErr)
	}

	if err := w.WriteFrame(EndFrame()); err != nil {
		logger.Warn("failed to write end frame, storing turn anyway", zap.Error(err))
	}

	assistant := content.String()
	logger.Debug("assembled assistant message", zap.String("content", assistant))

	// The caller may already be gone. The turn completed, so it is stored regardless.
	_, err := r.store.AppendMessages(context.WithoutCancel(ctx), turn.ConversationID,
		models.Message{Role: models.RoleUser, Content: turn.UserMessage},
		models.Message{Role: models.RoleAssistant, Content: assistant},
	)
	if err != nil {
		metrics.PersistFailures.Inc()
		metrics.ChatTurns.WithLabelValues(metrics.OutcomePersistFailure).Inc()
		logger.Error("failed to persist completed chat turn, conversation history is missing this exchange",
			zap.Int("assistant_length", len(assistant)),
			zap.Error(err))
		return apierror.Internal(fmt.Errorf("failed to persist chat turn: %w", err))
	}

	metrics.ChatTurns.WithLabelValues(metrics.OutcomeCompleted).Inc()
	return nil
}
