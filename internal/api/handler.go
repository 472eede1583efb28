package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mgerstgrasser/tacheles/internal/apierror"
	"github.com/mgerstgrasser/tacheles/internal/chat"
	"github.com/mgerstgrasser/tacheles/internal/db"
	"github.com/mgerstgrasser/tacheles/internal/metrics"
	"github.com/mgerstgrasser/tacheles/internal/models"
	"github.com/mgerstgrasser/tacheles/internal/session"
)

const maxBodyBytes = 1 << 20

// Store is the persistence used by the endpoints.
type Store interface {
	chat.Store
	CreateUser(ctx context.Context) (*models.User, error)
	CreateConversation(ctx context.Context, userID int64) (*models.Conversation, error)
	ListConversationsByUser(ctx context.Context, userID int64) ([]models.Conversation, error)
}

type Handler struct {
	store    Store
	relay    *chat.Relay
	sessions *session.Manager
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(store Store, relay *chat.Relay, sessions *session.Manager, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		relay:    relay,
		sessions: sessions,
		validate: validator.New(),
		logger:   logger,
	}
}

type NewConversationRequest struct {
	UserID int64 `json:"id" validate:"required,gt=0"`
}

type ChatRequest struct {
	ConversationID int64  `json:"conversation_id" validate:"required,gt=0"`
	Role           string `json:"role" validate:"omitempty,eq=user"`
	Content        string `json:"content"`
}

func (h *Handler) Healthcheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, "OK")
}

func (h *Handler) NewUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.CreateUser(r.Context())
	if err != nil {
		apierror.Write(w, h.logger, apierror.Internal(err))
		return
	}
	if err := h.sessions.Establish(w, user.ID); err != nil {
		apierror.Write(w, h.logger, apierror.Internal(err))
		return
	}
	metrics.UsersCreated.Inc()

	h.logger.Debug("Created user", zap.Int64("user_id", user.ID))
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	var req NewConversationRequest
	if err := h.decode(w, r, &req); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	if !h.isCaller(r, req.UserID) {
		apierror.Write(w, h.logger, apierror.Forbidden())
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), req.UserID)
	if err != nil {
		apierror.Write(w, h.logger, apierror.Internal(err))
		return
	}
	metrics.ConversationsCreated.Inc()

	h.logger.Debug("Created conversation",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("user_id", conv.UserID))
	h.writeJSON(w, http.StatusOK, models.ConversationWithMessages{
		ID:       conv.ID,
		UserID:   conv.UserID,
		Messages: []models.Message{},
	})
}

// Chat streams the assistant's reply as newline-delimited JSON frames.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := h.decode(w, r, &req); err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	// Without a session the caller id is 0, which owns nothing.
	callerID, _ := h.caller(r)
	turn, err := h.relay.Begin(r.Context(), req.ConversationID, callerID, req.Content)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	out := newNDJSONWriter(w)
	err = h.relay.Stream(r.Context(), turn, out)
	switch {
	case err == nil:
	case !out.Started():
		apierror.Write(w, h.logger, err)
	case errors.Is(err, apierror.ErrUpstream):
		h.logger.Error("Completion stream failed after frames were sent",
			zap.Int64("conversation_id", req.ConversationID),
			zap.Error(err))
	}
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}
	if !h.isCaller(r, userID) {
		apierror.Write(w, h.logger, apierror.Forbidden())
		return
	}

	conversations, err := h.store.ListConversationsByUser(r.Context(), userID)
	if err != nil {
		apierror.Write(w, h.logger, apierror.Internal(err))
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.Int64("user_id", userID))
	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	convID, err := pathID(r)
	if err != nil {
		apierror.Write(w, h.logger, err)
		return
	}

	conv, err := h.store.GetConversation(r.Context(), convID)
	if errors.Is(err, db.ErrNotFound) {
		apierror.Write(w, h.logger, apierror.NotFound("Conversation not found."))
		return
	}
	if err != nil {
		apierror.Write(w, h.logger, apierror.Internal(err))
		return
	}
	if callerID, ok := h.caller(r); !ok || !conv.OwnedBy(callerID) {
		apierror.Write(w, h.logger, apierror.Forbidden())
		return
	}

	messages, err := h.store.FindMessagesByConversation(r.Context(), convID)
	if err != nil {
		apierror.Write(w, h.logger, apierror.Internal(err))
		return
	}
	h.writeJSON(w, http.StatusOK, models.TrimUnanswered(messages))
}

// caller returns the user id bound to the request's session.
func (h *Handler) caller(r *http.Request) (int64, bool) {
	id, err := h.sessions.UserID(r)
	if err != nil {
		h.logger.Debug("No valid session", zap.Error(err))
		return 0, false
	}
	return id, true
}

func (h *Handler) isCaller(r *http.Request, userID int64) bool {
	callerID, ok := h.caller(r)
	return ok && callerID == userID
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apierror.BadRequest("Invalid request body")
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apierror.BadRequest(validationMessage(verrs))
		}
		return apierror.BadRequest("Invalid request body")
	}
	return nil
}

func validationMessage(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return "Invalid request body: " + strings.Join(parts, "; ")
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, apierror.BadRequest("Invalid id")
	}
	return id, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
