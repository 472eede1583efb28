package models

// Roles a message can carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID int64 `json:"id"`
}

type Conversation struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`
}

// ConversationWithMessages is returned when a conversation is created so the
// client can render any seeded messages right away.
type ConversationWithMessages struct {
	ID       int64     `json:"id"`
	UserID   int64     `json:"user_id"`
	Messages []Message `json:"messages"`
}

type Message struct {
	ID      int64  `json:"id"`
	ConvID  int64  `json:"conversation_id"`
	Role    string `json:"role"` // user, assistant, or system
	Content string `json:"content"`
}

// OwnedBy reports whether userID owns the conversation.
func (c *Conversation) OwnedBy(userID int64) bool {
	return c.UserID == userID
}

// TrimUnanswered drops a trailing user message that never got an assistant
// reply, so a client resuming the chat cannot send two user turns in a row.
func TrimUnanswered(messages []Message) []Message {
	if n := len(messages); n > 0 && messages[n-1].Role == RoleUser {
		return messages[:n-1]
	}
	return messages
}
