package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimUnanswered(t *testing.T) {
	user := Message{ID: 1, Role: RoleUser, Content: "Hello"}
	assistant := Message{ID: 2, Role: RoleAssistant, Content: "Hello there!"}
	pending := Message{ID: 3, Role: RoleUser, Content: "Are you there?"}

	tests := []struct {
		name string
		in   []Message
		want []Message
	}{
		{name: "empty", in: []Message{}, want: []Message{}},
		{name: "ends with assistant", in: []Message{user, assistant}, want: []Message{user, assistant}},
		{name: "ends with user", in: []Message{user, assistant, pending}, want: []Message{user, assistant}},
		{name: "single user message", in: []Message{user}, want: []Message{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrimUnanswered(tt.in))
		})
	}
}

func TestConversationOwnedBy(t *testing.T) {
	conv := &Conversation{ID: 7, UserID: 1}
	assert.True(t, conv.OwnedBy(1))
	assert.False(t, conv.OwnedBy(2))
}
