package chat

import "time"

// Role 标识消息发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one finalized transcript entry. Entries are never mutated after
// they are appended to a transcript.
type Message struct {
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// NewMessage stamps a message with the current time in RFC3339.
func NewMessage(conversationID string, role Role, content string, now time.Time) Message {
	return Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
	}
}

// CloneTranscript returns a copy safe to hand to callers.
func CloneTranscript(messages []Message) []Message {
	copied := make([]Message, len(messages))
	copy(copied, messages)
	return copied
}
