package session

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current time
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// Info summarises a persisted session
type Info struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// StoredMessage is a message as it sits in a history store
type StoredMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ThinkChunk is one piece of a streamed think reply. Exactly one of
// Reasoning or Answer is set.
type ThinkChunk struct {
	Reasoning string `json:"reasoning,omitempty"`
	Answer    string `json:"answer,omitempty"`
}

// ToMessage drops the storage bookkeeping fields
func (m StoredMessage) ToMessage() Message {
	return Message{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt}
}
