package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageStatus tracks a message through its streaming lifecycle.
type MessageStatus string

const (
	// StatusPending marks an assistant placeholder created before any
	// reply content has arrived.
	StatusPending MessageStatus = "pending"
	// StatusStreaming marks a message whose content is still being appended to.
	StatusStreaming MessageStatus = "streaming"
	// StatusComplete marks a finished message. Complete messages are immutable.
	StatusComplete MessageStatus = "complete"
	// StatusFailed marks a message whose stream ended in a transport error.
	// Failed is terminal; a resend is a new message, never a retry of this one.
	StatusFailed MessageStatus = "failed"
)

// Message is a single conversation turn within a session.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`
}

// NewMessage creates a message with a fresh UUID.
func NewMessage(sessionID string, role MessageRole, content string, status MessageStatus) Message {
	return Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    status,
	}
}

// Terminal reports whether the message can no longer change status.
func (m *Message) Terminal() bool {
	return m.Status == StatusComplete || m.Status == StatusFailed
}
