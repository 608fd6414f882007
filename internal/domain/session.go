// Package domain contains core domain types for the Selah application.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxDerivedTitleLen bounds session titles derived from the first user message.
const maxDerivedTitleLen = 48

// Session is one ongoing conversation thread: an ordered sequence of messages.
// Insertion order is significant and preserved by every store operation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty session with a fresh UUID.
func NewSession(title string) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DeriveTitle produces a session title from the first user message.
func DeriveTitle(userText string) string {
	title := strings.TrimSpace(userText)
	if title == "" {
		return "New conversation"
	}
	if runes := []rune(title); len(runes) > maxDerivedTitleLen {
		title = strings.TrimSpace(string(runes[:maxDerivedTitleLen])) + "…"
	}
	return title
}

// FindMessage returns the index of a message by id, or -1 if absent.
func (s *Session) FindMessage(messageID string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to subscribers.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}
