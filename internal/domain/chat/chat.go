// Package chat defines per-user chat sessions and their ordered messages.
package chat

import (
	"context"
	"time"
)

// Session is one chat owned by a user.
type Session struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one chat message. Seq is gap-free per chat, starting at 1.
type Message struct {
	ChatID    string    `json:"chat_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the chat persistence port.
type Store interface {
	// EnsureSchema creates or migrates backend storage.
	EnsureSchema(ctx context.Context) error

	// CreateSession persists a new chat session.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession loads a chat, ok=false when absent.
	GetSession(ctx context.Context, chatID string) (*Session, bool, error)

	// ListSessions returns a user's chats, most recently updated first.
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)

	// AppendMessage assigns the next seq for the chat, persists the message,
	// and returns the assigned seq. Unknown chat is a not-found error.
	AppendMessage(ctx context.Context, chatID, role, content string, at time.Time) (seq int64, err error)

	// ListMessages returns messages with seq > afterSeq in order, capped by
	// limit (limit <= 0 means no cap).
	ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]*Message, error)
}
