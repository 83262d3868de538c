package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"runway/internal/domain/chat"
	apperrors "runway/internal/errors"
)

// ChatStore is the in-memory chat.Store backend.
type ChatStore struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
	messages map[string][]*chat.Message
	now      func() time.Time
}

// NewChatStore creates an empty in-memory chat store.
func NewChatStore() *ChatStore {
	return &ChatStore{
		sessions: make(map[string]*chat.Session),
		messages: make(map[string][]*chat.Message),
		now:      time.Now,
	}
}

// EnsureSchema is a no-op for the memory backend.
func (s *ChatStore) EnsureSchema(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("chat store not initialized")
	}
	return nil
}

// CreateSession persists a new chat session.
func (s *ChatStore) CreateSession(ctx context.Context, sess *chat.Session) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("chat store not initialized")
	}
	if sess == nil {
		return fmt.Errorf("chat session required")
	}
	if strings.TrimSpace(sess.ChatID) == "" || strings.TrimSpace(sess.UserID) == "" {
		return fmt.Errorf("chat_id and user_id required")
	}

	stored := *sess
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[stored.ChatID]; exists {
		return apperrors.ConflictError(fmt.Sprintf("chat %s already exists", stored.ChatID))
	}
	s.sessions[stored.ChatID] = &stored
	return nil
}

// GetSession loads a chat, ok=false when absent.
func (s *ChatStore) GetSession(ctx context.Context, chatID string) (*chat.Session, bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if s == nil {
		return nil, false, fmt.Errorf("chat store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return nil, false, nil
	}
	out := *sess
	return &out, true, nil
}

// ListSessions returns a user's chats, most recently updated first.
func (s *ChatStore) ListSessions(ctx context.Context, userID string, limit int) ([]*chat.Session, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("chat store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chat.Session, 0, limit)
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		c := *sess
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ChatID < out[j].ChatID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMessage assigns the next gap-free seq and persists the message.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID, role, content string, at time.Time) (int64, error) {
	if ctx != nil && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if s == nil {
		return 0, fmt.Errorf("chat store not initialized")
	}
	if strings.TrimSpace(role) == "" {
		return 0, fmt.Errorf("message role required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return 0, apperrors.NotFoundError(fmt.Sprintf("chat %s", chatID))
	}
	at = at.UTC()
	seq := int64(len(s.messages[chatID])) + 1
	s.messages[chatID] = append(s.messages[chatID], &chat.Message{
		ChatID:    chatID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: at,
	})
	sess.UpdatedAt = at
	return seq, nil
}

// ListMessages returns messages with seq > afterSeq in order.
func (s *ChatStore) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]*chat.Message, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("chat store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(msgs)) {
		return nil, nil
	}
	tail := msgs[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*chat.Message, len(tail))
	for i, m := range tail {
		c := *m
		out[i] = &c
	}
	return out, nil
}

var _ chat.Store = (*ChatStore)(nil)
