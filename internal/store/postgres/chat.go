package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"runway/internal/domain/chat"
	apperrors "runway/internal/errors"
	"runway/internal/shared/logging"
)

const (
	chatsTable        = "runway_chats"
	chatMessagesTable = "runway_chat_messages"
)

// ChatStore is the Postgres chat.Store backend. Message seq assignment
// rides the chat row's next_seq counter inside one transaction so numbers
// stay gap-free under concurrent appends.
type ChatStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewChatStore constructs a Postgres-backed chat store.
func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresChatStore"),
	}
}

// EnsureSchema creates the chat tables if they do not exist.
func (s *ChatStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("chat store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    chat_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    next_seq BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, chatsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id, updated_at DESC);`, chatsTable, chatsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    chat_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (chat_id, seq)
);`, chatMessagesTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure chat schema: %w", err)
		}
	}
	return nil
}

// CreateSession persists a new chat session.
func (s *ChatStore) CreateSession(ctx context.Context, sess *chat.Session) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("chat store not initialized")
	}
	if sess == nil || sess.ChatID == "" || sess.UserID == "" {
		return fmt.Errorf("chat_id and user_id required")
	}

	now := time.Now().UTC()
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+chatsTable+` (chat_id, user_id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (chat_id) DO NOTHING
`, sess.ChatID, sess.UserID, sess.Title, createdAt, updatedAt)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ConflictError(fmt.Sprintf("chat %s already exists", sess.ChatID))
	}
	return nil
}

// GetSession loads a chat, ok=false when absent.
func (s *ChatStore) GetSession(ctx context.Context, chatID string) (*chat.Session, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, fmt.Errorf("chat store not initialized")
	}

	var sess chat.Session
	err := s.pool.QueryRow(ctx, `
SELECT chat_id, user_id, title, created_at, updated_at FROM `+chatsTable+` WHERE chat_id = $1
`, chatID).Scan(&sess.ChatID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get chat: %w", err)
	}
	return &sess, true, nil
}

// ListSessions returns a user's chats, most recently updated first.
func (s *ChatStore) ListSessions(ctx context.Context, userID string, limit int) ([]*chat.Session, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("chat store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
SELECT chat_id, user_id, title, created_at, updated_at FROM `+chatsTable+`
WHERE user_id = $1
ORDER BY updated_at DESC, chat_id
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*chat.Session
	for rows.Next() {
		var sess chat.Session
		if err := rows.Scan(&sess.ChatID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// AppendMessage assigns the next gap-free seq and persists the message.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID, role, content string, at time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("chat store not initialized")
	}
	if role == "" {
		return 0, fmt.Errorf("message role required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	at = at.UTC()
	var seq int64
	err = tx.QueryRow(ctx, `
UPDATE `+chatsTable+`
SET next_seq = next_seq + 1, updated_at = $2
WHERE chat_id = $1
RETURNING next_seq
`, chatID, at).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NotFoundError(fmt.Sprintf("chat %s", chatID))
		}
		return 0, fmt.Errorf("advance chat seq: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO `+chatMessagesTable+` (chat_id, seq, role, content, created_at)
VALUES ($1, $2, $3, $4, $5)
`, chatID, seq, role, content, at)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// ListMessages returns messages with seq > afterSeq in order.
func (s *ChatStore) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]*chat.Message, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("chat store not initialized")
	}

	query := `
SELECT chat_id, seq, role, content, created_at FROM ` + chatMessagesTable + `
WHERE chat_id = $1 AND seq > $2
ORDER BY seq`
	args := []any{chatID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ChatID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

var _ chat.Store = (*ChatStore)(nil)
