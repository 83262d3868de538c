package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"runway/internal/domain/chat"
	"runway/internal/server/app"
	"runway/internal/shared/logging"
	id "runway/internal/utils/id"
)

const defaultChatListLimit = 50

// chatHandler serves chat sessions and their ordered messages.
type chatHandler struct {
	store  chat.Store
	logger logging.Logger
	now    func() time.Time
}

func newChatHandler(store chat.Store, logger logging.Logger) *chatHandler {
	return &chatHandler{store: store, logger: logging.OrNop(logger), now: time.Now}
}

func (h *chatHandler) ready(c *gin.Context) bool {
	if h.store == nil {
		writeError(c, h.logger, app.UnavailableError("chat store not configured"))
		return false
	}
	return true
}

// Create opens a new chat for a user.
func (h *chatHandler) Create(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body struct {
		UserID string `json:"userId"`
		Title  string `json:"title"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(c, h.logger, app.ValidationError("userId is required"))
		return
	}

	now := h.now()
	session := &chat.Session{
		ChatID:    id.NewChatID(),
		UserID:    strings.TrimSpace(body.UserID),
		Title:     strings.TrimSpace(body.Title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateSession(c.Request.Context(), session); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// List returns a user's chats, most recently updated first.
func (h *chatHandler) List(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		writeError(c, h.logger, app.ValidationError("userId is required"))
		return
	}
	limit, err := intQuery(c, "limit", defaultChatListLimit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	sessions, err := h.store.ListSessions(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*chat.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": sessions})
}

// Messages returns messages with seq greater than afterSeq.
func (h *chatHandler) Messages(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	afterSeq, err := int64Query(c, "afterSeq", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), c.Param("chatId"), afterSeq, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if messages == nil {
		messages = []*chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Append adds one message to the chat and returns its assigned seq.
func (h *chatHandler) Append(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if strings.TrimSpace(body.Role) == "" {
		writeError(c, h.logger, app.ValidationError("role is required"))
		return
	}
	seq, err := h.store.AppendMessage(c.Request.Context(), c.Param("chatId"), body.Role, body.Content, h.now())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"seq": seq})
}
