package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Notifier pushes frames to a user's open connections.
type Notifier interface {
	SendToUser(userID string, kind models.EventKind, payload any)
}

// UserDirectory resolves display names for user ids.
type UserDirectory interface {
	User(userID string) models.UserRef
}

// ChatHandler serves the conversation REST endpoints.
type ChatHandler struct {
	convs    repositories.ConversationRepository
	msgs     repositories.MessageRepository
	users    UserDirectory
	notifier Notifier
	now      func() time.Time
}

// NewChatHandler builds a ChatHandler. notifier may be nil.
func NewChatHandler(convs repositories.ConversationRepository, msgs repositories.MessageRepository, users UserDirectory, notifier Notifier) *ChatHandler {
	return &ChatHandler{
		convs:    convs,
		msgs:     msgs,
		users:    users,
		notifier: notifier,
		now:      time.Now,
	}
}

// ListConversations returns the caller's conversations, optionally scoped to
// ?eventId=.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	user := middleware.CurrentUser(c)
	convs, err := h.convs.ListForUser(c.Request.Context(), user.ID, strings.TrimSpace(c.Query("eventId")))
	if err != nil {
		log.Error().Err(err).Str("component", "handlers").Str("user_id", user.ID).Msg("list conversations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// CreateConversation creates or returns the conversation of a participant
// set. The caller is always a participant.
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := middleware.CurrentUser(c)
	ids := models.NormalizeParticipants(append(req.ParticipantIDs, user.ID))
	participants := make([]models.UserRef, 0, len(ids))
	for _, id := range ids {
		if id == user.ID {
			participants = append(participants, user)
			continue
		}
		participants = append(participants, h.users.User(id))
	}

	conv, err := h.convs.CreateOrFind(c.Request.Context(), user.ID, participants, req.EventID, req.Title, h.now().UTC())
	if err != nil {
		if errors.Is(err, repositories.ErrTooFewParticipants) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("component", "handlers").Str("user_id", user.ID).Msg("create conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// GetMessages returns one page of history older than ?before=.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	convID := c.Param("id")
	if !h.requireMember(c, convID) {
		return
	}

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxPageSize)
	}

	page, err := h.msgs.Page(c.Request.Context(), convID, c.Query("before"), limit)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("component", "handlers").Str("conversation_id", convID).Msg("load messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// MarkRead clears the caller's unread counter and tells the caller's other
// connections.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	convID := c.Param("id")
	user := middleware.CurrentUser(c)
	err := h.convs.MarkRead(c.Request.Context(), convID, user.ID, h.now().UTC())
	if errors.Is(err, repositories.ErrConversationNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("component", "handlers").Str("conversation_id", convID).Msg("mark read")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark read"})
		return
	}
	if h.notifier != nil {
		h.notifier.SendToUser(user.ID, models.EventUnreadCountUpdate, models.UnreadCountPayload{ConversationID: convID})
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) requireMember(c *gin.Context, convID string) bool {
	member, err := h.convs.IsParticipant(c.Request.Context(), convID, middleware.CurrentUser(c).ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return false
	}
	return true
}
