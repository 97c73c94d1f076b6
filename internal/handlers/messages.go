package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/middleware"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// HistoryService reads decrypted pages of a scope.
type HistoryService interface {
	History(ctx context.Context, userID int64, scope models.Scope, page repositories.Page) ([]models.Message, error)
	Conversation(ctx context.Context, userID, otherID int64) (models.Conversation, error)
}

// MarkerService is the server half of read-state.
type MarkerService interface {
	Get(ctx context.Context, userID int64, scope models.Scope) (int64, bool, error)
	Set(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error)
}

// MessageHandler serves history pages and read markers.
type MessageHandler struct {
	history     HistoryService
	markers     MarkerService
	defaultPage int
	maxPage     int
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(history HistoryService, markers MarkerService, defaultPage, maxPage int) *MessageHandler {
	if defaultPage <= 0 {
		defaultPage = 50
	}
	if maxPage < defaultPage {
		maxPage = defaultPage
	}
	return &MessageHandler{history: history, markers: markers, defaultPage: defaultPage, maxPage: maxPage}
}

type markerResponse struct {
	Scope     models.Scope `json:"scope"`
	MessageID *string      `json:"message_id"`
}

// ChannelMessages lists a page of channel history.
func (h *MessageHandler) ChannelMessages(c *gin.Context) {
	if scope, ok := channelScope(c); ok {
		h.listMessages(c, scope)
	}
}

// ConversationMessages lists a page of the conversation with :user_id,
// creating the conversation on first use.
func (h *MessageHandler) ConversationMessages(c *gin.Context) {
	if scope, ok := h.conversationScope(c); ok {
		h.listMessages(c, scope)
	}
}

// ChannelMarker returns the caller's read marker in a channel.
func (h *MessageHandler) ChannelMarker(c *gin.Context) {
	if scope, ok := channelScope(c); ok {
		h.getMarker(c, scope)
	}
}

// ConversationMarker returns the caller's read marker in the conversation with :user_id.
func (h *MessageHandler) ConversationMarker(c *gin.Context) {
	if scope, ok := h.conversationScope(c); ok {
		h.getMarker(c, scope)
	}
}

// PutChannelMarker acknowledges a channel message.
func (h *MessageHandler) PutChannelMarker(c *gin.Context) {
	if scope, ok := channelScope(c); ok {
		h.putMarker(c, scope)
	}
}

// PutConversationMarker acknowledges a conversation message.
func (h *MessageHandler) PutConversationMarker(c *gin.Context) {
	if scope, ok := h.conversationScope(c); ok {
		h.putMarker(c, scope)
	}
}

func (h *MessageHandler) listMessages(c *gin.Context, scope models.Scope) {
	page, ok := h.parsePage(c)
	if !ok {
		return
	}

	msgs, err := h.history.History(c.Request.Context(), middleware.UserID(c), scope, page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "messages": msgs})
}

func (h *MessageHandler) getMarker(c *gin.Context, scope models.Scope) {
	id, found, err := h.markers.Get(c.Request.Context(), middleware.UserID(c), scope)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := markerResponse{Scope: scope}
	if found {
		s := strconv.FormatInt(id, 10)
		resp.MessageID = &s
	}
	c.JSON(http.StatusOK, resp)
}

func (h *MessageHandler) putMarker(c *gin.Context, scope models.Scope) {
	var req struct {
		MessageID int64 `json:"message_id,string" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
		return
	}

	marker, err := h.markers.Set(c.Request.Context(), middleware.UserID(c), scope, req.MessageID)
	if err != nil {
		respondError(c, err)
		return
	}
	s := strconv.FormatInt(marker.MessageID, 10)
	c.JSON(http.StatusOK, markerResponse{Scope: scope, MessageID: &s})
}

func (h *MessageHandler) parsePage(c *gin.Context) (repositories.Page, bool) {
	page := repositories.Page{Limit: h.defaultPage}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return page, false
		}
		page.Limit = min(n, h.maxPage)
	}
	for name, dst := range map[string]*int64{"before": &page.Before, "after": &page.After} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
			return page, false
		}
		*dst = n
	}
	if page.Before > 0 && page.After > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "before and after are mutually exclusive"})
		return page, false
	}
	return page, true
}

func channelScope(c *gin.Context) (models.Scope, bool) {
	id, err := strconv.ParseInt(c.Param("channel_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return models.Scope{}, false
	}
	return models.ChannelScope(id), true
}

func (h *MessageHandler) conversationScope(c *gin.Context) (models.Scope, bool) {
	otherID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || otherID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return models.Scope{}, false
	}
	conv, err := h.history.Conversation(c.Request.Context(), middleware.UserID(c), otherID)
	if err != nil {
		respondError(c, err)
		return models.Scope{}, false
	}
	return models.ConversationScope(conv.ID), true
}
