package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/middleware"
	"chat-realtime/internal/models"
)

// FriendStatusLister reports the presence of a user's friends.
type FriendStatusLister interface {
	FriendStatuses(ctx context.Context, userID int64) (map[int64]models.Status, error)
}

// PresenceHandler serves the initial presence snapshot a client needs before
// live presence events start arriving.
type PresenceHandler struct {
	presence FriendStatusLister
}

func NewPresenceHandler(presence FriendStatusLister) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// FriendsPresence returns {"statuses": {"<friend id>": "<status>"}}.
func (h *PresenceHandler) FriendsPresence(c *gin.Context) {
	statuses, err := h.presence.FriendStatuses(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make(map[string]models.Status, len(statuses))
	for id, st := range statuses {
		out[strconv.FormatInt(id, 10)] = st
	}
	c.JSON(http.StatusOK, gin.H{"statuses": out})
}
