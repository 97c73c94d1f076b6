package presence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

var ErrInvalidStatus = errors.New("invalid status")

// Fanout delivers an event to a room and reports how many connections took it.
type Fanout interface {
	Emit(room string, event models.Event) int
}

// Broadcaster updates durable status and tells the user's accepted friends.
// Notification is fire-and-forget.
type Broadcaster struct {
	store   Store
	friends repositories.FriendshipLister
	fanout  Fanout
}

func NewBroadcaster(store Store, friends repositories.FriendshipLister, fanout Fanout) *Broadcaster {
	return &Broadcaster{store: store, friends: friends, fanout: fanout}
}

// Connected marks userID online. Callers invoke it for the user's first
// connection only.
func (b *Broadcaster) Connected(ctx context.Context, userID int64) {
	if err := b.store.Set(ctx, userID, models.StatusOnline); err != nil {
		logger.L().Warn("presence store set failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	b.notify(ctx, userID, models.StatusOnline)
}

// Disconnected marks userID offline after its last connection closed.
func (b *Broadcaster) Disconnected(ctx context.Context, userID int64) {
	if err := b.store.Clear(ctx, userID); err != nil {
		logger.L().Warn("presence store clear failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	b.notify(ctx, userID, models.StatusOffline)
}

// SetStatus applies an explicit status change from a connected user.
func (b *Broadcaster) SetStatus(ctx context.Context, userID int64, status models.Status) error {
	if _, err := models.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := b.store.Set(ctx, userID, status); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	b.notify(ctx, userID, status)
	return nil
}

// FriendStatuses returns the current status of every accepted friend of userID.
func (b *Broadcaster) FriendStatuses(ctx context.Context, userID int64) (map[int64]models.Status, error) {
	friends, err := b.friends.ListFriends(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return b.store.GetMany(ctx, friends)
}

func (b *Broadcaster) notify(ctx context.Context, userID int64, status models.Status) {
	friends, err := b.friends.ListFriends(ctx, userID)
	if err != nil {
		logger.L().Warn("presence fanout skipped", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	event := models.Event{Type: models.EventPresence, UserID: userID, Status: status}
	for _, friendID := range friends {
		b.fanout.Emit(models.UserRoom(friendID), event)
	}
}
