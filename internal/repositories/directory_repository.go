package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrChannelNotFound = errors.New("channel not found")

// ChannelRepository resolves channels to their server.
type ChannelRepository interface {
	GetChannel(ctx context.Context, channelID int64) (models.Channel, error)
}

// MembershipLister lists the servers a user belongs to.
type MembershipLister interface {
	ListServers(ctx context.Context, userID int64) ([]int64, error)
	IsMember(ctx context.Context, serverID int64, userID int64) (bool, error)
}

// FriendshipLister lists accepted friends of a user.
type FriendshipLister interface {
	ListFriends(ctx context.Context, userID int64) ([]int64, error)
}

// DirectoryRepo reads the server, channel and friendship tables owned by the
// management service.
type DirectoryRepo struct {
	db *sqlx.DB
}

// NewDirectoryRepo constructs a DirectoryRepo.
func NewDirectoryRepo(db *sqlx.DB) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

// GetChannel fetches a channel by id.
func (r *DirectoryRepo) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	var ch models.Channel
	err := r.db.GetContext(ctx, &ch, `SELECT id, server_id, name FROM channels WHERE id=$1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	return ch, err
}

// ListServers returns the ids of every server userID is a member of.
func (r *DirectoryRepo) ListServers(ctx context.Context, userID int64) ([]int64, error) {
	ids := []int64{}
	err := r.db.SelectContext(ctx, &ids, `SELECT server_id FROM server_members WHERE user_id=$1 ORDER BY server_id`, userID)
	return ids, err
}

// IsMember checks whether userID belongs to serverID.
func (r *DirectoryRepo) IsMember(ctx context.Context, serverID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM server_members WHERE server_id=$1 AND user_id=$2)`, serverID, userID)
	return exists, err
}

// ListFriends returns accepted friends in either direction of the edge.
func (r *DirectoryRepo) ListFriends(ctx context.Context, userID int64) ([]int64, error) {
	ids := []int64{}
	err := r.db.SelectContext(ctx, &ids, `SELECT friend_id FROM friendships WHERE user_id=$1 AND status='accepted'
        UNION
        SELECT user_id FROM friendships WHERE friend_id=$1 AND status='accepted'`, userID)
	return ids, err
}
