package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot create conversation with self")
)

// ConversationRepository abstracts pairwise conversation persistence.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, userID int64, otherID int64) (models.Conversation, error)
	Get(ctx context.Context, conversationID int64) (models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateOrGet returns the conversation for the unordered pair, creating it on
// first contact. Concurrent first sends from both sides converge on one row.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, userID int64, otherID int64) (models.Conversation, error) {
	if userID == otherID {
		return models.Conversation{}, ErrSelfConversation
	}
	user1, user2 := models.CanonicalPair(userID, otherID)

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
        RETURNING id, user1_id, user2_id, created_at`, user1, user2)
	return conv, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, user1_id, user2_id, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}
