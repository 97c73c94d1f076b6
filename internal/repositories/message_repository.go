package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// Page selects a window of a scope's log. At most one of Before and After is set.
type Page struct {
	Limit  int
	Before int64
	After  int64
}

// MessageRepository is the append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, msg models.StoredMessage) (models.StoredMessage, error)
	List(ctx context.Context, scope models.Scope, page Page) ([]models.StoredMessage, error)
	Get(ctx context.Context, messageID int64) (models.StoredMessage, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, author_id, channel_id, conversation_id, kind, ciphertext, attachments, created_at`

// Append inserts msg. The id is assigned by the caller.
func (r *MessageRepo) Append(ctx context.Context, msg models.StoredMessage) (models.StoredMessage, error) {
	var stored models.StoredMessage
	err := r.db.GetContext(ctx, &stored, `INSERT INTO messages (id, author_id, channel_id, conversation_id, kind, ciphertext, attachments, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+messageColumns,
		msg.ID, msg.AuthorID, msg.ChannelID, msg.ConversationID, msg.Kind, msg.Ciphertext, msg.Attachments, msg.CreatedAt)
	return stored, err
}

// List returns one page of a scope. Pages are in descending id order unless
// page.After is set, in which case they ascend from After.
func (r *MessageRepo) List(ctx context.Context, scope models.Scope, page Page) ([]models.StoredMessage, error) {
	column, err := scopeColumn(scope.Kind)
	if err != nil {
		return nil, err
	}

	var (
		query string
		args  []any
	)
	switch {
	case page.After > 0:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE ` + column + `=$1 AND id > $2 ORDER BY id ASC LIMIT $3`
		args = []any{scope.ID, page.After, page.Limit}
	case page.Before > 0:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE ` + column + `=$1 AND id < $2 ORDER BY id DESC LIMIT $3`
		args = []any{scope.ID, page.Before, page.Limit}
	default:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE ` + column + `=$1 ORDER BY id DESC LIMIT $2`
		args = []any{scope.ID, page.Limit}
	}

	msgs := []models.StoredMessage{}
	err = r.db.SelectContext(ctx, &msgs, query, args...)
	return msgs, err
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID int64) (models.StoredMessage, error) {
	var msg models.StoredMessage
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoredMessage{}, ErrMessageNotFound
	}
	return msg, err
}

func scopeColumn(kind models.ScopeKind) (string, error) {
	switch kind {
	case models.ScopeChannel:
		return "channel_id", nil
	case models.ScopeConversation:
		return "conversation_id", nil
	}
	return "", fmt.Errorf("unknown scope kind %q", kind)
}
