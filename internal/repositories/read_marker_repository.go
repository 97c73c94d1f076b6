package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMarkerNotFound = errors.New("read marker not found")

// ReadMarkerRepository stores one last-read message id per user and scope.
type ReadMarkerRepository interface {
	Get(ctx context.Context, userID int64, scope models.Scope) (models.ReadMarker, error)
	Upsert(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error)
}

// ReadMarkerRepo is a sqlx implementation of ReadMarkerRepository.
type ReadMarkerRepo struct {
	db *sqlx.DB
}

// NewReadMarkerRepo constructs a ReadMarkerRepo.
func NewReadMarkerRepo(db *sqlx.DB) *ReadMarkerRepo {
	return &ReadMarkerRepo{db: db}
}

// Get returns ErrMarkerNotFound when the user never acknowledged the scope.
func (r *ReadMarkerRepo) Get(ctx context.Context, userID int64, scope models.Scope) (models.ReadMarker, error) {
	var marker models.ReadMarker
	err := r.db.GetContext(ctx, &marker, `SELECT user_id, scope_kind, scope_id, message_id, updated_at
        FROM read_markers WHERE user_id=$1 AND scope_kind=$2 AND scope_id=$3`, userID, scope.Kind, scope.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadMarker{}, ErrMarkerNotFound
	}
	return marker, err
}

// Upsert overwrites the marker. No ordering check: last write wins.
func (r *ReadMarkerRepo) Upsert(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error) {
	var marker models.ReadMarker
	err := r.db.GetContext(ctx, &marker, `INSERT INTO read_markers (user_id, scope_kind, scope_id, message_id, updated_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (user_id, scope_kind, scope_id) DO UPDATE SET message_id = EXCLUDED.message_id, updated_at = EXCLUDED.updated_at
        RETURNING user_id, scope_kind, scope_id, message_id, updated_at`, userID, scope.Kind, scope.ID, messageID)
	return marker, err
}
