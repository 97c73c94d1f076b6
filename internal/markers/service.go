package markers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/repositories"
)

// Access answers whether a user may touch a scope and whether a message lives in it.
type Access interface {
	Authorize(ctx context.Context, userID int64, scope models.Scope) error
	MessageInScope(ctx context.Context, scope models.Scope, messageID int64) (bool, error)
}

// Service is the server half of read-state: one marker per user per scope.
type Service struct {
	repo   repositories.ReadMarkerRepository
	access Access
	fanout pipeline.Fanout
}

func NewService(repo repositories.ReadMarkerRepository, access Access, fanout pipeline.Fanout) *Service {
	return &Service{repo: repo, access: access, fanout: fanout}
}

// Get returns the last acknowledged message id, or ok=false when the user
// never acknowledged the scope.
func (s *Service) Get(ctx context.Context, userID int64, scope models.Scope) (int64, bool, error) {
	if err := s.access.Authorize(ctx, userID, scope); err != nil {
		return 0, false, err
	}
	marker, err := s.repo.Get(ctx, userID, scope)
	if errors.Is(err, repositories.ErrMarkerNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &pipeline.StorageError{Op: "get marker", Err: err}
	}
	return marker.MessageID, true, nil
}

// Set overwrites the marker. It may move backwards; ordering is the
// client's concern. Every connection of the user is told.
func (s *Service) Set(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error) {
	if messageID <= 0 {
		return models.ReadMarker{}, &pipeline.ValidationError{Reason: "message_id is required"}
	}
	if err := s.access.Authorize(ctx, userID, scope); err != nil {
		return models.ReadMarker{}, err
	}
	ok, err := s.access.MessageInScope(ctx, scope, messageID)
	if err != nil {
		return models.ReadMarker{}, err
	}
	if !ok {
		return models.ReadMarker{}, &pipeline.ValidationError{Reason: "message does not belong to scope"}
	}

	marker, err := s.repo.Upsert(ctx, userID, scope, messageID)
	if err != nil {
		return models.ReadMarker{}, &pipeline.StorageError{Op: "upsert marker", Err: err}
	}

	delivered := s.fanout.Emit(models.UserRoom(userID), models.Event{
		Type:      models.EventAckConfirmed,
		Scope:     &scope,
		MessageID: messageID,
	})
	logger.L().Debug("read marker set",
		zap.Int64("user_id", userID),
		zap.String("scope", scope.String()),
		zap.Int64("message_id", messageID),
		zap.Int("delivered", delivered))
	return marker, nil
}
