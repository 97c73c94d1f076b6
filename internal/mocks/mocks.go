package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, msg models.StoredMessage) (models.StoredMessage, error) {
	args := m.Called(ctx, msg)
	var stored models.StoredMessage
	if val := args.Get(0); val != nil {
		stored = val.(models.StoredMessage)
	}
	return stored, args.Error(1)
}

func (m *MessageRepositoryMock) List(ctx context.Context, scope models.Scope, page repositories.Page) ([]models.StoredMessage, error) {
	args := m.Called(ctx, scope, page)
	var list []models.StoredMessage
	if val := args.Get(0); val != nil {
		list = val.([]models.StoredMessage)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, messageID int64) (models.StoredMessage, error) {
	args := m.Called(ctx, messageID)
	var stored models.StoredMessage
	if val := args.Get(0); val != nil {
		stored = val.(models.StoredMessage)
	}
	return stored, args.Error(1)
}

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateOrGet(ctx context.Context, userID int64, otherID int64) (models.Conversation, error) {
	args := m.Called(ctx, userID, otherID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

type ReadMarkerRepositoryMock struct {
	mock.Mock
}

func (m *ReadMarkerRepositoryMock) Get(ctx context.Context, userID int64, scope models.Scope) (models.ReadMarker, error) {
	args := m.Called(ctx, userID, scope)
	var marker models.ReadMarker
	if val := args.Get(0); val != nil {
		marker = val.(models.ReadMarker)
	}
	return marker, args.Error(1)
}

func (m *ReadMarkerRepositoryMock) Upsert(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error) {
	args := m.Called(ctx, userID, scope, messageID)
	var marker models.ReadMarker
	if val := args.Get(0); val != nil {
		marker = val.(models.ReadMarker)
	}
	return marker, args.Error(1)
}

// DirectoryMock stands in for the channel, membership and friendship readers.
type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) GetChannel(ctx context.Context, channelID int64) (models.Channel, error) {
	args := m.Called(ctx, channelID)
	var ch models.Channel
	if val := args.Get(0); val != nil {
		ch = val.(models.Channel)
	}
	return ch, args.Error(1)
}

func (m *DirectoryMock) ListServers(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *DirectoryMock) IsMember(ctx context.Context, serverID int64, userID int64) (bool, error) {
	args := m.Called(ctx, serverID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *DirectoryMock) ListFriends(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

type FanoutMock struct {
	mock.Mock
}

func (m *FanoutMock) Emit(room string, event models.Event) int {
	args := m.Called(room, event)
	return args.Int(0)
}

func (m *FanoutMock) EmitExceptUser(room string, event models.Event, userID int64) int {
	args := m.Called(room, event, userID)
	return args.Int(0)
}

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) Verify(ctx context.Context, token string) (auth.Identity, error) {
	args := m.Called(ctx, token)
	var id auth.Identity
	if val := args.Get(0); val != nil {
		id = val.(auth.Identity)
	}
	return id, args.Error(1)
}

type HistoryServiceMock struct {
	mock.Mock
}

func (m *HistoryServiceMock) History(ctx context.Context, userID int64, scope models.Scope, page repositories.Page) ([]models.Message, error) {
	args := m.Called(ctx, userID, scope, page)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *HistoryServiceMock) Conversation(ctx context.Context, userID, otherID int64) (models.Conversation, error) {
	args := m.Called(ctx, userID, otherID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

type MarkerServiceMock struct {
	mock.Mock
}

func (m *MarkerServiceMock) Get(ctx context.Context, userID int64, scope models.Scope) (int64, bool, error) {
	args := m.Called(ctx, userID, scope)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MarkerServiceMock) Set(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error) {
	args := m.Called(ctx, userID, scope, messageID)
	var marker models.ReadMarker
	if val := args.Get(0); val != nil {
		marker = val.(models.ReadMarker)
	}
	return marker, args.Error(1)
}
