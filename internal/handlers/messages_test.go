package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/repositories"
)

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", int64(1))
		c.Next()
	})
	r.GET("/channels/:channel_id/messages", handler.ChannelMessages)
	r.GET("/conversations/:user_id/messages", handler.ConversationMessages)
	r.GET("/channels/:channel_id/read-marker", handler.ChannelMarker)
	r.GET("/conversations/:user_id/read-marker", handler.ConversationMarker)
	r.PUT("/channels/:channel_id/read-marker", handler.PutChannelMarker)
	r.PUT("/conversations/:user_id/read-marker", handler.PutConversationMarker)
	return r
}

func serve(router *gin.Engine, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestChannelMessagesDefaultPage(t *testing.T) {
	history := new(mocks.HistoryServiceMock)
	router := setupMessageRouter(NewMessageHandler(history, new(mocks.MarkerServiceMock), 50, 100))

	history.On("History", mock.Anything, int64(1), models.ChannelScope(7), repositories.Page{Limit: 50}).
		Return([]models.Message{{ID: 9, Body: "hi", Scope: models.ChannelScope(7)}}, nil).Once()

	rec := serve(router, http.MethodGet, "/channels/7/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, int64(9), resp.Messages[0].ID)
	history.AssertExpectations(t)
}

func TestChannelMessagesPaging(t *testing.T) {
	history := new(mocks.HistoryServiceMock)
	router := setupMessageRouter(NewMessageHandler(history, new(mocks.MarkerServiceMock), 50, 100))

	history.On("History", mock.Anything, int64(1), models.ChannelScope(7), repositories.Page{Limit: 100, Before: 40}).
		Return([]models.Message{}, nil).Once()
	history.On("History", mock.Anything, int64(1), models.ChannelScope(7), repositories.Page{Limit: 10, After: 40}).
		Return([]models.Message{}, nil).Once()

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/channels/7/messages?limit=500&before=40", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/channels/7/messages?limit=10&after=40", nil).Code)
	history.AssertExpectations(t)
}

func TestChannelMessagesBadQuery(t *testing.T) {
	history := new(mocks.HistoryServiceMock)
	router := setupMessageRouter(NewMessageHandler(history, new(mocks.MarkerServiceMock), 50, 100))

	for _, target := range []string{
		"/channels/7/messages?before=1&after=2",
		"/channels/7/messages?limit=zero",
		"/channels/7/messages?before=-3",
		"/channels/abc/messages",
	} {
		rec := serve(router, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	history.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChannelMessagesErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{pipeline.ErrForbidden, http.StatusForbidden},
		{pipeline.ErrScopeNotFound, http.StatusNotFound},
		{&pipeline.StorageError{Op: "list", Err: assert.AnError}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		history := new(mocks.HistoryServiceMock)
		router := setupMessageRouter(NewMessageHandler(history, new(mocks.MarkerServiceMock), 50, 100))
		history.On("History", mock.Anything, int64(1), models.ChannelScope(7), mock.Anything).Return(nil, tt.err).Once()

		rec := serve(router, http.MethodGet, "/channels/7/messages", nil)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}

func TestConversationMessagesResolvesCounterparty(t *testing.T) {
	history := new(mocks.HistoryServiceMock)
	router := setupMessageRouter(NewMessageHandler(history, new(mocks.MarkerServiceMock), 50, 100))

	history.On("Conversation", mock.Anything, int64(1), int64(2)).Return(models.Conversation{ID: 33, User1ID: 1, User2ID: 2}, nil).Once()
	history.On("History", mock.Anything, int64(1), models.ConversationScope(33), repositories.Page{Limit: 50}).
		Return([]models.Message{}, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations/2/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history.AssertExpectations(t)
}

func TestConversationWithSelfRejected(t *testing.T) {
	history := new(mocks.HistoryServiceMock)
	router := setupMessageRouter(NewMessageHandler(history, new(mocks.MarkerServiceMock), 50, 100))

	history.On("Conversation", mock.Anything, int64(1), int64(1)).Return(nil, &pipeline.ValidationError{Reason: "invalid counterparty"}).Once()

	rec := serve(router, http.MethodGet, "/conversations/1/read-marker", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMarker(t *testing.T) {
	markers := new(mocks.MarkerServiceMock)
	router := setupMessageRouter(NewMessageHandler(new(mocks.HistoryServiceMock), markers, 50, 100))

	markers.On("Get", mock.Anything, int64(1), models.ChannelScope(7)).Return(int64(42), true, nil).Once()
	markers.On("Get", mock.Anything, int64(1), models.ChannelScope(8)).Return(int64(0), false, nil).Once()

	rec := serve(router, http.MethodGet, "/channels/7/read-marker", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scope":{"kind":"channel","id":7},"message_id":"42"}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/channels/8/read-marker", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scope":{"kind":"channel","id":8},"message_id":null}`, rec.Body.String())
}

func TestPutMarker(t *testing.T) {
	markers := new(mocks.MarkerServiceMock)
	router := setupMessageRouter(NewMessageHandler(new(mocks.HistoryServiceMock), markers, 50, 100))

	markers.On("Set", mock.Anything, int64(1), models.ChannelScope(7), int64(50)).
		Return(models.ReadMarker{UserID: 1, MessageID: 50}, nil).Once()

	rec := serve(router, http.MethodPut, "/channels/7/read-marker", []byte(`{"message_id":"50"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scope":{"kind":"channel","id":7},"message_id":"50"}`, rec.Body.String())

	rec = serve(router, http.MethodPut, "/channels/7/read-marker", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	markers.AssertExpectations(t)
}
