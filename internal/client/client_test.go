package client

import (
	"context"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/codec"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/ids"
	"chat-realtime/internal/markers"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/models"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/ws"
)

const secret = "client-secret"

// memStore implements every repository the stack needs.
type memStore struct {
	mu       sync.Mutex
	messages []models.StoredMessage
	convs    []models.Conversation
	markers  map[string]models.ReadMarker
}

func newMemStore() *memStore {
	return &memStore{markers: map[string]models.ReadMarker{}}
}

func (s *memStore) Append(_ context.Context, m models.StoredMessage) (models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) List(_ context.Context, scope models.Scope, page repositories.Page) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StoredMessage
	for _, m := range s.messages {
		if m.Scope() == scope && (page.Before == 0 || m.ID < page.Before) && (page.After == 0 || m.ID > page.After) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if page.After > 0 {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, id int64) (models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return models.StoredMessage{}, repositories.ErrMessageNotFound
}

type convRepo struct{ *memStore }

func (r convRepo) CreateOrGet(_ context.Context, a, b int64) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u1, u2 := models.CanonicalPair(a, b)
	for _, c := range r.convs {
		if c.User1ID == u1 && c.User2ID == u2 {
			return c, nil
		}
	}
	c := models.Conversation{ID: int64(len(r.convs) + 1), User1ID: u1, User2ID: u2}
	r.convs = append(r.convs, c)
	return c, nil
}

func (r convRepo) Get(_ context.Context, id int64) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.convs {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Conversation{}, repositories.ErrConversationNotFound
}

type markerRepo struct{ *memStore }

func (r markerRepo) Get(_ context.Context, userID int64, scope models.Scope) (models.ReadMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markers[markerKey(userID, scope)]
	if !ok {
		return models.ReadMarker{}, repositories.ErrMarkerNotFound
	}
	return m, nil
}

func (r markerRepo) Upsert(_ context.Context, userID int64, scope models.Scope, id int64) (models.ReadMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := models.ReadMarker{UserID: userID, ScopeKind: scope.Kind, ScopeID: scope.ID, MessageID: id}
	r.markers[markerKey(userID, scope)] = m
	return m, nil
}

func markerKey(userID int64, scope models.Scope) string {
	return strconv.FormatInt(userID, 10) + "/" + scope.String()
}

// directory: everyone is in server 10 with channel 7, users 1 and 2 are friends.
type directory struct{}

func (directory) GetChannel(_ context.Context, id int64) (models.Channel, error) {
	if id != 7 {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	return models.Channel{ID: 7, ServerID: 10, Name: "general"}, nil
}

func (directory) ListServers(context.Context, int64) ([]int64, error) { return []int64{10}, nil }

func (directory) IsMember(_ context.Context, serverID, _ int64) (bool, error) {
	return serverID == 10, nil
}

func (directory) ListFriends(_ context.Context, userID int64) ([]int64, error) {
	switch userID {
	case 1:
		return []int64{2}, nil
	case 2:
		return []int64{1}, nil
	}
	return nil, nil
}

func startStack(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	c, err := codec.New([]byte("k"))
	require.NoError(t, err)

	hub := ws.NewHub()
	svc := pipeline.NewService(pipeline.Deps{
		Messages:      store,
		Conversations: convRepo{store},
		Channels:      directory{},
		Members:       directory{},
		Codec:         c,
		IDs:           ids.NewGenerator(1),
		Fanout:        hub,
	})
	marks := markers.NewService(markerRepo{store}, svc, hub)
	pres := presence.NewBroadcaster(presence.NewMemoryStore(), directory{}, hub)
	verifier := auth.NewJWTVerifier(secret, "chat")
	gw := ws.NewGateway(hub, verifier, directory{}, svc, marks, pres, ws.Options{})

	r := gin.New()
	r.GET("/ws", gw.Handle)
	api := r.Group("/", middleware.AuthMiddleware(verifier))
	mh := handlers.NewMessageHandler(svc, marks, 50, 100)
	api.GET("/channels/:channel_id/messages", mh.ChannelMessages)
	api.GET("/channels/:channel_id/read-marker", mh.ChannelMarker)
	api.GET("/conversations/:user_id/messages", mh.ConversationMessages)
	api.GET("/conversations/:user_id/read-marker", mh.ConversationMarker)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func dial(t *testing.T, base string, userID int64) *Client {
	t.Helper()
	token, err := auth.Sign(secret, "chat", userID, "u", time.Hour)
	require.NoError(t, err)
	c, err := Dial(context.Background(), base, token, Options{AckDelay: 20 * time.Millisecond, PageSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, c *Client, typ models.EventType) models.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "connection closed")
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestChannelRoundTripWithAck(t *testing.T) {
	base := startStack(t)
	ctx := context.Background()
	alice := dial(t, base, 1)
	bob := dial(t, base, 2)

	_, err := alice.OpenChannel(ctx, 7)
	require.NoError(t, err)
	res, err := bob.OpenChannel(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)

	for _, body := range []string{"one", "two", "three"} {
		_, err := alice.Send(models.TextContent(body))
		require.NoError(t, err)
		waitFor(t, bob, models.EventMessage)
	}

	require.Eventually(t, func() bool { return alice.View().Len() == 3 && len(alice.View().Messages()) == 3 },
		2*time.Second, 10*time.Millisecond, "pending entries replaced by echoes")

	view := bob.View()
	msgs := view.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[2].Body)

	assert.True(t, bob.Viewport(0))
	ack := waitFor(t, bob, models.EventAckConfirmed)
	assert.Equal(t, msgs[2].ID, ack.MessageID)
	assert.Equal(t, 0, bob.Tracker().Count(models.ChannelScope(7)))

	// a fresh session sees the marker on the newest message and pages back
	bob2 := dial(t, base, 2)
	res, err = bob2.OpenChannel(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Unread)
	assert.Equal(t, 1, res.Boundary)
	n, err := bob2.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, bob2.View().Len())
}

func TestConversationUnreadWhileElsewhere(t *testing.T) {
	base := startStack(t)
	ctx := context.Background()
	alice := dial(t, base, 1)
	bob := dial(t, base, 2)

	_, err := bob.OpenChannel(ctx, 7)
	require.NoError(t, err)
	_, err = alice.OpenConversation(ctx, 2)
	require.NoError(t, err)

	_, err = alice.Send(models.TextContent("psst"))
	require.NoError(t, err)
	ev := waitFor(t, bob, models.EventMessage)
	assert.Equal(t, models.ScopeConversation, ev.Message.Scope.Kind)

	assert.Equal(t, 1, bob.Tracker().Count(ev.Message.Scope))
	assert.Empty(t, bob.View().Messages(), "channel view ignores conversation traffic")

	res, err := bob.OpenConversation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "psst", res.Messages[0].Body)
	assert.Equal(t, 1, res.Unread)
}

func TestComposeRejectionDropsPending(t *testing.T) {
	base := startStack(t)
	alice := dial(t, base, 1)
	_, err := alice.OpenChannel(context.Background(), 7)
	require.NoError(t, err)

	_, err = alice.Send(models.TextContent("   "))
	require.NoError(t, err)
	ev := waitFor(t, alice, models.EventError)
	assert.Equal(t, "validation", ev.Error.Code)
	require.Eventually(t, func() bool { return len(alice.View().Messages()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestDialRejectsBadToken(t *testing.T) {
	base := startStack(t)
	_, err := Dial(context.Background(), base, "garbage", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
