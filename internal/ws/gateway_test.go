package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/presence"
)

const testSecret = "gateway-secret"

type fakePublisher struct {
	hub *Hub
	err error

	mu     sync.Mutex
	nextID int64
	seen   []pipeline.PublishRequest
}

func (f *fakePublisher) requests() []pipeline.PublishRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.PublishRequest(nil), f.seen...)
}

func (f *fakePublisher) Publish(_ context.Context, req pipeline.PublishRequest) (models.Message, error) {
	if f.err != nil {
		return models.Message{}, f.err
	}
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	msg := models.Message{ID: id, AuthorID: req.SenderID, Scope: models.ChannelScope(req.ChannelID), Kind: req.Content.Kind, Body: req.Content.Body, Nonce: req.Nonce}
	f.hub.Emit("server-10", models.Event{Type: models.EventMessage, Message: &msg})
	return msg, nil
}

func (f *fakePublisher) Typing(_ context.Context, userID int64, scope models.Scope) error {
	f.hub.EmitExceptUser("server-10", models.Event{Type: models.EventTyping, UserID: userID, Scope: &scope}, userID)
	return nil
}

type noMarkers struct{}

func (noMarkers) Set(_ context.Context, userID int64, scope models.Scope, id int64) (models.ReadMarker, error) {
	return models.ReadMarker{}, pipeline.ErrForbidden
}

type gatewayFixture struct {
	server    *httptest.Server
	hub       *Hub
	publisher *fakePublisher
	store     *presence.MemoryStore
}

func newGatewayFixture(t *testing.T, opts Options) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureWith(t, opts, nil)
}

// newGatewayFixtureWith lets a test wrap the presence tracker.
func newGatewayFixtureWith(t *testing.T, opts Options, wrap func(PresenceTracker) PresenceTracker) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub()
	dir := new(mocks.DirectoryMock)
	dir.On("ListServers", mock.Anything, mock.Anything).Return([]int64{10}, nil)
	dir.On("ListFriends", mock.Anything, int64(1)).Return([]int64{2}, nil)
	dir.On("ListFriends", mock.Anything, int64(2)).Return([]int64{1}, nil)
	dir.On("ListFriends", mock.Anything, mock.Anything).Return([]int64{}, nil)
	dir.On("IsMember", mock.Anything, int64(11), mock.Anything).Return(false, nil)
	dir.On("IsMember", mock.Anything, int64(12), mock.Anything).Return(true, nil)

	store := presence.NewMemoryStore()
	pub := &fakePublisher{hub: hub}
	var tracker PresenceTracker = presence.NewBroadcaster(store, dir, hub)
	if wrap != nil {
		tracker = wrap(tracker)
	}
	gw := NewGateway(hub, auth.NewJWTVerifier(testSecret, "chat"), dir, pub, noMarkers{}, tracker, opts)

	r := gin.New()
	r.GET("/ws", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &gatewayFixture{server: srv, hub: hub, publisher: pub, store: store}
}

func (f *gatewayFixture) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	token, err := auth.Sign(testSecret, "chat", userID, "user", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ready := readEvent(t, conn)
	require.Equal(t, models.EventReady, ready.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil skips events of other types.
func readUntil(t *testing.T, conn *websocket.Conn, typ models.EventType) models.Event {
	t.Helper()
	for {
		ev := readEvent(t, conn)
		if ev.Type == typ {
			return ev
		}
	}
}

func assertSilent(t *testing.T, conn *websocket.Conn, typ models.EventType) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		assert.NotEqual(t, typ, ev.Type, "unexpected %s event", typ)
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.hub.RoomSize("user-0"))
}

func TestGatewayReadyAndRooms(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	token, err := auth.Sign(testSecret, "chat", 1, "alice", time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	ready := readEvent(t, conn)
	assert.Equal(t, models.EventReady, ready.Type)
	assert.Equal(t, int64(1), ready.UserID)
	assert.Equal(t, []string{"server-10", "user-1"}, ready.Rooms)

	st, _ := f.store.Get(context.Background(), 1)
	assert.Equal(t, models.StatusOnline, st)
}

func TestChannelMessageReachesEveryMember(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	a := f.dial(t, 1)
	b := f.dial(t, 2)
	d := f.dial(t, 3)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, ChannelID: 7, Body: "hello", Nonce: "n-1"}))

	gotB := readUntil(t, b, models.EventMessage)
	gotD := readUntil(t, d, models.EventMessage)
	gotA := readUntil(t, a, models.EventMessage)
	assert.Equal(t, "hello", gotB.Message.Body)
	assert.Equal(t, gotB.Message.ID, gotD.Message.ID)
	assert.Equal(t, "n-1", gotA.Message.Nonce)

	assertSilent(t, b, models.EventMessage)
}

func TestDisconnectNotifiesFriendOnce(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	b := f.dial(t, 2)
	a := f.dial(t, 1)

	online := readUntil(t, b, models.EventPresence)
	assert.Equal(t, int64(1), online.UserID)
	assert.Equal(t, models.StatusOnline, online.Status)

	require.NoError(t, a.Close())

	offline := readUntil(t, b, models.EventPresence)
	assert.Equal(t, int64(1), offline.UserID)
	assert.Equal(t, models.StatusOffline, offline.Status)
	assertSilent(t, b, models.EventPresence)
}

func TestSecondConnectionKeepsUserOnline(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	b := f.dial(t, 2)
	a1 := f.dial(t, 1)
	readUntil(t, b, models.EventPresence)
	a2 := f.dial(t, 1)

	require.NoError(t, a1.Close())
	require.Eventually(t, func() bool { return f.hub.RoomSize("user-1") == 1 }, time.Second, 10*time.Millisecond)
	st, _ := f.store.Get(context.Background(), 1)
	assert.Equal(t, models.StatusOnline, st)

	require.NoError(t, a2.Close())
	offline := readUntil(t, b, models.EventPresence)
	assert.Equal(t, models.StatusOffline, offline.Status)
}

// slowOffline stalls Disconnected the way a slow presence store would.
type slowOffline struct {
	PresenceTracker
	delay time.Duration
}

func (s slowOffline) Disconnected(ctx context.Context, userID int64) {
	time.Sleep(s.delay)
	s.PresenceTracker.Disconnected(ctx, userID)
}

func TestReconnectDuringSlowOfflineStaysOnline(t *testing.T) {
	f := newGatewayFixtureWith(t, Options{}, func(p PresenceTracker) PresenceTracker {
		return slowOffline{PresenceTracker: p, delay: 300 * time.Millisecond}
	})
	a1 := f.dial(t, 1)
	require.NoError(t, a1.Close())
	require.Eventually(t, func() bool { return f.hub.RoomSize("user-1") == 0 }, time.Second, 5*time.Millisecond)

	f.dial(t, 1)
	st, _ := f.store.Get(context.Background(), 1)
	assert.Equal(t, models.StatusOnline, st)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, f.hub.RoomSize("user-1"))
	st, _ = f.store.Get(context.Background(), 1)
	assert.Equal(t, models.StatusOnline, st, "offline from the old connection must not outlive the new one")
}

func TestComposeRateLimited(t *testing.T) {
	f := newGatewayFixture(t, Options{ComposePerSecond: 0.5, ComposeBurst: 1})
	a := f.dial(t, 1)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, ChannelID: 7, Body: "one"}))
	readUntil(t, a, models.EventMessage)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, ChannelID: 7, Body: "two"}))
	limited := readUntil(t, a, models.EventRateLimited)
	assert.Greater(t, limited.WaitMS, int64(0))
}

func TestComposeErrorGoesToSenderOnly(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	f.publisher.err = pipeline.ErrMissingTarget
	a := f.dial(t, 1)
	b := f.dial(t, 2)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, Body: "lost", Nonce: "n-9"}))
	ev := readUntil(t, a, models.EventError)
	assert.Equal(t, "missing_target", ev.Error.Code)
	assert.Equal(t, "n-9", ev.Error.Ref)

	assertSilent(t, b, models.EventError)
}

func TestTypingExcludesTypist(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	a := f.dial(t, 1)
	b := f.dial(t, 2)

	scope := models.ChannelScope(7)
	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundTyping, Scope: &scope}))

	ev := readUntil(t, b, models.EventTyping)
	assert.Equal(t, int64(1), ev.UserID)
	assertSilent(t, a, models.EventTyping)
}

func TestJoinAndLeaveServer(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	a := f.dial(t, 1)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundJoinServer, ServerID: 11}))
	ev := readUntil(t, a, models.EventError)
	assert.Equal(t, "forbidden", ev.Error.Code)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundJoinServer, ServerID: 12}))
	ready := readUntil(t, a, models.EventReady)
	assert.Contains(t, ready.Rooms, "server-12")
	assert.Equal(t, 1, f.hub.RoomSize("server-12"))

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundLeaveServer, ServerID: 12}))
	ready = readUntil(t, a, models.EventReady)
	assert.NotContains(t, ready.Rooms, "server-12")
}

func TestSetStatusValidation(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	a := f.dial(t, 1)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundSetStatus, Status: "away"}))
	ev := readUntil(t, a, models.EventError)
	assert.Equal(t, "validation", ev.Error.Code)

	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundSetStatus, Status: models.StatusDND}))
	require.Eventually(t, func() bool {
		st, _ := f.store.Get(context.Background(), 1)
		return st == models.StatusDND
	}, time.Second, 10*time.Millisecond)
}

func TestComposeAcceptsScopeOrRecipient(t *testing.T) {
	f := newGatewayFixture(t, Options{})
	a := f.dial(t, 1)

	conv := models.ConversationScope(7)
	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, Scope: &conv, Body: "again", Nonce: "n-1"}))
	readUntil(t, a, models.EventMessage)
	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, RecipientID: 2, Body: "first", Nonce: "n-2"}))
	readUntil(t, a, models.EventMessage)
	ch := models.ChannelScope(3)
	require.NoError(t, a.WriteJSON(models.Inbound{Type: models.InboundCompose, Scope: &ch, Body: "hi", Nonce: "n-3"}))
	readUntil(t, a, models.EventMessage)

	reqs := f.publisher.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, pipeline.PublishRequest{SenderID: 1, ConversationID: 7, Content: models.TextContent("again"), Nonce: "n-1"}, reqs[0])
	assert.Equal(t, int64(2), reqs[1].RecipientID)
	assert.Zero(t, reqs[1].ConversationID)
	assert.Equal(t, int64(3), reqs[2].ChannelID)
}
