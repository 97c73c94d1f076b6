package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
)

// Publisher is the message pipeline as seen by a connection.
type Publisher interface {
	Publish(ctx context.Context, req pipeline.PublishRequest) (models.Message, error)
	Typing(ctx context.Context, userID int64, scope models.Scope) error
}

// MarkerSetter records acknowledgments.
type MarkerSetter interface {
	Set(ctx context.Context, userID int64, scope models.Scope, messageID int64) (models.ReadMarker, error)
}

// PresenceTracker reacts to connection lifecycle and status changes.
type PresenceTracker interface {
	Connected(ctx context.Context, userID int64)
	Disconnected(ctx context.Context, userID int64)
	SetStatus(ctx context.Context, userID int64, status models.Status) error
}

type Options struct {
	SendQueue        int
	ComposePerSecond float64
	ComposeBurst     int
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxFrameBytes    int64
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.ComposePerSecond <= 0 {
		o.ComposePerSecond = 5
	}
	if o.ComposeBurst <= 0 {
		o.ComposeBurst = 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	return o
}

// Gateway is the session manager: it authenticates a connection, joins its
// rooms and routes its inbound events.
type Gateway struct {
	hub      *Hub
	verifier auth.Verifier
	members  repositories.MembershipLister
	messages Publisher
	markers  MarkerSetter
	presence PresenceTracker
	opts     Options
	upgrader websocket.Upgrader

	// transitions holds a user's lock across count-and-notify
	transitions *userLocks
}

func NewGateway(hub *Hub, verifier auth.Verifier, members repositories.MembershipLister, messages Publisher, markers MarkerSetter, presence PresenceTracker, opts Options) *Gateway {
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		members:  members,
		messages: messages,
		markers:  markers,
		presence: presence,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		transitions: newUserLocks(),
	}
}

// Handle authenticates and upgrades the request, then serves the connection
// until it closes. No room is joined before the token verifies.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	servers, err := g.members.ListServers(ctx, identity.UserID)
	if err != nil {
		span.End()
		logger.L().Error("list servers failed", zap.Int64("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load memberships"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}

	var traceID string
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	span.SetAttributes(attribute.Int64("chat.user_id", info.UserID), attribute.String("chat.conn_id", info.ConnID))
	span.End()

	limiter := rate.NewLimiter(rate.Limit(g.opts.ComposePerSecond), g.opts.ComposeBurst)
	client := NewClient(conn, info, g.opts.SendQueue, limiter)

	rooms := make([]string, 0, len(servers))
	for _, id := range servers {
		rooms = append(rooms, models.ServerRoom(id))
	}
	// ready is queued before any room is joined so it is always the first frame
	joined := append([]string{models.UserRoom(info.UserID)}, rooms...)
	sort.Strings(joined)
	client.Send(models.Event{Type: models.EventReady, UserID: info.UserID, Rooms: joined})
	g.attach(ctx, client, rooms)

	observability.IncWSActive()
	g.lifecycleEvent(ctx, info, "ws_connect", "")

	go g.writePump(client)
	reason := g.readPump(ctx, client)

	// the request context dies with the handler; lifecycle work must outlive it
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	g.detach(closeCtx, client)
	observability.DecWSActive()
	g.lifecycleEvent(closeCtx, info, "ws_disconnect", reason)
	_ = conn.Close()
}

// attach registers client and marks the user online on their first
// connection. A concurrent detach of the same user cannot interleave.
func (g *Gateway) attach(ctx context.Context, client *Client, rooms []string) {
	unlock := g.transitions.lock(client.info.UserID)
	defer unlock()
	if count := g.hub.Register(client, rooms); count == 1 {
		g.presence.Connected(ctx, client.info.UserID)
	}
}

// detach unregisters client and marks the user offline when it was the last
// connection.
func (g *Gateway) detach(ctx context.Context, client *Client) {
	unlock := g.transitions.lock(client.info.UserID)
	defer unlock()
	if remaining := g.hub.Unregister(client); remaining == 0 {
		g.presence.Disconnected(ctx, client.info.UserID)
	}
}

func (g *Gateway) readPump(ctx context.Context, client *Client) string {
	conn := client.conn
	conn.SetReadLimit(g.opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("in", "ws_error")
				g.lifecycleEvent(ctx, client.info, "ws_error", err.Error())
			}
			return err.Error()
		}

		var in models.Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			client.Send(errorEvent("bad_request", "malformed frame", ""))
			continue
		}
		observability.IncWSEvent("in", string(in.Type))
		g.dispatch(ctx, client, in)
	}
}

func (g *Gateway) writePump(client *Client) {
	conn := client.conn
	ticker := time.NewTicker(g.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-client.done:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.L().Debug("ws write failed", zap.String("conn_id", client.info.ConnID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, in models.Inbound) {
	userID := client.info.UserID
	switch in.Type {
	case models.InboundCompose:
		if wait, ok := reserve(client.limiter); !ok {
			client.Send(models.Event{Type: models.EventRateLimited, WaitMS: wait.Milliseconds()})
			return
		}
		req := pipeline.PublishRequest{
			SenderID:    userID,
			ChannelID:   in.ChannelID,
			RecipientID: in.RecipientID,
			Content:     models.NewContent(in.Body, in.Attachments),
			Nonce:       in.Nonce,
		}
		if in.Scope != nil && req.ChannelID == 0 && req.RecipientID == 0 {
			switch in.Scope.Kind {
			case models.ScopeChannel:
				req.ChannelID = in.Scope.ID
			case models.ScopeConversation:
				req.ConversationID = in.Scope.ID
			}
		}
		if _, err := g.messages.Publish(ctx, req); err != nil {
			g.reject(client, in, err)
		}

	case models.InboundAck:
		if in.Scope == nil {
			g.reject(client, in, pipeline.ErrMissingTarget)
			return
		}
		if _, err := g.markers.Set(ctx, userID, *in.Scope, in.MessageID); err != nil {
			g.reject(client, in, err)
		}

	case models.InboundTyping:
		if in.Scope == nil {
			g.reject(client, in, pipeline.ErrMissingTarget)
			return
		}
		if err := g.messages.Typing(ctx, userID, *in.Scope); err != nil {
			g.reject(client, in, err)
		}

	case models.InboundSetStatus:
		if err := g.presence.SetStatus(ctx, userID, in.Status); err != nil {
			g.reject(client, in, err)
		}

	case models.InboundJoinServer:
		member, err := g.members.IsMember(ctx, in.ServerID, userID)
		if err != nil {
			g.reject(client, in, &pipeline.StorageError{Op: "check membership", Err: err})
			return
		}
		if !member {
			g.reject(client, in, pipeline.ErrForbidden)
			return
		}
		g.hub.Join(client, models.ServerRoom(in.ServerID))
		client.Send(models.Event{Type: models.EventReady, UserID: userID, Rooms: g.hub.RoomsOf(client)})

	case models.InboundLeaveServer:
		g.hub.Leave(client, models.ServerRoom(in.ServerID))
		client.Send(models.Event{Type: models.EventReady, UserID: userID, Rooms: g.hub.RoomsOf(client)})

	default:
		client.Send(errorEvent("bad_request", "unknown event type", in.Nonce))
	}
}

// reject reports a failed operation to the originating connection only.
func (g *Gateway) reject(client *Client, in models.Inbound, err error) {
	code := pipeline.ErrorCode(err)
	if errors.Is(err, presence.ErrInvalidStatus) {
		code = "validation"
	}
	message := err.Error()
	if code == "storage" || code == "internal" || code == "encryption" {
		logger.L().Error("realtime operation failed",
			zap.String("type", string(in.Type)),
			zap.Int64("user_id", client.info.UserID),
			zap.Error(err))
		message = "operation failed"
	}
	client.Send(errorEvent(code, message, in.Nonce))
}

// reserve takes one compose token, or reports how long until one is free.
func reserve(limiter *rate.Limiter) (time.Duration, bool) {
	if limiter == nil {
		return 0, true
	}
	now := time.Now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, false
	}
	wait := r.DelayFrom(now)
	if wait == 0 {
		return 0, true
	}
	r.CancelAt(now)
	return wait, false
}

func errorEvent(code, message, ref string) models.Event {
	return models.Event{Type: models.EventError, Error: &models.ErrorInfo{Code: code, Message: message, Ref: ref}}
}

func (g *Gateway) lifecycleEvent(ctx context.Context, info ConnInfo, name, reason string) {
	if name != "ws_error" {
		observability.IncWSEvent("in", name)
	}
	observability.PublishEvent(ctx, "ws_events.sessions", observability.NewEnvelope("ws_events", name, map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       name,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}), observability.BuildHeaders(info.RequestID, info.TraceID))
}
