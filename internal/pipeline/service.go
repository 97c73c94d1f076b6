package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
)

// DefaultPageSize applies when a history page names no limit.
const DefaultPageSize = 50

// Fanout delivers events to rooms. Implemented by ws.Hub.
type Fanout interface {
	Emit(room string, event models.Event) int
	EmitExceptUser(room string, event models.Event, userID int64) int
}

// Codec seals message bodies before they reach storage.
type Codec interface {
	Seal(plaintext, binding []byte) ([]byte, error)
	Open(envelope, binding []byte) ([]byte, error)
}

// IDGenerator hands out time-sortable message ids.
type IDGenerator interface {
	Next() int64
}

// Deps groups the collaborators of Service.
type Deps struct {
	Messages      repositories.MessageRepository
	Conversations repositories.ConversationRepository
	Channels      repositories.ChannelRepository
	Members       repositories.MembershipLister
	Codec         Codec
	IDs           IDGenerator
	Fanout        Fanout
}

// Service is the message pipeline: validate, encrypt, persist, fan out.
type Service struct {
	messages      repositories.MessageRepository
	conversations repositories.ConversationRepository
	channels      repositories.ChannelRepository
	members       repositories.MembershipLister
	codec         Codec
	ids           IDGenerator
	fanout        Fanout
	tracer        trace.Tracer
	now           func() time.Time
}

// NewService builds the pipeline.
func NewService(d Deps) *Service {
	return &Service{
		messages:      d.Messages,
		conversations: d.Conversations,
		channels:      d.Channels,
		members:       d.Members,
		codec:         d.Codec,
		ids:           d.IDs,
		fanout:        d.Fanout,
		tracer:        otel.Tracer("chat-realtime/pipeline"),
		now:           time.Now,
	}
}

// PublishRequest is one compose from an authenticated sender. Exactly one of
// ChannelID, ConversationID and RecipientID must be set. RecipientID is for
// first contact, when the conversation may not exist yet.
type PublishRequest struct {
	SenderID       int64
	ChannelID      int64
	ConversationID int64
	RecipientID    int64
	Content        models.Content
	Nonce          string
}

func (r PublishRequest) targets() int {
	n := 0
	for _, id := range []int64{r.ChannelID, r.ConversationID, r.RecipientID} {
		if id > 0 {
			n++
		}
	}
	return n
}

// route is where a scope's events go.
type route struct {
	scope models.Scope
	rooms []string
}

// Publish persists exactly one message and fans it out. Errors are for the
// sender only; fan-out failures are never reported.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.publish")
	defer span.End()

	msg, err := s.publish(ctx, req)
	if err != nil {
		code := ErrorCode(err)
		observability.IncPublishFailure(code)
		span.SetStatus(codes.Error, code)
		span.RecordError(err)
		logger.L().Debug("publish rejected", zap.Int64("sender_id", req.SenderID), zap.String("code", code), zap.Error(err))
		return models.Message{}, err
	}
	span.SetAttributes(
		attribute.String("chat.scope", msg.Scope.String()),
		attribute.Int64("chat.message_id", msg.ID),
	)
	return msg, nil
}

func (s *Service) publish(ctx context.Context, req PublishRequest) (models.Message, error) {
	if req.targets() != 1 {
		return models.Message{}, ErrMissingTarget
	}
	if err := req.Content.Validate(); err != nil {
		return models.Message{}, &ValidationError{Reason: err.Error()}
	}

	var (
		rt  route
		err error
	)
	switch {
	case req.ChannelID > 0:
		rt, err = s.channelRoute(ctx, req.SenderID, req.ChannelID)
	case req.ConversationID > 0:
		rt, err = s.routeFor(ctx, req.SenderID, models.ConversationScope(req.ConversationID))
	default:
		rt, err = s.conversationRoute(ctx, req.SenderID, req.RecipientID)
	}
	if err != nil {
		return models.Message{}, err
	}

	id := s.ids.Next()
	sealed, err := s.codec.Seal([]byte(req.Content.Body), binding(rt.scope, id))
	if err != nil {
		return models.Message{}, err
	}

	record := models.StoredMessage{
		ID:          id,
		AuthorID:    req.SenderID,
		Kind:        req.Content.Kind,
		Ciphertext:  sealed,
		Attachments: models.Attachments(req.Content.Attachments),
		CreatedAt:   s.now().UTC(),
	}
	scopeID := rt.scope.ID
	if rt.scope.Kind == models.ScopeChannel {
		record.ChannelID = &scopeID
	} else {
		record.ConversationID = &scopeID
	}

	stored, err := s.messages.Append(ctx, record)
	if err != nil {
		return models.Message{}, storageErr("append message", err)
	}

	msg, err := s.reveal(stored)
	if err != nil {
		return models.Message{}, err
	}
	msg.Nonce = req.Nonce

	event := models.Event{Type: models.EventMessage, Message: &msg}
	for _, room := range rt.rooms {
		s.fanout.Emit(room, event)
	}

	observability.IncMessagePublished(string(rt.scope.Kind))
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	observability.PublishEvent(ctx, "messages.published", observability.NewEnvelope("messages", "message_published", map[string]interface{}{
		"message_id": msg.ID,
		"author_id":  msg.AuthorID,
		"scope":      msg.Scope.String(),
		"kind":       msg.Kind,
	}), observability.BuildHeaders("", traceID))
	return msg, nil
}

func (s *Service) channelRoute(ctx context.Context, userID, channelID int64) (route, error) {
	ch, err := s.channels.GetChannel(ctx, channelID)
	if errors.Is(err, repositories.ErrChannelNotFound) {
		return route{}, ErrScopeNotFound
	}
	if err != nil {
		return route{}, storageErr("get channel", err)
	}
	member, err := s.members.IsMember(ctx, ch.ServerID, userID)
	if err != nil {
		return route{}, storageErr("check membership", err)
	}
	if !member {
		return route{}, ErrForbidden
	}
	return route{scope: models.ChannelScope(ch.ID), rooms: []string{models.ServerRoom(ch.ServerID)}}, nil
}

func (s *Service) conversationRoute(ctx context.Context, senderID, recipientID int64) (route, error) {
	if senderID == recipientID {
		return route{}, &ValidationError{Reason: "cannot message yourself"}
	}
	conv, err := s.conversations.CreateOrGet(ctx, senderID, recipientID)
	if err != nil {
		return route{}, storageErr("create conversation", err)
	}
	return conversationRouteOf(conv), nil
}

// Participants of a conversation are reached through their own rooms, never
// a shared one.
func conversationRouteOf(conv models.Conversation) route {
	return route{
		scope: models.ConversationScope(conv.ID),
		rooms: []string{models.UserRoom(conv.User1ID), models.UserRoom(conv.User2ID)},
	}
}

// Authorize checks userID may read and acknowledge scope.
func (s *Service) Authorize(ctx context.Context, userID int64, scope models.Scope) error {
	_, err := s.routeFor(ctx, userID, scope)
	return err
}

func (s *Service) routeFor(ctx context.Context, userID int64, scope models.Scope) (route, error) {
	if !scope.Valid() {
		return route{}, ErrMissingTarget
	}
	if scope.Kind == models.ScopeChannel {
		return s.channelRoute(ctx, userID, scope.ID)
	}
	conv, err := s.conversations.Get(ctx, scope.ID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return route{}, ErrScopeNotFound
	}
	if err != nil {
		return route{}, storageErr("get conversation", err)
	}
	if !conv.Has(userID) {
		return route{}, ErrForbidden
	}
	return conversationRouteOf(conv), nil
}

// Conversation resolves the conversation between userID and otherID,
// creating it on first use.
func (s *Service) Conversation(ctx context.Context, userID, otherID int64) (models.Conversation, error) {
	if otherID <= 0 || userID == otherID {
		return models.Conversation{}, &ValidationError{Reason: "invalid counterparty"}
	}
	conv, err := s.conversations.CreateOrGet(ctx, userID, otherID)
	if err != nil {
		return models.Conversation{}, storageErr("create conversation", err)
	}
	return conv, nil
}

// History returns one decrypted page of scope for userID.
func (s *Service) History(ctx context.Context, userID int64, scope models.Scope, page repositories.Page) ([]models.Message, error) {
	if _, err := s.routeFor(ctx, userID, scope); err != nil {
		return nil, err
	}
	if page.Before > 0 && page.After > 0 {
		return nil, &ValidationError{Reason: "before and after are exclusive"}
	}
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}

	stored, err := s.messages.List(ctx, scope, page)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	out := make([]models.Message, 0, len(stored))
	for _, m := range stored {
		msg, err := s.reveal(m)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// MessageInScope reports whether messageID exists and belongs to scope.
func (s *Service) MessageInScope(ctx context.Context, scope models.Scope, messageID int64) (bool, error) {
	m, err := s.messages.Get(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get message", err)
	}
	return m.Scope() == scope, nil
}

// Typing fans out a typing indicator. Nothing is persisted.
func (s *Service) Typing(ctx context.Context, userID int64, scope models.Scope) error {
	rt, err := s.routeFor(ctx, userID, scope)
	if err != nil {
		return err
	}
	event := models.Event{Type: models.EventTyping, UserID: userID, Scope: &rt.scope}
	if scope.Kind == models.ScopeChannel {
		s.fanout.EmitExceptUser(rt.rooms[0], event, userID)
		return nil
	}
	for _, room := range rt.rooms {
		if room != models.UserRoom(userID) {
			s.fanout.Emit(room, event)
		}
	}
	return nil
}

func (s *Service) reveal(m models.StoredMessage) (models.Message, error) {
	scope := m.Scope()
	body, err := s.codec.Open(m.Ciphertext, binding(scope, m.ID))
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:        m.ID,
		AuthorID:  m.AuthorID,
		Scope:     scope,
		Kind:      m.Kind,
		Body:      string(body),
		CreatedAt: m.CreatedAt,
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = []models.Attachment(m.Attachments)
	}
	return msg, nil
}

// binding ties a ciphertext to its row so envelopes cannot be swapped
// between messages or scopes.
func binding(scope models.Scope, id int64) []byte {
	return []byte(scope.String() + ":" + strconv.FormatInt(id, 10))
}
