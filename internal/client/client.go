// Package client is a Go realtime client. It keeps a readstate.View of the
// open scope and a readstate.Tracker of unread counts in step with the
// events the server pushes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/readstate"
)

var ErrNoOpenScope = errors.New("no scope is open")

type Options struct {
	PageSize      int
	AckDelay      time.Duration
	AckProximity  int
	EventBuffer   int
	HTTPClient    *http.Client
	HandshakeWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.AckDelay <= 0 {
		o.AckDelay = 500 * time.Millisecond
	}
	if o.AckProximity <= 0 {
		o.AckProximity = 3
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.HandshakeWait <= 0 {
		o.HandshakeWait = 5 * time.Second
	}
	return o
}

// Client is one signed-in session.
type Client struct {
	baseURL string
	token   string
	opts    Options
	self    int64
	rooms   []string

	conn    *websocket.Conn
	writeMu sync.Mutex

	tracker *readstate.Tracker
	events  chan models.Event
	done    chan struct{}

	mu        sync.Mutex
	view      *readstate.View
	acker     *readstate.Acker
	recipient int64
}

// Dial opens the realtime connection and waits for the ready event.
func Dial(ctx context.Context, baseURL, token string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	wsURL, err := toWebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"/ws", header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.HandshakeWait))
	var ready models.Event
	if err := conn.ReadJSON(&ready); err != nil || ready.Type != models.EventReady {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: expected ready event: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		opts:    opts,
		self:    ready.UserID,
		rooms:   ready.Rooms,
		conn:    conn,
		tracker: readstate.NewTracker(ready.UserID),
		events:  make(chan models.Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) UserID() int64 { return c.self }
func (c *Client) Rooms() []string { return c.rooms }
func (c *Client) Tracker() *readstate.Tracker { return c.tracker }
func (c *Client) Events() <-chan models.Event { return c.events }
func (c *Client) Done() <-chan struct{} { return c.done }

// View returns the open scope's view, or nil.
func (c *Client) View() *readstate.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.acker != nil {
		c.acker.Stop()
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// OpenChannel loads the newest page and the marker of a channel and makes it
// the active scope.
func (c *Client) OpenChannel(ctx context.Context, channelID int64) (readstate.Result, error) {
	base := "/channels/" + strconv.FormatInt(channelID, 10)
	return c.open(ctx, base, 0)
}

// OpenConversation does the same for the conversation with otherID.
func (c *Client) OpenConversation(ctx context.Context, otherID int64) (readstate.Result, error) {
	base := "/conversations/" + strconv.FormatInt(otherID, 10)
	return c.open(ctx, base, otherID)
}

func (c *Client) open(ctx context.Context, base string, otherID int64) (readstate.Result, error) {
	page, err := c.fetchPage(ctx, base, url.Values{"limit": {strconv.Itoa(c.opts.PageSize)}})
	if err != nil {
		return readstate.Result{}, err
	}
	marker, err := c.fetchMarker(ctx, base)
	if err != nil {
		return readstate.Result{}, err
	}

	var view *readstate.View
	if otherID > 0 {
		view = readstate.NewView(page.Scope, c.self, otherID)
	} else {
		view = readstate.NewView(page.Scope)
	}
	view.Load(page.Messages, marker)
	result := readstate.Reconcile(page.Messages, marker, nil)

	c.mu.Lock()
	if c.acker != nil {
		c.acker.Stop()
	}
	c.view = view
	c.recipient = otherID
	c.acker = readstate.NewAcker(view, c.opts.AckDelay, c.opts.AckProximity, c.sendAck)
	c.mu.Unlock()

	c.tracker.Seed(page.Scope, result.Unread)
	c.tracker.SetActive(page.Scope)
	return result, nil
}

// LoadOlder fetches the page before the oldest held message.
func (c *Client) LoadOlder(ctx context.Context) (int, error) {
	view, base, err := c.activeBase()
	if err != nil {
		return 0, err
	}
	anchor, ok := view.OlderAnchor()
	if !ok {
		return 0, nil
	}
	page, err := c.fetchPage(ctx, base, url.Values{
		"limit":  {strconv.Itoa(c.opts.PageSize)},
		"before": {strconv.FormatInt(anchor, 10)},
	})
	if err != nil {
		return 0, err
	}
	return view.AddOlder(page.Messages), nil
}

// Backfill fetches what was missed after the newest held message, e.g.
// after a reconnect.
func (c *Client) Backfill(ctx context.Context) (int, error) {
	view, base, err := c.activeBase()
	if err != nil {
		return 0, err
	}
	anchor, ok := view.NewerAnchor()
	if !ok {
		return 0, nil
	}
	page, err := c.fetchPage(ctx, base, url.Values{
		"limit": {strconv.Itoa(c.opts.PageSize)},
		"after": {strconv.FormatInt(anchor, 10)},
	})
	if err != nil {
		return 0, err
	}
	return view.AddNewer(page.Messages), nil
}

// Send composes into the active scope and returns the pending entry's key.
func (c *Client) Send(content models.Content) (string, error) {
	c.mu.Lock()
	view, recipient := c.view, c.recipient
	c.mu.Unlock()
	if view == nil {
		return "", ErrNoOpenScope
	}

	nonce := view.AddPending(c.self, content)
	in := models.Inbound{
		Type:        models.InboundCompose,
		Body:        content.Body,
		Attachments: content.Attachments,
		Nonce:       nonce,
	}
	if view.Scope().Kind == models.ScopeChannel {
		in.ChannelID = view.Scope().ID
	} else {
		in.RecipientID = recipient
	}
	if err := c.write(in); err != nil {
		view.DropPending(nonce)
		return "", err
	}
	return nonce, nil
}

// Viewport reports how many messages are below the visible area.
func (c *Client) Viewport(distanceFromBottom int) bool {
	c.mu.Lock()
	acker := c.acker
	c.mu.Unlock()
	if acker == nil {
		return false
	}
	return acker.Observe(distanceFromBottom)
}

// Typing signals the active scope.
func (c *Client) Typing() error {
	view := c.View()
	if view == nil {
		return ErrNoOpenScope
	}
	scope := view.Scope()
	return c.write(models.Inbound{Type: models.InboundTyping, Scope: &scope})
}

// SetStatus changes the user's presence.
func (c *Client) SetStatus(status models.Status) error {
	return c.write(models.Inbound{Type: models.InboundSetStatus, Status: status})
}

func (c *Client) sendAck(scope models.Scope, messageID int64) {
	if err := c.write(models.Inbound{Type: models.InboundAck, Scope: &scope, MessageID: messageID}); err != nil {
		logger.L().Debug("ack not sent", zap.String("scope", scope.String()), zap.Error(err))
	}
}

func (c *Client) write(in models.Inbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(in)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var ev models.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		c.apply(ev)
		select {
		case c.events <- ev:
		default:
			logger.L().Debug("client event buffer full", zap.String("type", string(ev.Type)))
		}
	}
}

// apply folds a server event into the view and the tracker.
func (c *Client) apply(ev models.Event) {
	view := c.View()
	switch ev.Type {
	case models.EventMessage:
		if ev.Message == nil {
			return
		}
		if view != nil {
			view.MergeLive(*ev.Message)
		}
		c.tracker.OnMessage(*ev.Message)
	case models.EventAckConfirmed:
		if ev.Scope != nil {
			c.tracker.OnAck(*ev.Scope)
		}
	case models.EventError:
		if view != nil && ev.Error != nil && ev.Error.Ref != "" {
			view.DropPending(ev.Error.Ref)
		}
	}
}

func (c *Client) activeBase() (*readstate.View, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return nil, "", ErrNoOpenScope
	}
	if c.view.Scope().Kind == models.ScopeChannel {
		return c.view, "/channels/" + strconv.FormatInt(c.view.Scope().ID, 10), nil
	}
	return c.view, "/conversations/" + strconv.FormatInt(c.recipient, 10), nil
}

type pageResponse struct {
	Scope    models.Scope     `json:"scope"`
	Messages []models.Message `json:"messages"`
}

func (c *Client) fetchPage(ctx context.Context, base string, query url.Values) (pageResponse, error) {
	var page pageResponse
	err := c.getJSON(ctx, base+"/messages?"+query.Encode(), &page)
	return page, err
}

func (c *Client) fetchMarker(ctx context.Context, base string) (int64, error) {
	var resp struct {
		MessageID *string `json:"message_id"`
	}
	if err := c.getJSON(ctx, base+"/read-marker", &resp); err != nil {
		return 0, err
	}
	if resp.MessageID == nil {
		return 0, nil
	}
	return strconv.ParseInt(*resp.MessageID, 10, 64)
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func toWebsocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
