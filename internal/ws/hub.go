package ws

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Hub is the registry of rooms and the connections joined to them. Room
// membership is only mutated through Register, Join, Leave and Unregister.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

// Register joins c to its own user room plus rooms, atomically, and returns
// how many connections the user has afterwards.
func (h *Hub) Register(c *Client, rooms []string) int {
	self := models.UserRoom(c.info.UserID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(c, self)
	for _, room := range rooms {
		h.joinLocked(c, room)
	}
	return len(h.rooms[self])
}

// Unregister removes c from every room and returns how many connections the
// user still has.
func (h *Hub) Unregister(c *Client) int {
	self := models.UserRoom(c.info.UserID)

	h.mu.Lock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	remaining := len(h.rooms[self])
	h.mu.Unlock()

	c.close()
	return remaining
}

// Join adds c to room.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(c, room)
}

// Leave removes c from room. The self room cannot be left.
func (h *Hub) Leave(c *Client, room string) {
	if room == models.UserRoom(c.info.UserID) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) joinLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomsOf lists the rooms c has joined, sorted.
func (h *Hub) RoomsOf(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Emit queues event to every connection in room and returns how many
// connections accepted it. Delivery is at most once and best effort.
func (h *Hub) Emit(room string, event models.Event) int {
	return h.emit(room, event, 0)
}

// EmitExceptUser is Emit skipping every connection of userID.
func (h *Hub) EmitExceptUser(room string, event models.Event, userID int64) int {
	return h.emit(room, event, userID)
}

func (h *Hub) emit(room string, event models.Event, skipUser int64) int {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.L().Error("encode event", zap.String("type", string(event.Type)), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if skipUser != 0 && c.info.UserID == skipUser {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		ok := c.enqueue(payload)
		observability.IncFanout(ok)
		if !ok {
			logger.L().Warn("dropped event for slow connection",
				zap.String("room", room),
				zap.String("event", string(event.Type)),
				zap.String("conn_id", c.info.ConnID),
				zap.Int64("user_id", c.info.UserID))
			continue
		}
		observability.IncWSEvent("out", string(event.Type))
		delivered++
	}
	return delivered
}
