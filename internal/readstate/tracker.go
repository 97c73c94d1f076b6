package readstate

import (
	"sync"

	"chat-realtime/internal/models"
)

// Tracker holds unread counts per scope. Counts are a cache rebuilt at
// session start and are never negative.
type Tracker struct {
	self int64

	mu        sync.Mutex
	counts    map[models.Scope]int
	active    models.Scope
	hasActive bool
}

func NewTracker(self int64) *Tracker {
	return &Tracker{self: self, counts: make(map[models.Scope]int)}
}

// Seed sets the count reconstructed from history and the marker.
func (t *Tracker) Seed(scope models.Scope, unread int) {
	if unread < 0 {
		unread = 0
	}
	t.mu.Lock()
	t.counts[scope] = unread
	t.mu.Unlock()
}

// SetActive marks the scope being viewed. Its count is kept until an
// acknowledgment for it lands.
func (t *Tracker) SetActive(scope models.Scope) {
	t.mu.Lock()
	t.active, t.hasActive = scope, true
	t.mu.Unlock()
}

// ClearActive is called when no scope is on screen.
func (t *Tracker) ClearActive() {
	t.mu.Lock()
	t.hasActive = false
	t.mu.Unlock()
}

// OnMessage counts a live message unless it is the user's own or its scope
// is on screen.
func (t *Tracker) OnMessage(msg models.Message) {
	if msg.AuthorID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasActive && t.active == msg.Scope {
		return
	}
	t.counts[msg.Scope]++
}

// OnAck zeroes the count of scope if it is the active one.
func (t *Tracker) OnAck(scope models.Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasActive && t.active == scope {
		t.counts[scope] = 0
	}
}

func (t *Tracker) Count(scope models.Scope) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[scope]
}

// Total sums every scope.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}
