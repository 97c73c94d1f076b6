package readstate

import (
	"sync"
	"time"

	"chat-realtime/internal/models"
)

// AckFunc sends one acknowledgment to the server.
type AckFunc func(scope models.Scope, messageID int64)

// Acker debounces acknowledgments for one view. An ack is scheduled only
// while the viewport is within Proximity of the newest message and the view
// holds at least one message; when the timer fires it acknowledges whatever
// is last in the view at that moment.
type Acker struct {
	view      *View
	delay     time.Duration
	proximity int
	send      AckFunc

	mu      sync.Mutex
	timer   *time.Timer
	lastAck int64
	stopped bool
}

func NewAcker(view *View, delay time.Duration, proximity int, send AckFunc) *Acker {
	return &Acker{view: view, delay: delay, proximity: proximity, send: send}
}

// Observe reports how many messages sit below the viewport. It returns
// whether an acknowledgment is scheduled.
func (a *Acker) Observe(distanceFromBottom int) bool {
	if distanceFromBottom > a.proximity || a.view.Len() == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	if a.timer == nil {
		a.timer = time.AfterFunc(a.delay, a.fire)
	}
	return true
}

func (a *Acker) fire() {
	a.mu.Lock()
	a.timer = nil
	if a.stopped {
		a.mu.Unlock()
		return
	}
	id, ok := a.view.NewerAnchor()
	if !ok || id == a.lastAck {
		a.mu.Unlock()
		return
	}
	a.lastAck = id
	a.mu.Unlock()

	a.send(a.view.Scope(), id)
}

// LastAcked is the id most recently sent.
func (a *Acker) LastAcked() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAck
}

// Stop cancels a scheduled acknowledgment.
func (a *Acker) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
