package readstate

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"chat-realtime/internal/models"
)

type pendingEntry struct {
	key string
	msg models.Message
}

// View is the merged message list of the scope a client is looking at.
// Confirmed messages are keyed by id; optimistic sends are keyed by a
// temporary key until the server echoes them back.
type View struct {
	scope        models.Scope
	participants []int64

	mu       sync.Mutex
	byID     map[int64]models.Message
	ids      []int64
	pending  []pendingEntry
	boundary int64
}

// NewView creates an empty view. For a conversation, participants are the
// two user ids allowed to author messages in it.
func NewView(scope models.Scope, participants ...int64) *View {
	return &View{
		scope:        scope,
		participants: participants,
		byID:         make(map[int64]models.Message),
	}
}

func (v *View) Scope() models.Scope { return v.scope }

// Load seeds the view with the newest page and the stored marker. The unread
// divider is placed after the marker only if the marker is in the page, and
// it is never moved afterwards.
func (v *View) Load(page []models.Message, marker int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.insertLocked(page)
	v.boundary = 0
	if _, ok := v.byID[marker]; ok && marker > 0 {
		v.boundary = marker
	}
}

// Boundary returns the id of the message the unread divider follows.
func (v *View) Boundary() (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.boundary, v.boundary > 0
}

// OlderAnchor is the id to page backwards from: the oldest held message.
func (v *View) OlderAnchor() (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.ids) == 0 {
		return 0, false
	}
	return v.ids[0], true
}

// NewerAnchor is the id to backfill forwards from: the newest held message.
func (v *View) NewerAnchor() (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.ids) == 0 {
		return 0, false
	}
	return v.ids[len(v.ids)-1], true
}

// AddOlder merges a descending page fetched before OlderAnchor.
func (v *View) AddOlder(page []models.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.insertLocked(page)
}

// AddNewer merges an ascending page fetched after NewerAnchor.
func (v *View) AddNewer(page []models.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.insertLocked(page)
}

// MergeLive adds a live-delivered message. It is dropped when it belongs to
// another scope or, in a conversation, when its author is not a participant.
// A message echoing a pending send replaces that entry.
func (v *View) MergeLive(msg models.Message) bool {
	if msg.Scope != v.scope || !v.allowedAuthor(msg.AuthorID) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if msg.Nonce != "" {
		for i, p := range v.pending {
			if p.key == msg.Nonce {
				v.pending = append(v.pending[:i], v.pending[i+1:]...)
				break
			}
		}
	}
	return v.insertLocked([]models.Message{msg}) == 1
}

func (v *View) allowedAuthor(authorID int64) bool {
	if v.scope.Kind != models.ScopeConversation || len(v.participants) == 0 {
		return true
	}
	for _, p := range v.participants {
		if p == authorID {
			return true
		}
	}
	return false
}

// AddPending shows an optimistic send and returns the temporary key to send
// as the compose nonce.
func (v *View) AddPending(authorID int64, content models.Content) string {
	key := uuid.NewString()
	v.mu.Lock()
	v.pending = append(v.pending, pendingEntry{key: key, msg: models.Message{
		AuthorID:    authorID,
		Scope:       v.scope,
		Kind:        content.Kind,
		Body:        content.Body,
		Attachments: content.Attachments,
		Nonce:       key,
	}})
	v.mu.Unlock()
	return key
}

// DropPending removes an optimistic send the server rejected.
func (v *View) DropPending(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, p := range v.pending {
		if p.key == key {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns confirmed messages in id order followed by pending sends.
func (v *View) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, 0, len(v.ids)+len(v.pending))
	for _, id := range v.ids {
		out = append(out, v.byID[id])
	}
	for _, p := range v.pending {
		out = append(out, p.msg)
	}
	return out
}

// Len counts confirmed messages.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.ids)
}

func (v *View) insertLocked(msgs []models.Message) int {
	added := 0
	for _, m := range msgs {
		if m.ID <= 0 || m.Scope != v.scope {
			continue
		}
		if _, dup := v.byID[m.ID]; dup {
			continue
		}
		v.byID[m.ID] = m
		added++
	}
	if added > 0 {
		v.ids = v.ids[:0]
		for id := range v.byID {
			v.ids = append(v.ids, id)
		}
		sort.Slice(v.ids, func(i, j int) bool { return v.ids[i] < v.ids[j] })
	}
	return added
}
