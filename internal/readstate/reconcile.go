// Package readstate is the client half of read-state reconciliation: it
// merges history pages, live deliveries and the stored read marker into one
// ordered, deduplicated view and keeps unread counts for inactive scopes.
// Nothing here touches the network.
package readstate

import (
	"sort"

	"chat-realtime/internal/models"
)

// Result is the reconciled state of one scope.
type Result struct {
	Messages []models.Message
	// Boundary is the index in Messages of the last read message, or -1 when
	// the marker is absent or outside the loaded window.
	Boundary int
	Unread   int
}

// Reconcile merges history and live messages by id, orders them ascending
// and counts the messages newer than marker. A zero marker means the scope
// was never acknowledged, so everything loaded is unread.
func Reconcile(history []models.Message, marker int64, live []models.Message) Result {
	byID := make(map[int64]models.Message, len(history)+len(live))
	for _, m := range history {
		byID[m.ID] = m
	}
	for _, m := range live {
		if _, ok := byID[m.ID]; !ok {
			byID[m.ID] = m
		}
	}

	res := Result{Messages: make([]models.Message, 0, len(byID)), Boundary: -1}
	for _, m := range byID {
		res.Messages = append(res.Messages, m)
	}
	sort.Slice(res.Messages, func(i, j int) bool { return res.Messages[i].ID < res.Messages[j].ID })

	for i, m := range res.Messages {
		if marker > 0 && m.ID == marker {
			res.Boundary = i
		}
		if m.ID > marker {
			res.Unread++
		}
	}
	return res
}
