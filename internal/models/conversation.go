package models

import "time"

// Conversation is a pairwise scope. User1ID < User2ID always holds.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	User1ID   int64     `db:"user1_id" json:"user1_id"`
	User2ID   int64     `db:"user2_id" json:"user2_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Has reports whether userID is one of the two participants.
func (c Conversation) Has(userID int64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Other returns the counterparty of userID.
func (c Conversation) Other(userID int64) int64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// CanonicalPair orders two user ids so that the smaller comes first.
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Channel is a broadcast scope inside a server.
type Channel struct {
	ID       int64  `db:"id" json:"id"`
	ServerID int64  `db:"server_id" json:"server_id"`
	Name     string `db:"name" json:"name"`
}

// ReadMarker is the last message a user acknowledged in a scope.
type ReadMarker struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	ScopeKind ScopeKind `db:"scope_kind" json:"scope_kind"`
	ScopeID   int64     `db:"scope_id" json:"scope_id"`
	MessageID int64     `db:"message_id" json:"message_id,string"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
