package models

import (
	"fmt"
	"strconv"
)

// Status is a user's presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// ParseStatus accepts the four known statuses.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// UserRoom is the per-user room every connection of that user joins.
func UserRoom(userID int64) string {
	return "user-" + strconv.FormatInt(userID, 10)
}

// ServerRoom is the broadcast room for a server's channels.
func ServerRoom(serverID int64) string {
	return "server-" + strconv.FormatInt(serverID, 10)
}
