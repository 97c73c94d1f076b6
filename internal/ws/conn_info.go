package ws

import "time"

type ConnInfo struct {
	ConnID      string
	UserID      int64
	DisplayName string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
