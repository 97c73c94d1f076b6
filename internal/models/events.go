package models

// EventType names an outbound realtime event.
type EventType string

const (
	EventReady        EventType = "ready"
	EventMessage      EventType = "message"
	EventAckConfirmed EventType = "ack_confirmed"
	EventTyping       EventType = "typing"
	EventPresence     EventType = "presence"
	EventRateLimited  EventType = "rate_limited"
	EventError        EventType = "error"
)

// Event is written to websocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Message   *Message    `json:"message,omitempty"`
	Scope     *Scope      `json:"scope,omitempty"`
	MessageID int64       `json:"message_id,string,omitempty"`
	UserID    int64       `json:"user_id,omitempty"`
	Status    Status      `json:"status,omitempty"`
	WaitMS    int64       `json:"wait_ms,omitempty"`
	Rooms     []string    `json:"rooms,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo is delivered to the originating connection only.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// InboundType names a client-to-server realtime event.
type InboundType string

const (
	InboundCompose     InboundType = "compose"
	InboundAck         InboundType = "ack"
	InboundTyping      InboundType = "typing"
	InboundSetStatus   InboundType = "set_status"
	InboundJoinServer  InboundType = "join_server"
	InboundLeaveServer InboundType = "leave_server"
)

// Inbound is read from websocket clients.
type Inbound struct {
	Type        InboundType  `json:"type"`
	ChannelID   int64        `json:"channel_id,omitempty"`
	RecipientID int64        `json:"recipient_id,omitempty"`
	Scope       *Scope       `json:"scope,omitempty"`
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Nonce       string       `json:"nonce,omitempty"`
	MessageID   int64        `json:"message_id,string,omitempty"`
	Status      Status       `json:"status,omitempty"`
	ServerID    int64        `json:"server_id,omitempty"`
}
