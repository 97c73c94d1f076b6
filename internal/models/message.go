package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScopeKind distinguishes broadcast channels from pairwise conversations.
type ScopeKind string

const (
	ScopeChannel      ScopeKind = "channel"
	ScopeConversation ScopeKind = "conversation"
)

// Scope addresses exactly one channel or one conversation.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   int64     `json:"id"`
}

// ChannelScope returns the scope of channel id.
func ChannelScope(id int64) Scope { return Scope{Kind: ScopeChannel, ID: id} }

// ConversationScope returns the scope of conversation id.
func ConversationScope(id int64) Scope { return Scope{Kind: ScopeConversation, ID: id} }

// Valid reports whether s names a recognized kind and a positive id.
func (s Scope) Valid() bool {
	return (s.Kind == ScopeChannel || s.Kind == ScopeConversation) && s.ID > 0
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + strconv.FormatInt(s.ID, 10)
}

// ParseScope parses the "kind:id" form produced by String.
func ParseScope(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q", raw)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("invalid scope id %q", id)
	}
	s := Scope{Kind: ScopeKind(kind), ID: n}
	if !s.Valid() {
		return Scope{}, fmt.Errorf("invalid scope %q", raw)
	}
	return s, nil
}

// MessageKind tags the shape of a message's content.
type MessageKind string

const (
	KindText            MessageKind = "text"
	KindWithAttachments MessageKind = "attachments"
)

// Attachment references an assembled upload.
type Attachment struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// Attachments is stored as a JSONB column.
type Attachments []Attachment

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if len(a) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal([]Attachment(a))
	if err != nil {
		return nil, err
	}
	// lib/pq encodes []byte parameters as bytea; jsonb needs text.
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]Attachment)(a))
	case string:
		return json.Unmarshal([]byte(v), (*[]Attachment)(a))
	default:
		return fmt.Errorf("attachments: unsupported type %T", src)
	}
}

// Content is the tagged union of message payloads: a text message carries
// only a body, a message with attachments carries at least one attachment.
type Content struct {
	Kind        MessageKind
	Body        string
	Attachments []Attachment
}

// TextContent builds a text-only payload.
func TextContent(body string) Content {
	return Content{Kind: KindText, Body: body}
}

// AttachmentContent builds a payload carrying attachments and an optional caption.
func AttachmentContent(body string, attachments []Attachment) Content {
	return Content{Kind: KindWithAttachments, Body: body, Attachments: attachments}
}

// NewContent picks the variant from whether attachments are present.
func NewContent(body string, attachments []Attachment) Content {
	if len(attachments) > 0 {
		return AttachmentContent(body, attachments)
	}
	return TextContent(body)
}

var ErrEmptyContent = errors.New("message has neither body nor attachments")

// Validate enforces the per-variant shape.
func (c Content) Validate() error {
	switch c.Kind {
	case KindText:
		if len(c.Attachments) > 0 {
			return errors.New("text message cannot carry attachments")
		}
		if strings.TrimSpace(c.Body) == "" {
			return ErrEmptyContent
		}
	case KindWithAttachments:
		if len(c.Attachments) == 0 {
			return errors.New("attachment message without attachments")
		}
		for _, att := range c.Attachments {
			if att.URL == "" {
				return errors.New("attachment url is required")
			}
		}
	default:
		return fmt.Errorf("unknown message kind %q", c.Kind)
	}
	return nil
}

// StoredMessage is the at-rest row. Body is only ever held as Ciphertext.
type StoredMessage struct {
	ID             int64       `db:"id"`
	AuthorID       int64       `db:"author_id"`
	ChannelID      *int64      `db:"channel_id"`
	ConversationID *int64      `db:"conversation_id"`
	Kind           MessageKind `db:"kind"`
	Ciphertext     []byte      `db:"ciphertext"`
	Attachments    Attachments `db:"attachments"`
	CreatedAt      time.Time   `db:"created_at"`
}

// Scope reports the delivery scope of the row.
func (m StoredMessage) Scope() Scope {
	if m.ChannelID != nil {
		return ChannelScope(*m.ChannelID)
	}
	if m.ConversationID != nil {
		return ConversationScope(*m.ConversationID)
	}
	return Scope{}
}

// Message is the decrypted form delivered to clients.
type Message struct {
	ID          int64        `json:"id,string"`
	AuthorID    int64        `json:"author_id"`
	Scope       Scope        `json:"scope"`
	Kind        MessageKind  `json:"kind"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Nonce       string       `json:"nonce,omitempty"`
}
