// Package chat implements courier's chat subsystem: chat identity and deduplication,
// the append-only message ledger, read receipts, and the broadcast dispatcher.
//
// Persistence lives behind Store. Real-time delivery is a best-effort hint behind Notifier;
// the store is always the source of truth.
package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ChatType selects the identity rule of a chat.
type ChatType string

const (
	TypeSimple    ChatType = "simple"
	TypeGroup     ChatType = "group"
	TypeBroadcast ChatType = "broadcast"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case TypeSimple, TypeGroup, TypeBroadcast:
		return true
	default:
		return false
	}
}

// ChatStatus tracks the creation state of a chat.
type ChatStatus string

const (
	ChatPending ChatStatus = "pending"
	ChatCreated ChatStatus = "created"
	ChatFailed  ChatStatus = "failed"
)

// MessageType categorizes a message.
type MessageType string

const (
	MessageRegular MessageType = "message"
	MessageAlert   MessageType = "alert"
	MessagePromo   MessageType = "promo"
	MessageVisit   MessageType = "visit"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRegular, MessageAlert, MessagePromo, MessageVisit:
		return true
	default:
		return false
	}
}

// MessageStatus tracks the delivery state of a message.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// MediaKind is the kind of an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Attachment is owned by its message and is never deleted independently.
type Attachment struct {
	URL       string    `json:"url" validate:"required,url,max=2048"`
	Kind      MediaKind `json:"type" validate:"required,oneof=image video audio file"`
	FileName  string    `json:"fileName,omitempty" validate:"max=255"`
	Size      int64     `json:"size,omitempty" validate:"gte=0"`
	ChatID    string    `json:"chatId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

// Message is immutable after insertion except for ReadBy.
type Message struct {
	ID          string        `json:"id"`
	LocalID     string        `json:"localId,omitempty"`
	ChatID      string        `json:"chatId"`
	Seq         int64         `json:"seq"`
	Content     string        `json:"content"`
	Sender      string        `json:"sender"`
	Timestamp   time.Time     `json:"timestamp"`
	ReadBy      []string      `json:"readBy"`
	MessageType MessageType   `json:"messageType"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Status      MessageStatus `json:"status"`
}

// Chat is a conversation and, when loaded with messages, a window of its ledger.
type Chat struct {
	ID           string     `json:"id"`
	LocalID      string     `json:"localId,omitempty"`
	Type         ChatType   `json:"type"`
	Name         string     `json:"name,omitempty"`
	Description  string     `json:"description,omitempty"`
	Participants []string   `json:"participants"`
	Admins       []string   `json:"admins,omitempty"`
	Messages     []Message  `json:"messages,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Status       ChatStatus `json:"status"`

	// DedupKey is the canonical identity digest; see DedupKey.
	DedupKey string `json:"-"`
}

// HasParticipant reports whether userID may read and write this chat.
func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && slices.Contains(c.Participants, userID)
}

// HasAdmin reports whether userID administers this chat.
func (c Chat) HasAdmin(userID string) bool {
	return userID != "" && slices.Contains(c.Admins, userID)
}

// Header returns c without its message window.
func (c Chat) Header() Chat {
	c.Messages = nil
	return c
}

// FullyRead reports whether every intended reader has seen m.
// It is derived from ReadBy and never stored.
func (c Chat) FullyRead(m Message) bool {
	switch c.Type {
	case TypeSimple:
		return len(m.ReadBy) == 2
	case TypeGroup, TypeBroadcast:
		return len(m.ReadBy) == len(c.Participants)-1
	default:
		return false
	}
}

// normalizeIDs returns ids trimmed, de-duplicated and sorted, with empty entries removed.
func normalizeIDs(ids []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(ids, func(id string, _ int) string {
		return strings.TrimSpace(id)
	})))
	slices.Sort(out)
	return out
}
