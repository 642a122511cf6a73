// Package v1 defines the courier real-time protocol v1 contract.
//
// This package is dependency-light and shared between the server and clients so the wire
// protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must offer.
const Subprotocol = "courier.realtime.v1"

// Client -> server event types.
const (
	// TypeChatMessage appends a message to a chat.
	TypeChatMessage = "chat:message"
	// TypeChatCreate finds or creates a chat.
	TypeChatCreate = "chat:create"
	// TypeChatEdit renames, describes or extends a group or broadcast chat.
	TypeChatEdit = "chat:edit"
	// TypeChatRead marks messages as read. Without message ids it marks the whole chat.
	TypeChatRead = "chat:read"
	// TypeChatAutomatedMessage sends a system message to many users (admin role only).
	TypeChatAutomatedMessage = "chat:automatedMessage"
	// TypeLogout closes the session.
	TypeLogout = "logout"
)

// Server -> client event types.
const (
	// TypeReady is sent once the session is subscribed to its rooms.
	TypeReady = "session:ready"

	// TypeNewMessage is delivered to a chat room when a message is appended.
	TypeNewMessage = "chat:newMessage"
	// TypeMessageAck answers a chat:message with the stored message ids.
	TypeMessageAck = "chat:messageAck"
	// TypeNewChat is delivered to the user room of each recipient of a new chat.
	TypeNewChat = "chat:newChat"
	// TypeChatCreateAck answers a chat:create with the canonical chat.
	TypeChatCreateAck = "chat:createAck"
	// TypeMessageRead is delivered to a chat room when a participant reads messages.
	TypeMessageRead = "chat:messageRead"
	// TypeUpdatedChat is delivered to each participant's user room after an edit.
	TypeUpdatedChat = "chat:updatedChat"
	// TypeAutomatedMessageAck answers a chat:automatedMessage with the chats that received it.
	TypeAutomatedMessageAck = "chat:automatedMessageAck"

	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Inbound reports whether typ is a client -> server event.
func Inbound(typ string) bool {
	switch typ {
	case TypeChatMessage,
		TypeChatCreate,
		TypeChatEdit,
		TypeChatRead,
		TypeChatAutomatedMessage,
		TypeLogout:
		return true
	default:
		return false
	}
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation of an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !Inbound(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Shared shapes ----

// Attachment is a media item owned by a message.
type Attachment struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a stored chat message.
type Message struct {
	ID          string       `json:"id"`
	LocalID     string       `json:"localId,omitempty"`
	ChatID      string       `json:"chatId"`
	Seq         int64        `json:"seq"`
	Content     string       `json:"content"`
	Sender      string       `json:"sender"`
	Timestamp   time.Time    `json:"timestamp"`
	ReadBy      []string     `json:"readBy"`
	MessageType string       `json:"messageType"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Status      string       `json:"status"`
}

// Chat is a chat header, optionally with a window of its latest messages.
type Chat struct {
	ID           string    `json:"id"`
	LocalID      string    `json:"localId,omitempty"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	Participants []string  `json:"participants"`
	Admins       []string  `json:"admins,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Status       string    `json:"status"`
}

// MessageInput is a message as submitted by a client.
type MessageInput struct {
	LocalID     string       `json:"localId,omitempty"`
	Content     string       `json:"content"`
	MessageType string       `json:"messageType"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ---- Client payloads ----

// ChatMessagePayload appends Message to ChatID.
type ChatMessagePayload struct {
	ChatID  string       `json:"chatId"`
	Message MessageInput `json:"message"`
}

// ChatCreatePayload describes the chat to find or create.
type ChatCreatePayload struct {
	LocalID      string   `json:"localId,omitempty"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
	Admins       []string `json:"admins,omitempty"`
}

// ChatEditPayload changes chat metadata. Absent fields are left unchanged.
type ChatEditPayload struct {
	ChatID          string   `json:"chatId"`
	Name            *string  `json:"name,omitempty"`
	Description     *string  `json:"description,omitempty"`
	AddParticipants []string `json:"addParticipants,omitempty"`
}

// ChatReadPayload marks the messages with the listed local ids as read.
type ChatReadPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// AutomatedMessagePayload sends Message from the system bot to every target user.
type AutomatedMessagePayload struct {
	Targets []string     `json:"targets"`
	Message MessageInput `json:"message"`
}

// ---- Server payloads ----

// ReadyPayload confirms the session and lists the chat rooms it joined.
type ReadyPayload struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	ChatIDs   []string `json:"chatIds"`
}

// NewMessagePayload carries a newly appended message.
type NewMessagePayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// MessageAckPayload acknowledges a chat:message. Duplicated is set when the local id was
// already stored; no chat:newMessage follows in that case.
type MessageAckPayload struct {
	ChatID     string `json:"chatId"`
	LocalID    string `json:"localId,omitempty"`
	MessageID  string `json:"messageId"`
	Seq        int64  `json:"seq"`
	Duplicated bool   `json:"duplicated,omitempty"`
}

// ChatPayload carries a chat for chat:newChat and chat:updatedChat.
type ChatPayload struct {
	Chat Chat `json:"chat"`
}

// ChatCreateAckPayload answers a chat:create.
type ChatCreateAckPayload struct {
	Chat    Chat `json:"chat"`
	Created bool `json:"created"`
}

// MessageReadPayload reports that UserID read the listed messages of ChatID.
type MessageReadPayload struct {
	ChatID     string   `json:"chatId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

// AutomatedMessageAckPayload lists the chats that received an automated message.
type AutomatedMessageAckPayload struct {
	ChatIDs []string `json:"chatIds"`
}

// ErrorPayload is a generic error response payload. Ref is the id of the envelope it answers.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
