package realtime

import (
	"encoding/json"
	"time"

	"courier/cmd/internal/chat"
	v1 "courier/shared/contracts/realtime/v1"
)

// Fanout turns committed chat changes into envelopes for the rooms of a Registry.
// It implements chat.Notifier; every method returns without waiting on a client.
type Fanout struct {
	reg *Registry
	now func() time.Time
}

var _ chat.Notifier = (*Fanout)(nil)

// NewFanout constructs a Fanout delivering through reg.
func NewFanout(reg *Registry) *Fanout {
	return &Fanout{reg: reg, now: func() time.Time { return time.Now().UTC() }}
}

// MessageAppended delivers chat:newMessage to the chat room.
func (f *Fanout) MessageAppended(c chat.Chat, m chat.Message) {
	f.reg.ToChat(c.ID, f.envelope(v1.TypeNewMessage, v1.NewMessagePayload{
		ChatID:  c.ID,
		Message: toWireMessage(m),
	}))
}

// ChatCreated joins the live sessions of recipients to the chat room and delivers
// chat:newChat to each recipient's user room.
func (f *Fanout) ChatCreated(c chat.Chat, recipients []string) {
	f.reg.Subscribe(c.ID, recipients...)

	env := f.envelope(v1.TypeNewChat, v1.ChatPayload{Chat: toWireChat(c)})
	for _, userID := range recipients {
		f.reg.ToUser(userID, env)
	}
}

// MessagesRead delivers chat:messageRead to the chat room.
func (f *Fanout) MessagesRead(chatID, readerID string, localIDs []string) {
	f.reg.ToChat(chatID, f.envelope(v1.TypeMessageRead, v1.MessageReadPayload{
		ChatID:     chatID,
		UserID:     readerID,
		MessageIDs: localIDs,
	}))
}

// ChatUpdated delivers chat:updatedChat to the user room of every participant.
func (f *Fanout) ChatUpdated(c chat.Chat) {
	f.reg.Subscribe(c.ID, c.Participants...)

	env := f.envelope(v1.TypeUpdatedChat, v1.ChatPayload{Chat: toWireChat(c.Header())})
	for _, userID := range c.Participants {
		f.reg.ToUser(userID, env)
	}
}

func (f *Fanout) envelope(typ string, payload any) v1.Envelope {
	return newEnvelope(typ, payload, f.now())
}

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	b, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		TS:      ts,
		Payload: b,
	}
}
