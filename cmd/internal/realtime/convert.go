package realtime

import (
	"courier/cmd/internal/chat"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

func toWireChat(c chat.Chat) v1.Chat {
	return v1.Chat{
		ID:           c.ID,
		LocalID:      c.LocalID,
		Type:         string(c.Type),
		Name:         c.Name,
		Description:  c.Description,
		Participants: c.Participants,
		Admins:       c.Admins,
		Messages:     lo.Map(c.Messages, func(m chat.Message, _ int) v1.Message { return toWireMessage(m) }),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Status:       string(c.Status),
	}
}

func toWireMessage(m chat.Message) v1.Message {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return v1.Message{
		ID:          m.ID,
		LocalID:     m.LocalID,
		ChatID:      m.ChatID,
		Seq:         m.Seq,
		Content:     m.Content,
		Sender:      m.Sender,
		Timestamp:   m.Timestamp,
		ReadBy:      readBy,
		MessageType: string(m.MessageType),
		Attachments: lo.Map(m.Attachments, func(a chat.Attachment, _ int) v1.Attachment {
			return v1.Attachment{URL: a.URL, Type: string(a.Kind), FileName: a.FileName, Size: a.Size}
		}),
		Status: string(m.Status),
	}
}

func fromWireMessage(in v1.MessageInput) chat.MessageDraft {
	d := chat.MessageDraft{
		LocalID:     in.LocalID,
		Content:     in.Content,
		MessageType: chat.MessageType(in.MessageType),
		Attachments: lo.Map(in.Attachments, func(a v1.Attachment, _ int) chat.Attachment {
			return chat.Attachment{URL: a.URL, Kind: chat.MediaKind(a.Type), FileName: a.FileName, Size: a.Size}
		}),
	}
	if d.MessageType == "" {
		d.MessageType = chat.MessageRegular
	}
	return d
}

func fromWireCreate(p v1.ChatCreatePayload) chat.CreateChatRequest {
	return chat.CreateChatRequest{
		LocalID:      p.LocalID,
		Type:         chat.ChatType(p.Type),
		Name:         p.Name,
		Description:  p.Description,
		Participants: p.Participants,
		Admins:       p.Admins,
	}
}
