package chatapi

import "courier/cmd/internal/chat"

type messageRequest struct {
	LocalID     string            `json:"localId"`
	Content     string            `json:"content"`
	MessageType chat.MessageType  `json:"messageType"`
	Attachments []chat.Attachment `json:"attachments"`
}

func (m messageRequest) draft() chat.MessageDraft {
	d := chat.MessageDraft{
		LocalID:     m.LocalID,
		Content:     m.Content,
		MessageType: m.MessageType,
		Attachments: m.Attachments,
	}
	if d.MessageType == "" {
		d.MessageType = chat.MessageRegular
	}
	return d
}

type readRequest struct {
	MessageIDs []string `json:"messageIds"`
	All        bool     `json:"all"`
}

type batchRequest struct {
	ChatIDs []string `json:"chatIds"`
}

type broadcastRequest struct {
	Targets []string       `json:"targets"`
	Message messageRequest `json:"message"`
}

type chatsResponse struct {
	Chats []chat.Chat `json:"chats"`
}

type chatResponse struct {
	Chat    chat.Chat `json:"chat"`
	Created bool      `json:"created"`
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type batchResponse struct {
	Messages map[string][]chat.Message `json:"messages"`
}

type appendResponse struct {
	Message    chat.Message `json:"message"`
	Duplicated bool         `json:"duplicated"`
}

type readResponse struct {
	MessageIDs []string `json:"messageIds"`
}

type broadcastResponse struct {
	ChatIDs []string `json:"chatIds"`
}
