//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

package chat

import (
	"context"
	"time"
)

// Store persists chats and their ledgers.
//
// Requirements:
//   - DedupKey is unique across chats (Insert reports ErrConflict, Upsert returns the existing row)
//   - Messages are append-only, ordered by a per-chat monotonic Seq (no gaps for duplicates)
//   - AppendMessage is idempotent per (chat_id, local_id) when a local id is supplied
//   - Read receipts are a set: adding the same reader twice is a no-op
//   - Get and the lookup methods return chat headers (no messages) and ErrNotFound when absent
type Store interface {
	FindByKey(ctx context.Context, key string) (Chat, error)
	FindByLocalID(ctx context.Context, t ChatType, localID string) (Chat, error)
	FindBroadcastByAdmins(ctx context.Context, admins []string) (Chat, error)

	Insert(ctx context.Context, c Chat) (Chat, error)
	Upsert(ctx context.Context, c Chat) (Chat, bool, error)
	Get(ctx context.Context, chatID string) (Chat, error)
	ListForUser(ctx context.Context, userID string, preview int) ([]Chat, error)
	UpdateChat(ctx context.Context, chatID string, in UpdateChatInput) (Chat, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	AppendBatch(ctx context.Context, in AppendBatchInput) (AppendBatchResult, error)

	MessagesPage(ctx context.Context, chatID string, offset, limit int) ([]Message, error)
	MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error)
	MessagesForChats(ctx context.Context, chatIDs []string) (map[string][]Message, error)

	MarkRead(ctx context.Context, chatID string, localIDs []string, readerID string) ([]string, error)
	MarkAllRead(ctx context.Context, chatID, readerID string) ([]string, error)

	Close() error
}

// AppendMessageInput describes a single append. Message carries the server-assigned fields
// (ID, Timestamp, Status); the store assigns Seq.
type AppendMessageInput struct {
	ChatID  string
	Message Message
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Chat       Chat
	Stored     Message
	Duplicated bool
}

// AppendBatchInput pushes one message into many chats.
type AppendBatchInput struct {
	ChatIDs []string
	Message Message
}

// AppendBatchResult reports per-chat outcomes of an unordered batch.
// A chat listed in Failed did not receive the message; the others did.
type AppendBatchResult struct {
	Applied []string
	Failed  map[string]error
}

// UpdateChatInput carries a metadata edit. Nil fields are left unchanged.
type UpdateChatInput struct {
	Name            *string
	Description     *string
	AddParticipants []string
	Now             time.Time
}
