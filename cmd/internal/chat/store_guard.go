package chat

import (
	"context"
	"errors"
	"time"

	"courier/cmd/internal/metrics"
)

// guardedStore bounds every store call with a timeout and records its outcome.
type guardedStore struct {
	next    Store
	timeout time.Duration
}

func newGuardedStore(next Store, timeout time.Duration) *guardedStore {
	return &guardedStore{next: next, timeout: timeout}
}

func (g *guardedStore) begin(ctx context.Context, op string) (context.Context, func(error)) {
	cancel := context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	start := time.Now()
	return ctx, func(err error) {
		cancel()
		metrics.RecordStoreOp(op, outcome(err), time.Since(start))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (g *guardedStore) FindByKey(ctx context.Context, key string) (Chat, error) {
	ctx, done := g.begin(ctx, "find_by_key")
	c, err := g.next.FindByKey(ctx, key)
	done(err)
	return c, err
}

func (g *guardedStore) FindByLocalID(ctx context.Context, t ChatType, localID string) (Chat, error) {
	ctx, done := g.begin(ctx, "find_by_local_id")
	c, err := g.next.FindByLocalID(ctx, t, localID)
	done(err)
	return c, err
}

func (g *guardedStore) FindBroadcastByAdmins(ctx context.Context, admins []string) (Chat, error) {
	ctx, done := g.begin(ctx, "find_broadcast_by_admins")
	c, err := g.next.FindBroadcastByAdmins(ctx, admins)
	done(err)
	return c, err
}

func (g *guardedStore) Insert(ctx context.Context, c Chat) (Chat, error) {
	ctx, done := g.begin(ctx, "insert")
	out, err := g.next.Insert(ctx, c)
	done(err)
	return out, err
}

func (g *guardedStore) Upsert(ctx context.Context, c Chat) (Chat, bool, error) {
	ctx, done := g.begin(ctx, "upsert")
	out, created, err := g.next.Upsert(ctx, c)
	done(err)
	return out, created, err
}

func (g *guardedStore) Get(ctx context.Context, chatID string) (Chat, error) {
	ctx, done := g.begin(ctx, "get")
	c, err := g.next.Get(ctx, chatID)
	done(err)
	return c, err
}

func (g *guardedStore) ListForUser(ctx context.Context, userID string, preview int) ([]Chat, error) {
	ctx, done := g.begin(ctx, "list_for_user")
	out, err := g.next.ListForUser(ctx, userID, preview)
	done(err)
	return out, err
}

func (g *guardedStore) UpdateChat(ctx context.Context, chatID string, in UpdateChatInput) (Chat, error) {
	ctx, done := g.begin(ctx, "update_chat")
	c, err := g.next.UpdateChat(ctx, chatID, in)
	done(err)
	return c, err
}

func (g *guardedStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	ctx, done := g.begin(ctx, "append_message")
	res, err := g.next.AppendMessage(ctx, in)
	done(err)
	return res, err
}

func (g *guardedStore) AppendBatch(ctx context.Context, in AppendBatchInput) (AppendBatchResult, error) {
	ctx, done := g.begin(ctx, "append_batch")
	res, err := g.next.AppendBatch(ctx, in)
	done(err)
	return res, err
}

func (g *guardedStore) MessagesPage(ctx context.Context, chatID string, offset, limit int) ([]Message, error) {
	ctx, done := g.begin(ctx, "messages_page")
	out, err := g.next.MessagesPage(ctx, chatID, offset, limit)
	done(err)
	return out, err
}

func (g *guardedStore) MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error) {
	ctx, done := g.begin(ctx, "messages_before")
	out, err := g.next.MessagesBefore(ctx, chatID, before, limit)
	done(err)
	return out, err
}

func (g *guardedStore) MessagesForChats(ctx context.Context, chatIDs []string) (map[string][]Message, error) {
	ctx, done := g.begin(ctx, "messages_for_chats")
	out, err := g.next.MessagesForChats(ctx, chatIDs)
	done(err)
	return out, err
}

func (g *guardedStore) MarkRead(ctx context.Context, chatID string, localIDs []string, readerID string) ([]string, error) {
	ctx, done := g.begin(ctx, "mark_read")
	out, err := g.next.MarkRead(ctx, chatID, localIDs, readerID)
	done(err)
	return out, err
}

func (g *guardedStore) MarkAllRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	ctx, done := g.begin(ctx, "mark_all_read")
	out, err := g.next.MarkAllRead(ctx, chatID, readerID)
	done(err)
	return out, err
}

func (g *guardedStore) Close() error { return g.next.Close() }
