package chat

import (
	"context"
	"time"

	"courier/cmd/internal/ids"
	"courier/cmd/internal/metrics"

	"github.com/samber/lo"
)

const (
	DefaultPageLimit       = 20
	MaxPageLimit           = 200
	DefaultPreviewMessages = 25
	MaxBatchChats          = 100
)

// AppendResult is what a successful append committed.
type AppendResult struct {
	Chat       Chat
	Message    Message
	Duplicated bool
}

// Ledger is the append-only message log of every chat.
type Ledger struct {
	store   Store
	now     func() time.Time
	preview int
}

// NewLedger constructs a Ledger. preview is the number of latest messages ListChats attaches
// to each chat; zero means DefaultPreviewMessages.
func NewLedger(store Store, now func() time.Time, preview int) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if preview <= 0 {
		preview = DefaultPreviewMessages
	}
	return &Ledger{store: store, now: now, preview: preview}
}

// Append stores a message from draft.Sender in chatID.
// Server fields (id, timestamp, status) are assigned here. A draft whose local id was already
// appended to this chat returns the stored message with Duplicated set.
func (l *Ledger) Append(ctx context.Context, chatID string, d MessageDraft) (AppendResult, error) {
	if chatID == "" {
		return AppendResult{}, invalid("chatId", "required")
	}
	d, err := prepareDraft(d)
	if err != nil {
		return AppendResult{}, err
	}
	if _, err := authorize(ctx, l.store, chatID, d.Sender); err != nil {
		return AppendResult{}, err
	}

	now := l.now()
	id, err := ids.New(now)
	if err != nil {
		return AppendResult{}, err
	}

	res, err := l.store.AppendMessage(ctx, AppendMessageInput{
		ChatID: chatID,
		Message: Message{
			ID:          id,
			LocalID:     d.LocalID,
			Content:     d.Content,
			Sender:      d.Sender,
			Timestamp:   now,
			ReadBy:      []string{},
			MessageType: d.MessageType,
			Attachments: d.Attachments,
			Status:      MessageSent,
		},
	})
	if err != nil {
		return AppendResult{}, err
	}
	metrics.RecordMessageAppended("single", 1, res.Duplicated)
	return AppendResult{Chat: res.Chat, Message: res.Stored, Duplicated: res.Duplicated}, nil
}

// Page returns the page-th window of limit messages, oldest first.
// Zero page or limit selects the default; negative values are rejected.
func (l *Ledger) Page(ctx context.Context, chatID, userID string, page, limit int) ([]Message, error) {
	if page < 0 {
		return nil, invalid("page", "must be >= 1")
	}
	if page == 0 {
		page = 1
	}
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, l.store, chatID, userID); err != nil {
		return nil, err
	}
	return l.store.MessagesPage(ctx, chatID, (page-1)*limit, limit)
}

// OlderThan returns up to limit messages with a timestamp strictly before before, newest first.
func (l *Ledger) OlderThan(ctx context.Context, chatID, userID string, before time.Time, limit int) ([]Message, error) {
	if before.IsZero() {
		return nil, invalid("before", "required")
	}
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(ctx, l.store, chatID, userID); err != nil {
		return nil, err
	}
	return l.store.MessagesBefore(ctx, chatID, before, limit)
}

// Batch returns the full ledger of every requested chat userID participates in.
// Unknown or unauthorized chat ids map to an empty list.
func (l *Ledger) Batch(ctx context.Context, chatIDs []string, userID string) (map[string][]Message, error) {
	chatIDs = lo.Uniq(lo.Compact(chatIDs))
	if len(chatIDs) > MaxBatchChats {
		return nil, invalid("chatIds", "too many chats")
	}

	out := make(map[string][]Message, len(chatIDs))
	allowed := make([]string, 0, len(chatIDs))
	for _, id := range chatIDs {
		out[id] = []Message{}
		if _, err := authorize(ctx, l.store, id, userID); err != nil {
			if isAccessError(err) {
				continue
			}
			return nil, err
		}
		allowed = append(allowed, id)
	}
	if len(allowed) == 0 {
		return out, nil
	}

	msgs, err := l.store.MessagesForChats(ctx, allowed)
	if err != nil {
		return nil, err
	}
	for id, m := range msgs {
		out[id] = m
	}
	return out, nil
}

// ListChats returns the chats userID participates in, most recently updated first, each
// with a preview of its latest messages.
func (l *Ledger) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	if !ValidUserID(userID) {
		return nil, invalid("userId", "malformed")
	}
	return l.store.ListForUser(ctx, userID, l.preview)
}

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, invalid("limit", "must be >= 1")
	case limit == 0:
		return DefaultPageLimit, nil
	case limit > MaxPageLimit:
		return MaxPageLimit, nil
	default:
		return limit, nil
	}
}
