package chat

import (
	"context"
	"errors"

	"github.com/samber/lo"
)

// Receipts tracks which participants have read which messages.
type Receipts struct {
	store Store
}

// NewReceipts constructs a read-receipt tracker over store.
func NewReceipts(store Store) *Receipts {
	return &Receipts{store: store}
}

// MarkRead records readerID as a reader of the messages in chatID whose local ids are listed.
// Unknown local ids are ignored and repeating a call changes nothing. It returns the local ids
// that matched.
func (r *Receipts) MarkRead(ctx context.Context, chatID string, localIDs []string, readerID string) ([]string, error) {
	if chatID == "" {
		return nil, invalid("chatId", "required")
	}
	localIDs = lo.Uniq(lo.Compact(localIDs))
	if _, err := authorize(ctx, r.store, chatID, readerID); err != nil {
		return nil, err
	}
	if len(localIDs) == 0 {
		return []string{}, nil
	}
	return r.store.MarkRead(ctx, chatID, localIDs, readerID)
}

// MarkAllRead records readerID as a reader of every message in chatID and returns the local ids
// of the messages that were not read before.
func (r *Receipts) MarkAllRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	if chatID == "" {
		return nil, invalid("chatId", "required")
	}
	if _, err := authorize(ctx, r.store, chatID, readerID); err != nil {
		return nil, err
	}
	return r.store.MarkAllRead(ctx, chatID, readerID)
}

// authorize loads chatID and checks that userID participates in it.
// Membership is verified before any message data is read.
func authorize(ctx context.Context, store Store, chatID, userID string) (Chat, error) {
	if !ValidUserID(userID) {
		return Chat{}, invalid("userId", "malformed")
	}
	c, err := store.Get(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if !c.HasParticipant(userID) {
		return Chat{}, ErrForbidden
	}
	return c, nil
}

func isAccessError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}
