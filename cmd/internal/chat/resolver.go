package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/metrics"
)

// Resolver maps a requested chat to the one canonical chat with the same identity.
//
// Two paths share the store's unique dedup key:
//   - ResolveOrCreate is optimistic: look up, insert, and on a lost race re-read the winner.
//   - ResolveSystemChat is a single atomic upsert, used by the dispatcher where many
//     resolutions run concurrently.
type Resolver struct {
	store Store
	now   func() time.Time

	// broadcastMu serializes broadcast creation with admins: overlap identity has no
	// single unique key for the store to arbitrate.
	broadcastMu sync.Mutex
}

// NewResolver constructs a Resolver over store.
func NewResolver(store Store, now func() time.Time) *Resolver {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{store: store, now: now}
}

// ResolveOrCreate returns the existing chat matching req, or creates it.
// created reports whether this call inserted the chat.
func (r *Resolver) ResolveOrCreate(ctx context.Context, req CreateChatRequest) (Chat, bool, error) {
	if err := req.Validate(); err != nil {
		return Chat{}, false, err
	}

	participants := normalizeIDs(req.Participants)
	admins := normalizeIDs(req.Admins)
	key := DedupKey(req.Type, req.Name, participants, admins)

	if req.Type == TypeBroadcast && len(admins) > 0 {
		r.broadcastMu.Lock()
		defer r.broadcastMu.Unlock()
	}

	if existing, err := r.find(ctx, req.Type, req.LocalID, key, admins); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Chat{}, false, err
	}

	now := r.now()
	created, err := r.store.Insert(ctx, Chat{
		LocalID:      req.LocalID,
		Type:         req.Type,
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Participants: participants,
		Admins:       admins,
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       ChatCreated,
		DedupKey:     key,
	})
	switch {
	case err == nil:
		metrics.RecordChatCreated(string(req.Type))
		return created, true, nil
	case errors.Is(err, ErrConflict):
		// Lost the race to a concurrent creator; the winner is canonical.
		winner, ferr := r.store.FindByKey(ctx, key)
		if ferr != nil {
			return Chat{}, false, fmt.Errorf("resolve after conflict: %w", ferr)
		}
		return winner, false, nil
	default:
		return Chat{}, false, err
	}
}

func (r *Resolver) find(ctx context.Context, t ChatType, localID, key string, admins []string) (Chat, error) {
	if localID != "" {
		c, err := r.store.FindByLocalID(ctx, t, localID)
		if !errors.Is(err, ErrNotFound) {
			return c, err
		}
	}

	c, err := r.store.FindByKey(ctx, key)
	if !errors.Is(err, ErrNotFound) {
		return c, err
	}

	if t == TypeBroadcast && len(admins) > 0 {
		return r.store.FindBroadcastByAdmins(ctx, admins)
	}
	return Chat{}, ErrNotFound
}

// ResolveSystemChat returns the 1:1 chat between userID and botID, creating it atomically.
// At most one such chat exists per pair regardless of concurrency.
func (r *Resolver) ResolveSystemChat(ctx context.Context, userID, botID string) (Chat, bool, error) {
	if !ValidUserID(userID) {
		return Chat{}, false, invalid("userId", "malformed")
	}
	if !ValidUserID(botID) {
		return Chat{}, false, invalid("botId", "malformed")
	}
	if userID == botID {
		return Chat{}, false, invalid("userId", "must differ from bot")
	}

	now := r.now()
	c, created, err := r.store.Upsert(ctx, Chat{
		Type:         TypeSimple,
		Participants: normalizeIDs([]string{userID, botID}),
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       ChatCreated,
		DedupKey:     SystemChatKey(userID, botID),
	})
	if err != nil {
		return Chat{}, false, err
	}
	if created {
		metrics.RecordChatCreated(string(TypeSimple))
	}
	return c, created, nil
}
