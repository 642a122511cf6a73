package chat

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"courier/cmd/internal/ids"

	"github.com/samber/lo"
)

// MemoryStore is a dev-only fallback when no database is configured.
// One mutex guards everything, which makes each operation atomic the same way a single
// Postgres statement or transaction is.
type MemoryStore struct {
	mu    sync.Mutex
	chats map[string]*memChat
	byKey map[string]string // dedup key -> chat id
}

type memChat struct {
	header  Chat
	seq     int64
	msgs    []Message      // ordered by seq
	byLocal map[string]int // local id -> index into msgs
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string]*memChat),
		byKey: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// FindByKey returns the chat owning a dedup key.
func (s *MemoryStore) FindByKey(ctx context.Context, key string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return cloneChat(s.chats[id].header), nil
}

// FindByLocalID returns the chat of type t created with a client-generated id.
func (s *MemoryStore) FindByLocalID(ctx context.Context, t ChatType, localID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	if localID == "" {
		return Chat{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.oldestLocked(func(c Chat) bool {
		return c.Type == t && c.LocalID == localID
	})
}

// FindBroadcastByAdmins returns the oldest broadcast chat sharing at least one admin.
func (s *MemoryStore) FindBroadcastByAdmins(ctx context.Context, admins []string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	if len(admins) == 0 {
		return Chat{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.oldestLocked(func(c Chat) bool {
		return c.Type == TypeBroadcast && lo.Some(c.Admins, admins)
	})
}

func (s *MemoryStore) oldestLocked(match func(Chat) bool) (Chat, error) {
	var (
		found Chat
		ok    bool
	)
	for _, mc := range s.chats {
		if !match(mc.header) {
			continue
		}
		if !ok || mc.header.CreatedAt.Before(found.CreatedAt) ||
			(mc.header.CreatedAt.Equal(found.CreatedAt) && mc.header.ID < found.ID) {
			found, ok = mc.header, true
		}
	}
	if !ok {
		return Chat{}, ErrNotFound
	}
	return cloneChat(found), nil
}

// Insert stores a new chat. It returns ErrConflict if the dedup key is taken.
func (s *MemoryStore) Insert(ctx context.Context, c Chat) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byKey[c.DedupKey]; taken {
		return Chat{}, ErrConflict
	}
	return s.insertLocked(c)
}

// Upsert returns the chat owning c.DedupKey, inserting c if there is none.
func (s *MemoryStore) Upsert(ctx context.Context, c Chat) (Chat, bool, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, taken := s.byKey[c.DedupKey]; taken {
		return cloneChat(s.chats[id].header), false, nil
	}
	out, err := s.insertLocked(c)
	if err != nil {
		return Chat{}, false, err
	}
	return out, true, nil
}

func (s *MemoryStore) insertLocked(c Chat) (Chat, error) {
	if c.DedupKey == "" {
		return Chat{}, errors.New("chat: missing dedup key")
	}
	now := time.Now().UTC()
	if c.ID == "" {
		id, err := ids.New(now)
		if err != nil {
			return Chat{}, err
		}
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = ChatCreated
	}
	c.Participants = normalizeIDs(c.Participants)
	c.Admins = normalizeIDs(c.Admins)
	c.Messages = nil

	s.chats[c.ID] = &memChat{header: c, byLocal: make(map[string]int)}
	s.byKey[c.DedupKey] = c.ID
	return cloneChat(c), nil
}

// Get returns a chat header.
func (s *MemoryStore) Get(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return cloneChat(mc.header), nil
}

// ListForUser returns the user's chats, most recently updated first, each with its latest
// preview messages.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string, preview int) ([]Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Chat, 0)
	for _, mc := range s.chats {
		if !mc.header.HasParticipant(userID) {
			continue
		}
		c := cloneChat(mc.header)
		if preview > 0 {
			start := max(len(mc.msgs)-preview, 0)
			c.Messages = cloneMessages(mc.msgs[start:])
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Chat) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpdateChat applies a metadata edit. Renaming a group moves its dedup key and reports
// ErrConflict if another group already owns the new name.
func (s *MemoryStore) UpdateChat(ctx context.Context, chatID string, in UpdateChatInput) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	h := mc.header

	if in.Name != nil {
		h.Name = *in.Name
		if h.Type == TypeGroup {
			key := DedupKey(TypeGroup, h.Name, nil, nil)
			if owner, taken := s.byKey[key]; taken && owner != chatID {
				return Chat{}, ErrConflict
			}
			delete(s.byKey, h.DedupKey)
			h.DedupKey = key
			s.byKey[key] = chatID
		}
	}
	if in.Description != nil {
		h.Description = *in.Description
	}
	if len(in.AddParticipants) > 0 {
		h.Participants = normalizeIDs(append(slices.Clone(h.Participants), in.AddParticipants...))
	}
	h.UpdatedAt = nowOr(in.Now)

	mc.header = h
	return cloneChat(h), nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ChatID == "" || in.Message.ID == "" {
		return AppendMessageResult{}, errors.New("chat: invalid append input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[in.ChatID]
	if !ok {
		return AppendMessageResult{}, ErrNotFound
	}
	if in.Message.LocalID != "" {
		if i, dup := mc.byLocal[in.Message.LocalID]; dup {
			return AppendMessageResult{
				Chat:       cloneChat(mc.header),
				Stored:     cloneMessage(mc.msgs[i]),
				Duplicated: true,
			}, nil
		}
	}

	stored := s.appendLocked(mc, in.Message)
	return AppendMessageResult{Chat: cloneChat(mc.header), Stored: stored}, nil
}

// AppendBatch pushes one message into each chat independently.
// A missing chat fails only its own operation.
func (s *MemoryStore) AppendBatch(ctx context.Context, in AppendBatchInput) (AppendBatchResult, error) {
	if in.Message.ID == "" {
		return AppendBatchResult{}, errors.New("chat: invalid batch input")
	}
	if err := ctx.Err(); err != nil {
		return AppendBatchResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := AppendBatchResult{Failed: make(map[string]error)}
	for _, id := range lo.Uniq(in.ChatIDs) {
		mc, ok := s.chats[id]
		if !ok {
			res.Failed[id] = ErrNotFound
			continue
		}
		s.appendLocked(mc, in.Message)
		res.Applied = append(res.Applied, id)
	}
	return res, nil
}

func (s *MemoryStore) appendLocked(mc *memChat, m Message) Message {
	mc.seq++
	m = cloneMessage(m)
	m.ChatID = mc.header.ID
	m.Seq = mc.seq
	m.Timestamp = nowOr(m.Timestamp)
	if n := len(mc.msgs); n > 0 {
		m.Timestamp = acceptedAt(m.Timestamp, mc.msgs[n-1].Timestamp)
	}
	m.ReadBy = normalizeIDs(m.ReadBy)
	for i := range m.Attachments {
		m.Attachments[i].ChatID = m.ChatID
		m.Attachments[i].MessageID = m.ID
	}

	mc.msgs = append(mc.msgs, m)
	if m.LocalID != "" {
		mc.byLocal[m.LocalID] = len(mc.msgs) - 1
	}
	if m.Timestamp.After(mc.header.UpdatedAt) {
		mc.header.UpdatedAt = m.Timestamp
	}
	return cloneMessage(m)
}

// MessagesPage returns messages [offset, offset+limit) in sequence order.
func (s *MemoryStore) MessagesPage(ctx context.Context, chatID string, offset, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	if offset >= len(mc.msgs) || limit <= 0 {
		return []Message{}, nil
	}
	end := min(offset+limit, len(mc.msgs))
	return cloneMessages(mc.msgs[offset:end]), nil
}

// MessagesBefore returns up to limit messages strictly older than before, newest first.
func (s *MemoryStore) MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}

	older := lo.Filter(mc.msgs, func(m Message, _ int) bool {
		return m.Timestamp.Before(before)
	})
	slices.SortStableFunc(older, newestFirst)
	if len(older) > limit {
		older = older[:limit]
	}
	return cloneMessages(older), nil
}

// MessagesForChats returns the full ledger of every existing chat in chatIDs.
func (s *MemoryStore) MessagesForChats(ctx context.Context, chatIDs []string) (map[string][]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Message, len(chatIDs))
	for _, id := range chatIDs {
		if mc, ok := s.chats[id]; ok {
			out[id] = cloneMessages(mc.msgs)
		}
	}
	return out, nil
}

// MarkRead adds readerID to every message whose local id is in localIDs and returns the
// local ids that matched.
func (s *MemoryStore) MarkRead(ctx context.Context, chatID string, localIDs []string, readerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}

	matched := make([]string, 0, len(localIDs))
	for _, lid := range lo.Uniq(localIDs) {
		i, ok := mc.byLocal[lid]
		if !ok {
			continue
		}
		mc.msgs[i].ReadBy = addReader(mc.msgs[i].ReadBy, readerID)
		matched = append(matched, lid)
	}
	slices.Sort(matched)
	return matched, nil
}

// MarkAllRead adds readerID to every message it has not read yet and returns the local ids
// of the messages that changed.
func (s *MemoryStore) MarkAllRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}

	changed := make([]string, 0)
	for i := range mc.msgs {
		if slices.Contains(mc.msgs[i].ReadBy, readerID) {
			continue
		}
		mc.msgs[i].ReadBy = addReader(mc.msgs[i].ReadBy, readerID)
		if mc.msgs[i].LocalID != "" {
			changed = append(changed, mc.msgs[i].LocalID)
		}
	}
	return changed, nil
}

func addReader(readBy []string, readerID string) []string {
	if slices.Contains(readBy, readerID) {
		return readBy
	}
	out := append(slices.Clone(readBy), readerID)
	slices.Sort(out)
	return out
}

func newestFirst(a, b Message) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.Seq, a.Seq)
}

// acceptedAt keeps message timestamps strictly increasing in sequence order within a chat,
// so seq order and timestamp order agree even when appends raced on the clock.
func acceptedAt(ts, last time.Time) time.Time {
	if ts.After(last) {
		return ts
	}
	return last.Add(time.Microsecond)
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func cloneChat(c Chat) Chat {
	c.Participants = slices.Clone(c.Participants)
	c.Admins = slices.Clone(c.Admins)
	c.Messages = cloneMessages(c.Messages)
	return c
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m Message) Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	m.Attachments = slices.Clone(m.Attachments)
	return m
}
