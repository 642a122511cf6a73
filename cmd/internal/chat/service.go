package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Config holds the service knobs that come from process configuration.
type Config struct {
	// BotUserID is the sender of system messages and the peer of every system chat.
	BotUserID string

	// StoreTimeout bounds each store operation. Zero disables the bound.
	StoreTimeout time.Duration

	// DispatchConcurrency bounds concurrent chat resolutions during a dispatch.
	DispatchConcurrency int

	// PreviewMessages is the number of latest messages attached to each listed chat.
	PreviewMessages int
}

// Service is the request-level API of the chat subsystem. Every method takes the
// pre-authenticated caller id and returns one of the package sentinel errors on rejection.
type Service struct {
	store      Store
	notifier   Notifier
	log        *slog.Logger
	now        func() time.Time
	cfg        Config
	resolver   *Resolver
	ledger     *Ledger
	receipts   *Receipts
	dispatcher *Dispatcher
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the real-time sink for committed changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the chat components over store.
func NewService(store Store, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if !ValidUserID(cfg.BotUserID) {
		return nil, errors.New("chat: invalid bot user id")
	}

	s := &Service{
		notifier: NopNotifier{},
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		cfg:      cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.store = newGuardedStore(store, cfg.StoreTimeout)
	s.resolver = NewResolver(s.store, s.now)
	s.ledger = NewLedger(s.store, s.now, cfg.PreviewMessages)
	s.receipts = NewReceipts(s.store)
	s.dispatcher = NewDispatcher(s.resolver, s.store, s.notifier, s.log, s.now, cfg.DispatchConcurrency)
	return s, nil
}

// BotUserID returns the configured system sender.
func (s *Service) BotUserID() string { return s.cfg.BotUserID }

// ListChats returns userID's chats with a preview of their latest messages.
func (s *Service) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	return s.ledger.ListChats(ctx, userID)
}

// GetChat returns the header of a chat userID participates in.
func (s *Service) GetChat(ctx context.Context, chatID, userID string) (Chat, error) {
	return authorize(ctx, s.store, chatID, userID)
}

// GetMessages returns one page of a chat's messages, oldest first.
func (s *Service) GetMessages(ctx context.Context, chatID, userID string, page, limit int) ([]Message, error) {
	return s.ledger.Page(ctx, chatID, userID, page, limit)
}

// GetOlderMessages returns messages older than before, newest first.
func (s *Service) GetOlderMessages(ctx context.Context, chatID, userID string, before time.Time, limit int) ([]Message, error) {
	return s.ledger.OlderThan(ctx, chatID, userID, before, limit)
}

// GetMessagesForChats returns the messages of several chats at once.
func (s *Service) GetMessagesForChats(ctx context.Context, chatIDs []string, userID string) (map[string][]Message, error) {
	return s.ledger.Batch(ctx, chatIDs, userID)
}

// CreateChat resolves req to its canonical chat, creating it if needed.
//
// The creator joins group and broadcast chats and becomes the broadcast admin when none is
// named. A simple chat must include the creator.
func (s *Service) CreateChat(ctx context.Context, userID string, req CreateChatRequest) (Chat, bool, error) {
	if !ValidUserID(userID) {
		return Chat{}, false, invalid("userId", "malformed")
	}
	// Participant rules apply to what the caller submitted, before the creator joins.
	if err := req.Validate(); err != nil {
		return Chat{}, false, err
	}
	switch req.Type {
	case TypeSimple:
		if !slices.Contains(normalizeIDs(req.Participants), userID) {
			return Chat{}, false, ErrForbidden
		}
	case TypeGroup, TypeBroadcast:
		req.Participants = append(slices.Clone(req.Participants), userID)
		if req.Type == TypeBroadcast && len(normalizeIDs(req.Admins)) == 0 {
			req.Admins = []string{userID}
		}
	}

	c, created, err := s.resolver.ResolveOrCreate(ctx, req)
	if err != nil {
		return Chat{}, false, err
	}
	if created {
		s.notifier.ChatCreated(c, c.Participants)
		s.log.Info("chat.create.ok",
			slog.String("chat_id", c.ID),
			slog.String("type", string(c.Type)),
			slog.Int("participants", len(c.Participants)),
		)
	}
	return c, created, nil
}

// AddMessage appends a message from userID to chatID and announces it to the chat room.
// A repeated local id returns the stored message without a second announcement.
func (s *Service) AddMessage(ctx context.Context, chatID, userID string, draft MessageDraft) (AppendResult, error) {
	draft.Sender = userID
	res, err := s.ledger.Append(ctx, chatID, draft)
	if err != nil {
		return AppendResult{}, err
	}
	if !res.Duplicated {
		s.notifier.MessageAppended(res.Chat, res.Message)
	}
	return res, nil
}

// MarkRead marks the listed messages as read by userID.
func (s *Service) MarkRead(ctx context.Context, chatID, userID string, localIDs []string) ([]string, error) {
	matched, err := s.receipts.MarkRead(ctx, chatID, localIDs, userID)
	if err != nil {
		return nil, err
	}
	if len(matched) > 0 {
		s.notifier.MessagesRead(chatID, userID, matched)
	}
	return matched, nil
}

// MarkAllRead marks every message of chatID as read by userID.
func (s *Service) MarkAllRead(ctx context.Context, chatID, userID string) ([]string, error) {
	changed, err := s.receipts.MarkAllRead(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		s.notifier.MessagesRead(chatID, userID, changed)
	}
	return changed, nil
}

// EditChat changes the name, description or participants of a group or broadcast chat.
// Broadcast chats can only be edited by their admins.
func (s *Service) EditChat(ctx context.Context, chatID, userID string, req EditChatRequest) (Chat, error) {
	if err := req.Validate(); err != nil {
		return Chat{}, err
	}
	c, err := authorize(ctx, s.store, chatID, userID)
	if err != nil {
		return Chat{}, err
	}
	switch c.Type {
	case TypeSimple:
		return Chat{}, invalid("type", "simple chats cannot be edited")
	case TypeBroadcast:
		if !c.HasAdmin(userID) {
			return Chat{}, ErrForbidden
		}
	}

	in := UpdateChatInput{
		Description:     req.Description,
		AddParticipants: normalizeIDs(req.AddParticipants),
		Now:             s.now(),
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		in.Name = &name
	}

	updated, err := s.store.UpdateChat(ctx, chatID, in)
	if err != nil {
		return Chat{}, err
	}

	added := make([]string, 0, len(in.AddParticipants))
	for _, id := range in.AddParticipants {
		if !c.HasParticipant(id) {
			added = append(added, id)
		}
	}
	if len(added) > 0 {
		s.notifier.ChatCreated(updated, added)
	}
	s.notifier.ChatUpdated(updated)
	s.log.Info("chat.edit.ok",
		slog.String("chat_id", chatID),
		slog.String("user_id", userID),
		slog.Int("added", len(added)),
	)
	return updated, nil
}

// DispatchSystemMessage sends draft from the bot to every target user.
// Role checks are the caller's responsibility.
func (s *Service) DispatchSystemMessage(ctx context.Context, targets []string, draft MessageDraft) ([]string, error) {
	return s.dispatcher.Dispatch(ctx, targets, draft, s.cfg.BotUserID)
}
