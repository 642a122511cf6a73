package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courier/cmd/internal/ids"
	"courier/cmd/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultDispatchConcurrency = 16

// Dispatcher delivers one system message to many users, each in their 1:1 chat with the bot.
type Dispatcher struct {
	resolver    *Resolver
	store       Store
	notifier    Notifier
	log         *slog.Logger
	now         func() time.Time
	concurrency int
}

// NewDispatcher constructs a Dispatcher. concurrency bounds in-flight chat resolutions.
func NewDispatcher(resolver *Resolver, store Store, notifier Notifier, log *slog.Logger, now func() time.Time, concurrency int) *Dispatcher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if concurrency <= 0 {
		concurrency = DefaultDispatchConcurrency
	}
	return &Dispatcher{
		resolver:    resolver,
		store:       store,
		notifier:    notifier,
		log:         log,
		now:         now,
		concurrency: concurrency,
	}
}

type resolved struct {
	userID  string
	chat    Chat
	created bool
	err     error
}

// Dispatch sends draft from botID to every target and returns the ids of the chats that
// received it.
//
// A recipient whose chat cannot be resolved is logged and skipped. Newly created chats are
// announced before the message is written. A failure of the batched write is returned; chats
// created before it are kept.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []string, draft MessageDraft, botID string) ([]string, error) {
	start := time.Now()

	draft.Sender = botID
	draft, err := prepareDraft(draft)
	if err != nil {
		return nil, err
	}
	targets = normalizeIDs(targets)
	if len(targets) == 0 {
		return nil, invalid("targets", "at least one recipient is required")
	}

	now := d.now()
	id, err := ids.New(now)
	if err != nil {
		return nil, err
	}
	msg := Message{
		ID:          id,
		LocalID:     uuid.NewString(),
		Content:     draft.Content,
		Sender:      botID,
		Timestamp:   now,
		ReadBy:      []string{},
		MessageType: draft.MessageType,
		Attachments: draft.Attachments,
		Status:      MessageSent,
	}

	results := make([]resolved, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, userID := range targets {
		g.Go(func() error {
			c, created, err := d.resolver.ResolveSystemChat(gctx, userID, botID)
			results[i] = resolved{userID: userID, chat: c, created: created, err: err}
			// Per-recipient failures never cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chats := make(map[string]Chat, len(results))
	chatIDs := make([]string, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			d.log.Warn("chat.dispatch.recipient.fail",
				slog.String("user_id", r.userID),
				slog.String("message_id", msg.ID),
				slog.Any("err", r.err),
			)
			continue
		}
		if r.created {
			d.notifier.ChatCreated(r.chat, r.chat.Participants)
		}
		if _, seen := chats[r.chat.ID]; !seen {
			chats[r.chat.ID] = r.chat
			chatIDs = append(chatIDs, r.chat.ID)
		}
	}
	if len(chatIDs) == 0 {
		metrics.RecordDispatch(time.Since(start), 0, failed)
		d.log.Warn("chat.dispatch.empty", slog.String("message_id", msg.ID), slog.Int("targets", len(targets)))
		return []string{}, nil
	}

	res, err := d.store.AppendBatch(ctx, AppendBatchInput{ChatIDs: chatIDs, Message: msg})
	if err != nil {
		metrics.RecordDispatch(time.Since(start), 0, len(targets))
		return nil, fmt.Errorf("dispatch batch write: %w", err)
	}
	for chatID, ferr := range res.Failed {
		failed++
		d.log.Warn("chat.dispatch.write.fail",
			slog.String("chat_id", chatID),
			slog.String("message_id", msg.ID),
			slog.Any("err", ferr),
		)
	}

	for _, chatID := range res.Applied {
		c := chats[chatID]
		m := msg
		m.ChatID = chatID
		c.UpdatedAt = now
		d.notifier.MessageAppended(c, m)
	}

	metrics.RecordMessageAppended("broadcast", len(res.Applied), false)
	metrics.RecordDispatch(time.Since(start), len(res.Applied), failed)
	d.log.Info("chat.dispatch.ok",
		slog.String("message_id", msg.ID),
		slog.Int("targets", len(targets)),
		slog.Int("delivered", len(res.Applied)),
		slog.Int("failed", failed),
	)
	return res.Applied, nil
}
