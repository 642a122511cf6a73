package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"courier/cmd/internal/ids"

	"github.com/stretchr/testify/require"
)

func mustInsertChat(t *testing.T, s Store, typ ChatType, name string, participants ...string) Chat {
	t.Helper()

	c, err := s.Insert(context.Background(), Chat{
		Type:         typ,
		Name:         name,
		Participants: participants,
		Status:       ChatCreated,
		DedupKey:     DedupKey(typ, name, participants, nil),
	})
	require.NoError(t, err)
	return c
}

func testMessage(sender, localID, content string, ts time.Time) Message {
	return Message{
		ID:          ids.MustNew(ts),
		LocalID:     localID,
		Content:     content,
		Sender:      sender,
		Timestamp:   ts,
		MessageType: MessageRegular,
		Status:      MessageSent,
	}
}

func TestMemoryStore_InsertConflictAndUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := mustInsertChat(t, s, TypeSimple, "", "u1", "u2")
	require.NotEmpty(t, first.ID)
	require.Equal(t, []string{"u1", "u2"}, first.Participants)

	_, err := s.Insert(ctx, Chat{Type: TypeSimple, Participants: []string{"u2", "u1"}, DedupKey: first.DedupKey})
	require.ErrorIs(t, err, ErrConflict)

	got, created, err := s.Upsert(ctx, Chat{Type: TypeSimple, Participants: []string{"u1", "u2"}, DedupKey: first.DedupKey})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, got.ID)

	byKey, err := s.FindByKey(ctx, first.DedupKey)
	require.NoError(t, err)
	require.Equal(t, first.ID, byKey.ID)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeSimple, "", "u1", "u2")
	now := time.Now().UTC()

	first, err := s.AppendMessage(ctx, AppendMessageInput{ChatID: c.ID, Message: testMessage("u1", "l1", "hi", now)})
	require.NoError(t, err)
	require.False(t, first.Duplicated)
	require.EqualValues(t, 1, first.Stored.Seq)
	require.Equal(t, now, first.Chat.UpdatedAt)

	dup, err := s.AppendMessage(ctx, AppendMessageInput{ChatID: c.ID, Message: testMessage("u1", "l1", "hi again", now.Add(time.Second))})
	require.NoError(t, err)
	require.True(t, dup.Duplicated)
	require.Equal(t, first.Stored.ID, dup.Stored.ID)
	require.Equal(t, "hi", dup.Stored.Content)

	next, err := s.AppendMessage(ctx, AppendMessageInput{ChatID: c.ID, Message: testMessage("u2", "l2", "yo", now.Add(2*time.Second))})
	require.NoError(t, err)
	require.EqualValues(t, 2, next.Stored.Seq)

	_, err = s.AppendMessage(ctx, AppendMessageInput{ChatID: "missing", Message: testMessage("u1", "", "x", now)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentAppends_StrictSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeGroup, "load", "u1")

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, AppendMessageInput{
				ChatID:  c.ID,
				Message: testMessage("u1", fmt.Sprintf("l%d", i), "m", time.Now().UTC()),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.MessagesPage(ctx, c.ID, 0, n)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		require.EqualValues(t, i+1, m.Seq)
	}
}

func TestMemoryStore_AppendBatch_Unordered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := mustInsertChat(t, s, TypeSimple, "", "u1", "bot")
	b := mustInsertChat(t, s, TypeSimple, "", "u2", "bot")

	res, err := s.AppendBatch(ctx, AppendBatchInput{
		ChatIDs: []string{a.ID, "missing", b.ID},
		Message: testMessage("bot", "shared", "promo", time.Now().UTC()),
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.ID, b.ID}, res.Applied)
	require.Len(t, res.Failed, 1)
	require.ErrorIs(t, res.Failed["missing"], ErrNotFound)

	all, err := s.MessagesForChats(ctx, []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, all[a.ID][0].ID, all[b.ID][0].ID)
	require.Equal(t, a.ID, all[a.ID][0].ChatID)
}

func TestMemoryStore_MessagesBefore_NewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeGroup, "history", "u1")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		_, err := s.AppendMessage(ctx, AppendMessageInput{
			ChatID:  c.ID,
			Message: testMessage("u1", fmt.Sprintf("l%d", i), fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute)),
		})
		require.NoError(t, err)
	}

	got, err := s.MessagesBefore(ctx, c.ID, base.Add(3*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m2", got[0].Content)
	require.Equal(t, "m1", got[1].Content)

	none, err := s.MessagesBefore(ctx, c.ID, base, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemoryStore_MarkRead_IsSetUnion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeSimple, "", "u1", "u2")
	now := time.Now().UTC()
	for _, lid := range []string{"a", "b", "c"} {
		_, err := s.AppendMessage(ctx, AppendMessageInput{ChatID: c.ID, Message: testMessage("u1", lid, lid, now)})
		require.NoError(t, err)
	}

	matched, err := s.MarkRead(ctx, c.ID, []string{"a", "b", "nope"}, "u2")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, matched)

	_, err = s.MarkRead(ctx, c.ID, []string{"a", "b"}, "u2")
	require.NoError(t, err)

	msgs, err := s.MessagesPage(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, msgs[0].ReadBy)
	require.Equal(t, []string{"u2"}, msgs[1].ReadBy)
	require.Empty(t, msgs[2].ReadBy)

	changed, err := s.MarkAllRead(ctx, c.ID, "u2")
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, changed)

	again, err := s.MarkAllRead(ctx, c.ID, "u2")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeGroup, "copies", "u1", "u2")

	c.Participants[0] = "mutated"
	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, got.Participants)
}

func TestMemoryStore_ListForUser_OrderAndPreview(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := mustInsertChat(t, s, TypeGroup, "old", "u1")
	fresh := mustInsertChat(t, s, TypeGroup, "fresh", "u1")
	mustInsertChat(t, s, TypeGroup, "other", "u2")

	base := time.Now().UTC()
	for i := range 4 {
		_, err := s.AppendMessage(ctx, AppendMessageInput{
			ChatID:  fresh.ID,
			Message: testMessage("u1", fmt.Sprintf("f%d", i), fmt.Sprintf("f%d", i), base.Add(time.Duration(i)*time.Second)),
		})
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, AppendMessageInput{
		ChatID:  old.ID,
		Message: testMessage("u1", "o1", "o1", base.Add(-time.Hour)),
	})
	require.NoError(t, err)

	chats, err := s.ListForUser(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, fresh.ID, chats[0].ID)
	require.Equal(t, old.ID, chats[1].ID)
	require.Len(t, chats[0].Messages, 2)
	require.Equal(t, "f2", chats[0].Messages[0].Content)
	require.Equal(t, "f3", chats[0].Messages[1].Content)
}

func TestMemoryStore_UpdateChat_RenameMovesKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := mustInsertChat(t, s, TypeGroup, "alpha", "u1")
	mustInsertChat(t, s, TypeGroup, "beta", "u1")

	taken := "beta"
	_, err := s.UpdateChat(ctx, a.ID, UpdateChatInput{Name: &taken})
	require.ErrorIs(t, err, ErrConflict)

	name := "gamma"
	updated, err := s.UpdateChat(ctx, a.ID, UpdateChatInput{Name: &name, AddParticipants: []string{"u3", "u1"}})
	require.NoError(t, err)
	require.Equal(t, "gamma", updated.Name)
	require.Equal(t, []string{"u1", "u3"}, updated.Participants)

	_, err = s.FindByKey(ctx, DedupKey(TypeGroup, "alpha", nil, nil))
	require.ErrorIs(t, err, ErrNotFound)
	got, err := s.FindByKey(ctx, DedupKey(TypeGroup, "gamma", nil, nil))
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
}

func TestMemoryStore_LongChatKeepsEveryMessage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeGroup, "long", "u1")
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	const n = 10_050
	for i := range n {
		_, err := s.AppendMessage(ctx, AppendMessageInput{
			ChatID:  c.ID,
			Message: testMessage("u1", fmt.Sprintf("l%d", i), "m", first.Add(time.Duration(i)*time.Millisecond)),
		})
		require.NoError(t, err)
	}

	head, err := s.MessagesPage(ctx, c.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, head, 1)
	require.Equal(t, int64(1), head[0].Seq)
	require.Equal(t, "l0", head[0].LocalID)

	matched, err := s.MarkRead(ctx, c.ID, []string{"l0"}, "u2")
	require.NoError(t, err)
	require.Equal(t, []string{"l0"}, matched)

	older, err := s.MessagesBefore(ctx, c.ID, first.Add(time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	require.Equal(t, "l0", older[0].LocalID)

	all, err := s.MessagesForChats(ctx, []string{c.ID})
	require.NoError(t, err)
	require.Len(t, all[c.ID], n)
}

func TestMemoryStore_TimestampsFollowSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mustInsertChat(t, s, TypeSimple, "", "u1", "u2")
	late := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// The second append carries an earlier clock reading than the first.
	for i, ts := range []time.Time{late, late.Add(-time.Second), late} {
		_, err := s.AppendMessage(ctx, AppendMessageInput{
			ChatID:  c.ID,
			Message: testMessage("u1", fmt.Sprintf("l%d", i), fmt.Sprintf("m%d", i), ts),
		})
		require.NoError(t, err)
	}

	msgs, err := s.MessagesPage(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp), "seq %d", msgs[i].Seq)
	}

	older, err := s.MessagesBefore(ctx, c.ID, msgs[2].Timestamp, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m0"}, []string{older[0].Content, older[1].Content})
}
