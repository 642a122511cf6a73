package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceipts_MarkRead(t *testing.T) {
	l, s, c := newTestLedger(t)
	r := NewReceipts(s)
	ctx := context.Background()
	for _, lid := range []string{"a", "b"} {
		_, err := l.Append(ctx, c.ID, draft("u1", lid, lid))
		require.NoError(t, err)
	}

	matched, err := r.MarkRead(ctx, c.ID, []string{"a", "a", "", "zzz"}, "u2")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, matched)

	again, err := r.MarkRead(ctx, c.ID, []string{"a"}, "u2")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, again)

	msgs, err := s.MessagesPage(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, msgs[0].ReadBy)
	require.Empty(t, msgs[1].ReadBy)

	empty, err := r.MarkRead(ctx, c.ID, nil, "u2")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestReceipts_MarkRead_RequiresParticipant(t *testing.T) {
	_, s, c := newTestLedger(t)
	r := NewReceipts(s)

	_, err := r.MarkRead(context.Background(), c.ID, []string{"a"}, "outsider")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = r.MarkAllRead(context.Background(), "missing", "u1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReceipts_MarkAllRead(t *testing.T) {
	l, s, c := newTestLedger(t)
	r := NewReceipts(s)
	ctx := context.Background()
	for _, lid := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, c.ID, draft("u1", lid, lid))
		require.NoError(t, err)
	}
	_, err := r.MarkRead(ctx, c.ID, []string{"b"}, "u2")
	require.NoError(t, err)

	changed, err := r.MarkAllRead(ctx, c.ID, "u2")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, changed)
}

func TestChat_FullyRead(t *testing.T) {
	simple := Chat{Type: TypeSimple, Participants: []string{"u1", "u2"}}
	require.False(t, simple.FullyRead(Message{ReadBy: []string{"u2"}}))
	require.True(t, simple.FullyRead(Message{ReadBy: []string{"u1", "u2"}}))

	group := Chat{Type: TypeGroup, Participants: []string{"u1", "u2", "u3"}}
	require.False(t, group.FullyRead(Message{ReadBy: []string{"u2"}}))
	require.True(t, group.FullyRead(Message{ReadBy: []string{"u2", "u3"}}))

	broadcast := Chat{Type: TypeBroadcast, Participants: []string{"a1", "u1"}}
	require.True(t, broadcast.FullyRead(Message{ReadBy: []string{"u1"}}))
}
