package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// staleStore hides existing chats from the first FindByKey, simulating a concurrent creator
// that commits between lookup and insert.
type staleStore struct {
	Store
	missed atomic.Bool
}

func (s *staleStore) FindByKey(ctx context.Context, key string) (Chat, error) {
	if s.missed.CompareAndSwap(false, true) {
		return Chat{}, ErrNotFound
	}
	return s.Store.FindByKey(ctx, key)
}

func TestResolver_ValidatesBeforeStoreAccess(t *testing.T) {
	// A nil store panics on any call.
	r := NewResolver(nil, nil)

	_, _, err := r.ResolveOrCreate(context.Background(), CreateChatRequest{Type: TypeSimple, Participants: []string{"u1"}})
	require.ErrorIs(t, err, ErrValidation)

	_, _, err = r.ResolveSystemChat(context.Background(), "bad id", "bot")
	require.ErrorIs(t, err, ErrValidation)
}

func TestResolver_ResolveOrCreate_ReturnsExisting(t *testing.T) {
	r := NewResolver(NewMemoryStore(), nil)
	ctx := context.Background()

	first, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeSimple, Participants: []string{"u1", "u2"}})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, ChatCreated, first.Status)

	again, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeSimple, Participants: []string{"u2", "u1"}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
}

func TestResolver_ResolveOrCreate_LocalIDWins(t *testing.T) {
	r := NewResolver(NewMemoryStore(), nil)
	ctx := context.Background()

	first, _, err := r.ResolveOrCreate(ctx, CreateChatRequest{LocalID: "L1", Type: TypeGroup, Name: "one", Participants: []string{"u1"}})
	require.NoError(t, err)

	retry, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{LocalID: "L1", Type: TypeGroup, Name: "renamed offline", Participants: []string{"u1"}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, retry.ID)
}

func TestResolver_ResolveOrCreate_BroadcastAdminOverlap(t *testing.T) {
	r := NewResolver(NewMemoryStore(), nil)
	ctx := context.Background()

	first, _, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeBroadcast, Participants: []string{"u1"}, Admins: []string{"a1", "a2"}})
	require.NoError(t, err)

	overlap, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeBroadcast, Participants: []string{"u9"}, Admins: []string{"a2", "a3"}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, overlap.ID)

	disjoint, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeBroadcast, Participants: []string{"u1"}, Admins: []string{"a7"}})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, disjoint.ID)
}

func TestResolver_ResolveOrCreate_ConflictReturnsWinner(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	winner, _, err := NewResolver(mem, nil).ResolveOrCreate(ctx, CreateChatRequest{Type: TypeGroup, Name: "race", Participants: []string{"u1"}})
	require.NoError(t, err)

	r := NewResolver(&staleStore{Store: mem}, nil)
	got, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeGroup, Name: "race", Participants: []string{"u2"}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, winner.ID, got.ID)
}

func TestResolver_ConcurrentResolveOrCreate_SingleChat(t *testing.T) {
	r := NewResolver(NewMemoryStore(), nil)
	ctx := context.Background()

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = make(map[string]struct{})
		created atomic.Int32
		errs    = make(chan error, n)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, isNew, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeSimple, Participants: []string{"u1", "u2"}})
			if err != nil {
				errs <- err
				return
			}
			if isNew {
				created.Add(1)
			}
			mu.Lock()
			seen[c.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, seen, 1)
	require.EqualValues(t, 1, created.Load())
}

func TestResolver_ConcurrentResolveSystemChat_SingleChat(t *testing.T) {
	r := NewResolver(NewMemoryStore(), nil)
	ctx := context.Background()

	const n = 50
	var (
		wg      sync.WaitGroup
		ids     = make([]string, n)
		created atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, isNew, err := r.ResolveSystemChat(ctx, "u1", "bot")
			if err != nil {
				return
			}
			if isNew {
				created.Add(1)
			}
			ids[i] = c.ID
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, created.Load())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
		require.NotEmpty(t, id)
	}
}

func TestResolver_ResolveSystemChat_RejectsSelfChat(t *testing.T) {
	r := NewResolver(NewMemoryStore(), nil)
	_, _, err := r.ResolveSystemChat(context.Background(), "bot", "bot")
	require.ErrorIs(t, err, ErrValidation)
}

// heldInsertStore parks the first Insert until release is closed.
type heldInsertStore struct {
	Store
	entered chan struct{}
	release chan struct{}
	held    atomic.Bool
}

func (s *heldInsertStore) Insert(ctx context.Context, c Chat) (Chat, error) {
	if s.held.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return s.Store.Insert(ctx, c)
}

func TestResolver_ConcurrentBroadcastOverlap_SingleChat(t *testing.T) {
	store := &heldInsertStore{Store: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(store, nil)
	ctx := context.Background()

	type result struct {
		chat    Chat
		created bool
		err     error
	}
	first := make(chan result, 1)
	go func() {
		c, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeBroadcast, Participants: []string{"u1"}, Admins: []string{"a1"}})
		first <- result{c, created, err}
	}()
	<-store.entered

	second := make(chan result, 1)
	go func() {
		c, created, err := r.ResolveOrCreate(ctx, CreateChatRequest{Type: TypeBroadcast, Participants: []string{"u2"}, Admins: []string{"a1", "a2"}})
		second <- result{c, created, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.True(t, a.created)
	require.False(t, b.created)
	require.Equal(t, a.chat.ID, b.chat.ID)
}
