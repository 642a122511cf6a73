package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const testBotID = "courier-bot"

type wsHarness struct {
	srv    *httptest.Server
	svc    *chat.Service
	tokens *auth.TokenManager
	reg    *Registry
}

func newWSHarness(t *testing.T, tweak func(*GatewayConfig)) *wsHarness {
	t.Helper()
	return newWrappedWSHarness(t, tweak, nil)
}

// newWrappedWSHarness lets a test put its own ChatService in front of the real one.
func newWrappedWSHarness(t *testing.T, tweak func(*GatewayConfig), wrap func(*chat.Service) ChatService) *wsHarness {
	t.Helper()

	reg := NewRegistry(discardLogger())
	svc, err := chat.NewService(chat.NewMemoryStore(), chat.Config{
		BotUserID:    testBotID,
		StoreTimeout: 2 * time.Second,
	}, chat.WithNotifier(NewFanout(reg)), chat.WithLogger(discardLogger()))
	require.NoError(t, err)

	tokens, err := auth.NewTokenManager(auth.Config{
		Secret: []byte(strings.Repeat("s", 32)),
		Issuer: "courier-test",
		TTL:    time.Hour,
	})
	require.NoError(t, err)

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	if tweak != nil {
		tweak(&cfg)
	}
	var gwSvc ChatService = svc
	if wrap != nil {
		gwSvc = wrap(svc)
	}
	gw, err := NewGateway(discardLogger(), gwSvc, tokens, reg, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	t.Cleanup(reg.CloseAll)

	return &wsHarness{srv: srv, svc: svc, tokens: tokens, reg: reg}
}

func (h *wsHarness) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(auth.Principal{UserID: userID, Role: role}, time.Now().UTC())
	require.NoError(t, err)
	return tok
}

func (h *wsHarness) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial connects as userID and waits for the session:ready event.
func (h *wsHarness) dial(t *testing.T, userID, role string) (*websocket.Conn, v1.ReadyPayload) {
	t.Helper()

	conn := h.dialRaw(t, userID, role)
	ready := readUntilType(t, conn, v1.TypeReady, 1)
	return conn, decodeEnv[v1.ReadyPayload](t, ready)
}

// dialRaw connects as userID without reading anything.
func (h *wsHarness) dialRaw(t *testing.T, userID, role string) *websocket.Conn {
	t.Helper()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.token(t, userID, role))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, h.wsURL(""), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, id, typ string, payload any) {
	t.Helper()

	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestGateway_RejectsUnauthenticated(t *testing.T) {
	h := newWSHarness(t, nil)

	for name, query := range map[string]string{
		"missing": "",
		"garbage": "token=not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, resp, err := websocket.Dial(ctx, h.wsURL(query), &websocket.DialOptions{
				Subprotocols: []string{v1.Subprotocol},
			})
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestGateway_TokenQueryParam(t *testing.T) {
	h := newWSHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, h.wsURL("token="+h.token(t, "alice", "")), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	ready := decodeEnv[v1.ReadyPayload](t, readUntilType(t, conn, v1.TypeReady, 1))
	require.Equal(t, "alice", ready.UserID)
	require.NotEmpty(t, ready.SessionID)
	require.Empty(t, ready.ChatIDs)
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	h := newWSHarness(t, func(c *GatewayConfig) {
		c.OriginRequired = true
		c.AllowedOrigins = []string{"http://localhost"}
	})

	hdr := http.Header{}
	hdr.Set("Origin", "http://evil.example")
	hdr.Set("Authorization", "Bearer "+h.token(t, "alice", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, h.wsURL(""), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_ChatFlow(t *testing.T) {
	h := newWSHarness(t, nil)
	alice, _ := h.dial(t, "alice", "")
	bob, _ := h.dial(t, "bob", "")

	sendEvent(t, alice, "req-1", v1.TypeChatCreate, v1.ChatCreatePayload{
		Type:         "simple",
		Participants: []string{"alice", "bob"},
	})
	ack := decodeEnv[v1.ChatCreateAckPayload](t, readUntilType(t, alice, v1.TypeChatCreateAck, 3))
	require.True(t, ack.Created)
	chatID := ack.Chat.ID
	require.NotEmpty(t, chatID)

	newChat := decodeEnv[v1.ChatPayload](t, readUntilType(t, bob, v1.TypeNewChat, 1))
	require.Equal(t, chatID, newChat.Chat.ID)
	require.Equal(t, []string{"alice", "bob"}, newChat.Chat.Participants)

	sendEvent(t, alice, "req-2", v1.TypeChatMessage, v1.ChatMessagePayload{
		ChatID:  chatID,
		Message: v1.MessageInput{LocalID: "l1", Content: "hello bob"},
	})
	got := decodeEnv[v1.NewMessagePayload](t, readUntilType(t, bob, v1.TypeNewMessage, 1))
	require.Equal(t, chatID, got.ChatID)
	require.Equal(t, "hello bob", got.Message.Content)
	require.Equal(t, "alice", got.Message.Sender)
	require.Equal(t, "message", got.Message.MessageType)
	require.Equal(t, "sent", got.Message.Status)

	msgAck := decodeEnv[v1.MessageAckPayload](t, readUntilType(t, alice, v1.TypeMessageAck, 3))
	require.Equal(t, got.Message.ID, msgAck.MessageID)
	require.Equal(t, int64(1), msgAck.Seq)
	require.False(t, msgAck.Duplicated)

	// A retry with the same local id is acknowledged but not re-announced.
	sendEvent(t, alice, "req-3", v1.TypeChatMessage, v1.ChatMessagePayload{
		ChatID:  chatID,
		Message: v1.MessageInput{LocalID: "l1", Content: "hello bob"},
	})
	dup := decodeEnv[v1.MessageAckPayload](t, readUntilType(t, alice, v1.TypeMessageAck, 1))
	require.True(t, dup.Duplicated)
	require.Equal(t, msgAck.MessageID, dup.MessageID)

	sendEvent(t, bob, "req-4", v1.TypeChatRead, v1.ChatReadPayload{ChatID: chatID})
	read := decodeEnv[v1.MessageReadPayload](t, readUntilType(t, alice, v1.TypeMessageRead, 1))
	require.Equal(t, v1.MessageReadPayload{ChatID: chatID, UserID: "bob", MessageIDs: []string{"l1"}}, read)
}

func TestGateway_ErrorsKeepSession(t *testing.T) {
	h := newWSHarness(t, nil)
	alice, _ := h.dial(t, "alice", "")

	sendEvent(t, alice, "req-missing", v1.TypeChatMessage, v1.ChatMessagePayload{
		ChatID:  "does-not-exist",
		Message: v1.MessageInput{Content: "hi"},
	})
	e := decodeEnv[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 1))
	require.Equal(t, "not_found", e.Code)
	require.Equal(t, "req-missing", e.Ref)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte("{not json")))
	cancel()
	e = decodeEnv[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 1))
	require.Equal(t, "bad_json", e.Code)

	sendEvent(t, alice, "req-unknown", "chat:teleport", map[string]string{})
	e = decodeEnv[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 1))
	require.Equal(t, "bad_envelope", e.Code)

	sendEvent(t, alice, "req-invalid", v1.TypeChatCreate, v1.ChatCreatePayload{Type: "group"})
	e = decodeEnv[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 1))
	require.Equal(t, "invalid", e.Code)

	sendEvent(t, alice, "req-ok", v1.TypeChatCreate, v1.ChatCreatePayload{
		Type:         "group",
		Name:         "team",
		Participants: []string{"bob"},
	})
	ack := decodeEnv[v1.ChatCreateAckPayload](t, readUntilType(t, alice, v1.TypeChatCreateAck, 3))
	require.Equal(t, []string{"alice", "bob"}, ack.Chat.Participants)
}

func TestGateway_ReadyListsExistingChats(t *testing.T) {
	h := newWSHarness(t, nil)
	ctx := context.Background()

	c, _, err := h.svc.CreateChat(ctx, "alice", chat.CreateChatRequest{
		Type:         chat.TypeGroup,
		Name:         "ops",
		Participants: []string{"bob"},
	})
	require.NoError(t, err)

	bob, ready := h.dial(t, "bob", "")
	require.Equal(t, []string{c.ID}, ready.ChatIDs)

	_, err = h.svc.AddMessage(ctx, c.ID, "alice", chat.MessageDraft{Content: "deploy at 5", MessageType: chat.MessageRegular})
	require.NoError(t, err)

	got := decodeEnv[v1.NewMessagePayload](t, readUntilType(t, bob, v1.TypeNewMessage, 1))
	require.Equal(t, "deploy at 5", got.Message.Content)
}

func TestGateway_EditChat(t *testing.T) {
	h := newWSHarness(t, nil)
	ctx := context.Background()

	c, _, err := h.svc.CreateChat(ctx, "alice", chat.CreateChatRequest{
		Type:         chat.TypeGroup,
		Name:         "ops",
		Participants: []string{"bob"},
	})
	require.NoError(t, err)

	alice, _ := h.dial(t, "alice", "")
	dave, _ := h.dial(t, "dave", "")

	name := "platform"
	sendEvent(t, alice, "req-edit", v1.TypeChatEdit, v1.ChatEditPayload{
		ChatID:          c.ID,
		Name:            &name,
		AddParticipants: []string{"dave"},
	})

	newChat := decodeEnv[v1.ChatPayload](t, readUntilType(t, dave, v1.TypeNewChat, 1))
	require.Equal(t, c.ID, newChat.Chat.ID)
	updated := decodeEnv[v1.ChatPayload](t, readUntilType(t, alice, v1.TypeUpdatedChat, 1))
	require.Equal(t, "platform", updated.Chat.Name)
	require.Contains(t, updated.Chat.Participants, "dave")

	// dave is now in the chat room.
	_, err = h.svc.AddMessage(ctx, c.ID, "alice", chat.MessageDraft{Content: "welcome", MessageType: chat.MessageRegular})
	require.NoError(t, err)
	got := decodeEnv[v1.NewMessagePayload](t, readUntilType(t, dave, v1.TypeNewMessage, 2))
	require.Equal(t, "welcome", got.Message.Content)
}

func TestGateway_AutomatedMessage(t *testing.T) {
	h := newWSHarness(t, nil)
	bob, _ := h.dial(t, "bob", "")
	ops, _ := h.dial(t, "ops", "admin")
	carol, _ := h.dial(t, "carol", "")

	payload := v1.AutomatedMessagePayload{
		Targets: []string{"carol", "bad id!"},
		Message: v1.MessageInput{Content: "maintenance tonight", MessageType: "alert"},
	}

	sendEvent(t, bob, "req-denied", v1.TypeChatAutomatedMessage, payload)
	e := decodeEnv[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 1))
	require.Equal(t, "forbidden", e.Code)

	sendEvent(t, ops, "req-dispatch", v1.TypeChatAutomatedMessage, payload)
	ack := decodeEnv[v1.AutomatedMessageAckPayload](t, readUntilType(t, ops, v1.TypeAutomatedMessageAck, 1))
	require.Len(t, ack.ChatIDs, 1)

	newChat := decodeEnv[v1.ChatPayload](t, readUntilType(t, carol, v1.TypeNewChat, 1))
	require.Equal(t, ack.ChatIDs[0], newChat.Chat.ID)
	require.ElementsMatch(t, []string{"carol", testBotID}, newChat.Chat.Participants)

	msg := decodeEnv[v1.NewMessagePayload](t, readUntilType(t, carol, v1.TypeNewMessage, 1))
	require.Equal(t, testBotID, msg.Message.Sender)
	require.Equal(t, "alert", msg.Message.MessageType)
}

func TestGateway_Logout(t *testing.T) {
	h := newWSHarness(t, nil)
	alice, _ := h.dial(t, "alice", "")

	sendEvent(t, alice, "req-bye", v1.TypeLogout, struct{}{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := alice.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	require.Eventually(t, func() bool { return h.reg.Sessions("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:5173",
		"https://app.example.com",
		"http://localhost",
		" ",
	})
	require.Equal(t, []string{"app.example.com", "localhost"}, got)
}

type listHookService struct {
	*chat.Service
	afterList func(userID string)
}

func (s *listHookService) ListChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	chats, err := s.Service.ListChats(ctx, userID)
	if s.afterList != nil {
		s.afterList(userID)
	}
	return chats, err
}

func TestGateway_ChatCreatedWhileConnecting(t *testing.T) {
	type created struct {
		chat chat.Chat
		err  error
	}
	createdCh := make(chan created, 1)
	h := newWrappedWSHarness(t, nil, func(svc *chat.Service) ChatService {
		return &listHookService{Service: svc, afterList: func(userID string) {
			if userID != "bob" {
				return
			}
			c, _, err := svc.CreateChat(context.Background(), "alice", chat.CreateChatRequest{
				Type:         chat.TypeGroup,
				Name:         "late",
				Participants: []string{"bob"},
			})
			createdCh <- created{chat: c, err: err}
		}}
	})

	bob := h.dialRaw(t, "bob", "")
	var res created
	select {
	case res = <-createdCh:
	case <-time.After(5 * time.Second):
		t.Fatal("chat was not created during connect")
	}
	require.NoError(t, res.err)
	late := res.chat

	newChat := readUntilType(t, bob, v1.TypeNewChat, 1)
	require.Equal(t, late.ID, decodeEnv[v1.ChatPayload](t, newChat).Chat.ID)

	ready := decodeEnv[v1.ReadyPayload](t, readUntilType(t, bob, v1.TypeReady, 1))
	require.Empty(t, ready.ChatIDs)
	require.True(t, h.reg.Subscribed(ready.SessionID, late.ID))

	_, err := h.svc.AddMessage(context.Background(), late.ID, "alice", chat.MessageDraft{Content: "welcome", MessageType: chat.MessageRegular})
	require.NoError(t, err)

	got := decodeEnv[v1.NewMessagePayload](t, readUntilType(t, bob, v1.TypeNewMessage, 1))
	require.Equal(t, "welcome", got.Message.Content)
}

func TestGateway_MalformedFramesAreRateLimited(t *testing.T) {
	h := newWSHarness(t, func(c *GatewayConfig) {
		c.RateEvents = 3
		c.RateWindow = time.Hour
	})
	alice, _ := h.dial(t, "alice", "")

	for range 4 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte("{not json")))
		cancel()
	}

	badJSON := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := alice.Read(ctx)
		cancel()
		if err != nil {
			require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err), err.Error())
			break
		}

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		require.Equal(t, v1.TypeError, env.Type)
		if decodeEnv[v1.ErrorPayload](t, env).Code == "bad_json" {
			badJSON++
		}
	}
	require.Equal(t, 3, badJSON)
}
