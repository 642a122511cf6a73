// Package main provides a CI-friendly WebSocket smoke test for courier real-time delivery.
//
// It validates:
//   - handshake, token auth and subprotocol selection
//   - session:ready for two users
//   - chat:create -> chat:createAck, and chat:newChat to the other participant
//   - chat:message -> chat:messageAck, and chat:newMessage fanout
//   - idempotent dedupe by local id
//   - chat:read -> chat:messageRead back to the sender
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type smokeConfig struct {
	wsURL   string
	origin  string
	secret  string
	issuer  string
	timeout time.Duration
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		issuer  = flag.String("issuer", envOr("CHAT_JWT_ISSUER", "courier"), "Token issuer")
		userA   = flag.String("a", "smoke-alice", "First user id")
		userB   = flag.String("b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	secret := os.Getenv("CHAT_JWT_SECRET")
	if len(secret) < 32 {
		fatalf("CHAT_JWT_SECRET must be set to the server secret (>= 32 bytes)")
	}

	cfg := smokeConfig{wsURL: *wsURL, origin: *origin, secret: secret, issuer: *issuer, timeout: *timeout}
	root := context.Background()

	a := mustConnect(root, "A", *userA, cfg)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, cfg)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	name := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	chatID := mustCreateGroup(root, a, b, name, *timeout)

	localID := uuid.NewString()
	msgID, seq := mustSendAndAssertAck(root, a, chatID, localID, *text, false, *timeout)
	mustAssertNew(root, b, chatID, localID, msgID, a.userID, *text, *timeout)

	_, seq2 := mustSendAndAssertAck(root, a, chatID, localID, *text, true, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}
	mustAssertNoType(root, b, v1.TypeNewMessage, 1200*time.Millisecond)

	mustReadAndAssertReceipt(root, b, a, chatID, localID, *timeout)

	fmt.Printf("OK: A=%s B=%s chat_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, chatID, seq, msgID)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mintToken(cfg smokeConfig, userID string) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    cfg.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	s, err := tok.SignedString([]byte(cfg.secret))
	if err != nil {
		fatalf("sign token: %v", err)
	}
	return s
}

func mustConnect(parent context.Context, name, userID string, cfg smokeConfig) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(cfg.origin) != "" {
		h.Set("Origin", cfg.origin)
	}
	h.Set("Authorization", "Bearer "+mintToken(cfg, userID))

	conn, resp, err := websocket.Dial(ctx, cfg.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	ready := c.mustReadUntilType(parent, v1.TypeReady, cfg.timeout, nil)
	var p v1.ReadyPayload
	mustDecode(ready, &p, name)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("session:ready missing sessionId (%s)", name)
	}
	if p.UserID != userID {
		fatalf("session:ready user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version {
				c.fail(fmt.Errorf("bad envelope version: %q", env.V))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustCreateGroup(parent context.Context, a, b *smokeClient, name string, stepTimeout time.Duration) string {
	env := newEnvelope(a.name+"-create", v1.TypeChatCreate, v1.ChatCreatePayload{
		Type:         "group",
		Name:         name,
		Participants: []string{a.userID, b.userID},
	})
	mustWriteWithTimeout(parent, a.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeNewChat: {}}
	ack := a.mustReadUntilType(parent, v1.TypeChatCreateAck, stepTimeout, skip)
	var p v1.ChatCreateAckPayload
	mustDecode(ack, &p, a.name)
	if !p.Created {
		fatalf("chat:createAck reports an existing chat for a fresh name (%s)", a.name)
	}
	if !slices.Contains(p.Chat.Participants, b.userID) {
		fatalf("chat:createAck participants missing %q: %v", b.userID, p.Chat.Participants)
	}

	announced := b.mustReadUntilType(parent, v1.TypeNewChat, stepTimeout, nil)
	var np v1.ChatPayload
	mustDecode(announced, &np, b.name)
	if np.Chat.ID != p.Chat.ID {
		fatalf("chat:newChat id mismatch (%s): got=%q want=%q", b.name, np.Chat.ID, p.Chat.ID)
	}
	return p.Chat.ID
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, chatID, localID, text string, wantDup bool, stepTimeout time.Duration) (messageID string, seq int64) {
	env := newEnvelope(c.name+"-send-"+localID, v1.TypeChatMessage, v1.ChatMessagePayload{
		ChatID: chatID,
		Message: v1.MessageInput{
			LocalID:     localID,
			Content:     text,
			MessageType: "message",
		},
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeNewMessage: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	mustDecode(ack, &p, c.name)
	if p.ChatID != chatID {
		fatalf("ack chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
	if p.LocalID != localID {
		fatalf("ack local_id mismatch (%s): got=%q want=%q", c.name, p.LocalID, localID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.Duplicated != wantDup {
		fatalf("ack duplicated=%v want=%v (%s)", p.Duplicated, wantDup, c.name)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, chatID, localID, messageID, sender, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, nil)

	var p v1.NewMessagePayload
	mustDecode(env, &p, c.name)

	m := p.Message
	switch {
	case p.ChatID != chatID:
		fatalf("new chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	case m.LocalID != localID:
		fatalf("new local_id mismatch (%s): got=%q want=%q", c.name, m.LocalID, localID)
	case m.ID != messageID:
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, m.ID, messageID)
	case m.Sender != sender:
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, m.Sender, sender)
	case m.Content != text:
		fatalf("new content mismatch (%s): got=%q want=%q", c.name, m.Content, text)
	case m.Timestamp.IsZero():
		fatalf("new timestamp missing/zero (%s)", c.name)
	}
}

func mustReadAndAssertReceipt(parent context.Context, reader, sender *smokeClient, chatID, localID string, stepTimeout time.Duration) {
	env := newEnvelope(reader.name+"-read", v1.TypeChatRead, v1.ChatReadPayload{
		ChatID:     chatID,
		MessageIDs: []string{localID},
	})
	mustWriteWithTimeout(parent, reader.conn, env, stepTimeout)

	got := sender.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, nil)
	var p v1.MessageReadPayload
	mustDecode(got, &p, sender.name)
	if p.ChatID != chatID || p.UserID != reader.userID || !slices.Contains(p.MessageIDs, localID) {
		fatalf("chat:messageRead mismatch (%s): %+v", sender.name, p)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			failOnError(c, env)
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			failOnError(c, env)
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func failOnError(c *smokeClient, env v1.Envelope) {
	if env.Type != v1.TypeError {
		return
	}
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("server error (%s): code=%q msg=%q ref=%q", c.name, ep.Code, ep.Message, ep.Ref)
}

func newEnvelope(id, typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: b}
}

func mustDecode(env v1.Envelope, dst any, name string) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, name, err)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
