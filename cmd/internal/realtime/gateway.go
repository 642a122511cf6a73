package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/metrics"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

var errBadPayload = errors.New("invalid payload")

// ChatService is the part of chat.Service the gateway drives.
type ChatService interface {
	ListChats(ctx context.Context, userID string) ([]chat.Chat, error)
	CreateChat(ctx context.Context, userID string, req chat.CreateChatRequest) (chat.Chat, bool, error)
	AddMessage(ctx context.Context, chatID, userID string, draft chat.MessageDraft) (chat.AppendResult, error)
	MarkRead(ctx context.Context, chatID, userID string, localIDs []string) ([]string, error)
	MarkAllRead(ctx context.Context, chatID, userID string) ([]string, error)
	EditChat(ctx context.Context, chatID, userID string, req chat.EditChatRequest) (chat.Chat, error)
	DispatchSystemMessage(ctx context.Context, targets []string, draft chat.MessageDraft) ([]string, error)
}

// GatewayConfig holds the WebSocket knobs.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist ("*" allows any).
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept origin verification (dev only).
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// AdminRole is the token role allowed to send chat:automatedMessage.
	AdminRole string
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		AdminRole:         "admin",
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for courier real-time delivery.
//
// It enforces origin policy, token authentication, subprotocol selection, rate limits and
// heartbeats, subscribes each session to its rooms and routes inbound events to the chat
// service. Outbound room events arrive through the Fanout wired into the service.
type Gateway struct {
	log      *slog.Logger
	svc      ChatService
	verifier auth.Verifier
	reg      *Registry
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewGateway constructs a gateway. log may be nil.
func NewGateway(log *slog.Logger, svc ChatService, verifier auth.Verifier, reg *Registry, cfg GatewayConfig) (*Gateway, error) {
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}
	if reg == nil {
		return nil, errors.New("realtime: nil registry")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		svc:            svc,
		verifier:       verifier,
		reg:            reg,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the session loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.verifier.Verify(auth.TokenFromRequest(r), time.Now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(principal, sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The user room comes first: a chat created while the list is loading subscribes this
	// session through it, and the list then covers everything older.
	g.reg.Register(client, nil)

	chats, err := g.svc.ListChats(ctx, client.UserID)
	if err != nil {
		g.log.Error("ws.session.chats.fail", "session_id", sessionID, "user_id", client.UserID, "err", err)
		g.reg.Unregister(sessionID)
		_ = conn.Close(websocket.StatusInternalError, "chat list failed")
		return
	}
	chatIDs := lo.Map(chats, func(c chat.Chat, _ int) string { return c.ID })
	g.reg.Join(sessionID, chatIDs)

	metrics.TrackWSConnection(true)
	defer metrics.TrackWSConnection(false)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: the session leaves every room
	// before the client is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.reg.Unregister(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.enqueue(ctx, client, newEnvelope(v1.TypeReady, v1.ReadyPayload{
		SessionID: sessionID,
		UserID:    client.UserID,
		ChatIDs:   chatIDs,
	}, time.Now().UTC()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside (server shutdown).
				shutdown(websocket.StatusGoingAway, "session closed")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		badJSON := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				badJSON = true
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		// Malformed frames count against the limit too.
		if !rl.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}
		if badJSON {
			g.trySendError(ctx, client, "bad_json", "invalid JSON", "")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error(), env.ID)
			continue readLoop
		}

		if env.Type == v1.TypeLogout {
			g.log.Info("ws.session.logout", "session_id", sessionID, "user_id", client.UserID)
			metrics.RecordWSEvent(env.Type, nil)
			shutdown(websocket.StatusNormalClosure, "logout")
			break readLoop
		}

		g.handle(ctx, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handle runs one inbound event. A failing or panicking handler is logged and answered with
// an error envelope; the session survives.
func (g *Gateway) handle(ctx context.Context, client *Client, env v1.Envelope) {
	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			g.log.Error("ws.event.panic", "session_id", client.SessionID, "type", env.Type, "panic", rec)
		}
		metrics.RecordWSEvent(env.Type, err)
		if err != nil {
			g.reportError(ctx, client, env, err)
		}
	}()

	switch env.Type {
	case v1.TypeChatMessage:
		err = g.onChatMessage(ctx, client, env)
	case v1.TypeChatCreate:
		err = g.onChatCreate(ctx, client, env)
	case v1.TypeChatEdit:
		err = g.onChatEdit(ctx, client, env)
	case v1.TypeChatRead:
		err = g.onChatRead(ctx, client, env)
	case v1.TypeChatAutomatedMessage:
		err = g.onAutomatedMessage(ctx, client, env)
	default:
		err = fmt.Errorf("%w: unsupported type %s", errBadPayload, env.Type)
	}
}

// ---- handlers ----

func (g *Gateway) onChatMessage(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ChatMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	res, err := g.svc.AddMessage(ctx, strings.TrimSpace(p.ChatID), client.UserID, fromWireMessage(p.Message))
	if err != nil {
		return err
	}

	g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ChatID:     res.Message.ChatID,
		LocalID:    res.Message.LocalID,
		MessageID:  res.Message.ID,
		Seq:        res.Message.Seq,
		Duplicated: res.Duplicated,
	}, time.Now().UTC()))
	return nil
}

func (g *Gateway) onChatCreate(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ChatCreatePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	c, created, err := g.svc.CreateChat(ctx, client.UserID, fromWireCreate(p))
	if err != nil {
		return err
	}
	if !created {
		// An existing chat may predate this session's subscriptions.
		g.reg.Subscribe(c.ID, client.UserID)
	}

	g.enqueue(ctx, client, newEnvelope(v1.TypeChatCreateAck, v1.ChatCreateAckPayload{
		Chat:    toWireChat(c),
		Created: created,
	}, time.Now().UTC()))
	return nil
}

func (g *Gateway) onChatEdit(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ChatEditPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	_, err := g.svc.EditChat(ctx, strings.TrimSpace(p.ChatID), client.UserID, chat.EditChatRequest{
		Name:            p.Name,
		Description:     p.Description,
		AddParticipants: p.AddParticipants,
	})
	return err
}

func (g *Gateway) onChatRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ChatReadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	chatID := strings.TrimSpace(p.ChatID)
	if len(p.MessageIDs) == 0 {
		_, err := g.svc.MarkAllRead(ctx, chatID, client.UserID)
		return err
	}
	_, err := g.svc.MarkRead(ctx, chatID, client.UserID, p.MessageIDs)
	return err
}

func (g *Gateway) onAutomatedMessage(ctx context.Context, client *Client, env v1.Envelope) error {
	p := auth.Principal{UserID: client.UserID, Role: client.Role}
	if !p.HasRole(g.cfg.AdminRole) {
		return chat.ErrForbidden
	}

	var in v1.AutomatedMessagePayload
	if err := decodePayload(env, &in); err != nil {
		return err
	}

	chatIDs, err := g.svc.DispatchSystemMessage(ctx, in.Targets, fromWireMessage(in.Message))
	if err != nil {
		return err
	}

	g.enqueue(ctx, client, newEnvelope(v1.TypeAutomatedMessageAck, v1.AutomatedMessageAckPayload{
		ChatIDs: chatIDs,
	}, time.Now().UTC()))
	return nil
}

// ---- send helpers ----

func (g *Gateway) reportError(ctx context.Context, client *Client, env v1.Envelope, err error) {
	code, msg := errorCode(err)
	if code == "internal" {
		g.log.Error("ws.event.fail", "session_id", client.SessionID, "user_id", client.UserID, "type", env.Type, "err", err)
	} else {
		g.log.Info("ws.event.reject", "session_id", client.SessionID, "user_id", client.UserID, "type", env.Type, "code", code)
	}
	g.trySendError(ctx, client, code, msg, env.ID)
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, errBadPayload):
		return "bad_payload", err.Error()
	case errors.Is(err, chat.ErrValidation):
		return "invalid", err.Error()
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden", chat.ErrForbidden.Error()
	case errors.Is(err, chat.ErrNotFound):
		return "not_found", chat.ErrNotFound.Error()
	case errors.Is(err, chat.ErrConflict):
		return "conflict", chat.ErrConflict.Error()
	default:
		return "internal", "internal error"
	}
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg, ref string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, Ref: ref}, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.deliver(env)
}

// ---- envelope IO ----

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", errBadPayload)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins maps the allowlist to websocket.Accept host patterns
// so both origin checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			out = append(out, "*")
			continue
		}
		if h := originHostOnly(a); h != "" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
