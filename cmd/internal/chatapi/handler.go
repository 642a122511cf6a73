// Package chatapi exposes the chat service over HTTP.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"

	"github.com/go-chi/chi/v5"
)

const defaultMaxBodyBytes = 1 << 20

// ChatService is the part of chat.Service the HTTP API drives.
type ChatService interface {
	ListChats(ctx context.Context, userID string) ([]chat.Chat, error)
	GetChat(ctx context.Context, chatID, userID string) (chat.Chat, error)
	GetMessages(ctx context.Context, chatID, userID string, page, limit int) ([]chat.Message, error)
	GetOlderMessages(ctx context.Context, chatID, userID string, before time.Time, limit int) ([]chat.Message, error)
	GetMessagesForChats(ctx context.Context, chatIDs []string, userID string) (map[string][]chat.Message, error)
	CreateChat(ctx context.Context, userID string, req chat.CreateChatRequest) (chat.Chat, bool, error)
	AddMessage(ctx context.Context, chatID, userID string, draft chat.MessageDraft) (chat.AppendResult, error)
	MarkRead(ctx context.Context, chatID, userID string, localIDs []string) ([]string, error)
	MarkAllRead(ctx context.Context, chatID, userID string) ([]string, error)
	EditChat(ctx context.Context, chatID, userID string, req chat.EditChatRequest) (chat.Chat, error)
	DispatchSystemMessage(ctx context.Context, targets []string, draft chat.MessageDraft) ([]string, error)
}

// Config holds the HTTP API knobs.
type Config struct {
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// AdminRole is the token role allowed to dispatch broadcasts.
	AdminRole string
}

// Handler wires HTTP chat endpoints to the chat service.
type Handler struct {
	log *slog.Logger
	svc ChatService
	cfg Config
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc ChatService, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil chat service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = "admin"
	}
	return &Handler{log: log, svc: svc, cfg: cfg}, nil
}

// Register wires the chat routes onto r. Callers mount r at /v1 behind auth.Middleware.
func (h *Handler) Register(r chi.Router) {
	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.handleListChats)
		r.Post("/", h.handleCreateChat)
		r.Post("/messages:batch", h.handleBatch)

		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.handleGetChat)
			r.Patch("/", h.handleEditChat)
			r.Get("/messages", h.handleGetMessages)
			r.Get("/messages/older", h.handleGetOlderMessages)
			r.Post("/messages", h.handleAddMessage)
			r.Post("/read", h.handleMarkRead)
		})
	})
	r.Post("/broadcasts", h.handleBroadcast)
}

// ---- handlers ----

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	chats, err := h.svc.ListChats(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, h.log, "chat.list", err)
		return
	}
	writeJSON(w, http.StatusOK, chatsResponse{Chats: chats})
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetChat(r.Context(), chi.URLParam(r, "chatID"), p.UserID)
	if err != nil {
		writeServiceError(w, h.log, "chat.get", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: c})
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req chat.CreateChatRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, created, err := h.svc.CreateChat(r.Context(), p.UserID, req)
	if err != nil {
		writeServiceError(w, h.log, "chat.create", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chatResponse{Chat: c, Created: created})
}

func (h *Handler) handleEditChat(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req chat.EditChatRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.svc.EditChat(r.Context(), chi.URLParam(r, "chatID"), p.UserID, req)
	if err != nil {
		writeServiceError(w, h.log, "chat.edit", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: c})
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	page, err := positiveQueryInt(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "page must be a positive integer")
		return
	}
	limit, err := positiveQueryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}

	msgs, err := h.svc.GetMessages(r.Context(), chi.URLParam(r, "chatID"), p.UserID, page, limit)
	if err != nil {
		writeServiceError(w, h.log, "chat.messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *Handler) handleGetOlderMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	before, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(q.Get("before")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "before must be an RFC 3339 timestamp")
		return
	}
	limit, err := positiveQueryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}

	msgs, err := h.svc.GetOlderMessages(r.Context(), chi.URLParam(r, "chatID"), p.UserID, before, limit)
	if err != nil {
		writeServiceError(w, h.log, "chat.messages.older", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	out, err := h.svc.GetMessagesForChats(r.Context(), req.ChatIDs, p.UserID)
	if err != nil {
		writeServiceError(w, h.log, "chat.messages.batch", err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Messages: out})
}

func (h *Handler) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.AddMessage(r.Context(), chi.URLParam(r, "chatID"), p.UserID, req.draft())
	if err != nil {
		writeServiceError(w, h.log, "chat.message.add", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, appendResponse{Message: res.Message, Duplicated: res.Duplicated})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req readRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	chatID := chi.URLParam(r, "chatID")
	var (
		ids []string
		err error
	)
	if req.All {
		ids, err = h.svc.MarkAllRead(r.Context(), chatID, p.UserID)
	} else {
		ids, err = h.svc.MarkRead(r.Context(), chatID, p.UserID, req.MessageIDs)
	}
	if err != nil {
		writeServiceError(w, h.log, "chat.read", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, readResponse{MessageIDs: ids})
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole(h.cfg.AdminRole) {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	var req broadcastRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	chatIDs, err := h.svc.DispatchSystemMessage(r.Context(), req.Targets, req.Message.draft())
	if err != nil {
		writeServiceError(w, h.log, "chat.broadcast", err)
		return
	}
	h.log.Info("chat.broadcast.ok", "admin_id", p.UserID, "targets", len(req.Targets), "delivered", len(chatIDs))
	writeJSON(w, http.StatusOK, broadcastResponse{ChatIDs: chatIDs})
}

// ---- helpers ----

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing principal")
	}
	return p, ok
}

// positiveQueryInt parses an optional query value. Empty means zero (the service default);
// anything else must be an integer >= 1.
func positiveQueryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("must be >= 1")
	}
	return n, nil
}
