package realtime

import (
	"log/slog"
	"sync"

	v1 "courier/shared/contracts/realtime/v1"
)

// Registry is the subscription table of connected sessions.
//
// It maps every user to their live sessions (the user room) and every chat to the sessions
// subscribed to it (the chat room). All three indexes change under one lock, so a session is
// never visible in a chat room after it left its user room.
//
// Delivery never blocks: a full send queue drops the event.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Client             // sessionID -> client
	users    map[string]map[string]*Client  // userID -> sessionID -> client
	chats    map[string]map[string]*Client  // chatID -> sessionID -> client
	joined   map[string]map[string]struct{} // sessionID -> chatIDs
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		sessions: make(map[string]*Client),
		users:    make(map[string]map[string]*Client),
		chats:    make(map[string]map[string]*Client),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register adds c to its user room and to the rooms of chatIDs.
func (r *Registry) Register(c *Client, chatIDs []string) {
	if c == nil || c.SessionID == "" || c.UserID == "" {
		return
	}

	r.mu.Lock()
	r.sessions[c.SessionID] = c
	room, ok := r.users[c.UserID]
	if !ok {
		room = make(map[string]*Client)
		r.users[c.UserID] = room
	}
	room[c.SessionID] = c
	for _, chatID := range chatIDs {
		r.joinLocked(c, chatID)
	}
	r.mu.Unlock()

	r.log.Info("ws.session.register", "session_id", c.SessionID, "user_id", c.UserID, "chats", len(chatIDs))
}

// Unregister removes the session from every room and signals its shutdown.
func (r *Registry) Unregister(sessionID string) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	c := r.sessions[sessionID]
	if c == nil {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	if room := r.users[c.UserID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.users, c.UserID)
		}
	}
	for chatID := range r.joined[sessionID] {
		if room := r.chats[chatID]; room != nil {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(r.chats, chatID)
			}
		}
	}
	delete(r.joined, sessionID)
	r.mu.Unlock()

	// Close after removal so no broadcaster still holds the client.
	c.Close()

	r.log.Info("ws.session.unregister", "session_id", sessionID, "user_id", c.UserID)
}

// CloseAll unregisters every session. Their gateway loops close the connections.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}

// Join adds a registered session to the rooms of chatIDs. Unknown sessions are ignored.
func (r *Registry) Join(sessionID string, chatIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.sessions[sessionID]
	if c == nil {
		return
	}
	for _, chatID := range chatIDs {
		r.joinLocked(c, chatID)
	}
}

// Subscribe joins every live session of userIDs to the room of chatID.
func (r *Registry) Subscribe(chatID string, userIDs ...string) {
	if chatID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, userID := range userIDs {
		for _, c := range r.users[userID] {
			r.joinLocked(c, chatID)
		}
	}
}

func (r *Registry) joinLocked(c *Client, chatID string) {
	if chatID == "" {
		return
	}
	room, ok := r.chats[chatID]
	if !ok {
		room = make(map[string]*Client)
		r.chats[chatID] = room
	}
	room[c.SessionID] = c

	set, ok := r.joined[c.SessionID]
	if !ok {
		set = make(map[string]struct{})
		r.joined[c.SessionID] = set
	}
	set[chatID] = struct{}{}
}

// ToUser delivers env to every session of userID and returns the number of queued deliveries.
func (r *Registry) ToUser(userID string, env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return deliverAll(r.users[userID], env)
}

// ToChat delivers env to every session subscribed to chatID.
func (r *Registry) ToChat(chatID string, env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return deliverAll(r.chats[chatID], env)
}

// Subscribed reports whether sessionID is in the room of chatID.
func (r *Registry) Subscribed(sessionID, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chats[chatID][sessionID]
	return ok
}

// Sessions returns the number of live sessions of userID.
func (r *Registry) Sessions(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func deliverAll(room map[string]*Client, env v1.Envelope) int {
	n := 0
	for _, c := range room {
		if c != nil && c.deliver(env) {
			n++
		}
	}
	return n
}
