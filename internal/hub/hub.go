// Package hub is the session registry and router: it binds transport
// connections to user identities, tracks who is online, and addresses
// outbound events to one user, a list of users, or every bound session.
package hub

import (
	"encoding/json"
	"slices"
	"sync"
)

// Event is a single outbound frame: { "type": ..., "data": ... }.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Envelope is a single inbound frame before command-specific decoding.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Delivery is one (recipient, event) pair produced by a state mutator and
// dispatched by the session layer.
type Delivery struct {
	Reply     bool   // to the originating connection (bound or not)
	UserID    string // to that user's bound session, if any
	Broadcast bool   // to every bound session
	Except    string // skipped user id when broadcasting
	Event     Event
}

// ReplyTo addresses an event to the originating connection.
func ReplyTo(ev Event) Delivery { return Delivery{Reply: true, Event: ev} }

// ToUser addresses an event to a user's bound session.
func ToUser(userID string, ev Event) Delivery { return Delivery{UserID: userID, Event: ev} }

// ToAll broadcasts an event to every bound session except the given user
// (pass "" to include everyone).
func ToAll(except string, ev Event) Delivery {
	return Delivery{Broadcast: true, Except: except, Event: ev}
}

// Hub maps user ids to live clients. At most one client per user; a new bind
// for an already-bound user wins and the previous session is orphaned.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]*Client
}

func New() *Hub {
	return &Hub{byUser: make(map[string]*Client)}
}

// Bind registers a client as the active session for a user.
func (h *Hub) Bind(userID string, c *Client) {
	h.mu.Lock()
	h.byUser[userID] = c
	h.mu.Unlock()
}

// Unbind clears the mapping only if c still owns it, and reports whether it
// did. An orphaned session closing later does not knock the live one off.
func (h *Hub) Unbind(userID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[userID] != c {
		return false
	}
	delete(h.byUser, userID)
	return true
}

// IsOnline reports whether a user has a bound session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byUser[userID]
	return ok
}

// OnlineUserIDs returns the sorted ids of all bound users.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byUser))
	for id := range h.byUser {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SendToUser delivers an event to a user's bound session; dropped when the
// user is offline.
func (h *Hub) SendToUser(userID string, ev Event) {
	h.mu.RLock()
	c := h.byUser[userID]
	h.mu.RUnlock()
	if c != nil {
		c.Send(ev)
	}
}

// Broadcast delivers an event to every bound session, optionally skipping
// one user.
func (h *Hub) Broadcast(ev Event, exceptUserID string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byUser))
	for id, c := range h.byUser {
		if exceptUserID != "" && id == exceptUserID {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(ev)
	}
}
