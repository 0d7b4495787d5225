// Package services holds the engines that mutate conversation state. Every
// operation runs on a single serialization point (the core lock), mutates the
// store, and returns (recipient, event) deliveries that are enqueued before
// the lock is released, so each recipient observes events in apply order.
package services

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/models"
	"github.com/velora-chat/velora-backend/internal/store"
)

// Drop-class errors: the session handler logs these and sends nothing back.
var (
	ErrInvalid      = errors.New("invalid command")
	ErrUnauthorized = errors.New("not allowed")
	ErrNotFound     = errors.New("not found")
)

type Core struct {
	mu    sync.Mutex
	store *store.Store
	hub   *hub.Hub
}

func New(st *store.Store, h *hub.Hub) *Core {
	return &Core{store: st, hub: h}
}

// mutate runs fn on the state under the core lock, flushes, and dispatches
// the deliveries fn produced. A fn error skips both flush and dispatch.
func (c *Core) mutate(sender *hub.Client, fn func(st *models.State) ([]hub.Delivery, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dels []hub.Delivery
	err := c.store.Update(func(st *models.State) error {
		var ferr error
		dels, ferr = fn(st)
		return ferr
	})
	if err != nil {
		return err
	}
	c.send(sender, dels)
	return nil
}

// view is mutate's read-only sibling: no flush.
func (c *Core) view(sender *hub.Client, fn func(st *models.State) ([]hub.Delivery, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dels []hub.Delivery
	var ferr error
	c.store.View(func(st *models.State) {
		dels, ferr = fn(st)
	})
	if ferr != nil {
		return ferr
	}
	c.send(sender, dels)
	return nil
}

func (c *Core) send(sender *hub.Client, dels []hub.Delivery) {
	for _, d := range dels {
		switch {
		case d.Reply:
			if sender != nil {
				sender.Send(d.Event)
			}
		case d.Broadcast:
			c.hub.Broadcast(d.Event, d.Except)
		case d.UserID != "":
			c.hub.SendToUser(d.UserID, d.Event)
		}
	}
}

// snapshot builds the full per-user state payload sent on a successful
// register or login. The owner's own user objects keep the recovery code;
// everyone else's are stripped.
func (c *Core) snapshot(st *models.State, u *models.User, eventType string) hub.Event {
	own := *u

	users := make([]*models.User, 0, len(st.Users))
	for _, other := range st.Users {
		if other.ID == u.ID {
			cp := *other
			users = append(users, &cp)
		} else {
			users = append(users, other.Sanitized())
		}
	}
	sort.Slice(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].Username), strings.ToLower(users[j].Username)
		if a != b {
			return a < b
		}
		return users[i].ID < users[j].ID
	})

	chats := make(map[string]*models.ChatView, len(st.Chats[u.ID]))
	messages := make(map[string][]*models.Message, len(st.Chats[u.ID]))
	for partnerID := range st.Chats[u.ID] {
		chats[partnerID] = st.ChatViewFor(u.ID, partnerID)
		chatID := models.ChatID(u.ID, partnerID)
		if _, done := messages[chatID]; done {
			continue
		}
		msgs := make([]*models.Message, 0, len(st.Messages[chatID]))
		for _, m := range st.Messages[chatID] {
			msgs = append(msgs, m.Clone())
		}
		messages[chatID] = msgs
	}

	groups := make([]*models.GroupView, 0)
	groupMessages := make(map[string][]*models.GroupMessage)
	for _, g := range st.Groups {
		if g.IsDeleted || !g.IsMember(u.ID) {
			continue
		}
		groups = append(groups, st.GroupViewOf(g))
		msgs := make([]*models.GroupMessage, 0, len(st.GroupMessages[g.ID]))
		for _, m := range st.GroupMessages[g.ID] {
			msgs = append(msgs, m.Clone())
		}
		groupMessages[g.ID] = msgs
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreatedAt != groups[j].CreatedAt {
			return groups[i].CreatedAt < groups[j].CreatedAt
		}
		return groups[i].ID < groups[j].ID
	})

	pinnedMessages := make(map[string][]string, len(st.PinnedMessages[u.ID]))
	for chatID, ids := range st.PinnedMessages[u.ID] {
		pinnedMessages[chatID] = cloneStrings(ids)
	}

	return hub.Event{Type: eventType, Data: map[string]any{
		"user":           &own,
		"users":          users,
		"chats":          chats,
		"messages":       messages,
		"groups":         groups,
		"groupMessages":  groupMessages,
		"blocked":        cloneStrings(st.Blocked[u.ID]),
		"blockedBy":      cloneStrings(st.BlockedBy[u.ID]),
		"pinnedChats":    cloneStrings(st.PinnedChats[u.ID]),
		"pinnedMessages": pinnedMessages,
		"onlineUserIds":  c.hub.OnlineUserIDs(),
	}}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// cloneStrings copies a string slice; nil becomes an empty, non-nil slice so
// it encodes as [] instead of null.
func cloneStrings(s []string) []string {
	return append([]string{}, s...)
}

func addToSet(set []string, v string) []string {
	for _, x := range set {
		if x == v {
			return set
		}
	}
	return append(set, v)
}

func removeFromSet(set []string, v string) []string {
	out := set[:0]
	for _, x := range set {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// toggleReaction applies the at-most-one-reaction-per-user rule: an exact
// repeat toggles the reaction off, anything else replaces the user's prior
// reaction.
func toggleReaction(list models.Reactions, userID, emoji string) models.Reactions {
	out := make(models.Reactions, 0, len(list)+1)
	removedExact := false
	for _, r := range list {
		if r.UserID == userID {
			if r.Emoji == emoji {
				removedExact = true
			}
			continue
		}
		out = append(out, r)
	}
	if !removedExact {
		out = append(out, models.Reaction{UserID: userID, Emoji: emoji})
	}
	return out
}
