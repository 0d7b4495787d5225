package models

import (
	"encoding/json"
	"slices"
	"strings"
)

// MessageStatus represents the delivery/read status of a direct message.
// Valid values: "sent", "delivered", "seen".
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

// User is a registered account. Accounts are never purged: deletion is a soft
// flag so historical messages keep a valid sender.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	Avatar       string `json:"avatar,omitempty"`
	Bio          string `json:"bio,omitempty"`
	IsOnline     bool   `json:"isOnline"`
	LastSeen     int64  `json:"lastSeen,omitempty"` // ms epoch
	IsDeleted    bool   `json:"isDeleted,omitempty"`
	RecoveryCode string `json:"recoveryCode,omitempty"`
}

// Sanitized returns a copy safe to send to anyone other than the owner.
func (u *User) Sanitized() *User {
	c := *u
	c.RecoveryCode = ""
	return &c
}

// Reaction is a single user's emoji on a message. A user has at most one
// reaction per message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Reactions always encodes as the canonical [{userId, emoji}] array but
// tolerates two legacy on-disk forms: a {userId: emoji} map, and records that
// spell the user field "oderId".
type Reactions []Reaction

func (r *Reactions) UnmarshalJSON(data []byte) error {
	var arr []struct {
		UserID string `json:"userId"`
		OderID string `json:"oderId"`
		Emoji  string `json:"emoji"`
	}
	if err := json.Unmarshal(data, &arr); err == nil {
		out := make(Reactions, 0, len(arr))
		for _, e := range arr {
			id := e.UserID
			if id == "" {
				id = e.OderID
			}
			if id == "" || e.Emoji == "" {
				continue
			}
			out = append(out, Reaction{UserID: id, Emoji: e.Emoji})
		}
		*r = out
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make(Reactions, 0, len(ids))
	for _, id := range ids {
		out = append(out, Reaction{UserID: id, Emoji: m[id]})
	}
	*r = out
	return nil
}

// Message is a direct (1:1) message. The chat it belongs to is the sorted
// pair of participant ids joined by ":".
type Message struct {
	ID            string          `json:"id"`
	ChatID        string          `json:"chatId"`
	SenderID      string          `json:"senderId"`
	ReceiverID    string          `json:"receiverId"`
	Text          string          `json:"text"`
	ReplyTo       json.RawMessage `json:"replyTo,omitempty"`
	ForwardedFrom json.RawMessage `json:"forwardedFrom,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Status        MessageStatus   `json:"status"`
	IsEdited      bool            `json:"isEdited,omitempty"`
	IsDeleted     bool            `json:"isDeleted,omitempty"`
	IsSystem      bool            `json:"isSystem,omitempty"`
	Reactions     Reactions       `json:"reactions"`
}

// Clone returns a snapshot copy safe to hand to a connection writer while the
// store keeps mutating the original.
func (m *Message) Clone() *Message {
	c := *m
	c.Reactions = slices.Clone(m.Reactions)
	return &c
}

// Chat is one side's view of a direct conversation: that side's unread
// counter and last-message pointer. The message itself is stored by id and
// resolved into a ChatView when sent over the wire.
type Chat struct {
	PartnerID     string `json:"partnerId"`
	LastMessageID string `json:"lastMessageId,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
	UpdatedAt     int64  `json:"updatedAt"` // ms epoch
}

// ChatView is a Chat with the last message resolved for wire payloads.
type ChatView struct {
	Chat
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Group is a multi-party conversation.
type Group struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Avatar           string         `json:"avatar,omitempty"`
	CreatorID        string         `json:"creatorId"`
	MemberIDs        []string       `json:"memberIds"`
	Admins           []string       `json:"admins"`
	CreatedAt        int64          `json:"createdAt"`
	IsDeleted        bool           `json:"isDeleted,omitempty"`
	UnreadCounts     map[string]int `json:"unreadCounts"`
	PinnedMessageIDs []string       `json:"pinnedMessageIds"`
	LastMessageID    string         `json:"lastMessageId,omitempty"`
}

// Clone deep-copies the group so wire payloads do not alias live state.
func (g *Group) Clone() *Group {
	c := *g
	c.MemberIDs = slices.Clone(g.MemberIDs)
	c.Admins = slices.Clone(g.Admins)
	c.PinnedMessageIDs = slices.Clone(g.PinnedMessageIDs)
	c.UnreadCounts = make(map[string]int, len(g.UnreadCounts))
	for k, v := range g.UnreadCounts {
		c.UnreadCounts[k] = v
	}
	return &c
}

// IsMember reports whether userID is in the member list.
func (g *Group) IsMember(userID string) bool {
	return slices.Contains(g.MemberIDs, userID)
}

// IsAdmin reports whether userID is an admin. The creator is always an admin.
func (g *Group) IsAdmin(userID string) bool {
	return userID == g.CreatorID || slices.Contains(g.Admins, userID)
}

// GroupView is a Group with the last message resolved for wire payloads.
type GroupView struct {
	*Group
	LastMessage *GroupMessage `json:"lastMessage,omitempty"`
}

// GroupMessage is a message in a group conversation.
type GroupMessage struct {
	ID            string          `json:"id"`
	GroupID       string          `json:"groupId"`
	SenderID      string          `json:"senderId"`
	Text          string          `json:"text"`
	ReplyTo       json.RawMessage `json:"replyTo,omitempty"`
	ForwardedFrom json.RawMessage `json:"forwardedFrom,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Reactions     Reactions       `json:"reactions"`
	SeenBy        []string        `json:"seenBy"` // includes the sender
	IsEdited      bool            `json:"isEdited,omitempty"`
	IsDeleted     bool            `json:"isDeleted,omitempty"`
	IsSystem      bool            `json:"isSystem,omitempty"`
}

// Clone returns a snapshot copy for wire payloads.
func (m *GroupMessage) Clone() *GroupMessage {
	c := *m
	c.Reactions = slices.Clone(m.Reactions)
	c.SeenBy = slices.Clone(m.SeenBy)
	return &c
}

// ChatID returns the canonical direct-chat id for two participants: the
// lexicographic join with ":". A self-chat ("Saved Messages") is "id:id".
func ChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ChatParticipants splits a direct-chat id back into its two participant ids.
// A self-chat yields the same id twice.
func ChatParticipants(chatID string) (string, string, bool) {
	a, b, ok := strings.Cut(chatID, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}
