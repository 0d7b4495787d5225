package models

import "slices"

// State is the whole persisted document. Top-level keys match the on-disk
// JSON; missing keys load as empty maps.
type State struct {
	Users          map[string]*User               `json:"users"`
	Messages       map[string][]*Message          `json:"messages"`      // chatId -> messages, oldest first
	Chats          map[string]map[string]*Chat    `json:"chats"`         // ownerId -> partnerId -> endpoint
	Groups         map[string]*Group              `json:"groups"`        // groupId -> group
	GroupMessages  map[string][]*GroupMessage     `json:"groupMessages"` // groupId -> messages, oldest first
	Blocked        map[string][]string            `json:"blocked"`       // blockerId -> blocked ids
	BlockedBy      map[string][]string            `json:"blockedBy"`     // blockedId -> blocker ids
	PinnedChats    map[string][]string            `json:"pinnedChats"`   // userId -> partner ids
	PinnedMessages map[string]map[string][]string `json:"pinnedMessages"` // userId -> chatId -> message ids
}

// NewState returns an empty, fully initialized document.
func NewState() *State {
	return &State{
		Users:          make(map[string]*User),
		Messages:       make(map[string][]*Message),
		Chats:          make(map[string]map[string]*Chat),
		Groups:         make(map[string]*Group),
		GroupMessages:  make(map[string][]*GroupMessage),
		Blocked:        make(map[string][]string),
		BlockedBy:      make(map[string][]string),
		PinnedChats:    make(map[string][]string),
		PinnedMessages: make(map[string]map[string][]string),
	}
}

// Normalize repairs a freshly loaded document: nil maps become empty, and
// fields that older documents accreted lazily (admins, unreadCounts,
// reactions, seenBy) are initialized so the engines never see a nil.
func (st *State) Normalize() {
	if st.Users == nil {
		st.Users = make(map[string]*User)
	}
	if st.Messages == nil {
		st.Messages = make(map[string][]*Message)
	}
	if st.Chats == nil {
		st.Chats = make(map[string]map[string]*Chat)
	}
	if st.Groups == nil {
		st.Groups = make(map[string]*Group)
	}
	if st.GroupMessages == nil {
		st.GroupMessages = make(map[string][]*GroupMessage)
	}
	if st.Blocked == nil {
		st.Blocked = make(map[string][]string)
	}
	if st.BlockedBy == nil {
		st.BlockedBy = make(map[string][]string)
	}
	if st.PinnedChats == nil {
		st.PinnedChats = make(map[string][]string)
	}
	if st.PinnedMessages == nil {
		st.PinnedMessages = make(map[string]map[string][]string)
	}

	for _, msgs := range st.Messages {
		for _, m := range msgs {
			if m.Reactions == nil {
				m.Reactions = Reactions{}
			}
			if m.Status == "" {
				m.Status = MessageStatusSent
			}
		}
	}

	for id, g := range st.Groups {
		if g.ID == "" {
			g.ID = id
		}
		if g.MemberIDs == nil {
			g.MemberIDs = []string{}
		}
		if g.Admins == nil {
			g.Admins = []string{}
		}
		if g.CreatorID != "" && !slices.Contains(g.Admins, g.CreatorID) {
			g.Admins = append(g.Admins, g.CreatorID)
		}
		if g.UnreadCounts == nil {
			g.UnreadCounts = make(map[string]int)
		}
		for _, m := range g.MemberIDs {
			if _, ok := g.UnreadCounts[m]; !ok {
				g.UnreadCounts[m] = 0
			}
		}
		if g.PinnedMessageIDs == nil {
			g.PinnedMessageIDs = []string{}
		}
	}

	for _, msgs := range st.GroupMessages {
		for _, m := range msgs {
			if m.Reactions == nil {
				m.Reactions = Reactions{}
			}
			if m.SeenBy == nil {
				m.SeenBy = []string{}
			}
			if m.SenderID != "" && !slices.Contains(m.SeenBy, m.SenderID) {
				m.SeenBy = append(m.SeenBy, m.SenderID)
			}
		}
	}
}

// FindMessage returns the message with the given id in a direct chat, or nil.
func (st *State) FindMessage(chatID, messageID string) *Message {
	for _, m := range st.Messages[chatID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// FindGroupMessage returns the message with the given id in a group, or nil.
func (st *State) FindGroupMessage(groupID, messageID string) *GroupMessage {
	for _, m := range st.GroupMessages[groupID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// LatestMessage returns the highest-timestamp message of a direct chat, or
// nil when the chat is empty. Ties resolve to the later entry.
func (st *State) LatestMessage(chatID string) *Message {
	var latest *Message
	for _, m := range st.Messages[chatID] {
		if latest == nil || m.Timestamp >= latest.Timestamp {
			latest = m
		}
	}
	return latest
}

// LatestGroupMessage returns the highest-timestamp message of a group, or nil.
func (st *State) LatestGroupMessage(groupID string) *GroupMessage {
	var latest *GroupMessage
	for _, m := range st.GroupMessages[groupID] {
		if latest == nil || m.Timestamp >= latest.Timestamp {
			latest = m
		}
	}
	return latest
}

// EnsureChat returns owner's endpoint for partner, creating it when absent.
func (st *State) EnsureChat(ownerID, partnerID string) *Chat {
	if st.Chats[ownerID] == nil {
		st.Chats[ownerID] = make(map[string]*Chat)
	}
	c := st.Chats[ownerID][partnerID]
	if c == nil {
		c = &Chat{PartnerID: partnerID}
		st.Chats[ownerID][partnerID] = c
	}
	return c
}

// ChatViewFor resolves owner's endpoint for partner into a wire view, or nil
// when no endpoint exists. The embedded message is a clone.
func (st *State) ChatViewFor(ownerID, partnerID string) *ChatView {
	c := st.Chats[ownerID][partnerID]
	if c == nil {
		return nil
	}
	v := &ChatView{Chat: *c}
	if c.LastMessageID != "" {
		if m := st.FindMessage(ChatID(ownerID, partnerID), c.LastMessageID); m != nil {
			v.LastMessage = m.Clone()
		}
	}
	return v
}

// GroupViewOf resolves a group into a wire view with a cloned group and last
// message, so payloads never alias live state.
func (st *State) GroupViewOf(g *Group) *GroupView {
	v := &GroupView{Group: g.Clone()}
	if g.LastMessageID != "" {
		if m := st.FindGroupMessage(g.ID, g.LastMessageID); m != nil {
			v.LastMessage = m.Clone()
		}
	}
	return v
}

// RecountChatUnread recomputes owner's unread counter for a chat from the
// message list (messages addressed to owner that are not yet seen).
func (st *State) RecountChatUnread(ownerID, partnerID string) {
	c := st.Chats[ownerID][partnerID]
	if c == nil {
		return
	}
	n := 0
	for _, m := range st.Messages[ChatID(ownerID, partnerID)] {
		if m.ReceiverID == ownerID && m.Status != MessageStatusSeen {
			n++
		}
	}
	c.UnreadCount = n
}

// RecountGroupUnread recomputes every member's unread counter from seenBy
// (non-system messages from other senders the member has not seen).
func (st *State) RecountGroupUnread(g *Group) {
	for _, member := range g.MemberIDs {
		n := 0
		for _, m := range st.GroupMessages[g.ID] {
			if !m.IsSystem && m.SenderID != member && !slices.Contains(m.SeenBy, member) {
				n++
			}
		}
		g.UnreadCounts[member] = n
	}
}
