package services

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/models"
)

type CreateGroupInput struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Avatar      string   `json:"avatar"`
	MemberIDs   []string `json:"memberIds"`
}

type GroupMessageInput struct {
	ID            string          `json:"id"`
	GroupID       string          `json:"groupId"`
	SenderID      string          `json:"senderId"`
	Text          string          `json:"text"`
	ReplyTo       json.RawMessage `json:"replyTo"`
	ForwardedFrom json.RawMessage `json:"forwardedFrom"`
}

type MarkGroupSeenInput struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

type MarkGroupMessagesSeenInput struct {
	GroupID    string   `json:"groupId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

type EditGroupMessageInput struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeleteGroupMessagesInput struct {
	GroupID    string   `json:"groupId"`
	MessageIDs []string `json:"messageIds"`
}

type PinGroupMessageInput struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	IsPinned  bool   `json:"isPinned"`
}

type GroupMemberInput struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

type SetGroupAdminInput struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}

type GroupReactionInput struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type GroupTypingInput struct {
	GroupID  string `json:"groupId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// liveGroup resolves a group that exists and is not dissolved.
func liveGroup(st *models.State, groupID string) (*models.Group, error) {
	g := st.Groups[groupID]
	if g == nil || g.IsDeleted {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	return g, nil
}

// CreateGroup creates a group with the actor as creator and sole admin.
// The member list is deduplicated, filtered to live users, and always
// includes the actor.
func (c *Core) CreateGroup(sender *hub.Client, actorID string, in CreateGroupInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty group name", ErrInvalid)
		}
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := st.Groups[id]; exists {
			return nil, fmt.Errorf("%w: group id %q already exists", ErrInvalid, id)
		}

		members := []string{actorID}
		for _, m := range in.MemberIDs {
			if m == actorID || slices.Contains(members, m) {
				continue
			}
			if u := st.Users[m]; u != nil && !u.IsDeleted {
				members = append(members, m)
			}
		}

		unread := make(map[string]int, len(members))
		for _, m := range members {
			unread[m] = 0
		}
		g := &models.Group{
			ID:               id,
			Name:             name,
			Description:      strings.TrimSpace(in.Description),
			Avatar:           in.Avatar,
			CreatorID:        actorID,
			MemberIDs:        members,
			Admins:           []string{actorID},
			CreatedAt:        nowMillis(),
			UnreadCounts:     unread,
			PinnedMessageIDs: []string{},
		}
		st.Groups[id] = g

		view := st.GroupViewOf(g)
		var dels []hub.Delivery
		for _, m := range members {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_created", Data: map[string]any{
				"group": view,
			}}))
		}
		return dels, nil
	})
}

// SendGroupMessage appends a message to a group the actor belongs to and
// bumps every other member's unread counter.
func (c *Core) SendGroupMessage(sender *hub.Client, actorID string, in GroupMessageInput) error {
	return c.deliverGroupMessage(sender, actorID, in, false)
}

// ForwardGroupMessage is SendGroupMessage with replyTo forced null.
func (c *Core) ForwardGroupMessage(sender *hub.Client, actorID string, in GroupMessageInput) error {
	return c.deliverGroupMessage(sender, actorID, in, true)
}

func (c *Core) deliverGroupMessage(sender *hub.Client, actorID string, in GroupMessageInput, forward bool) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.SenderID != actorID {
			return nil, fmt.Errorf("%w: sender is not the bound user", ErrUnauthorized)
		}
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsMember(actorID) {
			return nil, fmt.Errorf("%w: not a member of %q", ErrUnauthorized, g.ID)
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: empty message text", ErrInvalid)
		}

		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}
		replyTo := in.ReplyTo
		if forward {
			replyTo = nil
		}
		msg := &models.GroupMessage{
			ID:            id,
			GroupID:       g.ID,
			SenderID:      actorID,
			Text:          text,
			ReplyTo:       replyTo,
			ForwardedFrom: in.ForwardedFrom,
			Timestamp:     nowMillis(),
			Reactions:     models.Reactions{},
			SeenBy:        []string{actorID},
		}
		st.GroupMessages[g.ID] = append(st.GroupMessages[g.ID], msg)
		g.LastMessageID = msg.ID

		for _, m := range g.MemberIDs {
			if m == actorID {
				g.UnreadCounts[m] = 0
				continue
			}
			g.UnreadCounts[m]++
		}

		view := st.GroupViewOf(g)
		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			if m == actorID {
				dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_message_sent", Data: map[string]any{
					"message": msg.Clone(),
					"group":   view,
				}}))
				continue
			}
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "new_group_message", Data: map[string]any{
				"message": msg.Clone(),
				"group":   view,
			}}))
		}
		return dels, nil
	})
}

// MarkGroupSeen adds the actor to seenBy of every unseen non-system message
// from other senders and zeroes their unread counter.
func (c *Core) MarkGroupSeen(sender *hub.Client, actorID string, in MarkGroupSeenInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsMember(actorID) {
			return nil, fmt.Errorf("%w: not a member of %q", ErrUnauthorized, g.ID)
		}

		var seen []string
		for _, m := range st.GroupMessages[g.ID] {
			if m.IsSystem || m.SenderID == actorID || slices.Contains(m.SeenBy, actorID) {
				continue
			}
			m.SeenBy = append(m.SeenBy, actorID)
			seen = append(seen, m.ID)
		}
		if len(seen) == 0 {
			return nil, nil
		}
		g.UnreadCounts[actorID] = 0

		dels := []hub.Delivery{
			hub.ToUser(actorID, hub.Event{Type: "group_unread_updated", Data: map[string]any{
				"groupId":     g.ID,
				"unreadCount": 0,
			}}),
		}
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_messages_seen", Data: map[string]any{
				"groupId":    g.ID,
				"messageIds": seen,
				"seenBy":     actorID,
			}}))
		}
		return dels, nil
	})
}

// MarkGroupMessagesSeen is the selective variant; unread drops by the number
// of messages actually transitioned, clamped at zero.
func (c *Core) MarkGroupMessagesSeen(sender *hub.Client, actorID string, in MarkGroupMessagesSeenInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsMember(actorID) {
			return nil, fmt.Errorf("%w: not a member of %q", ErrUnauthorized, g.ID)
		}

		idSet := make(map[string]struct{}, len(in.MessageIDs))
		for _, id := range in.MessageIDs {
			idSet[id] = struct{}{}
		}
		var seen []string
		for _, m := range st.GroupMessages[g.ID] {
			if _, hit := idSet[m.ID]; !hit {
				continue
			}
			if m.IsSystem || m.SenderID == actorID || slices.Contains(m.SeenBy, actorID) {
				continue
			}
			m.SeenBy = append(m.SeenBy, actorID)
			seen = append(seen, m.ID)
		}
		if len(seen) == 0 {
			return nil, nil
		}

		g.UnreadCounts[actorID] -= len(seen)
		if g.UnreadCounts[actorID] < 0 {
			g.UnreadCounts[actorID] = 0
		}

		dels := []hub.Delivery{
			hub.ToUser(actorID, hub.Event{Type: "group_unread_updated", Data: map[string]any{
				"groupId":     g.ID,
				"unreadCount": g.UnreadCounts[actorID],
			}}),
		}
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_messages_seen", Data: map[string]any{
				"groupId":    g.ID,
				"messageIds": seen,
				"seenBy":     actorID,
			}}))
		}
		return dels, nil
	})
}

// EditGroupMessage rewrites the actor's own group message.
func (c *Core) EditGroupMessage(sender *hub.Client, actorID string, in EditGroupMessageInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		msg := st.FindGroupMessage(g.ID, in.MessageID)
		if msg == nil {
			return nil, fmt.Errorf("%w: message %q", ErrNotFound, in.MessageID)
		}
		if msg.SenderID != actorID {
			return nil, fmt.Errorf("%w: only the sender can edit", ErrUnauthorized)
		}
		text := strings.TrimSpace(in.NewText)
		if text == "" {
			return nil, fmt.Errorf("%w: empty message text", ErrInvalid)
		}
		msg.Text = text
		msg.IsEdited = true

		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_message_edited", Data: map[string]any{
				"groupId":   g.ID,
				"messageId": msg.ID,
				"newText":   text,
				"message":   msg.Clone(),
			}}))
		}
		return dels, nil
	})
}

// DeleteGroupMessages removes messages the actor may delete (their own, or
// any message when the actor is an admin) and purges them from the pinned
// set.
func (c *Core) DeleteGroupMessages(sender *hub.Client, actorID string, in DeleteGroupMessagesInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsMember(actorID) {
			return nil, fmt.Errorf("%w: not a member of %q", ErrUnauthorized, g.ID)
		}
		isAdmin := g.IsAdmin(actorID)

		idSet := make(map[string]struct{}, len(in.MessageIDs))
		for _, id := range in.MessageIDs {
			idSet[id] = struct{}{}
		}

		var removed []string
		kept := st.GroupMessages[g.ID][:0]
		for _, m := range st.GroupMessages[g.ID] {
			_, hit := idSet[m.ID]
			if hit && (isAdmin || m.SenderID == actorID) {
				removed = append(removed, m.ID)
				continue
			}
			kept = append(kept, m)
		}
		if len(removed) == 0 {
			return nil, nil
		}
		st.GroupMessages[g.ID] = kept

		for _, id := range removed {
			g.PinnedMessageIDs = removeFromSet(g.PinnedMessageIDs, id)
		}
		if latest := st.LatestGroupMessage(g.ID); latest != nil {
			g.LastMessageID = latest.ID
		} else {
			g.LastMessageID = ""
		}
		st.RecountGroupUnread(g)

		view := st.GroupViewOf(g)
		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_message_deleted", Data: map[string]any{
				"groupId":    g.ID,
				"messageIds": removed,
				"group":      view,
			}}))
		}
		return dels, nil
	})
}

// PinGroupMessage maintains the group's insertion-ordered pinned set.
// Admins only.
func (c *Core) PinGroupMessage(sender *hub.Client, actorID string, in PinGroupMessageInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsAdmin(actorID) {
			return nil, fmt.Errorf("%w: admin required", ErrUnauthorized)
		}
		if st.FindGroupMessage(g.ID, in.MessageID) == nil {
			return nil, fmt.Errorf("%w: message %q", ErrNotFound, in.MessageID)
		}

		if in.IsPinned {
			g.PinnedMessageIDs = addToSet(g.PinnedMessageIDs, in.MessageID)
		} else {
			g.PinnedMessageIDs = removeFromSet(g.PinnedMessageIDs, in.MessageID)
		}

		view := st.GroupViewOf(g)
		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_message_pinned", Data: map[string]any{
				"groupId":   g.ID,
				"messageId": in.MessageID,
				"isPinned":  in.IsPinned,
				"group":     view,
			}}))
		}
		return dels, nil
	})
}

// AddGroupMember adds a live user to the group. Admins only.
func (c *Core) AddGroupMember(sender *hub.Client, actorID string, in GroupMemberInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsAdmin(actorID) {
			return nil, fmt.Errorf("%w: admin required", ErrUnauthorized)
		}
		u := st.Users[in.UserID]
		if u == nil || u.IsDeleted {
			return nil, fmt.Errorf("%w: user %q", ErrNotFound, in.UserID)
		}
		if g.IsMember(in.UserID) {
			return nil, nil
		}

		g.MemberIDs = append(g.MemberIDs, in.UserID)
		g.UnreadCounts[in.UserID] = 0

		view := st.GroupViewOf(g)
		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_updated", Data: map[string]any{
				"groupId": g.ID,
				"group":   view,
			}}))
		}
		return dels, nil
	})
}

// RemoveGroupMember removes a member. Admins may remove anyone but the
// creator; a member may remove themselves (leave). The removed user receives
// group_updated with a null group.
func (c *Core) RemoveGroupMember(sender *hub.Client, actorID string, in GroupMemberInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if in.UserID == g.CreatorID {
			return nil, fmt.Errorf("%w: the creator cannot be removed", ErrUnauthorized)
		}
		if actorID != in.UserID && !g.IsAdmin(actorID) {
			return nil, fmt.Errorf("%w: admin required", ErrUnauthorized)
		}
		if !g.IsMember(in.UserID) {
			return nil, fmt.Errorf("%w: user %q is not a member", ErrNotFound, in.UserID)
		}

		g.MemberIDs = removeFromSet(g.MemberIDs, in.UserID)
		g.Admins = removeFromSet(g.Admins, in.UserID)
		delete(g.UnreadCounts, in.UserID)

		view := st.GroupViewOf(g)
		dels := []hub.Delivery{
			hub.ToUser(in.UserID, hub.Event{Type: "group_updated", Data: map[string]any{
				"groupId": g.ID,
				"group":   nil,
			}}),
		}
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_updated", Data: map[string]any{
				"groupId": g.ID,
				"group":   view,
			}}))
		}
		return dels, nil
	})
}

// SetGroupAdmin grants or revokes admin. Creator only; the creator cannot be
// demoted.
func (c *Core) SetGroupAdmin(sender *hub.Client, actorID string, in SetGroupAdminInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if actorID != g.CreatorID {
			return nil, fmt.Errorf("%w: only the creator sets admins", ErrUnauthorized)
		}
		if in.UserID == g.CreatorID {
			return nil, fmt.Errorf("%w: the creator cannot be demoted", ErrUnauthorized)
		}
		if !g.IsMember(in.UserID) {
			return nil, fmt.Errorf("%w: user %q is not a member", ErrNotFound, in.UserID)
		}

		if in.IsAdmin {
			g.Admins = addToSet(g.Admins, in.UserID)
		} else {
			g.Admins = removeFromSet(g.Admins, in.UserID)
		}

		view := st.GroupViewOf(g)
		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_updated", Data: map[string]any{
				"groupId": g.ID,
				"group":   view,
			}}))
		}
		return dels, nil
	})
}

// AddGroupReaction toggles or replaces the actor's reaction on a group
// message.
func (c *Core) AddGroupReaction(sender *hub.Client, actorID string, in GroupReactionInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}
		if in.Emoji == "" {
			return nil, fmt.Errorf("%w: empty emoji", ErrInvalid)
		}
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsMember(actorID) {
			return nil, fmt.Errorf("%w: not a member of %q", ErrUnauthorized, g.ID)
		}
		msg := st.FindGroupMessage(g.ID, in.MessageID)
		if msg == nil {
			return nil, fmt.Errorf("%w: message %q", ErrNotFound, in.MessageID)
		}
		msg.Reactions = toggleReaction(msg.Reactions, actorID, in.Emoji)

		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_reaction_updated", Data: map[string]any{
				"groupId":   g.ID,
				"messageId": msg.ID,
				"reactions": slices.Clone(msg.Reactions),
			}}))
		}
		return dels, nil
	})
}

// GroupTyping forwards a typing edge to every member except the typer;
// nothing is persisted.
func (c *Core) GroupTyping(sender *hub.Client, actorID string, in GroupTypingInput) error {
	if in.UserID != actorID {
		return fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
	}
	return c.view(sender, func(st *models.State) ([]hub.Delivery, error) {
		g, err := liveGroup(st, in.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.IsMember(actorID) {
			return nil, fmt.Errorf("%w: not a member of %q", ErrUnauthorized, g.ID)
		}
		var dels []hub.Delivery
		for _, m := range g.MemberIDs {
			if m == actorID {
				continue
			}
			dels = append(dels, hub.ToUser(m, hub.Event{Type: "group_user_typing", Data: map[string]any{
				"groupId":  g.ID,
				"userId":   actorID,
				"isTyping": in.IsTyping,
			}}))
		}
		return dels, nil
	})
}
