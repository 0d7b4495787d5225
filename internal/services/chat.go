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

type MessageInput struct {
	ID            string          `json:"id"`
	ChatID        string          `json:"chatId"`
	SenderID      string          `json:"senderId"`
	ReceiverID    string          `json:"receiverId"`
	Text          string          `json:"text"`
	ReplyTo       json.RawMessage `json:"replyTo"`
	ForwardedFrom json.RawMessage `json:"forwardedFrom"`
}

type EditMessageInput struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeleteMessagesInput struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

type MarkSeenInput struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	PartnerID string `json:"partnerId"`
}

type MarkMessagesSeenInput struct {
	ChatID     string   `json:"chatId"`
	UserID     string   `json:"userId"`
	PartnerID  string   `json:"partnerId"`
	MessageIDs []string `json:"messageIds"`
}

type PinMessageInput struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	IsPinned  bool   `json:"isPinned"`
	UserID    string `json:"userId"`
}

type ReactionInput struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type TypingInput struct {
	UserID    string `json:"userId"`
	PartnerID string `json:"partnerId"`
	IsTyping  bool   `json:"isTyping"`
}

type PinChatInput struct {
	PartnerID string `json:"partnerId"`
	IsPinned  bool   `json:"isPinned"`
}

type DeleteChatInput struct {
	PartnerID string `json:"partnerId"`
}

// SendMessage appends a direct message and routes it. The receiver's copy is
// promoted to "delivered" when they are online; otherwise it stays "sent"
// until their next login promotes it in a batch.
func (c *Core) SendMessage(sender *hub.Client, actorID string, in MessageInput) error {
	return c.deliverMessage(sender, actorID, in, false)
}

// ForwardMessage is SendMessage with replyTo forced null and forwardedFrom
// preserved.
func (c *Core) ForwardMessage(sender *hub.Client, actorID string, in MessageInput) error {
	return c.deliverMessage(sender, actorID, in, true)
}

func (c *Core) deliverMessage(sender *hub.Client, actorID string, in MessageInput, forward bool) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.SenderID != actorID {
			return nil, fmt.Errorf("%w: sender is not the bound user", ErrUnauthorized)
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: empty message text", ErrInvalid)
		}
		receiver := st.Users[in.ReceiverID]
		if receiver == nil {
			return nil, fmt.Errorf("%w: receiver %q", ErrNotFound, in.ReceiverID)
		}
		if receiver.IsDeleted {
			return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "message_blocked", Data: map[string]any{
				"reason":     "receiver_deleted",
				"receiverId": in.ReceiverID,
			}})}, nil
		}
		if slices.Contains(st.Blocked[in.ReceiverID], actorID) {
			return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "message_blocked", Data: map[string]any{
				"reason":     "blocked",
				"receiverId": in.ReceiverID,
			}})}, nil
		}

		chatID := models.ChatID(actorID, in.ReceiverID)
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}
		replyTo := in.ReplyTo
		if forward {
			replyTo = nil
		}
		now := nowMillis()
		msg := &models.Message{
			ID:            id,
			ChatID:        chatID,
			SenderID:      actorID,
			ReceiverID:    in.ReceiverID,
			Text:          text,
			ReplyTo:       replyTo,
			ForwardedFrom: in.ForwardedFrom,
			Timestamp:     now,
			Status:        models.MessageStatusSent,
			Reactions:     models.Reactions{},
		}
		st.Messages[chatID] = append(st.Messages[chatID], msg)

		senderChat := st.EnsureChat(actorID, in.ReceiverID)
		receiverChat := st.EnsureChat(in.ReceiverID, actorID)
		senderChat.LastMessageID = msg.ID
		senderChat.UpdatedAt = now
		receiverChat.LastMessageID = msg.ID
		receiverChat.UpdatedAt = now
		receiverChat.UnreadCount++

		receiverOnline := c.hub.IsOnline(in.ReceiverID)
		if receiverOnline {
			msg.Status = models.MessageStatusDelivered
		}

		dels := []hub.Delivery{
			hub.ReplyTo(hub.Event{Type: "message_sent", Data: map[string]any{
				"chatId":  chatID,
				"message": msg.Clone(),
			}}),
		}
		if receiverOnline {
			dels = append(dels,
				hub.ToUser(in.ReceiverID, hub.Event{Type: "new_message", Data: map[string]any{
					"chatId":  chatID,
					"message": msg.Clone(),
				}}),
				hub.ReplyTo(hub.Event{Type: "message_delivered", Data: map[string]any{
					"chatId":    chatID,
					"messageId": msg.ID,
				}}),
			)
		}
		return dels, nil
	})
}

// EditMessage rewrites the text of the actor's own message.
func (c *Core) EditMessage(sender *hub.Client, actorID string, in EditMessageInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		msg := st.FindMessage(in.ChatID, in.MessageID)
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
		for _, p := range []string{msg.SenderID, msg.ReceiverID} {
			dels = append(dels, hub.ToUser(p, hub.Event{Type: "message_edited", Data: map[string]any{
				"chatId":    in.ChatID,
				"messageId": msg.ID,
				"newText":   text,
				"message":   msg.Clone(),
			}}))
		}
		return dels, nil
	})
}

// DeleteMessages removes direct messages and scrubs them from both
// participants' pinned lists. There is deliberately no per-message
// authorization beyond a bound session.
func (c *Core) DeleteMessages(sender *hub.Client, actorID string, in DeleteMessagesInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		a, b, ok := models.ChatParticipants(in.ChatID)
		if !ok {
			return nil, fmt.Errorf("%w: bad chat id %q", ErrInvalid, in.ChatID)
		}

		idSet := make(map[string]struct{}, len(in.MessageIDs))
		for _, id := range in.MessageIDs {
			idSet[id] = struct{}{}
		}

		var removed []string
		kept := st.Messages[in.ChatID][:0]
		for _, m := range st.Messages[in.ChatID] {
			if _, hit := idSet[m.ID]; hit {
				removed = append(removed, m.ID)
				continue
			}
			kept = append(kept, m)
		}
		if len(removed) == 0 {
			return nil, nil
		}
		if len(kept) == 0 {
			delete(st.Messages, in.ChatID)
		} else {
			st.Messages[in.ChatID] = kept
		}

		for _, p := range []string{a, b} {
			if pm := st.PinnedMessages[p]; pm != nil {
				for _, id := range removed {
					pm[in.ChatID] = removeFromSet(pm[in.ChatID], id)
				}
				if len(pm[in.ChatID]) == 0 {
					delete(pm, in.ChatID)
				}
			}
		}

		latest := st.LatestMessage(in.ChatID)
		for _, pair := range [][2]string{{a, b}, {b, a}} {
			if chat := st.Chats[pair[0]][pair[1]]; chat != nil {
				if latest != nil {
					chat.LastMessageID = latest.ID
				} else {
					chat.LastMessageID = ""
				}
				st.RecountChatUnread(pair[0], pair[1])
			}
		}

		var dels []hub.Delivery
		for _, p := range []string{a, b} {
			dels = append(dels, hub.ToUser(p, hub.Event{Type: "message_deleted", Data: map[string]any{
				"chatId":         in.ChatID,
				"messageIds":     removed,
				"pinnedMessages": cloneStrings(st.PinnedMessages[p][in.ChatID]),
			}}))
		}
		return dels, nil
	})
}

// MarkSeen sweeps every message addressed to the actor in a chat to "seen"
// and zeroes the actor's unread counter. Idempotent: a sweep that transitions
// nothing emits nothing.
func (c *Core) MarkSeen(sender *hub.Client, actorID string, in MarkSeenInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}

		var seen []string
		for _, m := range st.Messages[in.ChatID] {
			if m.ReceiverID == actorID && m.Status != models.MessageStatusSeen {
				m.Status = models.MessageStatusSeen
				seen = append(seen, m.ID)
			}
		}
		if len(seen) == 0 {
			return nil, nil
		}
		if chat := st.Chats[actorID][in.PartnerID]; chat != nil {
			chat.UnreadCount = 0
		}

		return []hub.Delivery{
			hub.ToUser(in.PartnerID, hub.Event{Type: "messages_seen", Data: map[string]any{
				"chatId": in.ChatID,
				"seenBy": actorID,
			}}),
			hub.ToUser(actorID, hub.Event{Type: "unread_cleared", Data: map[string]any{
				"chatId":    in.ChatID,
				"partnerId": in.PartnerID,
			}}),
		}, nil
	})
}

// MarkMessagesSeen is the selective variant: only the listed ids transition,
// and the unread counter drops by the number actually transitioned.
func (c *Core) MarkMessagesSeen(sender *hub.Client, actorID string, in MarkMessagesSeenInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}

		idSet := make(map[string]struct{}, len(in.MessageIDs))
		for _, id := range in.MessageIDs {
			idSet[id] = struct{}{}
		}
		var seen []string
		for _, m := range st.Messages[in.ChatID] {
			if _, hit := idSet[m.ID]; !hit {
				continue
			}
			if m.ReceiverID == actorID && m.Status != models.MessageStatusSeen {
				m.Status = models.MessageStatusSeen
				seen = append(seen, m.ID)
			}
		}
		if len(seen) == 0 {
			return nil, nil
		}

		unread := 0
		if chat := st.Chats[actorID][in.PartnerID]; chat != nil {
			chat.UnreadCount -= len(seen)
			if chat.UnreadCount < 0 {
				chat.UnreadCount = 0
			}
			unread = chat.UnreadCount
		}

		return []hub.Delivery{
			hub.ToUser(in.PartnerID, hub.Event{Type: "specific_messages_seen", Data: map[string]any{
				"chatId":     in.ChatID,
				"messageIds": seen,
				"seenBy":     actorID,
			}}),
			hub.ToUser(actorID, hub.Event{Type: "chat_unread_updated", Data: map[string]any{
				"chatId":      in.ChatID,
				"partnerId":   in.PartnerID,
				"unreadCount": unread,
			}}),
		}, nil
	})
}

// PinMessage mirrors a pin into both participants' pinned lists. Pinning in a
// non-self chat also appends a system message to the conversation.
func (c *Core) PinMessage(sender *hub.Client, actorID string, in PinMessageInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}
		a, b, ok := models.ChatParticipants(in.ChatID)
		if !ok {
			return nil, fmt.Errorf("%w: bad chat id %q", ErrInvalid, in.ChatID)
		}
		if st.FindMessage(in.ChatID, in.MessageID) == nil {
			return nil, fmt.Errorf("%w: message %q", ErrNotFound, in.MessageID)
		}

		for _, p := range []string{a, b} {
			if st.PinnedMessages[p] == nil {
				st.PinnedMessages[p] = make(map[string][]string)
			}
			if in.IsPinned {
				st.PinnedMessages[p][in.ChatID] = addToSet(st.PinnedMessages[p][in.ChatID], in.MessageID)
			} else {
				st.PinnedMessages[p][in.ChatID] = removeFromSet(st.PinnedMessages[p][in.ChatID], in.MessageID)
				if len(st.PinnedMessages[p][in.ChatID]) == 0 {
					delete(st.PinnedMessages[p], in.ChatID)
				}
			}
		}

		// A pin in a real conversation is announced with a system message;
		// the self-chat ("Saved Messages") stays quiet.
		var sysMsg *models.Message
		otherID := a
		if otherID == actorID {
			otherID = b
		}
		if in.IsPinned && a != b {
			display := actorID
			if u := st.Users[actorID]; u != nil {
				display = u.DisplayName
			}
			now := nowMillis()
			sysMsg = &models.Message{
				ID:         uuid.NewString(),
				ChatID:     in.ChatID,
				SenderID:   actorID,
				ReceiverID: otherID,
				Text:       fmt.Sprintf("%s pinned a message", display),
				Timestamp:  now,
				Status:     models.MessageStatusSent,
				IsSystem:   true,
				Reactions:  models.Reactions{},
			}
			st.Messages[in.ChatID] = append(st.Messages[in.ChatID], sysMsg)

			actorChat := st.EnsureChat(actorID, otherID)
			otherChat := st.EnsureChat(otherID, actorID)
			actorChat.LastMessageID = sysMsg.ID
			actorChat.UpdatedAt = now
			otherChat.LastMessageID = sysMsg.ID
			otherChat.UpdatedAt = now
			otherChat.UnreadCount++
			if c.hub.IsOnline(otherID) {
				sysMsg.Status = models.MessageStatusDelivered
			}
		}

		var dels []hub.Delivery
		for _, p := range []string{a, b} {
			data := map[string]any{
				"chatId":         in.ChatID,
				"messageId":      in.MessageID,
				"isPinned":       in.IsPinned,
				"pinnedMessages": cloneStrings(st.PinnedMessages[p][in.ChatID]),
			}
			if p == actorID && sysMsg != nil {
				data["systemMessage"] = sysMsg.Clone()
			}
			dels = append(dels, hub.ToUser(p, hub.Event{Type: "message_pinned", Data: data}))
		}
		if sysMsg != nil {
			dels = append(dels, hub.ToUser(otherID, hub.Event{Type: "new_message", Data: map[string]any{
				"chatId":  in.ChatID,
				"message": sysMsg.Clone(),
			}}))
		}
		return dels, nil
	})
}

// AddReaction toggles or replaces the actor's reaction on a direct message.
func (c *Core) AddReaction(sender *hub.Client, actorID string, in ReactionInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.UserID != actorID {
			return nil, fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
		}
		if in.Emoji == "" {
			return nil, fmt.Errorf("%w: empty emoji", ErrInvalid)
		}
		msg := st.FindMessage(in.ChatID, in.MessageID)
		if msg == nil {
			return nil, fmt.Errorf("%w: message %q", ErrNotFound, in.MessageID)
		}
		msg.Reactions = toggleReaction(msg.Reactions, actorID, in.Emoji)

		var dels []hub.Delivery
		for _, p := range []string{msg.SenderID, msg.ReceiverID} {
			dels = append(dels, hub.ToUser(p, hub.Event{Type: "reaction_updated", Data: map[string]any{
				"chatId":    in.ChatID,
				"messageId": msg.ID,
				"reactions": slices.Clone(msg.Reactions),
			}}))
		}
		return dels, nil
	})
}

// Typing forwards a typing edge to the partner; nothing is persisted.
func (c *Core) Typing(sender *hub.Client, actorID string, in TypingInput) error {
	if in.UserID != actorID {
		return fmt.Errorf("%w: userId is not the bound user", ErrUnauthorized)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send(sender, []hub.Delivery{
		hub.ToUser(in.PartnerID, hub.Event{Type: "user_typing", Data: map[string]any{
			"userId":   actorID,
			"isTyping": in.IsTyping,
		}}),
	})
	return nil
}

// PinChat toggles a conversation in the actor's own ordered pinned-chat set.
func (c *Core) PinChat(sender *hub.Client, actorID string, in PinChatInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.PartnerID == "" {
			return nil, fmt.Errorf("%w: missing partnerId", ErrInvalid)
		}
		if in.IsPinned {
			st.PinnedChats[actorID] = addToSet(st.PinnedChats[actorID], in.PartnerID)
		} else {
			st.PinnedChats[actorID] = removeFromSet(st.PinnedChats[actorID], in.PartnerID)
			if len(st.PinnedChats[actorID]) == 0 {
				delete(st.PinnedChats, actorID)
			}
		}
		return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "chat_pinned", Data: map[string]any{
			"partnerId":   in.PartnerID,
			"isPinned":    in.IsPinned,
			"pinnedChats": cloneStrings(st.PinnedChats[actorID]),
		}})}, nil
	})
}

// DeleteChat removes a conversation for both participants: its messages,
// both endpoints, both pinned-message lists, and both chat pins.
func (c *Core) DeleteChat(sender *hub.Client, actorID string, in DeleteChatInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		if in.PartnerID == "" {
			return nil, fmt.Errorf("%w: missing partnerId", ErrInvalid)
		}
		chatID := models.ChatID(actorID, in.PartnerID)

		delete(st.Messages, chatID)
		delete(st.Chats[actorID], in.PartnerID)
		delete(st.Chats[in.PartnerID], actorID)
		for _, pair := range [][2]string{{actorID, in.PartnerID}, {in.PartnerID, actorID}} {
			if pm := st.PinnedMessages[pair[0]]; pm != nil {
				delete(pm, chatID)
			}
			st.PinnedChats[pair[0]] = removeFromSet(st.PinnedChats[pair[0]], pair[1])
			if len(st.PinnedChats[pair[0]]) == 0 {
				delete(st.PinnedChats, pair[0])
			}
		}

		return []hub.Delivery{
			hub.ToUser(actorID, hub.Event{Type: "chat_deleted", Data: map[string]any{
				"chatId":    chatID,
				"partnerId": in.PartnerID,
			}}),
			hub.ToUser(in.PartnerID, hub.Event{Type: "chat_deleted", Data: map[string]any{
				"chatId":    chatID,
				"partnerId": actorID,
			}}),
		}, nil
	})
}
