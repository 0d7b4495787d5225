package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/models"
	"github.com/velora-chat/velora-backend/pkg/utils"
)

type RegisterInput struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Bio         string `json:"bio"`
}

type LoginInput struct {
	UserID string `json:"userId"`
}

type LoginRecoveryInput struct {
	RecoveryCode string `json:"recoveryCode"`
}

type CheckUsernameInput struct {
	Username string `json:"username"`
}

type SearchInput struct {
	Query string `json:"query"`
}

type UpdateProfileInput struct {
	Username    *string `json:"username"`
	DisplayName *string `json:"displayName"`
	Avatar      *string `json:"avatar"`
	Bio         *string `json:"bio"`
}

type BlockInput struct {
	TargetID  string `json:"targetId"`
	IsBlocked bool   `json:"isBlocked"`
}

// Register creates a user, binds the session, and returns the bound user id
// ("" when registration was refused).
func (c *Core) Register(sender *hub.Client, in RegisterInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	username := strings.TrimSpace(in.Username)

	var boundID string
	var dels []hub.Delivery
	err := c.store.Update(func(st *models.State) error {
		if err := utils.ValidateUsername(username); err != nil {
			dels = []hub.Delivery{hub.ReplyTo(hub.Event{Type: "register_error", Data: map[string]any{
				"reason":  "invalid_username",
				"message": err.Error(),
			}})}
			return nil
		}
		if usernameTaken(st, username, "") {
			dels = []hub.Delivery{hub.ReplyTo(hub.Event{Type: "register_error", Data: map[string]any{
				"reason": "username_taken",
			}})}
			return nil
		}
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := st.Users[id]; exists {
			dels = []hub.Delivery{hub.ReplyTo(hub.Event{Type: "register_error", Data: map[string]any{
				"reason": "user_exists",
			}})}
			return nil
		}

		code, err := utils.GenerateRecoveryCode()
		if err != nil {
			return fmt.Errorf("generate recovery code: %w", err)
		}
		display := strings.TrimSpace(in.DisplayName)
		if display == "" {
			display = username
		}
		u := &models.User{
			ID:           id,
			Username:     username,
			DisplayName:  display,
			Avatar:       in.Avatar,
			Bio:          strings.TrimSpace(in.Bio),
			IsOnline:     true,
			LastSeen:     nowMillis(),
			RecoveryCode: code,
		}
		st.Users[id] = u

		c.hub.Bind(id, sender)
		boundID = id
		dels = []hub.Delivery{
			hub.ReplyTo(c.snapshot(st, u, "register_success")),
			hub.ToAll(id, hub.Event{Type: "user_joined", Data: map[string]any{"user": u.Sanitized()}}),
			hub.ToAll(id, hub.Event{Type: "user_online", Data: map[string]any{
				"userId":        id,
				"onlineUserIds": c.hub.OnlineUserIDs(),
			}}),
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	c.send(sender, dels)
	return boundID, nil
}

// Login binds the session to an existing user and returns the bound id.
func (c *Core) Login(sender *hub.Client, in LoginInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var boundID string
	var dels []hub.Delivery
	err := c.store.Update(func(st *models.State) error {
		u := st.Users[strings.TrimSpace(in.UserID)]
		if u == nil || u.IsDeleted {
			dels = []hub.Delivery{hub.ReplyTo(hub.Event{Type: "login_error", Data: map[string]any{
				"reason": "user_not_found",
			}})}
			return nil
		}
		boundID = u.ID
		dels = c.bindUser(sender, st, u)
		return nil
	})
	if err != nil {
		return "", err
	}
	c.send(sender, dels)
	return boundID, nil
}

// LoginRecovery authenticates by recovery code. Dashes and case are ignored;
// the first non-deleted match wins. Effects are identical to Login.
func (c *Core) LoginRecovery(sender *hub.Client, in LoginRecoveryInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	norm := utils.NormalizeRecoveryCode(in.RecoveryCode)

	var boundID string
	var dels []hub.Delivery
	err := c.store.Update(func(st *models.State) error {
		var match *models.User
		if norm != "" {
			ids := make([]string, 0, len(st.Users))
			for id := range st.Users {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				u := st.Users[id]
				if u.IsDeleted {
					continue
				}
				if utils.NormalizeRecoveryCode(u.RecoveryCode) == norm {
					match = u
					break
				}
			}
		}
		if match == nil {
			dels = []hub.Delivery{hub.ReplyTo(hub.Event{Type: "login_error", Data: map[string]any{
				"reason": "invalid_recovery_code",
			}})}
			return nil
		}
		boundID = match.ID
		dels = c.bindUser(sender, st, match)
		return nil
	})
	if err != nil {
		return "", err
	}
	c.send(sender, dels)
	return boundID, nil
}

// bindUser marks the user online, promotes all their pending messages to
// delivered in one batch, binds the session, and builds the login deliveries.
func (c *Core) bindUser(sender *hub.Client, st *models.State, u *models.User) []hub.Delivery {
	u.IsOnline = true
	u.LastSeen = nowMillis()

	var updates []map[string]any
	chatIDs := make([]string, 0, len(st.Messages))
	for chatID := range st.Messages {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Strings(chatIDs)
	for _, chatID := range chatIDs {
		for _, m := range st.Messages[chatID] {
			if m.ReceiverID == u.ID && m.Status == models.MessageStatusSent {
				m.Status = models.MessageStatusDelivered
				updates = append(updates, map[string]any{"messageId": m.ID, "chatId": chatID})
			}
		}
	}

	c.hub.Bind(u.ID, sender)

	dels := []hub.Delivery{
		hub.ReplyTo(c.snapshot(st, u, "login_success")),
		hub.ToAll(u.ID, hub.Event{Type: "user_online", Data: map[string]any{
			"userId":        u.ID,
			"onlineUserIds": c.hub.OnlineUserIDs(),
		}}),
	}
	if len(updates) > 0 {
		dels = append(dels, hub.ToAll("", hub.Event{Type: "messages_batch_delivered", Data: map[string]any{
			"updates": updates,
		}}))
	}
	return dels
}

// Disconnect is called when a socket closes. It only emits an offline edge
// when the closing connection still owns the binding.
func (c *Core) Disconnect(sender *hub.Client, userID string) {
	if userID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hub.Unbind(userID, sender) {
		return // orphaned session; a newer binding owns this user
	}

	var dels []hub.Delivery
	_ = c.store.Update(func(st *models.State) error {
		lastSeen := nowMillis()
		if u := st.Users[userID]; u != nil {
			u.IsOnline = false
			u.LastSeen = lastSeen
		}
		dels = []hub.Delivery{hub.ToAll(userID, hub.Event{Type: "user_offline", Data: map[string]any{
			"userId":        userID,
			"lastSeen":      lastSeen,
			"onlineUserIds": c.hub.OnlineUserIDs(),
		}})}
		return nil
	})
	c.send(nil, dels)
}

// CheckUsername answers availability without requiring a bound identity.
func (c *Core) CheckUsername(sender *hub.Client, in CheckUsernameInput) error {
	return c.view(sender, func(st *models.State) ([]hub.Delivery, error) {
		username := strings.TrimSpace(in.Username)
		available := utils.ValidateUsername(username) == nil && !usernameTaken(st, username, "")
		return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "username_check_result", Data: map[string]any{
			"username":  username,
			"available": available,
		}})}, nil
	})
}

// SearchUser finds live users by case-insensitive substring on username or
// display name. The actor is excluded from results.
func (c *Core) SearchUser(sender *hub.Client, actorID string, in SearchInput) error {
	return c.view(sender, func(st *models.State) ([]hub.Delivery, error) {
		q := strings.ToLower(strings.TrimSpace(in.Query))
		results := make([]*models.User, 0)
		if q != "" {
			for _, u := range st.Users {
				if u.IsDeleted || u.ID == actorID {
					continue
				}
				if strings.Contains(strings.ToLower(u.Username), q) ||
					strings.Contains(strings.ToLower(u.DisplayName), q) {
					results = append(results, u.Sanitized())
				}
			}
			sort.Slice(results, func(i, j int) bool {
				a, b := strings.ToLower(results[i].Username), strings.ToLower(results[j].Username)
				if a != b {
					return a < b
				}
				return results[i].ID < results[j].ID
			})
		}
		return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "search_result", Data: map[string]any{
			"query": q,
			"users": results,
		}})}, nil
	})
}

// UpdateProfile edits the actor's own record. The recovery code is immutable.
func (c *Core) UpdateProfile(sender *hub.Client, actorID string, in UpdateProfileInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		u := st.Users[actorID]
		if u == nil || u.IsDeleted {
			return nil, ErrNotFound
		}

		if in.Username != nil {
			username := strings.TrimSpace(*in.Username)
			if !strings.EqualFold(username, u.Username) {
				if err := utils.ValidateUsername(username); err != nil {
					return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "profile_error", Data: map[string]any{
						"reason":  "invalid_username",
						"message": err.Error(),
					}})}, nil
				}
				if usernameTaken(st, username, actorID) {
					return []hub.Delivery{hub.ReplyTo(hub.Event{Type: "profile_error", Data: map[string]any{
						"reason": "username_taken",
					}})}, nil
				}
			}
			if username != "" {
				u.Username = username
			}
		}
		if in.DisplayName != nil {
			if display := strings.TrimSpace(*in.DisplayName); display != "" {
				u.DisplayName = display
			}
		}
		if in.Avatar != nil {
			u.Avatar = *in.Avatar
		}
		if in.Bio != nil {
			u.Bio = strings.TrimSpace(*in.Bio)
		}

		return []hub.Delivery{
			hub.ReplyTo(hub.Event{Type: "profile_updated", Data: map[string]any{"user": u.Sanitized()}}),
			hub.ToAll(actorID, hub.Event{Type: "user_updated", Data: map[string]any{"user": u.Sanitized()}}),
		}, nil
	})
}

// DeleteAccount soft-deletes the actor: the id stays valid as a historical
// sender, but the username is freed and new messages to them are refused.
func (c *Core) DeleteAccount(sender *hub.Client, actorID string) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		u := st.Users[actorID]
		if u == nil {
			return nil, ErrNotFound
		}
		u.IsDeleted = true
		u.IsOnline = false
		u.LastSeen = nowMillis()

		c.hub.Unbind(actorID, sender)

		return []hub.Delivery{
			hub.ReplyTo(hub.Event{Type: "account_deleted", Data: map[string]any{"userId": actorID}}),
			hub.ToAll(actorID, hub.Event{Type: "user_deleted", Data: map[string]any{"userId": actorID}}),
			hub.ToAll(actorID, hub.Event{Type: "user_offline", Data: map[string]any{
				"userId":        actorID,
				"lastSeen":      u.LastSeen,
				"onlineUserIds": c.hub.OnlineUserIDs(),
			}}),
		}, nil
	})
}

// BlockUser toggles the mirror-consistent blocked/blockedBy pair.
func (c *Core) BlockUser(sender *hub.Client, actorID string, in BlockInput) error {
	return c.mutate(sender, func(st *models.State) ([]hub.Delivery, error) {
		target := st.Users[in.TargetID]
		if target == nil || in.TargetID == actorID {
			return nil, ErrNotFound
		}

		if in.IsBlocked {
			st.Blocked[actorID] = addToSet(st.Blocked[actorID], in.TargetID)
			st.BlockedBy[in.TargetID] = addToSet(st.BlockedBy[in.TargetID], actorID)
		} else {
			st.Blocked[actorID] = removeFromSet(st.Blocked[actorID], in.TargetID)
			if len(st.Blocked[actorID]) == 0 {
				delete(st.Blocked, actorID)
			}
			st.BlockedBy[in.TargetID] = removeFromSet(st.BlockedBy[in.TargetID], actorID)
			if len(st.BlockedBy[in.TargetID]) == 0 {
				delete(st.BlockedBy, in.TargetID)
			}
		}

		dels := []hub.Delivery{hub.ReplyTo(hub.Event{Type: "user_blocked", Data: map[string]any{
			"targetId":  in.TargetID,
			"isBlocked": in.IsBlocked,
			"blocked":   cloneStrings(st.Blocked[actorID]),
		}})}
		if in.IsBlocked {
			dels = append(dels, hub.ToUser(in.TargetID, hub.Event{Type: "you_were_blocked", Data: map[string]any{
				"userId": actorID,
			}}))
		}
		return dels, nil
	})
}

// usernameTaken reports a case-insensitive clash among non-deleted users.
func usernameTaken(st *models.State, username, exceptID string) bool {
	for _, u := range st.Users {
		if u.IsDeleted || u.ID == exceptID {
			continue
		}
		if strings.EqualFold(u.Username, username) {
			return true
		}
	}
	return false
}
