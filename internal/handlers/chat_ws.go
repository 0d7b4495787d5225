package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/services"
)

// chatUpgrader is the shared upgrader for chat WebSocket connections.
var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already.
		return true
	},
}

// ChatHandler owns the websocket endpoint. Each connection gets a read loop
// here and a buffered writer inside hub.Client; the bound identity lives in
// the loop's local state.
type ChatHandler struct {
	core *services.Core
}

func NewChatHandler(core *services.Core) *ChatHandler {
	return &ChatHandler{core: core}
}

// ServeWS upgrades the connection and runs the per-session dispatcher.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := hub.NewClient(conn)
	client.Send(hub.Event{Type: "connected", Data: map[string]any{}})

	var currentUserID string
	defer func() {
		h.core.Disconnect(client, currentUserID)
		client.Close()
	}()

	conn.SetReadLimit(64 * 1024)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			log.Printf("ws: malformed frame dropped: %v", err)
			continue
		}
		h.dispatch(client, &currentUserID, env)
	}
}

// dispatch decodes one command and runs it. Validation and authorization
// failures are logged and otherwise silent, per the error policy: only the
// originating session ever hears about its own errors.
func (h *ChatHandler) dispatch(client *hub.Client, currentUserID *string, env hub.Envelope) {
	// Commands that work without (or establish) a bound identity.
	switch env.Type {
	case "register":
		if *currentUserID != "" {
			log.Printf("ws: register dropped: session already bound")
			return
		}
		var in services.RegisterInput
		if err := decodeInto(env.Data, &in); err != nil {
			log.Printf("ws: register dropped: %v", err)
			return
		}
		uid, err := h.core.Register(client, in)
		if err != nil {
			log.Printf("ws: register failed: %v", err)
			return
		}
		if uid != "" {
			*currentUserID = uid
		}
		return
	case "login":
		if *currentUserID != "" {
			log.Printf("ws: login dropped: session already bound")
			return
		}
		var in services.LoginInput
		if err := decodeInto(env.Data, &in); err != nil {
			log.Printf("ws: login dropped: %v", err)
			return
		}
		uid, err := h.core.Login(client, in)
		if err != nil {
			log.Printf("ws: login failed: %v", err)
			return
		}
		if uid != "" {
			*currentUserID = uid
		}
		return
	case "login_recovery":
		if *currentUserID != "" {
			log.Printf("ws: login_recovery dropped: session already bound")
			return
		}
		var in services.LoginRecoveryInput
		if err := decodeInto(env.Data, &in); err != nil {
			log.Printf("ws: login_recovery dropped: %v", err)
			return
		}
		uid, err := h.core.LoginRecovery(client, in)
		if err != nil {
			log.Printf("ws: login_recovery failed: %v", err)
			return
		}
		if uid != "" {
			*currentUserID = uid
		}
		return
	case "check_username":
		var in services.CheckUsernameInput
		if err := decodeInto(env.Data, &in); err != nil {
			log.Printf("ws: check_username dropped: %v", err)
			return
		}
		_ = h.core.CheckUsername(client, in)
		return
	case "heartbeat":
		client.Send(hub.Event{Type: "heartbeat_ack", Data: map[string]any{}})
		return
	}

	actor := *currentUserID
	if actor == "" {
		log.Printf("ws: %s dropped: no bound user", env.Type)
		return
	}

	var err error
	switch env.Type {
	case "search_user":
		var in services.SearchInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.SearchUser(client, actor, in)
		}
	case "update_profile":
		var in services.UpdateProfileInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.UpdateProfile(client, actor, in)
		}
	case "delete_account":
		if err = h.core.DeleteAccount(client, actor); err == nil {
			*currentUserID = ""
		}
	case "block_user":
		var in services.BlockInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.BlockUser(client, actor, in)
		}
	case "send_message":
		var in services.MessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.SendMessage(client, actor, in)
		}
	case "forward_message":
		var in services.MessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.ForwardMessage(client, actor, in)
		}
	case "edit_message":
		var in services.EditMessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.EditMessage(client, actor, in)
		}
	case "delete_message":
		var in services.DeleteMessagesInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.DeleteMessages(client, actor, in)
		}
	case "mark_seen":
		var in services.MarkSeenInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.MarkSeen(client, actor, in)
		}
	case "mark_messages_seen":
		var in services.MarkMessagesSeenInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.MarkMessagesSeen(client, actor, in)
		}
	case "typing":
		var in services.TypingInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.Typing(client, actor, in)
		}
	case "pin_chat":
		var in services.PinChatInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.PinChat(client, actor, in)
		}
	case "delete_chat":
		var in services.DeleteChatInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.DeleteChat(client, actor, in)
		}
	case "pin_message":
		var in services.PinMessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.PinMessage(client, actor, in)
		}
	case "add_reaction":
		var in services.ReactionInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.AddReaction(client, actor, in)
		}
	case "create_group":
		var in services.CreateGroupInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.CreateGroup(client, actor, in)
		}
	case "send_group_message":
		var in services.GroupMessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.SendGroupMessage(client, actor, in)
		}
	case "forward_group_message":
		var in services.GroupMessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.ForwardGroupMessage(client, actor, in)
		}
	case "mark_group_seen":
		var in services.MarkGroupSeenInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.MarkGroupSeen(client, actor, in)
		}
	case "mark_group_messages_seen":
		var in services.MarkGroupMessagesSeenInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.MarkGroupMessagesSeen(client, actor, in)
		}
	case "edit_group_message":
		var in services.EditGroupMessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.EditGroupMessage(client, actor, in)
		}
	case "delete_group_message":
		var in services.DeleteGroupMessagesInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.DeleteGroupMessages(client, actor, in)
		}
	case "pin_group_message":
		var in services.PinGroupMessageInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.PinGroupMessage(client, actor, in)
		}
	case "add_group_member":
		var in services.GroupMemberInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.AddGroupMember(client, actor, in)
		}
	case "remove_group_member":
		var in services.GroupMemberInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.RemoveGroupMember(client, actor, in)
		}
	case "set_group_admin":
		var in services.SetGroupAdminInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.SetGroupAdmin(client, actor, in)
		}
	case "add_group_reaction":
		var in services.GroupReactionInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.AddGroupReaction(client, actor, in)
		}
	case "group_typing":
		var in services.GroupTypingInput
		if err = decodeInto(env.Data, &in); err == nil {
			err = h.core.GroupTyping(client, actor, in)
		}
	default:
		log.Printf("ws: unknown command type %q ignored", env.Type)
		return
	}

	if err != nil {
		log.Printf("ws: %s dropped: %v", env.Type, err)
	}
}

func decodeInto(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
