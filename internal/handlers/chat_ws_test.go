package handlers_test

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-chat/velora-backend/internal/handlers"
	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/routes"
	"github.com/velora-chat/velora-backend/internal/services"
	"github.com/velora-chat/velora-backend/internal/store"
)

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	srv   *httptest.Server
	wsURL string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	require.NoError(t, err)
	h := hub.New()
	core := services.New(st, h)

	r := chi.NewRouter()
	routes.SetupRoutes(r, handlers.NewChatHandler(core), handlers.NewHealthHandler(st, h))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCmd(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

// readUntil reads frames until one of the wanted type arrives, skipping
// interleaved broadcasts, and returns its payload.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	data, _ := readCollecting(t, conn, typ)
	return data
}

// readCollecting is readUntil plus the list of event types seen on the way,
// for asserting that something did NOT happen before a known marker.
func readCollecting(t *testing.T, conn *websocket.Conn, typ string) (json.RawMessage, []string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var seen []string
	for {
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %q (saw %v)", typ, seen)
		if ev.Type == typ {
			return ev.Data, seen
		}
		seen = append(seen, ev.Type)
	}
}

// registerWS registers a user over the wire and waits for the snapshot.
func registerWS(t *testing.T, conn *websocket.Conn, id, username string) {
	t.Helper()
	sendCmd(t, conn, "register", map[string]any{"id": id, "username": username})
	readUntil(t, conn, "register_success")
}

func TestHandshakeSendsConnected(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	var ev wireEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "connected", ev.Type)
}

func TestRegisterOverWire(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	sendCmd(t, conn, "register", map[string]any{"id": "u1", "username": "alice"})
	data := readUntil(t, conn, "register_success")

	var snapshot struct {
		User struct {
			ID           string `json:"id"`
			Username     string `json:"username"`
			RecoveryCode string `json:"recoveryCode"`
		} `json:"user"`
		OnlineUserIDs []string `json:"onlineUserIds"`
	}
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, "u1", snapshot.User.ID)
	assert.Equal(t, "alice", snapshot.User.Username)
	assert.Regexp(t, `^[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`, snapshot.User.RecoveryCode)
	assert.Equal(t, []string{"u1"}, snapshot.OnlineUserIDs)
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	sendCmd(t, conn, "heartbeat", nil)
	readUntil(t, conn, "heartbeat_ack")
}

func TestDirectMessageOverWire(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	registerWS(t, alice, "u1", "alice")
	registerWS(t, bob, "u2", "bob")

	sendCmd(t, alice, "send_message", map[string]any{
		"id": "m1", "senderId": "u1", "receiverId": "u2", "text": "hi bob",
	})

	var sent struct {
		ChatID  string `json:"chatId"`
		Message struct {
			ID     string `json:"id"`
			Text   string `json:"text"`
			Status string `json:"status"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, alice, "message_sent"), &sent))
	assert.Equal(t, "u1:u2", sent.ChatID)
	assert.Equal(t, "hi bob", sent.Message.Text)
	assert.Equal(t, "delivered", sent.Message.Status)
	readUntil(t, alice, "message_delivered")

	var incoming struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, bob, "new_message"), &incoming))
	assert.Equal(t, "m1", incoming.Message.ID)
}

func TestLoginAfterReconnect(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t)
	registerWS(t, first, "u1", "alice")
	first.Close()

	second := ts.dial(t)
	sendCmd(t, second, "login", map[string]any{"userId": "u1"})
	readUntil(t, second, "login_success")
}

func TestCommandsRequireBoundIdentity(t *testing.T) {
	ts := newTestServer(t)
	other := ts.dial(t)
	registerWS(t, other, "u2", "bob")

	conn := ts.dial(t)
	sendCmd(t, conn, "send_message", map[string]any{
		"senderId": "u1", "receiverId": "u2", "text": "spoofed",
	})
	sendCmd(t, conn, "heartbeat", nil)

	// The spoofed command is dropped silently; only the ack arrives.
	_, seen := readCollecting(t, conn, "heartbeat_ack")
	assert.NotContains(t, seen, "message_sent")
	assert.NotContains(t, seen, "message_blocked")
}

func TestLoginRefusedWhileBound(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	registerWS(t, conn, "u1", "alice")

	sendCmd(t, conn, "login", map[string]any{"userId": "u1"})
	sendCmd(t, conn, "heartbeat", nil)
	_, seen := readCollecting(t, conn, "heartbeat_ack")
	assert.NotContains(t, seen, "login_success")
	assert.NotContains(t, seen, "login_error")
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"x":1}}`)))
	sendCmd(t, conn, "heartbeat", nil)
	readUntil(t, conn, "heartbeat_ack")
}

func TestUnknownCommandIgnored(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	registerWS(t, conn, "u1", "alice")

	sendCmd(t, conn, "warp_drive", map[string]any{"speed": 9})
	sendCmd(t, conn, "heartbeat", nil)
	readUntil(t, conn, "heartbeat_ack")
}
