package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JosueRhea/sockudo/internal/config"
	"github.com/JosueRhea/sockudo/internal/core/apps"
	"github.com/JosueRhea/sockudo/internal/core/auth"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

func demoApp() apps.Application {
	return apps.Application{
		ID:                       "demo-app",
		Key:                      "demo-key",
		Secret:                   "s",
		Enabled:                  true,
		EnableClientMessages:     true,
		MaxClientEventsPerSecond: 10,
	}
}

// newTestServer loads a real config file so the wiring path under test
// is the same one the CLI runs.
func newTestServer(t *testing.T, applications ...apps.Application) (*Server, *httptest.Server) {
	t.Helper()
	if len(applications) == 0 {
		applications = []apps.Application{demoApp()}
	}

	cfg := &config.Config{Apps: applications}
	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeFile(path, raw))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	// Keep test webhook batches snappy.
	loaded.Webhooks.BatchDuration = config.Duration(10 * time.Millisecond)

	srv, err := New(loaded, log.NewNop())
	require.NoError(t, err)
	srv.dispatcher.Start()

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.dispatcher.Stop()
		_ = srv.apps.Close()
	})
	return srv, ts
}

func appWebhook(url string) apps.Webhook {
	return apps.Webhook{URL: url}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

func wsURL(ts *httptest.Server, key string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/app/" + key
}

func dial(t *testing.T, ts *httptest.Server, key string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, key), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventConnectionEstablished, msg.Event)

	var est struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, protocol.DecodePayload(msg.Data, &est))
	require.NotEmpty(t, est.SocketID)
	require.Equal(t, 120, est.ActivityTimeout)
	return conn, est.SocketID
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Unmarshal(raw)
	require.NoError(t, err)
	return msg
}

// readUntil skips frames (member_added announcements and the like)
// until one with the wanted event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) *protocol.Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readFrame(t, conn)
		if msg.Event == event {
			return msg
		}
	}
	t.Fatalf("never received %s", event)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func subscribe(t *testing.T, conn *websocket.Conn, channel, authToken, channelData string) {
	t.Helper()
	send(t, conn, map[string]any{
		"event": protocol.EventSubscribe,
		"data": map[string]string{
			"channel":      channel,
			"auth":         authToken,
			"channel_data": channelData,
		},
	})
}

func TestHandshake(t *testing.T) {
	_, ts := newTestServer(t)
	conn, socketID := dial(t, ts, "demo-key")
	_ = conn
	assert.Contains(t, socketID, ".")
}

func TestUnknownAppClosesWith4001(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "ghost-key"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAppNotFound), err.Error())
}

func TestDisabledAppClosesWith4003(t *testing.T) {
	disabled := demoApp()
	disabled.Enabled = false
	_, ts := newTestServer(t, disabled)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "demo-key"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAppDisabled), err.Error())
}

func TestPrivateSubscribe(t *testing.T) {
	_, ts := newTestServer(t)
	conn, socketID := dial(t, ts, "demo-key")

	token := auth.ChannelToken("demo-key", "s", socketID, "private-x", "")
	subscribe(t, conn, "private-x", token, "")

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
	assert.Equal(t, "private-x", msg.Channel)
	assert.Equal(t, "{}", msg.DataString())
}

func TestPrivateSubscribeBadAuth(t *testing.T) {
	srv, ts := newTestServer(t)
	conn, socketID := dial(t, ts, "demo-key")

	token := auth.ChannelToken("demo-key", "wrong-secret", socketID, "private-x", "")
	subscribe(t, conn, "private-x", token, "")

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSubscriptionError, msg.Event)

	var payload struct {
		Status int `json:"status"`
		Code   int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, 401, payload.Status)
	assert.Equal(t, protocol.CloseAuthFailure, payload.Code)

	// No membership was added.
	assert.Zero(t, srv.registry.SubscribersCount("demo-app", "private-x"))
}

func TestPublicSubscribeNeedsNoAuth(t *testing.T) {
	_, ts := newTestServer(t)
	conn, _ := dial(t, ts, "demo-key")

	subscribe(t, conn, "notifications", "", "")
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.EventSubscriptionSucceeded, msg.Event)
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t)
	conn, _ := dial(t, ts, "demo-key")

	send(t, conn, map[string]any{"event": protocol.EventPing})
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.EventPong, msg.Event)
}

func presenceData(userID string) string {
	return `{"user_id":"` + userID + `","user_info":{"name":"` + userID + `"}}`
}

func presenceSubscribe(t *testing.T, conn *websocket.Conn, socketID, channel, userID string) {
	t.Helper()
	data := presenceData(userID)
	token := auth.ChannelToken("demo-key", "s", socketID, channel, data)
	subscribe(t, conn, channel, token, data)
}

func TestPresenceSubscribeRoster(t *testing.T) {
	_, ts := newTestServer(t)

	connA, idA := dial(t, ts, "demo-key")
	presenceSubscribe(t, connA, idA, "presence-room", "alice")
	ackA := readUntil(t, connA, protocol.EventSubscriptionSucceeded)

	var hashA protocol.PresenceHash
	require.NoError(t, protocol.DecodePayload(ackA.Data, &hashA))
	assert.Equal(t, 1, hashA.Presence.Count)

	connB, idB := dial(t, ts, "demo-key")
	presenceSubscribe(t, connB, idB, "presence-room", "bob")
	ackB := readUntil(t, connB, protocol.EventSubscriptionSucceeded)

	var hashB protocol.PresenceHash
	require.NoError(t, protocol.DecodePayload(ackB.Data, &hashB))
	assert.Equal(t, 2, hashB.Presence.Count)
	assert.ElementsMatch(t, []string{"alice", "bob"}, hashB.Presence.IDs)

	// The first member is told about the second.
	added := readUntil(t, connA, protocol.EventMemberAdded)
	var member protocol.UserData
	require.NoError(t, protocol.DecodePayload(added.Data, &member))
	assert.Equal(t, "bob", member.UserID)
}

func TestClientEventFanOutExcludesSender(t *testing.T) {
	_, ts := newTestServer(t)

	connA, idA := dial(t, ts, "demo-key")
	presenceSubscribe(t, connA, idA, "presence-room", "alice")
	readUntil(t, connA, protocol.EventSubscriptionSucceeded)

	connB, idB := dial(t, ts, "demo-key")
	presenceSubscribe(t, connB, idB, "presence-room", "bob")
	readUntil(t, connB, protocol.EventSubscriptionSucceeded)
	readUntil(t, connA, protocol.EventMemberAdded)

	send(t, connA, map[string]any{
		"event":   "client-msg",
		"channel": "presence-room",
		"data":    map[string]int{"x": 1},
	})

	msg := readUntil(t, connB, "client-msg")
	assert.Equal(t, "presence-room", msg.Channel)
	assert.JSONEq(t, `{"x":1}`, string(msg.Data))
	assert.Equal(t, "alice", msg.UserID)

	// The sender never sees its own event.
	require.NoError(t, connA.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := connA.ReadMessage()
	assert.Error(t, err)
}

func TestClientEventRejectedOnPublicChannel(t *testing.T) {
	_, ts := newTestServer(t)
	conn, _ := dial(t, ts, "demo-key")

	subscribe(t, conn, "notifications", "", "")
	readFrame(t, conn)

	send(t, conn, map[string]any{
		"event":   "client-msg",
		"channel": "notifications",
		"data":    map[string]int{"x": 1},
	})
	msg := readFrame(t, conn)
	assert.Equal(t, protocol.EventError, msg.Event)
}

func TestClientEventRateLimit(t *testing.T) {
	_, ts := newTestServer(t)
	conn, socketID := dial(t, ts, "demo-key")

	token := auth.ChannelToken("demo-key", "s", socketID, "private-x", "")
	subscribe(t, conn, "private-x", token, "")
	readFrame(t, conn)

	// The app allows 10 client events per second; the 11th gets the
	// error frame, later ones are dropped silently.
	for i := 0; i < 12; i++ {
		send(t, conn, map[string]any{
			"event":   "client-burst",
			"channel": "private-x",
			"data":    map[string]int{"i": i},
		})
	}

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventError, msg.Event)
	var payload struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, protocol.CloseServerShutdown, payload.Code)

	// Exactly one error frame for the burst.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestSignInAndTerminate(t *testing.T) {
	srv, ts := newTestServer(t)
	conn, socketID := dial(t, ts, "demo-key")

	userData := `{"user_id":"u-9"}`
	send(t, conn, map[string]any{
		"event": protocol.EventSignIn,
		"data": map[string]string{
			"user_data": userData,
			"auth":      auth.SigninToken("demo-key", "s", socketID, userData),
		},
	})
	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSignInSuccess, msg.Event)

	terminated := srv.hub.TerminateUser("demo-app", "u-9")
	assert.Equal(t, 1, terminated)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthFailure), err.Error())
}

func TestSignInBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	conn, _ := dial(t, ts, "demo-key")

	send(t, conn, map[string]any{
		"event": protocol.EventSignIn,
		"data": map[string]string{
			"user_data": `{"user_id":"u-9"}`,
			"auth":      "demo-key:bogus",
		},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthFailure), err.Error())
}

func TestUnsubscribeCleansMembership(t *testing.T) {
	srv, ts := newTestServer(t)
	conn, _ := dial(t, ts, "demo-key")

	subscribe(t, conn, "notifications", "", "")
	readFrame(t, conn)
	require.Equal(t, 1, srv.registry.SubscribersCount("demo-app", "notifications"))

	send(t, conn, map[string]any{
		"event": protocol.EventUnsubscribe,
		"data":  map[string]string{"channel": "notifications"},
	})
	// Round-trip a ping so the unsubscribe is processed before asserting.
	send(t, conn, map[string]any{"event": protocol.EventPing})
	readFrame(t, conn)

	assert.Zero(t, srv.registry.SubscribersCount("demo-app", "notifications"))
}

func TestDisconnectCleansEverything(t *testing.T) {
	srv, ts := newTestServer(t)
	conn, _ := dial(t, ts, "demo-key")

	subscribe(t, conn, "notifications", "", "")
	readFrame(t, conn)

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.registry.SubscribersCount("demo-app", "notifications") == 0 && srv.hub.SocketsTotal() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket cleanup never completed")
}
