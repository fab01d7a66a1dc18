package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/groupwatch/internal/session"
)

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

// readUntil skips messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMsg(t, conn)
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %q message received", typ)
	return nil
}

func TestWSRejectsUnknownToken(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSAttachReplaysState(t *testing.T) {
	srv, _, mgr := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "tok-alice")

	first := readMsg(t, conn)
	assert.Equal(t, "status", first["type"])
	assert.Equal(t, "disconnected", first["status"])
	second := readMsg(t, conn)
	assert.Equal(t, "alertHistory", second["type"])
	assert.Equal(t, []any{}, second["alerts"])

	assert.Contains(t, mgr.Calls(), "attach:alice")
}

func TestWSCommandsReachManager(t *testing.T) {
	srv, _, mgr := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "tok-alice")
	<-mgr.attached

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "start"}))
	msg := readUntil(t, conn, "status")
	for msg["status"] != "connecting" {
		msg = readUntil(t, conn, "status")
	}

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "saveSettings",
		"settings": map[string]any{"watchedGroups": []string{"g1@g.us"}, "globalKeywords": []string{"help"}},
	}))
	settings := readUntil(t, conn, "settings")
	assert.Equal(t, []any{"help"}, settings["settings"].(map[string]any)["globalKeywords"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "saveGroupKeywords", "groupId": "g1@g.us", "groupName": "Team", "keywords": []string{"urgent"},
	}))
	gk := readUntil(t, conn, "groupKeywords")
	assert.Contains(t, gk["groupKeywords"], "g1@g.us")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "deleteGroupKeywords", "groupId": "g1@g.us"}))
	gk = readUntil(t, conn, "groupKeywords")
	assert.Equal(t, map[string]any{}, gk["groupKeywords"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "refreshGroups"}))
	groups := readUntil(t, conn, "groups")
	assert.Len(t, groups["groups"], 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop"}))
	readUntil(t, conn, "status")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	readUntil(t, conn, "pong")

	calls := mgr.Calls()
	assert.Contains(t, calls, "start:alice")
	assert.Contains(t, calls, "saveSettings:alice")
	assert.Contains(t, calls, "saveGroupKeywords:alice:g1@g.us")
	assert.Contains(t, calls, "deleteGroupKeywords:alice:g1@g.us")
	assert.Contains(t, calls, "refreshGroups:alice")
	assert.Contains(t, calls, "stop:alice")
}

func TestWSRateLimitedStartSurfacesRetryAfter(t *testing.T) {
	srv, _, mgr := newTestServer(t, Config{})
	mgr.startErr = &session.RateLimitError{RetryAfter: 12 * time.Second}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "tok-alice")
	<-mgr.attached

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "start"}))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, session.CodeRateLimited, msg["code"])
	assert.EqualValues(t, 12000, msg["retryAfterMs"])
}

func TestWSInvalidAndUnsupportedMessages(t *testing.T) {
	srv, _, mgr := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "tok-alice")
	<-mgr.attached

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, "invalid_message", msg["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "reboot"}))
	msg = readUntil(t, conn, "error")
	assert.Equal(t, "unsupported_message", msg["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "saveSettings"}))
	msg = readUntil(t, conn, "error")
	assert.Equal(t, session.CodeValidation, msg["code"])
}

func TestWSEventsAreIsolatedPerUser(t *testing.T) {
	srv, hub, mgr := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	alice := dialWS(t, ts, "tok-alice")
	<-mgr.attached
	bob := dialWS(t, ts, "tok-bob")
	<-mgr.attached

	hub.Publish("alice", session.NewAlertEvent(session.Alert{ID: "only-alice"}))
	hub.Publish("bob", session.PairingChallengeEvent("bob-qr"))

	got := readUntil(t, alice, "newAlert")
	assert.Equal(t, "only-alice", got["alert"].(map[string]any)["id"])

	got = readUntil(t, bob, "pairingChallenge")
	assert.Equal(t, "bob-qr", got["challenge"])
}

func TestAllowWSOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	assert.True(t, allowWSOrigin(req))

	req.Header.Set("Origin", "http://example.com")
	assert.True(t, allowWSOrigin(req))

	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, allowWSOrigin(req))
}
