package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupMessage(chatID, text string) ClientEvent {
	return ClientEvent{Kind: ClientMessage, Message: &InboundMessage{
		ID:        "m-" + text,
		ChatID:    chatID,
		SenderID:  "15551234567@s.whatsapp.net",
		PushName:  "Bob",
		Text:      text,
		IsGroup:   true,
		Timestamp: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	}}
}

func (h *harness) waitAlerts(userID string, n int) []Event {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.notifier.OfType(userID, EventNewAlert)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return h.notifier.OfType(userID, EventNewAlert)
}

func TestDispatch_WatchedGroupMatch(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"urgent", "help"}}
	c := h.connect("alice")

	c.emit(groupMessage("g2", "please help"))
	c.emit(groupMessage("g1", "Can someone HELP me?"))

	alerts := h.waitAlerts("alice", 1)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, h.notifier.OfType("alice", EventNewAlert), 1, "unwatched group must not alert")

	a := alerts[0].Alert
	require.NotNil(t, a)
	assert.Equal(t, "g1", a.GroupID)
	assert.Equal(t, "help", a.MatchedKeyword)
	assert.Equal(t, "Can someone HELP me?", a.MessageText)
	assert.Equal(t, "Bob", a.SenderName)
	assert.False(t, a.Delivered)
	assert.Equal(t, 1, h.store.AddCalls())
	assert.Empty(t, c.Sent())
}

func TestDispatch_GroupOverrideReplacesGlobal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1", "g2"}, GlobalKeywords: []string{"help"}}
	h.store.overrides["alice"] = map[string]GroupKeywords{
		"g2": {GroupID: "g2", GroupName: "Two", Keywords: []string{"invoice"}},
	}
	c := h.connect("alice")

	c.emit(groupMessage("g2", "help wanted"))
	c.emit(groupMessage("g2", "Invoice attached"))
	c.emit(groupMessage("g1", "help wanted"))

	alerts := h.waitAlerts("alice", 2)
	time.Sleep(30 * time.Millisecond)
	alerts = h.notifier.OfType("alice", EventNewAlert)
	require.Len(t, alerts, 2)
	assert.Equal(t, "g2", alerts[0].Alert.GroupID)
	assert.Equal(t, "invoice", alerts[0].Alert.MatchedKeyword)
	assert.Equal(t, "g1", alerts[1].Alert.GroupID)
	assert.Equal(t, "help", alerts[1].Alert.MatchedKeyword)
}

func TestDispatch_IgnoresDirectAndOwnMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"help"}}
	c := h.connect("alice")

	direct := groupMessage("g1", "help")
	direct.Message.IsGroup = false
	own := groupMessage("g1", "help")
	own.Message.FromMe = true
	c.emit(direct)
	c.emit(own)
	c.emit(groupMessage("g1", "nothing to see"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.notifier.OfType("alice", EventNewAlert))
	assert.Equal(t, 0, h.store.AddCalls())
}

func TestDispatch_DeliveredWhenSendSucceeds(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{
		WatchedGroups:   []string{"g1"},
		GlobalKeywords:  []string{"help"},
		DeliveryAddress: "+15550001111",
	}
	c := h.connect("alice")

	c.emit(groupMessage("g1", "help"))
	alerts := h.waitAlerts("alice", 1)

	assert.True(t, alerts[0].Alert.Delivered)
	assert.Equal(t, 1, h.store.AddCalls())
	sent := c.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15550001111", sent[0].Address)
	assert.Contains(t, sent[0].Text, `"help"`)

	stored, err := h.store.GetAlerts(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Delivered)
}

func TestDispatch_NotDeliveredWhenSendFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{
		WatchedGroups:   []string{"g1"},
		GlobalKeywords:  []string{"help"},
		DeliveryAddress: "+15550001111",
	}
	h.factory.configure = func(_ int, c *fakeClient) { c.sendErr = errors.New("send failed") }
	c := h.connect("alice")

	c.emit(groupMessage("g1", "help"))
	alerts := h.waitAlerts("alice", 1)

	assert.False(t, alerts[0].Alert.Delivered)
	assert.Equal(t, 1, h.store.AddCalls(), "alert is persisted exactly once")

	stored, err := h.store.GetAlerts(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Delivered)
}

func TestDispatch_PersistFailureStillNotifies(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"help"}}
	h.store.addErr = errors.New("disk full")
	c := h.connect("alice")

	c.emit(groupMessage("g1", "help"))
	alerts := h.waitAlerts("alice", 1)
	assert.NotEmpty(t, alerts[0].Alert.ID)
	assert.Equal(t, 1, h.store.AddCalls())
}

func TestDispatch_UsesCachedGroupName(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1@g.us"}, GlobalKeywords: []string{"help"}}
	h.factory.configure = func(_ int, c *fakeClient) {
		c.groups = []Group{{ID: "g1@g.us", Name: "Neighbours", IsGroup: true}}
	}
	c := h.connect("alice")
	require.Eventually(t, func() bool { return len(h.session("alice").Snapshot().Groups) == 1 },
		time.Second, 5*time.Millisecond)

	c.emit(groupMessage("g1@g.us", "help"))
	alerts := h.waitAlerts("alice", 1)
	assert.Equal(t, "Neighbours", alerts[0].Alert.GroupName)
}

func TestDispatch_SenderNameFromContacts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"help"}}
	h.factory.configure = func(_ int, c *fakeClient) {
		c.names["15551234567@s.whatsapp.net"] = "Robert"
	}
	c := h.connect("alice")

	c.emit(groupMessage("g1", "help"))
	alerts := h.waitAlerts("alice", 1)
	assert.Equal(t, "Robert", alerts[0].Alert.SenderName)
}

func TestDispatch_SenderNameMaskedWithoutPushName(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"help"}}
	c := h.connect("alice")

	ev := groupMessage("g1", "help")
	ev.Message.PushName = ""
	c.emit(ev)
	alerts := h.waitAlerts("alice", 1)
	assert.Equal(t, "+15•••••67", alerts[0].Alert.SenderName)
}

func TestDispatch_UsersAreIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"help"}}
	h.store.settings["bob"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"sale"}}
	ca := h.connect("alice")
	cb := h.connect("bob")

	ca.emit(groupMessage("g1", "help"))
	cb.emit(groupMessage("g1", "help"))

	h.waitAlerts("alice", 1)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.notifier.OfType("bob", EventNewAlert))

	bobAlerts, err := h.store.GetAlerts(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, bobAlerts)
}

func TestMaskIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"15551234567@s.whatsapp.net", "+15•••••67"},
		{"15551234567:12@s.whatsapp.net", "+15•••••67"},
		{"+4420123456", "+44•••••56"},
		{"1234", "•••"},
		{"", "•••"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskIdentifier(tt.in))
		})
	}
}

func TestFormatAlertMessage(t *testing.T) {
	data := AlertData{
		GroupName:      "Neighbours",
		MatchedKeyword: "help",
		SenderName:     "Bob",
		MessageText:    strings.Repeat("x", 20),
		Timestamp:      time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	}

	msg := FormatAlertMessage(data, 5)
	assert.Contains(t, msg, `Keyword alert: "help"`)
	assert.Contains(t, msg, "Group: Neighbours")
	assert.Contains(t, msg, "From: Bob")
	assert.Contains(t, msg, "Time: 2026-03-01 10:30")
	assert.True(t, strings.HasSuffix(msg, "xxxxx…"))

	full := FormatAlertMessage(data, 100)
	assert.True(t, strings.HasSuffix(full, strings.Repeat("x", 20)))
}
