package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SaveSettings(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	out, err := h.manager.SaveSettings(ctx, "alice", Settings{
		WatchedGroups:  []string{"g1", "g1"},
		GlobalKeywords: []string{"Help", "help"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, out.WatchedGroups)
	assert.Equal(t, []string{"Help"}, out.GlobalKeywords)

	stored, err := h.manager.Settings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, out, stored)

	evs := h.notifier.OfType("alice", EventSettings)
	require.Len(t, evs, 1)
	assert.Equal(t, out, *evs[0].Settings)
}

func TestManager_SaveSettingsInvalidLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, err := h.manager.SaveSettings(ctx, "alice", Settings{GlobalKeywords: []string{"ok"}})
	require.NoError(t, err)

	_, err = h.manager.SaveSettings(ctx, "alice", Settings{DeliveryAddress: "nope"})
	require.Error(t, err)

	stored, err := h.manager.Settings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, stored.GlobalKeywords)

	errs := h.notifier.OfType("alice", EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeValidation, errs[0].Code)
}

func TestManager_GroupKeywords(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	all, err := h.manager.SaveGroupKeywords(ctx, "alice", GroupKeywords{GroupID: "g1", GroupName: "One", Keywords: []string{"a"}})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	all, err = h.manager.SaveGroupKeywords(ctx, "alice", GroupKeywords{GroupID: "g2", Keywords: []string{"b"}})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	all, err = h.manager.DeleteGroupKeywords(ctx, "alice", "g1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "g2")

	evs := h.notifier.OfType("alice", EventGroupKeywords)
	require.Len(t, evs, 3)
	assert.Len(t, evs[2].GroupKeywords, 1)

	_, err = h.manager.DeleteGroupKeywords(ctx, "alice", "")
	require.Error(t, err)

	other, err := h.manager.GroupKeywords(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestManager_AttachReplaysState(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.store.settings["alice"] = Settings{WatchedGroups: []string{"g1"}, GlobalKeywords: []string{"help"}}
	_, err := h.store.AddAlert(ctx, "alice", AlertData{GroupID: "g1"}, false)
	require.NoError(t, err)

	require.NoError(t, h.manager.Start(ctx, "alice"))
	h.factory.Last().emit(ClientEvent{Kind: ClientPairingChallenge, Challenge: "qr"})
	h.waitStatus("alice", StatusPairingPending)
	h.notifier.Reset()

	h.manager.Attach(ctx, "alice")

	evs := h.notifier.Events("alice")
	types := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventStatus,
		EventPairingChallenge,
		EventSettings,
		EventGroupKeywords,
		EventAlertHistory,
	}, types)
	assert.Equal(t, StatusPairingPending, evs[0].Status)
	assert.Equal(t, "qr", evs[1].Challenge)
	assert.Len(t, evs[4].Alerts, 1)
}

func TestManager_AttachWithoutSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.manager.Attach(context.Background(), "alice")

	evs := h.notifier.Events("alice")
	require.NotEmpty(t, evs)
	assert.Equal(t, EventStatus, evs[0].Type)
	assert.Equal(t, StatusDisconnected, evs[0].Status)
}

func TestManager_AttachReportsStoreFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.settingsErr = errors.New("locked")
	h.manager.Attach(context.Background(), "alice")

	errs := h.notifier.OfType("alice", EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeStoreFailed, errs[0].Code)
}

func TestManager_LogoutRemovesCredentials(t *testing.T) {
	h := newHarness(t, testConfig())
	h.creds.have["alice"] = true
	c := h.connect("alice")

	require.NoError(t, h.manager.Logout(context.Background(), "alice"))
	assert.Equal(t, 1, c.Destroys())
	assert.False(t, h.creds.HasCredentials("alice"))
	assert.Equal(t, []string{"alice"}, h.creds.removed)
	assert.Nil(t, h.manager.Registry().Get("alice"))
}

func TestManager_AlertHistoryNewestFirstAndCapped(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	for i := 0; i < DefaultHistoryLimit+5; i++ {
		_, err := h.store.AddAlert(ctx, "alice", AlertData{MessageText: string(rune('a' + i%26))}, false)
		require.NoError(t, err)
	}
	alerts, err := h.manager.Alerts(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alerts, DefaultHistoryLimit)
	assert.Equal(t, "alert-105", alerts[0].ID)
	assert.Equal(t, "alert-6", alerts[len(alerts)-1].ID)
}

func TestManager_ShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	ca := h.connect("alice")
	cb := h.connect("bob")

	h.manager.Shutdown()

	assert.Equal(t, 1, ca.Destroys())
	assert.Equal(t, 1, cb.Destroys())
	assert.Equal(t, 0, h.manager.Registry().Len())
}

func TestManager_SnapshotUnknownUser(t *testing.T) {
	h := newHarness(t, testConfig())
	snap := h.manager.Snapshot("nobody")
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.NotNil(t, snap.Groups)
}

func TestManager_ConcurrentUsersIndependent(t *testing.T) {
	h := newHarness(t, testConfig())
	users := []string{"u1", "u2", "u3", "u4"}
	errs := make(chan error, len(users))
	for _, u := range users {
		go func(u string) { errs <- h.manager.Start(context.Background(), u) }(u)
	}
	for range users {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, len(users), h.factory.Count())
	assert.Equal(t, len(users), h.manager.Registry().Len())

	require.NoError(t, h.manager.Stop(context.Background(), "u2"))
	assert.Equal(t, len(users)-1, h.manager.Registry().Len())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StatusConnecting, h.manager.Snapshot("u1").Status)
}
