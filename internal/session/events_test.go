package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvent(t *testing.T, ev Event) map[string]any {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestEventJSON_OnlyCarriesOwnPayload(t *testing.T) {
	got := decodeEvent(t, StatusEvent(StatusPairingPending, ""))
	assert.Equal(t, map[string]any{"type": "status", "status": "pairing_pending"}, got)

	got = decodeEvent(t, StatusEvent(StatusDisconnected, "boom"))
	assert.Equal(t, "boom", got["lastError"])

	got = decodeEvent(t, PairingChallengeEvent("qr"))
	assert.Equal(t, map[string]any{"type": "pairingChallenge", "challenge": "qr"}, got)
}

func TestEventJSON_EmptyCollectionsEncodeAsEmpty(t *testing.T) {
	got := decodeEvent(t, GroupsEvent(nil))
	assert.Equal(t, []any{}, got["groups"])

	got = decodeEvent(t, AlertHistoryEvent(nil))
	assert.Equal(t, []any{}, got["alerts"])

	got = decodeEvent(t, GroupKeywordsEvent(nil))
	assert.Equal(t, map[string]any{}, got["groupKeywords"])
}

func TestEventJSON_NewAlertCarriesDelivered(t *testing.T) {
	a := Alert{
		ID: "a1",
		AlertData: AlertData{
			GroupID:        "g1",
			GroupName:      "Group",
			MatchedKeyword: "help",
			MessageText:    "help!",
			SenderName:     "Bob",
			Timestamp:      time.Unix(1700000000, 0).UTC(),
		},
		Delivered: true,
	}
	got := decodeEvent(t, NewAlertEvent(a))
	assert.Equal(t, "newAlert", got["type"])
	assert.Equal(t, true, got["delivered"])

	alert, ok := got["alert"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a1", alert["id"])
	assert.Equal(t, "help", alert["matchedKeyword"])
	assert.Equal(t, true, alert["delivered"])
}

func TestErrorEventFrom_RateLimit(t *testing.T) {
	ev := ErrorEventFrom(&RateLimitError{RetryAfter: 12 * time.Second})
	assert.Equal(t, CodeRateLimited, ev.Code)
	assert.Equal(t, int64(12000), ev.RetryAfterMs)

	got := decodeEvent(t, ev)
	assert.Equal(t, float64(12000), got["retryAfterMs"])
}

func TestEventConstructors_Copy(t *testing.T) {
	groups := []Group{{ID: "g1", Name: "One"}}
	ev := GroupsEvent(groups)
	groups[0].Name = "changed"
	assert.Equal(t, "One", ev.Groups[0].Name)

	s := Settings{GlobalKeywords: []string{"a"}}
	sev := SettingsEvent(s)
	s.GlobalKeywords[0] = "b"
	assert.Equal(t, "a", sev.Settings.GlobalKeywords[0])
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeRateLimited, ErrorCode(&RateLimitError{}))
	assert.Equal(t, CodeValidation, ErrorCode(invalid("x", "bad")))
	assert.Equal(t, CodeNotConnected, ErrorCode(ErrNotConnected))
	assert.Equal(t, CodeNotConnected, ErrorCode(ErrSessionRetired))
	assert.Equal(t, CodeInitFailed, ErrorCode(ErrInitTimeout))
	assert.Equal(t, CodeInternal, ErrorCode(assert.AnError))
}
