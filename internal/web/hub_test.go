package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/groupwatch/internal/session"
)

func TestHubDeliversInOrderToAllUserSubscribers(t *testing.T) {
	hub := NewHub()
	a1 := hub.Subscribe("alice")
	a2 := hub.Subscribe("alice")
	b := hub.Subscribe("bob")

	hub.Publish("alice", session.StatusEvent(session.StatusConnecting, ""))
	hub.Publish("alice", session.StatusEvent(session.StatusConnected, ""))

	for _, sub := range []*Subscriber{a1, a2} {
		require.Len(t, sub.C(), 2)
		assert.Equal(t, session.StatusConnecting, (<-sub.C()).Status)
		assert.Equal(t, session.StatusConnected, (<-sub.C()).Status)
	}
	assert.Len(t, b.C(), 0)
	assert.Equal(t, 2, hub.Subscribers("alice"))
}

func TestHubDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe("alice")
	fast := hub.Subscribe("alice")

	for i := 0; i < subscriberQueueSize; i++ {
		hub.Publish("alice", session.StatusEvent(session.StatusConnecting, ""))
		<-fast.C()
	}
	hub.Publish("alice", session.StatusEvent(session.StatusConnected, ""))

	select {
	case <-slow.Gone():
	default:
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, 1, hub.Subscribers("alice"))
	assert.Equal(t, session.StatusConnected, (<-fast.C()).Status)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("alice")
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	hub.Unsubscribe(nil)

	hub.Publish("alice", session.StatusEvent(session.StatusConnected, ""))
	assert.Len(t, sub.C(), 0)
	assert.Equal(t, 0, hub.Subscribers("alice"))
}

func TestHubListenersSeeEveryEvent(t *testing.T) {
	hub := NewHub()
	var seen []string
	hub.AddListener(func(userID string, ev session.Event) {
		seen = append(seen, userID+":"+string(ev.Type))
	})

	hub.Publish("alice", session.NewAlertEvent(session.Alert{ID: "x"}))
	hub.Publish("bob", session.StatusEvent(session.StatusDisconnected, ""))

	assert.Equal(t, []string{"alice:newAlert", "bob:status"}, seen)
}
