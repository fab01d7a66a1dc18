package session

import (
	"encoding/json"
	"errors"
)

// EventType names an outbound event. The set is closed.
type EventType string

const (
	EventStatus           EventType = "status"
	EventPairingChallenge EventType = "pairingChallenge"
	EventGroups           EventType = "groups"
	EventSettings         EventType = "settings"
	EventGroupKeywords    EventType = "groupKeywords"
	EventAlertHistory     EventType = "alertHistory"
	EventNewAlert         EventType = "newAlert"
	EventError            EventType = "error"
)

// Event is delivered to every subscriber of one user. Build it with the
// constructors below; only the payload matching Type is populated.
type Event struct {
	Type EventType

	Status    Status
	LastError string

	Challenge string

	Groups []Group

	Settings *Settings

	GroupKeywords map[string]GroupKeywords

	Alerts []Alert
	Alert  *Alert

	Code         string
	Message      string
	RetryAfterMs int64
}

// Notifier delivers events to a user's subscribers. Publish must not block:
// it is called while a session holds its lock.
type Notifier interface {
	Publish(userID string, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(userID string, ev Event)

func (f NotifierFunc) Publish(userID string, ev Event) { f(userID, ev) }

func StatusEvent(st Status, lastError string) Event {
	return Event{Type: EventStatus, Status: st, LastError: lastError}
}

func PairingChallengeEvent(challenge string) Event {
	return Event{Type: EventPairingChallenge, Challenge: challenge}
}

func GroupsEvent(groups []Group) Event {
	out := make([]Group, len(groups))
	copy(out, groups)
	return Event{Type: EventGroups, Groups: out}
}

func SettingsEvent(s Settings) Event {
	c := s.clone()
	return Event{Type: EventSettings, Settings: &c}
}

func GroupKeywordsEvent(m map[string]GroupKeywords) Event {
	out := make(map[string]GroupKeywords, len(m))
	for k, v := range m {
		out[k] = v
	}
	return Event{Type: EventGroupKeywords, GroupKeywords: out}
}

func AlertHistoryEvent(alerts []Alert) Event {
	out := make([]Alert, len(alerts))
	copy(out, alerts)
	return Event{Type: EventAlertHistory, Alerts: out}
}

func NewAlertEvent(a Alert) Event {
	return Event{Type: EventNewAlert, Alert: &a}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// ErrorEventFrom converts err into an error event, carrying the retry hint
// for throttled starts.
func ErrorEventFrom(err error) Event {
	ev := ErrorEvent(ErrorCode(err), err.Error())
	var rl *RateLimitError
	if errors.As(err, &rl) {
		ev.RetryAfterMs = rl.RetryAfter.Milliseconds()
	}
	return ev
}

// MarshalJSON renders only the payload belonging to the event type, so an
// empty group list still encodes as [] instead of disappearing.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	switch e.Type {
	case EventStatus:
		out["status"] = e.Status
		if e.LastError != "" {
			out["lastError"] = e.LastError
		}
	case EventPairingChallenge:
		out["challenge"] = e.Challenge
	case EventGroups:
		out["groups"] = nonNilGroups(e.Groups)
	case EventSettings:
		out["settings"] = e.Settings
	case EventGroupKeywords:
		if e.GroupKeywords == nil {
			out["groupKeywords"] = map[string]GroupKeywords{}
		} else {
			out["groupKeywords"] = e.GroupKeywords
		}
	case EventAlertHistory:
		if e.Alerts == nil {
			out["alerts"] = []Alert{}
		} else {
			out["alerts"] = e.Alerts
		}
	case EventNewAlert:
		out["alert"] = e.Alert
		if e.Alert != nil {
			out["delivered"] = e.Alert.Delivered
		}
	case EventError:
		out["code"] = e.Code
		out["message"] = e.Message
		if e.RetryAfterMs > 0 {
			out["retryAfterMs"] = e.RetryAfterMs
		}
	}
	return json.Marshal(out)
}

func nonNilGroups(g []Group) []Group {
	if g == nil {
		return []Group{}
	}
	return g
}
