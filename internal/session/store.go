package session

import (
	"context"
	"time"
)

// AlertData is the content of an alert before it is persisted.
type AlertData struct {
	GroupID        string    `json:"groupId"`
	GroupName      string    `json:"groupName"`
	MatchedKeyword string    `json:"matchedKeyword"`
	MessageText    string    `json:"messageText"`
	SenderName     string    `json:"senderName"`
	Timestamp      time.Time `json:"timestamp"`
}

// Alert is an immutable record of one qualifying message. Delivered is fixed
// before the record is written.
type Alert struct {
	ID string `json:"id"`
	AlertData
	Delivered bool `json:"delivered"`
}

// Store is the durable state consumed by the session core.
type Store interface {
	GetSettings(ctx context.Context, userID string) (Settings, error)
	SaveSettings(ctx context.Context, userID string, s Settings) error

	GetGroupKeywords(ctx context.Context, userID string) (map[string]GroupKeywords, error)
	SaveGroupKeywords(ctx context.Context, userID string, gk GroupKeywords) error
	DeleteGroupKeywords(ctx context.Context, userID, groupID string) error

	// AddAlert persists one alert and returns it with its assigned id.
	AddAlert(ctx context.Context, userID string, data AlertData, delivered bool) (Alert, error)
	// GetAlerts returns the retained alerts, newest first.
	GetAlerts(ctx context.Context, userID string) ([]Alert, error)

	UpdateStatus(ctx context.Context, userID string, st Status, lastError string) error
}
