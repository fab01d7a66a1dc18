package session

import (
	"context"
	"time"
)

// ClientEventKind enumerates the lifecycle signals a protocol client emits.
type ClientEventKind int

const (
	ClientPairingChallenge ClientEventKind = iota + 1
	ClientReady
	ClientDisconnected
	ClientAuthFailure
	ClientMessage
)

func (k ClientEventKind) String() string {
	switch k {
	case ClientPairingChallenge:
		return "pairing_challenge"
	case ClientReady:
		return "ready"
	case ClientDisconnected:
		return "disconnected"
	case ClientAuthFailure:
		return "auth_failure"
	case ClientMessage:
		return "message"
	default:
		return "unknown"
	}
}

// ClientEvent is one decoded signal from a protocol client. Only the field
// matching Kind is set.
type ClientEvent struct {
	Kind      ClientEventKind
	Challenge string          // ClientPairingChallenge
	Reason    string          // ClientDisconnected, ClientAuthFailure
	Message   *InboundMessage // ClientMessage
}

// InboundMessage is an incoming chat message.
type InboundMessage struct {
	ID        string
	ChatID    string
	ChatName  string // optional, used when the group list has not been fetched
	SenderID  string
	PushName  string
	Text      string
	IsGroup   bool
	FromMe    bool
	Timestamp time.Time
}

// Group is a chat the user's account belongs to.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}

// Client is one live protocol connection bound to a single user's
// credential namespace.
type Client interface {
	// Initialize connects the client. It returns once the connection attempt
	// has been accepted; pairing and readiness arrive later through Events.
	Initialize(ctx context.Context) error

	// Events delivers lifecycle signals and inbound messages in order.
	Events() <-chan ClientEvent

	ListGroupChats(ctx context.Context) ([]Group, error)
	SendMessage(ctx context.Context, address, text string) error

	// SenderName resolves a display name for a sender id. Best effort.
	SenderName(ctx context.Context, senderID string) (string, error)

	// Destroy detaches event handlers and closes the connection. It must be
	// safe to call on a client whose Initialize failed or never ran.
	Destroy() error
}

// ClientFactory constructs clients. Two live clients for the same user must
// never exist; Session enforces that.
type ClientFactory interface {
	NewClient(userID string) (Client, error)
}

// CredentialStore inspects and removes persisted pairing credentials.
type CredentialStore interface {
	HasCredentials(userID string) bool
	RemoveCredentials(userID string) error
}
