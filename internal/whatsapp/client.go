package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/groupwatch/internal/session"
)

const (
	eventBuffer   = 256
	storeTimeout  = 30 * time.Second
	sqliteDialect = "sqlite"
)

// Factory builds whatsmeow-backed clients, one device store per user.
type Factory struct {
	creds *Credentials
}

// NewFactory creates a factory storing device credentials under creds.
func NewFactory(creds *Credentials) *Factory {
	return &Factory{creds: creds}
}

// NewClient opens the user's device store and prepares an unconnected client.
func (f *Factory) NewClient(userID string) (session.Client, error) {
	dir := f.creds.Dir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create credential dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	base := newLogger(waLogger.With(slog.String("user", userID)), "")
	dsn := "file:" + filepath.Join(dir, deviceDBName) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, sqliteDialect, dsn, base.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: load device: %w", err)
	}

	wa := whatsmeow.NewClient(device, base.Sub("Client"))
	// Reconnects are owned by the session lifecycle.
	wa.EnableAutoReconnect = false

	c := &Client{
		userID:    userID,
		creds:     f.creds,
		container: container,
		wa:        wa,
		events:    make(chan session.ClientEvent, eventBuffer),
		closed:    make(chan struct{}),
	}
	c.handlerID = wa.AddEventHandler(c.handle)
	return c, nil
}

// Client adapts one whatsmeow connection to session.Client.
type Client struct {
	userID    string
	creds     *Credentials
	container *sqlstore.Container
	wa        *whatsmeow.Client
	handlerID uint32

	events    chan session.ClientEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	qrCancel context.CancelFunc
}

// Initialize connects. Unpaired devices first subscribe to the QR channel;
// codes then arrive as pairing challenges.
func (c *Client) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.wa.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.qrCancel = cancel
		c.mu.Unlock()

		qr, err := c.wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		go c.forwardQR(qr)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	return ctx.Err()
}

func (c *Client) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(session.ClientEvent{Kind: session.ClientPairingChallenge, Challenge: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			waLogger.Info("pairing_succeeded", slog.String("user", c.userID))
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(session.ClientEvent{Kind: session.ClientDisconnected, Reason: "pairing timed out"})
		case whatsmeow.QRChannelEventError:
			reason := "pairing failed"
			if item.Error != nil {
				reason = "pairing failed: " + item.Error.Error()
			}
			c.emit(session.ClientEvent{Kind: session.ClientDisconnected, Reason: reason})
		default:
			c.emit(session.ClientEvent{Kind: session.ClientDisconnected, Reason: "pairing failed: " + item.Event})
		}
	}
}

// Events delivers translated lifecycle events and messages.
func (c *Client) Events() <-chan session.ClientEvent { return c.events }

func (c *Client) handle(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		if err := c.creds.markPaired(c.userID); err != nil {
			waLogger.Warn("paired_marker_failed",
				slog.String("user", c.userID),
				slog.String("error", err.Error()))
		}
	case *events.LoggedOut, *events.ClientOutdated, *events.TemporaryBan:
		if err := c.creds.clearPaired(c.userID); err != nil {
			waLogger.Warn("paired_marker_clear_failed",
				slog.String("user", c.userID),
				slog.String("error", err.Error()))
		}
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			_ = c.creds.clearPaired(c.userID)
		}
	}
	if ev, ok := translate(evt); ok {
		c.emit(ev)
	}
}

// translate maps a whatsmeow event onto the session event model.
func translate(evt any) (session.ClientEvent, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return session.ClientEvent{Kind: session.ClientReady}, true
	case *events.Disconnected:
		return session.ClientEvent{Kind: session.ClientDisconnected, Reason: "connection closed"}, true
	case *events.StreamReplaced:
		return session.ClientEvent{Kind: session.ClientDisconnected, Reason: "connection replaced by another client"}, true
	case *events.KeepAliveTimeout:
		if e.ErrorCount >= 3 {
			return session.ClientEvent{Kind: session.ClientDisconnected, Reason: "keepalive timeout"}, true
		}
	case *events.LoggedOut:
		return session.ClientEvent{Kind: session.ClientAuthFailure, Reason: "logged out: " + e.Reason.String()}, true
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return session.ClientEvent{Kind: session.ClientAuthFailure, Reason: "logged out: " + e.Reason.String()}, true
		}
		return session.ClientEvent{Kind: session.ClientDisconnected, Reason: "connect failure: " + e.Reason.String()}, true
	case *events.TemporaryBan:
		return session.ClientEvent{Kind: session.ClientAuthFailure, Reason: "temporary ban: " + e.String()}, true
	case *events.ClientOutdated:
		return session.ClientEvent{Kind: session.ClientAuthFailure, Reason: "client outdated"}, true
	case *events.Message:
		if msg := inboundMessage(e); msg != nil {
			return session.ClientEvent{Kind: session.ClientMessage, Message: msg}, true
		}
	}
	return session.ClientEvent{}, false
}

func inboundMessage(e *events.Message) *session.InboundMessage {
	text := messageText(e.Message)
	if text == "" {
		return nil
	}
	return &session.InboundMessage{
		ID:        e.Info.ID,
		ChatID:    e.Info.Chat.String(),
		SenderID:  e.Info.Sender.ToNonAD().String(),
		PushName:  e.Info.PushName,
		Text:      text,
		IsGroup:   e.Info.IsGroup,
		FromMe:    e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
	}
}

// messageText pulls the human-readable body out of the message kinds that
// carry one.
func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage().GetCaption() != "":
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage().GetCaption() != "":
		return m.GetDocumentMessage().GetCaption()
	}
	if inner := m.GetEphemeralMessage().GetMessage(); inner != nil {
		return messageText(inner)
	}
	if inner := m.GetViewOnceMessage().GetMessage(); inner != nil {
		return messageText(inner)
	}
	return ""
}

// emit never blocks once the client has been destroyed.
func (c *Client) emit(ev session.ClientEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// ListGroupChats returns the groups the account belongs to.
func (c *Client) ListGroupChats(ctx context.Context) ([]session.Group, error) {
	infos, err := c.wa.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: joined groups: %w", err)
	}
	out := make([]session.Group, 0, len(infos))
	for _, g := range infos {
		if g == nil {
			continue
		}
		out = append(out, session.Group{ID: g.JID.String(), Name: g.Name, IsGroup: true})
	}
	return out, nil
}

// SendMessage sends a plain text message to a phone number or JID.
func (c *Client) SendMessage(ctx context.Context, address, text string) error {
	jid, err := addressJID(address)
	if err != nil {
		return err
	}
	if _, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	return nil
}

// SenderName looks the sender up in the local contact store.
func (c *Client) SenderName(ctx context.Context, senderID string) (string, error) {
	jid, err := types.ParseJID(senderID)
	if err != nil {
		return "", err
	}
	info, err := c.wa.Store.Contacts.GetContact(ctx, jid.ToNonAD())
	if err != nil {
		return "", err
	}
	if !info.Found {
		return "", nil
	}
	for _, name := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if strings.TrimSpace(name) != "" {
			return name, nil
		}
	}
	return "", nil
}

// Destroy detaches the handler, closes the socket and the device store.
// Safe to call more than once and before Initialize.
func (c *Client) Destroy() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.qrCancel != nil {
			c.qrCancel()
		}
		c.mu.Unlock()
		c.wa.RemoveEventHandler(c.handlerID)
		c.wa.Disconnect()
		err = c.container.Close()
	})
	return err
}

var errBadAddress = errors.New("whatsapp: invalid address")

// addressJID accepts "+15550001111", "15550001111" or a full JID.
func addressJID(address string) (types.JID, error) {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") {
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", errBadAddress, err)
		}
		return jid, nil
	}
	digits := strings.TrimPrefix(address, "+")
	if digits == "" {
		return types.JID{}, errBadAddress
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.JID{}, errBadAddress
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
