package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/asheshgoplani/groupwatch/internal/logging"
)

var alertLog = logging.ForComponent(logging.CompAlert)

const (
	messageHandleTimeout = 45 * time.Second
	senderLookupTimeout  = 5 * time.Second
)

// Dispatcher turns a keyword match into an alert: one delivery attempt, then
// exactly one persisted record carrying the outcome, then a newAlert event.
type Dispatcher struct {
	store        Store
	sendTimeout  time.Duration
	previewChars int
	now          func() time.Time
}

// NewDispatcher creates a dispatcher writing alerts to store.
func NewDispatcher(store Store, sendTimeout time.Duration, previewChars int) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = DefaultConfig().SendTimeout
	}
	if previewChars <= 0 {
		previewChars = DefaultConfig().PreviewChars
	}
	return &Dispatcher{
		store:        store,
		sendTimeout:  sendTimeout,
		previewChars: previewChars,
		now:          time.Now,
	}
}

// Dispatch delivers and records one alert for a message that matched keyword.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, settings Settings, msg *InboundMessage, keyword string) Alert {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	data := AlertData{
		GroupID:        msg.ChatID,
		GroupName:      s.groupName(msg.ChatID, msg.ChatName),
		MatchedKeyword: keyword,
		MessageText:    msg.Text,
		SenderName:     s.resolveSenderName(ctx, msg),
		Timestamp:      ts,
	}

	delivered := false
	if settings.DeliveryAddress != "" {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := s.SendMessage(sendCtx, settings.DeliveryAddress, FormatAlertMessage(data, d.previewChars))
		cancel()
		if err != nil {
			alertLog.Warn("alert_delivery_failed",
				slog.String("user", s.userID),
				slog.String("group", msg.ChatID),
				slog.String("error", err.Error()))
		} else {
			delivered = true
		}
	}

	alert, err := d.store.AddAlert(ctx, s.userID, data, delivered)
	if err != nil {
		alertLog.Error("alert_persist_failed",
			slog.String("user", s.userID),
			slog.String("group", msg.ChatID),
			slog.String("error", err.Error()))
		alert = Alert{ID: uuid.NewString(), AlertData: data, Delivered: delivered}
	}

	alertLog.Info("alert_raised",
		slog.String("user", s.userID),
		slog.String("group", msg.ChatID),
		slog.String("keyword", keyword),
		slog.Bool("delivered", delivered))

	s.publish(NewAlertEvent(alert))
	return alert
}

// handleMessage filters an inbound message down to watched group traffic
// and hands keyword matches to the dispatcher.
func (s *Session) handleMessage(gen uint64, msg *InboundMessage) {
	if !msg.IsGroup || msg.FromMe {
		logging.Aggregate(logging.CompAlert, "message_ignored",
			slog.String("user", s.userID))
		return
	}
	if !s.isCurrent(gen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageHandleTimeout)
	defer cancel()

	settings, err := s.d.store.GetSettings(ctx, s.userID)
	if err != nil {
		alertLog.Warn("settings_load_failed",
			slog.String("user", s.userID),
			slog.String("error", err.Error()))
		return
	}
	if !settings.Watches(msg.ChatID) {
		logging.Aggregate(logging.CompAlert, "message_unwatched",
			slog.String("user", s.userID))
		return
	}

	overrides, err := s.d.store.GetGroupKeywords(ctx, s.userID)
	if err != nil {
		alertLog.Warn("group_keywords_load_failed",
			slog.String("user", s.userID),
			slog.String("error", err.Error()))
		overrides = nil
	}

	keyword, ok := MatchKeyword(strings.ToLower(msg.Text), ResolveKeywords(msg.ChatID, settings.GlobalKeywords, overrides))
	if !ok {
		logging.Aggregate(logging.CompAlert, "message_no_match",
			slog.String("user", s.userID))
		return
	}
	s.d.dispatcher.Dispatch(ctx, s, settings, msg, keyword)
}

// resolveSenderName prefers the client's contact book, then the push name
// carried by the message, then a masked identifier.
func (s *Session) resolveSenderName(ctx context.Context, msg *InboundMessage) string {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()

	if c != nil && msg.SenderID != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, senderLookupTimeout)
		name, err := c.SenderName(lookupCtx, msg.SenderID)
		cancel()
		if err == nil && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	if name := strings.TrimSpace(msg.PushName); name != "" {
		return name
	}
	return MaskIdentifier(msg.SenderID)
}

// MaskIdentifier hides the middle of a phone-like sender id, keeping the
// first and last two characters: "+12•••••89". Server and device suffixes
// are dropped first.
func MaskIdentifier(id string) string {
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	if colon := strings.IndexByte(id, ':'); colon >= 0 {
		id = id[:colon]
	}
	id = strings.TrimPrefix(id, "+")
	r := []rune(id)
	if len(r) <= 4 {
		return "•••"
	}
	return "+" + string(r[:2]) + "•••••" + string(r[len(r)-2:])
}

// FormatAlertMessage renders the text sent to the delivery address.
func FormatAlertMessage(a AlertData, previewChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 Keyword alert: %q\n", a.MatchedKeyword)
	fmt.Fprintf(&b, "Group: %s\n", a.GroupName)
	fmt.Fprintf(&b, "From: %s\n", a.SenderName)
	fmt.Fprintf(&b, "Time: %s\n\n", a.Timestamp.Format("2006-01-02 15:04"))
	b.WriteString(truncateRunes(a.MessageText, previewChars))
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
