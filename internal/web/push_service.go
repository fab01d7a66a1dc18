package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/groupwatch/internal/logging"
	"github.com/asheshgoplani/groupwatch/internal/session"
	"github.com/asheshgoplani/groupwatch/internal/statedb"
)

const (
	pushQueueSize   = 128
	pushTTLSeconds  = 3600
	pushBodyPreview = 140
	pushSendTimeout = 30 * time.Second
)

var pushLog = logging.ForComponent(logging.CompPush)

type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
	ClientFocused  *bool                `json:"clientFocused,omitempty"`
	FocusUpdatedAt time.Time            `json:"focusUpdatedAt,omitempty"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("endpoint must be an https url")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

// pushSubscriptionStore keeps each user's browser endpoints.
type pushSubscriptionStore interface {
	List(ctx context.Context, userID string) ([]pushSubscription, error)
	Upsert(ctx context.Context, userID string, sub pushSubscription) error
	UpdateFocusByEndpoint(ctx context.Context, userID, endpoint string, focused bool) error
	RemoveByEndpoint(ctx context.Context, userID, endpoint string) error
	Count(ctx context.Context, userID string) (int, error)
}

// StatePushStore adapts statedb to the push subscription store.
type StatePushStore struct {
	db *statedb.StateDB
}

// NewStatePushStore stores push subscriptions in db.
func NewStatePushStore(db *statedb.StateDB) *StatePushStore {
	return &StatePushStore{db: db}
}

func (s *StatePushStore) List(ctx context.Context, userID string) ([]pushSubscription, error) {
	rows, err := s.db.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]pushSubscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, pushSubscription{
			Endpoint:       r.Endpoint,
			Keys:           pushSubscriptionKeys{P256DH: r.P256DH, Auth: r.Auth},
			ClientFocused:  r.Focused,
			FocusUpdatedAt: r.FocusUpdatedAt,
		})
	}
	return out, nil
}

func (s *StatePushStore) Upsert(ctx context.Context, userID string, sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	return s.db.UpsertPushSubscription(ctx, statedb.PushSubscriptionRow{
		UserID:   userID,
		Endpoint: sub.Endpoint,
		P256DH:   sub.Keys.P256DH,
		Auth:     sub.Keys.Auth,
		Focused:  sub.ClientFocused,
	})
}

func (s *StatePushStore) UpdateFocusByEndpoint(ctx context.Context, userID, endpoint string, focused bool) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return s.db.UpdatePushFocus(ctx, userID, endpoint, focused)
}

func (s *StatePushStore) RemoveByEndpoint(ctx context.Context, userID, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return s.db.RemovePushSubscription(ctx, userID, endpoint)
}

func (s *StatePushStore) Count(ctx context.Context, userID string) (int, error) {
	return s.db.CountPushSubscriptions(ctx, userID)
}

type webPushSender interface {
	Send(ctx context.Context, payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(ctx context.Context, payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             pushTTLSeconds,
		Urgency:         webpush.UrgencyHigh,
	})
	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// pushMessage is the JSON payload the service worker renders.
type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Renotify  bool   `json:"renotify,omitempty"`
	AlertID   string `json:"alertId,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
	Keyword   string `json:"keyword,omitempty"`
	Delivered bool   `json:"delivered"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

type pushServiceAPI interface {
	Start(ctx context.Context)
	NotifyAlert(userID string, ev session.Event)
	Enabled() bool
	PublicKey() string
	Subject() string
	SubscriptionCount(ctx context.Context, userID string) (int, error)
	UpsertSubscription(ctx context.Context, userID string, sub pushSubscription) error
	UpdateSubscriptionFocus(ctx context.Context, userID, endpoint string, focused bool) error
	RemoveSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error
}

type pushJob struct {
	userID string
	alert  session.Alert
}

// pushService forwards newAlert events to the owning user's browsers.
type pushService struct {
	publicKey string
	subject   string

	store  pushSubscriptionStore
	sender webPushSender

	startOnce sync.Once
	jobs      chan pushJob
}

// newPushService returns nil, nil when push is not configured.
func newPushService(cfg Config) (*pushService, error) {
	publicKey := strings.TrimSpace(cfg.PushVAPIDPublicKey)
	privateKey := strings.TrimSpace(cfg.PushVAPIDPrivateKey)

	if publicKey == "" && privateKey == "" {
		return nil, nil
	}
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("both push vapid public and private keys are required")
	}
	if cfg.PushStore == nil {
		return nil, fmt.Errorf("push subscription store is required")
	}

	subject := strings.TrimSpace(cfg.PushVAPIDSubject)
	if subject == "" {
		subject = "mailto:groupwatch@localhost"
	}

	return &pushService{
		publicKey: publicKey,
		subject:   subject,
		store:     cfg.PushStore,
		sender:    &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
		jobs:      make(chan pushJob, pushQueueSize),
	}, nil
}

func (p *pushService) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

// NotifyAlert is a hub listener. It only enqueues.
func (p *pushService) NotifyAlert(userID string, ev session.Event) {
	if ev.Type != session.EventNewAlert || ev.Alert == nil {
		return
	}
	select {
	case p.jobs <- pushJob{userID: userID, alert: *ev.Alert}:
	default:
		logging.Aggregate(logging.CompPush, "push_queue_full", slog.String("user", userID))
	}
}

func (p *pushService) Enabled() bool { return p != nil }

func (p *pushService) PublicKey() string { return p.publicKey }

func (p *pushService) Subject() string { return p.subject }

func (p *pushService) SubscriptionCount(ctx context.Context, userID string) (int, error) {
	return p.store.Count(ctx, userID)
}

func (p *pushService) UpsertSubscription(ctx context.Context, userID string, sub pushSubscription) error {
	return p.store.Upsert(ctx, userID, sub)
}

func (p *pushService) RemoveSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error {
	return p.store.RemoveByEndpoint(ctx, userID, endpoint)
}

func (p *pushService) UpdateSubscriptionFocus(ctx context.Context, userID, endpoint string, focused bool) error {
	return p.store.UpdateFocusByEndpoint(ctx, userID, endpoint, focused)
}

func (p *pushService) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.notifySubscribers(ctx, job)
		}
	}
}

func (p *pushService) notifySubscribers(ctx context.Context, job pushJob) {
	subs, err := p.store.List(ctx, job.userID)
	if err != nil {
		pushLog.Error("push_list_subscriptions_failed",
			slog.String("user", job.userID),
			slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(alertPushMessage(job.alert))
	if err != nil {
		pushLog.Error("push_marshal_failed", slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if !shouldNotifySubscription(sub) {
			pushLog.Debug("push_skipped",
				slog.String("user", job.userID),
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.String("state", focusStateForLog(sub)))
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, pushSendTimeout)
		statusCode, err := p.sender.Send(sendCtx, payload, sub)
		cancel()
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("user", job.userID),
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode),
				slog.String("alert", job.alert.ID))
			continue
		}

		pushLog.Error("push_send_failed",
			slog.String("user", job.userID),
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", statusCode),
			slog.String("error", err.Error()))
		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			_ = p.store.RemoveByEndpoint(ctx, job.userID, sub.Endpoint)
		}
	}
}

func alertPushMessage(a session.Alert) pushMessage {
	group := strings.TrimSpace(a.GroupName)
	if group == "" {
		group = a.GroupID
	}
	body := strings.Join(strings.Fields(a.MessageText), " ")
	if r := []rune(body); len(r) > pushBodyPreview {
		body = string(r[:pushBodyPreview]) + "…"
	}
	if a.SenderName != "" {
		body = a.SenderName + ": " + body
	}
	return pushMessage{
		Title:     fmt.Sprintf("%q in %s", a.MatchedKeyword, group),
		Body:      body,
		Tag:       "groupwatch-alert-" + a.ID,
		Renotify:  true,
		AlertID:   a.ID,
		GroupID:   a.GroupID,
		Keyword:   a.MatchedKeyword,
		Delivered: a.Delivered,
		Path:      "/",
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
	}
}

// shouldNotifySubscription skips browsers that are focused or whose
// presence is unknown; those already see the newAlert event live.
func shouldNotifySubscription(sub pushSubscription) bool {
	if sub.ClientFocused == nil {
		return false
	}
	return !*sub.ClientFocused
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

func focusStateForLog(sub pushSubscription) string {
	if sub.ClientFocused == nil {
		return "unknown"
	}
	if *sub.ClientFocused {
		return "focused"
	}
	return "unfocused"
}
