package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Session       Config
	Limits        Limits
	StartInterval time.Duration
}

// Manager is the entry point for user operations. It owns the registry, the
// start throttle and the reconnect supervisor, and routes every outcome to
// the notifier.
type Manager struct {
	cfg      ManagerConfig
	store    Store
	creds    CredentialStore
	notifier Notifier

	deps       *sessionDeps
	registry   *Registry
	throttle   *Throttle
	supervisor *Supervisor

	shutdownOnce sync.Once
}

// NewManager wires a manager. creds may be nil, which disables auto-reconnect
// and makes Logout only stop the session.
func NewManager(cfg ManagerConfig, store Store, factory ClientFactory, creds CredentialStore, notifier Notifier) *Manager {
	cfg.Session = cfg.Session.withDefaults()
	cfg.Limits = cfg.Limits.withDefaults()

	m := &Manager{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		notifier: notifier,
		throttle: NewThrottle(cfg.StartInterval),
	}
	m.deps = &sessionDeps{
		cfg:        cfg.Session,
		factory:    factory,
		store:      store,
		notifier:   notifier,
		status:     newStatusWriter(store),
		dispatcher: NewDispatcher(store, cfg.Session.SendTimeout, cfg.Session.PreviewChars),
		release:    m.release,
	}
	m.registry = NewRegistry(func(userID string) *Session { return newSession(userID, m.deps) })
	m.supervisor = NewSupervisor(m.registry, creds, notifier)
	return m
}

// Registry exposes the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Throttle exposes the start throttle.
func (m *Manager) Throttle() *Throttle { return m.throttle }

// Supervisor exposes the reconnect supervisor.
func (m *Manager) Supervisor() *Supervisor { return m.supervisor }

// Start is an explicit, throttled start request. It is a no-op while the
// user's client is already live or coming up.
func (m *Manager) Start(ctx context.Context, userID string) error {
	if s := m.registry.Get(userID); s != nil && !s.Retired() && s.Busy() {
		return nil
	}
	if err := m.throttle.Reserve(userID); err != nil {
		m.notifier.Publish(userID, ErrorEventFrom(err))
		return err
	}
	s, err := m.registry.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stop tears the user's session down and removes it from the registry. A
// disconnected status is emitted even when no session exists.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	s := m.registry.Get(userID)
	if s == nil {
		m.notifier.Publish(userID, StatusEvent(StatusDisconnected, ""))
		return nil
	}
	s.Stop()
	return m.registry.Remove(ctx, userID, s)
}

// Logout stops the session and deletes its pairing credentials, so the next
// start requires pairing again.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	if err := m.Stop(ctx, userID); err != nil {
		return err
	}
	if m.creds == nil {
		return nil
	}
	if err := m.creds.RemoveCredentials(userID); err != nil {
		sessLog.Error("credentials_remove_failed",
			slog.String("user", userID),
			slog.String("error", err.Error()))
		m.notifier.Publish(userID, ErrorEvent(CodeInternal, "could not remove credentials"))
		return err
	}
	sessLog.Info("session_logged_out", slog.String("user", userID))
	return nil
}

// RefreshGroups re-fetches the user's group list.
func (m *Manager) RefreshGroups(ctx context.Context, userID string) error {
	s := m.registry.Get(userID)
	if s == nil {
		m.notifier.Publish(userID, ErrorEventFrom(ErrNotConnected))
		return ErrNotConnected
	}
	if err := s.RefreshGroups(ctx); err != nil {
		m.notifier.Publish(userID, ErrorEventFrom(err))
		return err
	}
	return nil
}

// Settings returns the stored settings.
func (m *Manager) Settings(ctx context.Context, userID string) (Settings, error) {
	return m.store.GetSettings(ctx, userID)
}

// SaveSettings validates, persists and re-emits the user's settings.
func (m *Manager) SaveSettings(ctx context.Context, userID string, in Settings) (Settings, error) {
	out, err := m.cfg.Limits.ValidateSettings(in)
	if err != nil {
		m.notifier.Publish(userID, ErrorEventFrom(err))
		return Settings{}, err
	}
	if err := m.store.SaveSettings(ctx, userID, out); err != nil {
		m.storeFailed(userID, "save_settings", err)
		return Settings{}, err
	}
	m.notifier.Publish(userID, SettingsEvent(out))
	return out, nil
}

// GroupKeywords returns the user's per-group overrides keyed by group id.
func (m *Manager) GroupKeywords(ctx context.Context, userID string) (map[string]GroupKeywords, error) {
	return m.store.GetGroupKeywords(ctx, userID)
}

// SaveGroupKeywords stores one override and emits the full override map.
func (m *Manager) SaveGroupKeywords(ctx context.Context, userID string, in GroupKeywords) (map[string]GroupKeywords, error) {
	gk, err := m.cfg.Limits.ValidateGroupKeywords(in)
	if err != nil {
		m.notifier.Publish(userID, ErrorEventFrom(err))
		return nil, err
	}
	if err := m.store.SaveGroupKeywords(ctx, userID, gk); err != nil {
		m.storeFailed(userID, "save_group_keywords", err)
		return nil, err
	}
	return m.publishGroupKeywords(ctx, userID)
}

// DeleteGroupKeywords removes one override and emits the full override map.
func (m *Manager) DeleteGroupKeywords(ctx context.Context, userID, groupID string) (map[string]GroupKeywords, error) {
	if groupID == "" {
		err := invalid("groupId", "required")
		m.notifier.Publish(userID, ErrorEventFrom(err))
		return nil, err
	}
	if err := m.store.DeleteGroupKeywords(ctx, userID, groupID); err != nil {
		m.storeFailed(userID, "delete_group_keywords", err)
		return nil, err
	}
	return m.publishGroupKeywords(ctx, userID)
}

func (m *Manager) publishGroupKeywords(ctx context.Context, userID string) (map[string]GroupKeywords, error) {
	all, err := m.store.GetGroupKeywords(ctx, userID)
	if err != nil {
		m.storeFailed(userID, "load_group_keywords", err)
		return nil, err
	}
	m.notifier.Publish(userID, GroupKeywordsEvent(all))
	return all, nil
}

// Alerts returns the retained alert history, newest first.
func (m *Manager) Alerts(ctx context.Context, userID string) ([]Alert, error) {
	return m.store.GetAlerts(ctx, userID)
}

// Snapshot returns the user's session state, or a disconnected snapshot when
// no session is registered.
func (m *Manager) Snapshot(userID string) Snapshot {
	if s := m.registry.Get(userID); s != nil {
		return s.Snapshot()
	}
	return Snapshot{UserID: userID, Status: StatusDisconnected, Groups: []Group{}}
}

// ListSessions summarizes all registered sessions.
func (m *Manager) ListSessions() []Summary {
	return m.registry.List()
}

// Attach replays the current state to a newly connected subscriber, in the
// order status, challenge, groups, settings, groupKeywords, alertHistory,
// then lets the supervisor reconnect a dormant session.
func (m *Manager) Attach(ctx context.Context, userID string) {
	if s := m.registry.Get(userID); s != nil {
		s.PublishState()
	} else {
		m.notifier.Publish(userID, StatusEvent(StatusDisconnected, ""))
	}

	if settings, err := m.store.GetSettings(ctx, userID); err != nil {
		m.storeFailed(userID, "load_settings", err)
	} else {
		m.notifier.Publish(userID, SettingsEvent(settings))
	}
	if gk, err := m.store.GetGroupKeywords(ctx, userID); err != nil {
		m.storeFailed(userID, "load_group_keywords", err)
	} else {
		m.notifier.Publish(userID, GroupKeywordsEvent(gk))
	}
	if alerts, err := m.store.GetAlerts(ctx, userID); err != nil {
		m.storeFailed(userID, "load_alerts", err)
	} else {
		m.notifier.Publish(userID, AlertHistoryEvent(alerts))
	}

	m.supervisor.Trigger(userID)
}

// Shutdown stops every session and waits for background work to finish.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.supervisor.Close()
		m.stopAll()
		m.supervisor.Wait()
		// A reconnect that was already past its registry lookup may have
		// created a session after the first sweep.
		m.stopAll()
		m.deps.status.Close()
		sessLog.Info("manager_shutdown")
	})
}

func (m *Manager) stopAll() {
	for _, s := range m.registry.Sessions() {
		s.Stop()
		_ = m.registry.Remove(context.Background(), s.UserID(), s)
	}
}

// release drops a session that failed terminally.
func (m *Manager) release(s *Session) {
	if err := m.registry.Remove(context.Background(), s.UserID(), s); err != nil {
		sessLog.Warn("session_release_failed",
			slog.String("user", s.UserID()),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) storeFailed(userID, op string, err error) {
	sessLog.Error("store_operation_failed",
		slog.String("user", userID),
		slog.String("op", op),
		slog.String("error", err.Error()))
	m.notifier.Publish(userID, ErrorEvent(CodeStoreFailed, "could not "+strings.ReplaceAll(op, "_", " ")))
}
