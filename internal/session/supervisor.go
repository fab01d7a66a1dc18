package session

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor restarts a user's session when a subscriber attaches while the
// session is down and pairing credentials are already on disk. It bypasses
// the start throttle and runs at most one reconnect per user at a time.
type Supervisor struct {
	registry *Registry
	creds    CredentialStore
	notifier Notifier

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
	closed   bool
}

// NewSupervisor creates a supervisor.
func NewSupervisor(registry *Registry, creds CredentialStore, notifier Notifier) *Supervisor {
	return &Supervisor{
		registry: registry,
		creds:    creds,
		notifier: notifier,
		inFlight: make(map[string]bool),
	}
}

// Trigger starts a background reconnect for userID if one is warranted and
// reports whether it did.
func (sv *Supervisor) Trigger(userID string) bool {
	if s := sv.registry.Get(userID); s != nil && !s.Retired() && (s.Busy() || s.Status().Active()) {
		return false
	}
	if sv.creds == nil || !sv.creds.HasCredentials(userID) {
		return false
	}

	sv.mu.Lock()
	if sv.closed || sv.inFlight[userID] {
		sv.mu.Unlock()
		return false
	}
	sv.inFlight[userID] = true
	sv.wg.Add(1)
	sv.mu.Unlock()

	sessLog.Info("auto_reconnect", slog.String("user", userID))
	sv.notifier.Publish(userID, StatusEvent(StatusConnecting, ""))

	go func() {
		defer sv.wg.Done()
		defer func() {
			sv.mu.Lock()
			delete(sv.inFlight, userID)
			sv.mu.Unlock()
		}()

		ctx := context.Background()
		s, err := sv.registry.GetOrCreate(ctx, userID)
		if err != nil {
			return
		}
		if err := s.Start(ctx); err != nil {
			sessLog.Warn("auto_reconnect_failed",
				slog.String("user", userID),
				slog.String("error", err.Error()))
		}
	}()
	return true
}

// InFlight reports whether a reconnect is running for userID.
func (sv *Supervisor) InFlight(userID string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.inFlight[userID]
}

// Close refuses new reconnects. Running ones continue; see Wait.
func (sv *Supervisor) Close() {
	sv.mu.Lock()
	sv.closed = true
	sv.mu.Unlock()
}

// Wait blocks until every running reconnect has returned.
func (sv *Supervisor) Wait() {
	sv.wg.Wait()
}
