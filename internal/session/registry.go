package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/asheshgoplani/groupwatch/internal/logging"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// Summary is the admin view of one registered session.
type Summary struct {
	UserID     string `json:"userId"`
	Status     Status `json:"status"`
	GroupCount int    `json:"groupCount"`
	LastError  string `json:"lastError,omitempty"`
	Busy       bool   `json:"busy"`
}

// Registry holds at most one Session per user. A retired session is only
// replaced after its teardown has finished, so two clients never share a
// credential namespace.
//
// Lock order: Registry.mu before Session.mu.
type Registry struct {
	newSession func(userID string) *Session

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry using newSession to build entries.
func NewRegistry(newSession func(userID string) *Session) *Registry {
	return &Registry{
		newSession: newSession,
		sessions:   make(map[string]*Session),
	}
}

// Get returns the live session for userID, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// GetOrCreate returns the user's session, creating one if none exists. When
// the existing session is retired it waits for that session's teardown and
// replaces it.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	for {
		r.mu.Lock()
		s, ok := r.sessions[userID]
		if !ok {
			s = r.newSession(userID)
			r.sessions[userID] = s
			r.mu.Unlock()
			regLog.Debug("session_created", slog.String("user", userID))
			return s, nil
		}
		if !s.Retired() {
			r.mu.Unlock()
			return s, nil
		}
		wait := s.TeardownDone()
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		r.mu.Lock()
		if r.sessions[userID] == s {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
	}
}

// Remove drops s once its teardown has completed. Nothing happens if the
// registry entry has since been replaced.
func (r *Registry) Remove(ctx context.Context, userID string, s *Session) error {
	select {
	case <-s.TeardownDone():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == s {
		delete(r.sessions, userID)
		regLog.Debug("session_removed", slog.String("user", userID))
	}
	return nil
}

// Sessions returns the registered sessions sorted by user id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}

// List summarizes every registered session.
func (r *Registry) List() []Summary {
	sessions := r.Sessions()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		snap := s.Snapshot()
		out = append(out, Summary{
			UserID:     snap.UserID,
			Status:     snap.Status,
			GroupCount: len(snap.Groups),
			LastError:  snap.LastError,
			Busy:       s.Busy(),
		})
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
