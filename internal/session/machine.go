package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/groupwatch/internal/logging"
)

var sessLog = logging.ForComponent(logging.CompSession)

const groupRefreshTimeout = 30 * time.Second

// Config tunes the per-user lifecycle.
type Config struct {
	InitTimeout  time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	SendTimeout  time.Duration
	PreviewChars int
}

// DefaultConfig returns the stock lifecycle settings.
func DefaultConfig() Config {
	return Config{
		InitTimeout:  120 * time.Second,
		MaxRetries:   3,
		RetryDelay:   5 * time.Second,
		SendTimeout:  30 * time.Second,
		PreviewChars: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = d.PreviewChars
	}
	return c
}

// sessionDeps is shared by every Session a Manager creates.
type sessionDeps struct {
	cfg        Config
	factory    ClientFactory
	store      Store
	notifier   Notifier
	status     *statusWriter
	dispatcher *Dispatcher

	// release is called after a terminal failure so the owner can drop the
	// session from its registry. Never called with the session lock held.
	release func(*Session)
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Session owns one user's protocol client and its lifecycle:
//
//	disconnected -> connecting -> pairing_pending -> connected
//	     ^______________________________________________|  (failure, stop)
//
// All fields are guarded by mu. Client events are consumed by one pump
// goroutine per client; events from a client that has since been torn down
// are recognized by their generation and ignored.
type Session struct {
	userID string
	d      *sessionDeps

	sf singleflight.Group

	mu           sync.Mutex
	status       Status
	challenge    string
	groups       []Group
	retryCount   int
	lastError    string
	client       Client
	clientDone   chan struct{}
	generation   uint64
	initializing bool
	initCancel   context.CancelFunc
	retryTimer   *time.Timer
	building     chan struct{}
	tearingDown  bool
	retired      bool
	teardownDone chan struct{}
}

// Snapshot is a copy of a session's observable state.
type Snapshot struct {
	UserID       string  `json:"userId"`
	Status       Status  `json:"status"`
	Challenge    string  `json:"challenge,omitempty"`
	Groups       []Group `json:"groups"`
	RetryCount   int     `json:"retryCount"`
	LastError    string  `json:"lastError,omitempty"`
	Initializing bool    `json:"initializing"`
}

func newSession(userID string, d *sessionDeps) *Session {
	return &Session{
		userID:       userID,
		d:            d,
		status:       StatusDisconnected,
		building:     closedChan,
		teardownDone: closedChan,
	}
}

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Busy reports whether a client is live or being brought up.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil || s.initializing
}

// Retired reports whether the session was stopped or failed terminally.
func (s *Session) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// TeardownDone is closed once every teardown begun so far has finished.
func (s *Session) TeardownDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownDone
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]Group, len(s.groups))
	copy(groups, s.groups)
	return Snapshot{
		UserID:       s.userID,
		Status:       s.status,
		Challenge:    s.challenge,
		Groups:       groups,
		RetryCount:   s.retryCount,
		LastError:    s.lastError,
		Initializing: s.initializing,
	}
}

// PublishState re-emits status, pending challenge and cached groups, in that
// order, for a newly attached subscriber.
func (s *Session) PublishState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.notifier.Publish(s.userID, StatusEvent(s.status, s.lastError))
	if s.status == StatusPairingPending && s.challenge != "" {
		s.d.notifier.Publish(s.userID, PairingChallengeEvent(s.challenge))
	}
	if len(s.groups) > 0 {
		s.d.notifier.Publish(s.userID, GroupsEvent(s.groups))
	}
}

// Start brings the client up. Concurrent callers share one attempt, and a
// call while a client is already live is a no-op. It returns when
// initialization has completed or failed.
func (s *Session) Start(ctx context.Context) error {
	_, err, _ := s.sf.Do("start", func() (any, error) {
		return nil, s.start(ctx)
	})
	return err
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return ErrSessionRetired
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.client != nil || s.initializing {
		s.mu.Unlock()
		return nil
	}
	wait := s.teardownDone
	s.mu.Unlock()

	// The previous client must be fully destroyed before a new one opens
	// the same credentials.
	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return ErrSessionRetired
	}
	if s.client != nil || s.initializing {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	s.initializing = true
	building := make(chan struct{})
	s.building = building
	initCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.initCancel = cancel
	s.challenge = ""
	attempt := s.retryCount + 1
	s.setStatusLocked(StatusConnecting)
	s.mu.Unlock()

	sessLog.Info("session_starting",
		slog.String("user", s.userID),
		slog.Int("attempt", attempt))

	client, err := s.d.factory.NewClient(s.userID)
	if err != nil {
		close(building)
		cancel()
		return s.initFailed(gen, fmt.Errorf("create client: %w", err))
	}

	s.mu.Lock()
	if gen != s.generation {
		// Stopped while the client was being constructed.
		s.mu.Unlock()
		cancel()
		s.destroyClient(client)
		close(building)
		return ErrSessionRetired
	}
	done := make(chan struct{})
	s.client = client
	s.clientDone = done
	s.mu.Unlock()
	close(building)

	go s.pump(gen, client, done)

	err = s.runInit(initCtx, client)
	cancel()
	if err != nil {
		return s.initFailed(gen, err)
	}

	s.mu.Lock()
	if gen == s.generation {
		s.initializing = false
		s.initCancel = nil
	}
	s.mu.Unlock()
	sessLog.Info("session_initialized", slog.String("user", s.userID))
	return nil
}

// runInit races Initialize against the init timeout.
func (s *Session) runInit(ctx context.Context, c Client) error {
	result := make(chan error, 1)
	go func() { result <- c.Initialize(ctx) }()

	timer := time.NewTimer(s.d.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrInitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initFailed handles a failed attempt: teardown, then either a delayed retry
// or a terminal error once retries are exhausted.
func (s *Session) initFailed(gen uint64, cause error) error {
	s.mu.Lock()
	if gen != s.generation || s.retired {
		s.mu.Unlock()
		return cause
	}
	if s.initCancel != nil {
		s.initCancel()
		s.initCancel = nil
	}
	s.initializing = false
	client := s.detachLocked()
	s.challenge = ""
	s.groups = nil
	s.lastError = cause.Error()

	retry := s.retryCount < s.d.cfg.MaxRetries
	if retry {
		s.retryCount++
		s.retryTimer = time.AfterFunc(s.d.cfg.RetryDelay, s.retryFire)
	} else {
		s.retired = true
	}
	attempts := s.retryCount + 1
	s.setStatusLocked(StatusDisconnected)
	if !retry {
		s.d.notifier.Publish(s.userID, ErrorEvent(CodeInitFailed,
			fmt.Sprintf("could not connect after %d attempts: %s", attempts, s.lastError)))
	}
	prev, building, done := s.beginTeardownLocked()
	s.mu.Unlock()

	if retry {
		sessLog.Warn("session_init_failed",
			slog.String("user", s.userID),
			slog.Int("retry", attempts-1),
			slog.Duration("delay", s.d.cfg.RetryDelay),
			slog.String("error", cause.Error()))
	} else {
		sessLog.Error("session_init_exhausted",
			slog.String("user", s.userID),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()))
	}

	s.finishTeardown(client, prev, building, done)
	if !retry && s.d.release != nil {
		s.d.release(s)
	}
	return cause
}

func (s *Session) retryFire() {
	s.mu.Lock()
	s.retryTimer = nil
	retired := s.retired
	s.mu.Unlock()
	if retired {
		return
	}
	// Bypasses the singleflight group: the failed attempt that scheduled
	// this retry may still be inside it.
	_ = s.start(context.Background())
}

// Stop tears the client down from any state, cancels a pending retry or an
// in-flight initialization, and retires the session. It returns once the
// teardown has completed.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.initCancel != nil {
		s.initCancel()
		s.initCancel = nil
	}
	s.initializing = false
	wasRetired := s.retired
	s.retired = true
	client := s.detachLocked()
	s.challenge = ""
	s.groups = nil
	if !wasRetired || s.status != StatusDisconnected {
		s.setStatusLocked(StatusDisconnected)
	}
	prev, building, done := s.beginTeardownLocked()
	s.mu.Unlock()

	sessLog.Info("session_stopping", slog.String("user", s.userID))
	s.finishTeardown(client, prev, building, done)
}

// pump is the single dispatch point for one client's events.
func (s *Session) pump(gen uint64, c Client, done <-chan struct{}) {
	events := c.Events()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				s.handleDisconnect(gen, "event stream closed", false)
				return
			}
			s.dispatch(gen, ev)
		}
	}
}

func (s *Session) dispatch(gen uint64, ev ClientEvent) {
	switch ev.Kind {
	case ClientPairingChallenge:
		s.handlePairing(gen, ev.Challenge)
	case ClientReady:
		s.handleReady(gen)
	case ClientDisconnected:
		s.handleDisconnect(gen, ev.Reason, false)
	case ClientAuthFailure:
		s.handleDisconnect(gen, ev.Reason, true)
	case ClientMessage:
		if ev.Message != nil {
			s.handleMessage(gen, ev.Message)
		}
	default:
		sessLog.Warn("client_event_unknown",
			slog.String("user", s.userID),
			slog.Int("kind", int(ev.Kind)))
	}
}

func (s *Session) handlePairing(gen uint64, challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.challenge = challenge
	s.retryCount = 0
	if s.status != StatusPairingPending {
		s.setStatusLocked(StatusPairingPending)
	}
	s.d.notifier.Publish(s.userID, PairingChallengeEvent(challenge))
}

func (s *Session) handleReady(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.challenge = ""
	s.retryCount = 0
	s.lastError = ""
	s.setStatusLocked(StatusConnected)
	s.mu.Unlock()

	sessLog.Info("session_connected", slog.String("user", s.userID))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), groupRefreshTimeout)
		defer cancel()
		if err := s.refreshGroups(ctx, gen); err != nil {
			sessLog.Warn("group_refresh_failed",
				slog.String("user", s.userID),
				slog.String("error", err.Error()))
		}
	}()
}

// handleDisconnect covers both plain disconnects and auth failures. Auth
// failures are terminal: the session is retired and released.
func (s *Session) handleDisconnect(gen uint64, reason string, authFailure bool) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.initCancel != nil {
		s.initCancel()
		s.initCancel = nil
	}
	s.initializing = false
	client := s.detachLocked()
	s.challenge = ""
	s.groups = nil
	if reason == "" {
		reason = "disconnected"
	}
	s.lastError = reason
	if authFailure {
		s.retired = true
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
	}
	s.setStatusLocked(StatusDisconnected)
	if authFailure {
		s.d.notifier.Publish(s.userID, ErrorEvent(CodeAuthFailed, reason))
	}
	prev, building, done := s.beginTeardownLocked()
	s.mu.Unlock()

	sessLog.Info("session_disconnected",
		slog.String("user", s.userID),
		slog.String("reason", reason),
		slog.Bool("auth_failure", authFailure))

	s.finishTeardown(client, prev, building, done)
	if authFailure && s.d.release != nil {
		s.d.release(s)
	}
}

// RefreshGroups re-fetches and re-emits the group list. Requires connected.
func (s *Session) RefreshGroups(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.refreshGroups(ctx, gen)
}

func (s *Session) refreshGroups(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if gen != s.generation || s.status != StatusConnected || s.client == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	c := s.client
	s.mu.Unlock()

	groups, err := c.ListGroupChats(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	sortGroups(groups)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ErrNotConnected
	}
	s.groups = groups
	s.d.notifier.Publish(s.userID, GroupsEvent(groups))
	sessLog.Debug("groups_refreshed",
		slog.String("user", s.userID),
		slog.Int("count", len(groups)))
	return nil
}

// SendMessage sends through the live client. Fails with ErrNotConnected
// unless the session is connected.
func (s *Session) SendMessage(ctx context.Context, address, text string) error {
	s.mu.Lock()
	if s.status != StatusConnected || s.client == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	c := s.client
	s.mu.Unlock()
	return c.SendMessage(ctx, address, text)
}

// publish emits ev under the session lock so it is ordered with transitions.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.notifier.Publish(s.userID, ev)
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

func (s *Session) setStatusLocked(st Status) {
	s.status = st
	s.d.notifier.Publish(s.userID, StatusEvent(st, s.lastError))
	if s.d.status != nil {
		s.d.status.Enqueue(s.userID, st, s.lastError)
	}
}

// detachLocked removes the client, stops its pump and invalidates its
// pending events. The caller destroys the returned client.
func (s *Session) detachLocked() Client {
	s.generation++
	c := s.client
	s.client = nil
	if s.clientDone != nil {
		close(s.clientDone)
		s.clientDone = nil
	}
	return c
}

func (s *Session) beginTeardownLocked() (prev, building <-chan struct{}, done chan struct{}) {
	prev = s.teardownDone
	building = s.building
	done = make(chan struct{})
	s.teardownDone = done
	s.tearingDown = true
	return prev, building, done
}

// finishTeardown destroys c and closes done once every earlier teardown and
// any in-flight client construction have also finished.
func (s *Session) finishTeardown(c Client, prev, building <-chan struct{}, done chan struct{}) {
	<-building
	if c != nil {
		s.destroyClient(c)
	}
	<-prev
	s.mu.Lock()
	if s.teardownDone == done {
		s.tearingDown = false
	}
	s.mu.Unlock()
	close(done)
}

func (s *Session) destroyClient(c Client) {
	defer func() {
		if r := recover(); r != nil {
			sessLog.Error("client_destroy_panic",
				slog.String("user", s.userID),
				slog.Any("panic", r))
		}
	}()
	if err := c.Destroy(); err != nil {
		sessLog.Warn("client_destroy_failed",
			slog.String("user", s.userID),
			slog.String("error", err.Error()))
	}
}

// groupName finds a display name for chatID, falling back to hint and then
// the id itself.
func (s *Session) groupName(chatID, hint string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.ID == chatID && g.Name != "" {
			return g.Name
		}
	}
	if hint != "" {
		return hint
	}
	return chatID
}

func sortGroups(groups []Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := strings.ToLower(groups[i].Name), strings.ToLower(groups[j].Name)
		if a != b {
			return a < b
		}
		return groups[i].ID < groups[j].ID
	})
}
