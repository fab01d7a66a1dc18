package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClient is a scriptable Client. Tests drive it by pushing ClientEvents.
type fakeClient struct {
	user   string
	events chan ClientEvent

	// initHook runs inside Initialize; nil means succeed immediately.
	initHook func(ctx context.Context) error

	mu       sync.Mutex
	groups   []Group
	sendErr  error
	sent     []sentMessage
	names    map[string]string
	destroys int32
	closed   bool
	factory  *fakeFactory
}

type sentMessage struct {
	Address string
	Text    string
}

func newFakeClient(user string) *fakeClient {
	return &fakeClient{
		user:   user,
		events: make(chan ClientEvent, 64),
		names:  map[string]string{},
	}
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	if c.initHook != nil {
		return c.initHook(ctx)
	}
	return nil
}

func (c *fakeClient) Events() <-chan ClientEvent { return c.events }

func (c *fakeClient) ListGroupChats(context.Context) ([]Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Group, len(c.groups))
	copy(out, c.groups)
	return out, nil
}

func (c *fakeClient) SendMessage(_ context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{Address: address, Text: text})
	return nil
}

func (c *fakeClient) SenderName(_ context.Context, senderID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.names[senderID]; ok {
		return n, nil
	}
	return "", errors.New("unknown contact")
}

func (c *fakeClient) Destroy() error {
	atomic.AddInt32(&c.destroys, 1)
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()
	if first && c.factory != nil {
		atomic.AddInt32(&c.factory.live, -1)
	}
	return nil
}

func (c *fakeClient) emit(ev ClientEvent) { c.events <- ev }

func (c *fakeClient) Destroys() int { return int(atomic.LoadInt32(&c.destroys)) }

func (c *fakeClient) Sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

// fakeFactory hands out fakeClients, letting each test configure them.
type fakeFactory struct {
	mu        sync.Mutex
	clients   []*fakeClient
	configure func(n int, c *fakeClient)
	err       error
	// live counts clients constructed and not yet destroyed. Updated under mu
	// on construction.
	live    int32
	maxLive int32
}

func (f *fakeFactory) NewClient(userID string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeClient(userID)
	c.factory = f
	if f.configure != nil {
		f.configure(len(f.clients), c)
	}
	f.clients = append(f.clients, c)
	n := atomic.AddInt32(&f.live, 1)
	if n > atomic.LoadInt32(&f.maxLive) {
		atomic.StoreInt32(&f.maxLive, n)
	}
	return c, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) Client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.clients) {
		return nil
	}
	return f.clients[i]
}

func (f *fakeFactory) Last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) MaxLive() int { return int(atomic.LoadInt32(&f.maxLive)) }

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu          sync.Mutex
	settings    map[string]Settings
	overrides   map[string]map[string]GroupKeywords
	alerts      map[string][]Alert
	statuses    map[string][]Status
	addCalls    int
	addErr      error
	settingsErr error
	limit       int
	seq         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settings:  map[string]Settings{},
		overrides: map[string]map[string]GroupKeywords{},
		alerts:    map[string][]Alert{},
		statuses:  map[string][]Status{},
		limit:     DefaultHistoryLimit,
	}
}

func (s *fakeStore) GetSettings(_ context.Context, userID string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settingsErr != nil {
		return Settings{}, s.settingsErr
	}
	st, ok := s.settings[userID]
	if !ok {
		return Settings{WatchedGroups: []string{}, GlobalKeywords: []string{}}, nil
	}
	return st.clone(), nil
}

func (s *fakeStore) SaveSettings(_ context.Context, userID string, in Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[userID] = in.clone()
	return nil
}

func (s *fakeStore) GetGroupKeywords(_ context.Context, userID string) (map[string]GroupKeywords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]GroupKeywords{}
	for k, v := range s.overrides[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) SaveGroupKeywords(_ context.Context, userID string, gk GroupKeywords) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides[userID] == nil {
		s.overrides[userID] = map[string]GroupKeywords{}
	}
	s.overrides[userID][gk.GroupID] = gk
	return nil
}

func (s *fakeStore) DeleteGroupKeywords(_ context.Context, userID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides[userID], groupID)
	return nil
}

func (s *fakeStore) AddAlert(_ context.Context, userID string, data AlertData, delivered bool) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls++
	if s.addErr != nil {
		return Alert{}, s.addErr
	}
	s.seq++
	a := Alert{ID: fmt.Sprintf("alert-%d", s.seq), AlertData: data, Delivered: delivered}
	list := append([]Alert{a}, s.alerts[userID]...)
	if len(list) > s.limit {
		list = list[:s.limit]
	}
	s.alerts[userID] = list
	return a, nil
}

func (s *fakeStore) GetAlerts(_ context.Context, userID string) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts[userID]...), nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, userID string, st Status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[userID] = append(s.statuses[userID], st)
	return nil
}

func (s *fakeStore) AddCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addCalls
}

// recordingNotifier captures published events per user.
type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: map[string][]Event{}}
}

func (n *recordingNotifier) Publish(userID string, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], ev)
}

func (n *recordingNotifier) Events(userID string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events[userID]...)
}

func (n *recordingNotifier) OfType(userID string, typ EventType) []Event {
	var out []Event
	for _, ev := range n.Events(userID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (n *recordingNotifier) Statuses(userID string) []Status {
	var out []Status
	for _, ev := range n.OfType(userID, EventStatus) {
		out = append(out, ev.Status)
	}
	return out
}

func (n *recordingNotifier) Users() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for u := range n.events {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (n *recordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = map[string][]Event{}
}

// fakeCreds is an in-memory CredentialStore.
type fakeCreds struct {
	mu      sync.Mutex
	have    map[string]bool
	removed []string
}

func newFakeCreds(users ...string) *fakeCreds {
	c := &fakeCreds{have: map[string]bool{}}
	for _, u := range users {
		c.have[u] = true
	}
	return c
}

func (c *fakeCreds) HasCredentials(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.have[userID]
}

func (c *fakeCreds) RemoveCredentials(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.have, userID)
	c.removed = append(c.removed, userID)
	return nil
}

// testConfig shrinks the lifecycle timings for tests.
func testConfig() Config {
	return Config{
		InitTimeout:  2 * time.Second,
		MaxRetries:   3,
		RetryDelay:   10 * time.Millisecond,
		SendTimeout:  time.Second,
		PreviewChars: 1000,
	}
}

type harness struct {
	t        *testing.T
	store    *fakeStore
	factory  *fakeFactory
	creds    *fakeCreds
	notifier *recordingNotifier
	manager  *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    newFakeStore(),
		factory:  &fakeFactory{},
		creds:    newFakeCreds(),
		notifier: newRecordingNotifier(),
	}
	h.manager = NewManager(ManagerConfig{Session: cfg}, h.store, h.factory, h.creds, h.notifier)
	t.Cleanup(h.manager.Shutdown)
	return h
}

// connect starts userID and drives the fake client to connected.
func (h *harness) connect(userID string) *fakeClient {
	h.t.Helper()
	require.NoError(h.t, h.manager.Start(context.Background(), userID))
	c := h.factory.Last()
	require.NotNil(h.t, c)
	c.emit(ClientEvent{Kind: ClientReady})
	h.waitStatus(userID, StatusConnected)
	return c
}

func (h *harness) waitStatus(userID string, want Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.manager.Snapshot(userID).Status == want
	}, 2*time.Second, 5*time.Millisecond, "status never became %s", want)
}

func (h *harness) session(userID string) *Session {
	h.t.Helper()
	s := h.manager.Registry().Get(userID)
	require.NotNil(h.t, s)
	return s
}
