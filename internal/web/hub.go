package web

import (
	"log/slog"
	"sync"

	"github.com/asheshgoplani/groupwatch/internal/logging"
	"github.com/asheshgoplani/groupwatch/internal/session"
)

const subscriberQueueSize = 256

// Hub fans session events out to every connection of the same user. It
// implements session.Notifier; Publish never blocks, so a stalled
// connection is dropped instead of holding the session lock.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscriber]struct{}
	listeners []func(userID string, ev session.Event)
}

// Subscriber is one connection's event queue.
type Subscriber struct {
	userID string
	queue  chan session.Event
	gone   chan struct{}
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// C yields events in publish order.
func (s *Subscriber) C() <-chan session.Event { return s.queue }

// Gone is closed when the hub drops the subscriber because its queue
// overflowed.
func (s *Subscriber) Gone() <-chan struct{} { return s.gone }

func (s *Subscriber) drop() {
	s.once.Do(func() { close(s.gone) })
}

// AddListener registers fn to observe every published event. fn runs inside
// Publish and must not block.
func (h *Hub) AddListener(fn func(userID string, ev session.Event)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Subscribe attaches a new connection for userID.
func (h *Hub) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{
		userID: userID,
		queue:  make(chan session.Event, subscriberQueueSize),
		gone:   make(chan struct{}),
	}
	h.mu.Lock()
	set := h.subs[userID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set := h.subs[sub.userID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	h.mu.Unlock()
	sub.drop()
}

// Publish implements session.Notifier.
func (h *Hub) Publish(userID string, ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[userID] {
		select {
		case sub.queue <- ev:
		default:
			delete(h.subs[userID], sub)
			sub.drop()
			logging.ForComponent(logging.CompWeb).Warn("subscriber_dropped",
				slog.String("user", userID),
				slog.String("reason", "queue_full"))
		}
	}
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
	for _, fn := range h.listeners {
		fn(userID, ev)
	}
}

// Subscribers returns how many connections userID has.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
