package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	statusQueueSize    = 256
	statusWriteTimeout = 5 * time.Second
)

type statusUpdate struct {
	userID    string
	status    Status
	lastError string
}

// statusWriter mirrors status transitions into the store from a single
// goroutine, so writes for a user land in transition order. Failures are
// logged only; in-memory state is authoritative.
type statusWriter struct {
	store Store
	ch    chan statusUpdate
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newStatusWriter(store Store) *statusWriter {
	w := &statusWriter{
		store: store,
		ch:    make(chan statusUpdate, statusQueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue never blocks. A full queue drops the update.
func (w *statusWriter) Enqueue(userID string, st Status, lastError string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- statusUpdate{userID: userID, status: st, lastError: lastError}:
	default:
		sessLog.Warn("status_write_dropped",
			slog.String("user", userID),
			slog.String("status", string(st)))
	}
}

func (w *statusWriter) run() {
	defer close(w.done)
	for u := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		if err := w.store.UpdateStatus(ctx, u.userID, u.status, u.lastError); err != nil {
			sessLog.Warn("status_write_failed",
				slog.String("user", u.userID),
				slog.String("status", string(u.status)),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close drains pending writes and stops the writer.
func (w *statusWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
}
