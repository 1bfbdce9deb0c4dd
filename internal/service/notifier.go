package service

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/model"
)

// NotificationWriter stores one notification.
type NotificationWriter interface {
	Insert(ctx context.Context, n *model.Notification) error
}

// SinkNotifier writes notifications in the background so a slow or failing
// sink never holds up a booking transition.  Close drains the writes still
// in flight; it must run before the store's database is closed.
type SinkNotifier struct {
	store   NotificationWriter
	timeout time.Duration
	log     *logger.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewSinkNotifier returns a notifier over store.  Each write gets its own
// timeout.
func NewSinkNotifier(store NotificationWriter, timeout time.Duration, log *logger.Logger) *SinkNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SinkNotifier{store: store, timeout: timeout, log: log}
}

// Notify implements Notifier.  After Close the notification is dropped.
func (s *SinkNotifier) Notify(ctx context.Context, userID uint64, title, body, typ string, data map[string]any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn("notification dropped after close", "user_id", userID, "type", typ)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	n := &model.Notification{UserID: userID, Title: title, Body: body, Type: typ, Data: data}
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.store.Insert(ctx, n); err != nil {
			s.log.Warn("notification not stored", "user_id", userID, "type", typ, "error", err)
		}
	}()
}

// Close stops accepting notifications and waits for the pending writes,
// or until ctx is done.  It may be called more than once.
func (s *SinkNotifier) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
