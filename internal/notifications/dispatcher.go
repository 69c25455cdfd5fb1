package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/metrics"
)

const defaultBuffer = 256

// Dispatcher queues notifications and delivers them from a background
// goroutine. Publish drops the notification when the buffer is full.
type Dispatcher struct {
	notifier    Notifier
	dedup       Deduplicator
	sendTimeout time.Duration

	queue   chan Notification
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

type DispatcherOption func(*Dispatcher)

func WithDeduplicator(d Deduplicator) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.dedup = d
	}
}

func WithBuffer(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.queue = make(chan Notification, n)
	}
}

func NewDispatcher(notifier Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier:    notifier,
		dedup:       NewInMemoryDeduplicator(),
		sendTimeout: 10 * time.Second,
		queue:       make(chan Notification, defaultBuffer),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- n:
	default:
		metrics.RecordNotification(string(n.Type), "dropped")
		slog.Warn("notification queue full, dropping", "type", n.Type, "credential_id", n.CredentialID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	switch n.Type {
	case NotificationCredentialAutoDisabled, NotificationCredentialRefreshFail:
		if !d.dedup.ShouldNotify(ctx, n.CredentialID, n.Type) {
			metrics.RecordNotification(string(n.Type), "deduplicated")
			return
		}
	case NotificationCredentialReset, NotificationCredentialDeleted:
		d.dedup.ClearCredential(ctx, n.CredentialID)
	}

	if err := d.notifier.Send(ctx, n); err != nil {
		metrics.RecordNotification(string(n.Type), "error")
		slog.Error("notification delivery failed", "type", n.Type, "error", err)
		return
	}
	metrics.RecordNotification(string(n.Type), "sent")
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()

	d.wg.Wait()
}
