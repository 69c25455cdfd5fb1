// Package notifications publishes credential state transitions (auto-disable,
// refresh failure, reset, transfer) to operators. Publishing is asynchronous and
// never blocks the request path.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type NotificationType string

const (
	NotificationCredentialAutoDisabled NotificationType = "credential_auto_disabled"
	NotificationCredentialRefreshFail  NotificationType = "credential_refresh_failed"
	NotificationCredentialReset        NotificationType = "credential_reset"
	NotificationCredentialTransferred  NotificationType = "credential_transferred"
	NotificationCredentialDeleted      NotificationType = "credential_deleted"
)

type Notification struct {
	Type         NotificationType `json:"type"`
	PoolID       string           `json:"pool_id,omitempty"`
	CredentialID uint64           `json:"credential_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Message      string           `json:"message"`
	Data         map[string]any   `json:"data,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// MultiNotifier fans a notification out to every configured sink.
type MultiNotifier []Notifier

func (m MultiNotifier) Send(ctx context.Context, notification Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log. It is the sink used
// when no AWS destination is configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, notification Notification) error {
	level := slog.LevelInfo
	if notification.Type == NotificationCredentialAutoDisabled || notification.Type == NotificationCredentialRefreshFail {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "credential event",
		"type", notification.Type,
		"pool_id", notification.PoolID,
		"credential_id", notification.CredentialID,
		"reason", notification.Reason,
		"message", notification.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}

	slog.Info("notification recorded",
		"type", notification.Type,
		"pool_id", notification.PoolID,
		"credential_id", notification.CredentialID,
	)
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
}
