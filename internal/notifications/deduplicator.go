package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeated alerts for the same credential and
// notification type until the alert is cleared (for example on reset).
type Deduplicator interface {
	// ShouldNotify returns true only for the first call per key until ClearCredential.
	ShouldNotify(ctx context.Context, credentialID uint64, t NotificationType) bool
	ClearCredential(ctx context.Context, credentialID uint64)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[uint64]map[NotificationType]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[uint64]map[NotificationType]struct{}),
	}
}

func (d *InMemoryDeduplicator) ShouldNotify(ctx context.Context, credentialID uint64, t NotificationType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	types, ok := d.sent[credentialID]
	if !ok {
		types = make(map[NotificationType]struct{})
		d.sent[credentialID] = types
	}
	if _, seen := types[t]; seen {
		return false
	}
	types[t] = struct{}{}
	return true
}

func (d *InMemoryDeduplicator) ClearCredential(ctx context.Context, credentialID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, credentialID)
}

// RedisDeduplicator keeps alert state in Redis so a restart does not re-send
// alerts for credentials that are still disabled.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) alertKey(credentialID uint64, t NotificationType) string {
	return fmt.Sprintf("credbroker:alert:%d:%s", credentialID, t)
}

func (d *RedisDeduplicator) ShouldNotify(ctx context.Context, credentialID uint64, t NotificationType) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(credentialID, t), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// Prefer a duplicate alert over a lost one.
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearCredential(ctx context.Context, credentialID uint64) {
	d.client.Del(ctx,
		d.alertKey(credentialID, NotificationCredentialAutoDisabled),
		d.alertKey(credentialID, NotificationCredentialRefreshFail),
	)
}
