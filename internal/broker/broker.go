// Package broker owns pools and credentials and decides which credential serves
// each request. Pools are addressed by id through a copy-on-write registry and
// each pool guards its own credentials, so scheduling in one pool never waits
// on admin work in another. Credentials are addressed by id only; the session
// cache and the credential index never hold pointers into pool state.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/notifications"
	"github.com/felipepmaragno/credential-broker/internal/oauth"
	"github.com/felipepmaragno/credential-broker/internal/session"
)

// Refresher exchanges a credential's refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, cred domain.Credential, proxy *domain.ProxyConfig) (*oauth2.Token, error)
}

// UsageClient reports an account's usage and quota.
type UsageClient interface {
	UsageLimits(ctx context.Context, cred domain.Credential, accessToken string, proxy *domain.ProxyConfig) (*oauth.UsageLimits, error)
}

// Publisher receives state-transition events. It must not block.
type Publisher interface {
	Publish(n notifications.Notification)
}

// Persister is told that state changed; it decides when to write.
type Persister interface {
	Notify()
}

type Config struct {
	// Credentials at or above UnhealthyThreshold consecutive failures are
	// skipped while a healthier candidate exists.
	UnhealthyThreshold   int
	AutoDisableThreshold int
	// FailOpen serves the least-failing unhealthy credential when no healthy
	// one is left instead of reporting the pool as exhausted.
	FailOpen         bool
	AutoRouteEnabled bool
	LatencyEMAAlpha  float64

	RefreshSkew        time.Duration
	RefreshMaxAttempts int
	RefreshTimeout     time.Duration
	RefreshBackoff     time.Duration

	GlobalProxy *domain.ProxyConfig
}

func DefaultConfig() Config {
	return Config{
		UnhealthyThreshold:   2,
		AutoDisableThreshold: 3,
		FailOpen:             true,
		AutoRouteEnabled:     true,
		LatencyEMAAlpha:      0.2,
		RefreshSkew:          5 * time.Minute,
		RefreshMaxAttempts:   3,
		RefreshTimeout:       30 * time.Second,
		RefreshBackoff:       200 * time.Millisecond,
	}
}

type Broker struct {
	cfg       Config
	refresher Refresher
	usage     UsageClient
	sessions  *session.Cache
	events    Publisher
	persister Persister
	now       func() time.Time

	// structMu serializes pool creation and deletion. Readers never take it.
	structMu sync.Mutex
	pools    atomic.Pointer[map[string]*poolState]

	// credIndex maps credential id to the id of its owning pool.
	credIndex sync.Map
	nextID    atomic.Uint64

	bindingsMu sync.RWMutex
	bindings   map[string]string

	refreshGroup singleflight.Group
}

type Option func(*Broker)

func WithPublisher(p Publisher) Option {
	return func(b *Broker) {
		b.events = p
	}
}

func WithPersister(p Persister) Option {
	return func(b *Broker) {
		b.persister = p
	}
}

// WithUsageClient enables CredentialBalance.
func WithUsageClient(u UsageClient) Option {
	return func(b *Broker) {
		b.usage = u
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(notifications.Notification) {}

type noopPersister struct{}

func (noopPersister) Notify() {}

func New(cfg Config, refresher Refresher, sessions *session.Cache, opts ...Option) *Broker {
	b := &Broker{
		cfg:       cfg,
		refresher: refresher,
		sessions:  sessions,
		events:    noopPublisher{},
		persister: noopPersister{},
		now:       time.Now,
		bindings:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	registry := map[string]*poolState{
		domain.DefaultPoolID: newPoolState(domain.NewDefaultPool(b.now())),
	}
	b.pools.Store(&registry)
	b.nextID.Store(1)
	return b
}

// Load replaces all state with the snapshot. It is meant to run once at
// startup before the broker serves traffic.
func (b *Broker) Load(snap *domain.Snapshot) error {
	if snap == nil {
		return nil
	}

	b.structMu.Lock()
	defer b.structMu.Unlock()

	registry := make(map[string]*poolState, len(snap.Pools)+1)
	for _, p := range snap.Pools {
		if p.ID == "" || p.ID == domain.AutoRoutePoolID {
			return fmt.Errorf("load snapshot: invalid pool id %q", p.ID)
		}
		if p.SchedulingMode == "" {
			p.SchedulingMode = domain.RoundRobin
		}
		if p.ID == domain.DefaultPoolID {
			p.Enabled = true
		}
		registry[p.ID] = newPoolState(p)
	}
	if _, ok := registry[domain.DefaultPoolID]; !ok {
		registry[domain.DefaultPoolID] = newPoolState(domain.NewDefaultPool(b.now()))
	}

	index := make(map[uint64]string, len(snap.Credentials))
	next := snap.NextCredentialID
	for i := range snap.Credentials {
		c := snap.Credentials[i]
		if c.ID == 0 {
			return fmt.Errorf("load snapshot: credential without id")
		}
		if _, dup := index[c.ID]; dup {
			return fmt.Errorf("load snapshot: duplicate credential id %d", c.ID)
		}

		ps, ok := registry[c.PoolID]
		if !ok {
			slog.Warn("credential references unknown pool, assigning to default",
				"credential_id", c.ID,
				"pool_id", c.PoolID,
			)
			c.PoolID = domain.DefaultPoolID
			ps = registry[domain.DefaultPoolID]
		}
		if c.State == "" {
			c.State = domain.StateEnabled
		}
		c.AuthMethod = domain.CanonicalAuthMethod(string(c.AuthMethod), c.ClientID != "" && c.ClientSecret != "")

		ps.members[c.ID] = &c
		index[c.ID] = c.PoolID
		if c.ID >= next {
			next = c.ID + 1
		}
	}
	if next == 0 {
		next = 1
	}

	b.credIndex.Range(func(k, _ any) bool {
		b.credIndex.Delete(k)
		return true
	})
	for id, poolID := range index {
		b.credIndex.Store(id, poolID)
	}
	b.nextID.Store(next)
	b.pools.Store(&registry)

	b.bindingsMu.Lock()
	b.bindings = make(map[string]string, len(snap.Bindings))
	for _, binding := range snap.Bindings {
		b.bindings[binding.APIKeyID] = binding.PoolID
	}
	b.bindingsMu.Unlock()

	slog.Info("broker state loaded",
		"pools", len(registry),
		"credentials", len(snap.Credentials),
		"bindings", len(snap.Bindings),
	)
	return nil
}

func (b *Broker) Config() Config {
	return b.cfg
}

func (b *Broker) emit(n notifications.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now().UTC()
	}
	b.events.Publish(n)
}
