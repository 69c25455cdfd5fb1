package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/notifications"
	"github.com/felipepmaragno/credential-broker/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRefresher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, cred domain.Credential) (*oauth2.Token, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred domain.Credential, proxy *domain.ProxyConfig) (*oauth2.Token, error) {
	f.calls.Add(1)
	return f.fn(ctx, cred)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notifications.Notification
}

func (p *recordingPublisher) Publish(n notifications.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, n)
}

func (p *recordingPublisher) ofType(t notifications.NotificationType) []notifications.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notifications.Notification
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type countingPersister struct {
	n atomic.Int32
}

func (p *countingPersister) Notify() {
	p.n.Add(1)
}

type harness struct {
	broker    *Broker
	clock     *testClock
	sessions  *session.Cache
	refresher *fakeRefresher
	events    *recordingPublisher
	persister *countingPersister
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshBackoff = time.Millisecond
	cfg.RefreshTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	sessions := session.New(100, time.Minute, session.WithClock(clock.Now))
	h := &harness{
		clock:    clock,
		sessions: sessions,
		refresher: &fakeRefresher{fn: func(ctx context.Context, cred domain.Credential) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: fmt.Sprintf("access-%d", cred.ID), Expiry: clock.Now().Add(time.Hour)}, nil
		}},
		events:    &recordingPublisher{},
		persister: &countingPersister{},
	}
	h.broker = New(cfg, h.refresher, sessions,
		WithClock(clock.Now),
		WithPublisher(h.events),
		WithPersister(h.persister),
	)
	return h
}

func (h *harness) addCredential(t *testing.T, poolID string, priority int) domain.Credential {
	t.Helper()
	c, err := h.broker.AddCredential(CredentialSpec{
		PoolID:       poolID,
		AuthMethod:   "social",
		RefreshToken: fmt.Sprintf("refresh-token-%d", priority),
		Priority:     priority,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) createPool(t *testing.T, id string, mode domain.SchedulingMode, priority int) {
	t.Helper()
	_, err := h.broker.CreatePool(PoolSpec{ID: id, SchedulingMode: mode, Priority: priority})
	require.NoError(t, err)
}

func (h *harness) selectIDs(t *testing.T, target, sessionKey string, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, n)
	for i := range ids {
		c, err := h.broker.Select(context.Background(), target, sessionKey)
		require.NoError(t, err)
		ids[i] = c.ID
	}
	return ids
}

func TestNew_SeedsDefaultPool(t *testing.T) {
	h := newHarness(t)

	view, err := h.broker.GetPool(domain.DefaultPoolID)
	require.NoError(t, err)
	assert.True(t, view.Pool.Enabled)
	assert.Equal(t, domain.RoundRobin, view.Pool.SchedulingMode)
	assert.Equal(t, 0, view.TotalCredentials)
}

func TestLoad_RestoresStateAndIDSequence(t *testing.T) {
	h := newHarness(t)
	h.createPool(t, "p1", domain.PriorityFill, 1)
	a := h.addCredential(t, "p1", 0)
	b := h.addCredential(t, "", 0)
	_, err := h.broker.SetCredentialDisabled(b.ID, true)
	require.NoError(t, err)
	require.NoError(t, h.broker.DeleteCredential(b.ID))
	require.NoError(t, h.broker.BindAPIKey("key-1", "p1"))

	snap := h.broker.Snapshot()

	restored := newHarness(t)
	require.NoError(t, restored.broker.Load(snap))

	got, err := restored.broker.GetCredential(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PoolID)
	assert.Equal(t, "p1", restored.broker.ResolveAPIKey("key-1"))

	pool, err := restored.broker.GetPool("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityFill, pool.Pool.SchedulingMode)

	c := restored.addCredential(t, "", 0)
	assert.Greater(t, c.ID, b.ID, "deleted ids must not be reused")
}

func TestLoad_ReassignsOrphanedCredentials(t *testing.T) {
	h := newHarness(t)

	err := h.broker.Load(&domain.Snapshot{
		Credentials: []domain.Credential{
			{ID: 4, PoolID: "gone", RefreshToken: "rt", ClientID: "c", ClientSecret: "s"},
		},
	})
	require.NoError(t, err)

	c, err := h.broker.GetCredential(4)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPoolID, c.PoolID)
	assert.Equal(t, domain.StateEnabled, c.State)
	assert.Equal(t, domain.AuthIdc, c.AuthMethod)

	next := h.addCredential(t, "", 0)
	assert.Equal(t, uint64(5), next.ID)
}

func TestLoad_RejectsDuplicateIDs(t *testing.T) {
	h := newHarness(t)

	err := h.broker.Load(&domain.Snapshot{
		Credentials: []domain.Credential{
			{ID: 1, PoolID: domain.DefaultPoolID, RefreshToken: "a"},
			{ID: 1, PoolID: domain.DefaultPoolID, RefreshToken: "b"},
		},
	})
	assert.Error(t, err)
}
