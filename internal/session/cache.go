// Package session pins client sessions to the credential that first served them.
// Entries expire after a TTL without touches and the cache is bounded, evicting the
// least-recently-touched entry when full. Entries can be dropped eagerly by
// credential id when that credential stops being eligible.
package session

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type Entry struct {
	CredentialID uint64
	// PoolID is the pool the credential belonged to when it was selected.
	PoolID    string
	TouchedAt time.Time
}

type item struct {
	key   string
	entry Entry
}

type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items        map[string]*list.Element
	order        *list.List // front is most recently touched
	byCredential map[uint64]map[string]struct{}
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(capacity int, ttl time.Duration, opts ...Option) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		capacity:     capacity,
		ttl:          ttl,
		now:          time.Now,
		items:        make(map[string]*list.Element),
		order:        list.New(),
		byCredential: make(map[uint64]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key scopes a caller-supplied session key to the routing target it was resolved against.
func Key(scope, sessionKey string) string {
	return scope + "\x00" + sessionKey
}

// Get returns the live entry for key and extends its TTL. Expired entries are
// removed and reported as a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}

	it := el.Value.(*item)
	now := c.now()
	if c.expired(it.entry, now) {
		c.removeElement(el)
		return Entry{}, false
	}

	it.entry.TouchedAt = now
	c.order.MoveToFront(el)
	return it.entry, true
}

func (c *Cache) Put(key string, credentialID uint64, poolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item)
		c.unindex(it.entry.CredentialID, key)
		it.entry = Entry{CredentialID: credentialID, PoolID: poolID, TouchedAt: now}
		c.index(credentialID, key)
		c.order.MoveToFront(el)
		return
	}

	for len(c.items) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}

	el := c.order.PushFront(&item{
		key:   key,
		entry: Entry{CredentialID: credentialID, PoolID: poolID, TouchedAt: now},
	})
	c.items[key] = el
	c.index(credentialID, key)
}

func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidateCredential drops every entry pinned to the credential and returns how many were removed.
func (c *Cache) InvalidateCredential(credentialID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byCredential[credentialID]
	n := 0
	for key := range keys {
		if el, ok := c.items[key]; ok {
			c.removeElement(el)
			n++
		}
	}
	delete(c.byCredential, credentialID)
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CountByPool returns the number of live entries pinned into the given pool.
func (c *Cache) CountByPool(poolID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, el := range c.items {
		it := el.Value.(*item)
		if it.entry.PoolID == poolID && !c.expired(it.entry, now) {
			n++
		}
	}
	return n
}

// Purge removes expired entries. Touch order matches list order, so the scan
// stops at the first live entry from the back.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.order.Back(); el != nil; {
		it := el.Value.(*item)
		if !c.expired(it.entry, now) {
			break
		}
		prev := el.Prev()
		c.removeElement(el)
		n++
		el = prev
	}
	return n
}

// RunJanitor purges expired entries every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

func (c *Cache) expired(e Entry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.TouchedAt) >= c.ttl
}

func (c *Cache) removeElement(el *list.Element) {
	it := el.Value.(*item)
	c.order.Remove(el)
	delete(c.items, it.key)
	c.unindex(it.entry.CredentialID, it.key)
}

func (c *Cache) index(credentialID uint64, key string) {
	keys, ok := c.byCredential[credentialID]
	if !ok {
		keys = make(map[string]struct{})
		c.byCredential[credentialID] = keys
	}
	keys[key] = struct{}{}
}

func (c *Cache) unindex(credentialID uint64, key string) {
	keys, ok := c.byCredential[credentialID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byCredential, credentialID)
	}
}
