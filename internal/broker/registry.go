package broker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/felipepmaragno/credential-broker/internal/domain"
)

type poolState struct {
	mu      sync.RWMutex
	pool    domain.Pool
	members map[uint64]*domain.Credential
	// deleted is set under mu before the pool leaves the registry so that
	// writers holding a stale pointer back off.
	deleted bool

	rrCounter atomic.Uint64
	currentID atomic.Uint64
}

func newPoolState(p domain.Pool) *poolState {
	return &poolState{
		pool:    p,
		members: make(map[uint64]*domain.Credential),
	}
}

func (b *Broker) registry() map[string]*poolState {
	return *b.pools.Load()
}

func (b *Broker) poolByID(id string) *poolState {
	return b.registry()[id]
}

// resolveTarget returns the pools a target may draw from, in search order.
// An empty target is an unbound key and routes to the default pool.
func (b *Broker) resolveTarget(target string) ([]*poolState, error) {
	if target == "" {
		target = domain.DefaultPoolID
	}

	if target == domain.AutoRoutePoolID {
		if !b.cfg.AutoRouteEnabled {
			return b.enabledPools(domain.DefaultPoolID), nil
		}
		return b.enabledPools(""), nil
	}

	ps := b.poolByID(target)
	if ps == nil {
		return nil, fmt.Errorf("%w: pool %q not found", domain.ErrNoCredentialAvailable, target)
	}
	return b.enabledPools(target), nil
}

// enabledPools lists enabled pools ordered by (priority, id). A non-empty only
// restricts the result to that pool.
func (b *Broker) enabledPools(only string) []*poolState {
	type entry struct {
		ps       *poolState
		id       string
		priority int
	}

	registry := b.registry()
	entries := make([]entry, 0, len(registry))
	for id, ps := range registry {
		if only != "" && id != only {
			continue
		}
		ps.mu.RLock()
		enabled := ps.pool.Enabled && !ps.deleted
		priority := ps.pool.Priority
		ps.mu.RUnlock()
		if enabled {
			entries = append(entries, entry{ps: ps, id: id, priority: priority})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].id < entries[j].id
	})

	out := make([]*poolState, len(entries))
	for i, e := range entries {
		out[i] = e.ps
	}
	return out
}

// withCredential runs fn with the owning pool locked. A credential moved by a
// concurrent transfer is looked up again through the index.
func (b *Broker) withCredential(id uint64, exclusive bool, fn func(ps *poolState, c *domain.Credential) error) error {
	for {
		v, ok := b.credIndex.Load(id)
		if !ok {
			return fmt.Errorf("%w: %d", domain.ErrCredentialNotFound, id)
		}
		ps := b.poolByID(v.(string))
		if ps == nil {
			return fmt.Errorf("%w: %d", domain.ErrCredentialNotFound, id)
		}

		if exclusive {
			ps.mu.Lock()
		} else {
			ps.mu.RLock()
		}
		c, ok := ps.members[id]
		if !ok || ps.deleted {
			if exclusive {
				ps.mu.Unlock()
			} else {
				ps.mu.RUnlock()
			}
			if cur, still := b.credIndex.Load(id); still && cur == v {
				return fmt.Errorf("%w: %d", domain.ErrCredentialNotFound, id)
			}
			continue
		}

		err := fn(ps, c)
		if exclusive {
			ps.mu.Unlock()
		} else {
			ps.mu.RUnlock()
		}
		return err
	}
}

// sortCandidates orders by ascending priority, then id, so round-robin indexes
// a stable list.
func sortCandidates(cs []*domain.Credential) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority < cs[j].Priority
		}
		return cs[i].ID < cs[j].ID
	})
}

// lockPair locks two distinct pools in id order.
func lockPair(a, b *poolState) {
	if a.pool.ID < b.pool.ID {
		a.mu.Lock()
		b.mu.Lock()
		return
	}
	b.mu.Lock()
	a.mu.Lock()
}

func unlockPair(a, b *poolState) {
	a.mu.Unlock()
	b.mu.Unlock()
}
