package broker

import (
	"fmt"
	"sort"

	"github.com/felipepmaragno/credential-broker/internal/domain"
)

type PoolView struct {
	Pool                 domain.Pool `json:"pool"`
	TotalCredentials     int         `json:"total_credentials"`
	AvailableCredentials int         `json:"available_credentials"`
	CurrentID            uint64      `json:"current_id,omitempty"`
	RoundRobinCounter    uint64      `json:"round_robin_counter"`
	SessionEntries       int         `json:"session_entries"`
}

func (b *Broker) viewOf(ps *poolState) PoolView {
	ps.mu.RLock()
	v := PoolView{
		Pool:             ps.pool,
		TotalCredentials: len(ps.members),
	}
	for _, c := range ps.members {
		if !c.Disabled() {
			v.AvailableCredentials++
		}
	}
	ps.mu.RUnlock()

	v.CurrentID = ps.currentID.Load()
	v.RoundRobinCounter = ps.rrCounter.Load()
	v.SessionEntries = b.sessions.CountByPool(v.Pool.ID)
	return v
}

// ListPools returns every pool ordered by (priority, id).
func (b *Broker) ListPools() []PoolView {
	registry := b.registry()
	views := make([]PoolView, 0, len(registry))
	for _, ps := range registry {
		views = append(views, b.viewOf(ps))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Pool.Priority != views[j].Pool.Priority {
			return views[i].Pool.Priority < views[j].Pool.Priority
		}
		return views[i].Pool.ID < views[j].Pool.ID
	})
	return views
}

func (b *Broker) GetPool(id string) (PoolView, error) {
	ps := b.poolByID(id)
	if ps == nil {
		return PoolView{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, id)
	}
	return b.viewOf(ps), nil
}

// ListCredentials returns copies of the credentials in poolID, or in every
// pool when poolID is empty, ordered by id.
func (b *Broker) ListCredentials(poolID string) []domain.Credential {
	var out []domain.Credential
	for id, ps := range b.registry() {
		if poolID != "" && id != poolID {
			continue
		}
		ps.mu.RLock()
		for _, c := range ps.members {
			out = append(out, *c)
		}
		ps.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Broker) GetCredential(id uint64) (domain.Credential, error) {
	var out domain.Credential
	err := b.withCredential(id, false, func(ps *poolState, c *domain.Credential) error {
		out = *c
		return nil
	})
	return out, err
}

func (b *Broker) Bindings() []domain.APIKeyBinding {
	b.bindingsMu.RLock()
	defer b.bindingsMu.RUnlock()

	out := make([]domain.APIKeyBinding, 0, len(b.bindings))
	for k, p := range b.bindings {
		out = append(out, domain.APIKeyBinding{APIKeyID: k, PoolID: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKeyID < out[j].APIKeyID })
	return out
}

// Snapshot copies the persistent state. Every pool is read-locked in id
// order, the same order lockPair uses, so a credential moving between pools
// appears exactly once.
func (b *Broker) Snapshot() *domain.Snapshot {
	registry := b.registry()
	pools := make([]*poolState, 0, len(registry))
	for _, ps := range registry {
		pools = append(pools, ps)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].pool.ID < pools[j].pool.ID })

	for _, ps := range pools {
		ps.mu.RLock()
	}
	snap := &domain.Snapshot{
		Bindings:         b.Bindings(),
		NextCredentialID: b.nextID.Load(),
		SavedAt:          b.now().UTC(),
	}
	for _, ps := range pools {
		if ps.deleted {
			continue
		}
		snap.Pools = append(snap.Pools, ps.pool)
		for _, c := range ps.members {
			snap.Credentials = append(snap.Credentials, *c)
		}
	}
	for _, ps := range pools {
		ps.mu.RUnlock()
	}

	sort.Slice(snap.Credentials, func(i, j int) bool { return snap.Credentials[i].ID < snap.Credentials[j].ID })
	return snap
}
