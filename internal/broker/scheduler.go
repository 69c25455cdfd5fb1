package broker

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/metrics"
	"github.com/felipepmaragno/credential-broker/internal/session"
	"github.com/felipepmaragno/credential-broker/internal/telemetry"
)

// Select picks the credential that should serve a request for target, which is
// a pool id, domain.AutoRoutePoolID, or empty for the default pool. A non-empty
// sessionKey keeps the session on the credential it was first given for as long
// as that credential stays eligible. Select does no I/O.
func (b *Broker) Select(ctx context.Context, target, sessionKey string) (domain.Credential, error) {
	_, span := telemetry.StartSpan(ctx, "broker.Select")
	defer span.End()
	telemetry.AddSelectionAttributes(span, target, sessionKey)

	scope, err := b.resolveTarget(target)
	if err != nil {
		metrics.RecordSelection(target, "", "none")
		telemetry.AddErrorAttribute(span, err)
		return domain.Credential{}, err
	}

	var key string
	if sessionKey != "" {
		key = session.Key(scopeKey(target), sessionKey)
		if cred, ok := b.lookupSession(key, scope); ok {
			metrics.RecordSessionHit()
			metrics.RecordSelection(cred.PoolID, "session", "ok")
			telemetry.AddSessionAttribute(span, true)
			telemetry.AddCredentialAttributes(span, cred.PoolID, cred.ID)
			return cred, nil
		}
		metrics.RecordSessionMiss()
		telemetry.AddSessionAttribute(span, false)
	}

	for _, ps := range scope {
		cred, mode, ok := b.pick(ps)
		if !ok {
			continue
		}

		ps.currentID.Store(cred.ID)
		if key != "" {
			b.sessions.Put(key, cred.ID, cred.PoolID)
		}
		metrics.RecordSelection(cred.PoolID, string(mode), "ok")
		telemetry.AddCredentialAttributes(span, cred.PoolID, cred.ID)
		return cred, nil
	}

	metrics.RecordSelection(scopeKey(target), "", "none")
	err = fmt.Errorf("%w: target %q", domain.ErrNoCredentialAvailable, scopeKey(target))
	telemetry.AddErrorAttribute(span, err)
	return domain.Credential{}, err
}

// ForgetSession drops the pin for sessionKey under target so the next Select
// schedules afresh. Callers use it before retrying a failed request.
func (b *Broker) ForgetSession(target, sessionKey string) {
	if sessionKey == "" {
		return
	}
	b.sessions.Remove(session.Key(scopeKey(target), sessionKey))
}

func scopeKey(target string) string {
	if target == "" {
		return domain.DefaultPoolID
	}
	return target
}

// lookupSession returns the pinned credential if it is still a member of a pool
// in scope and not disabled. Anything else drops the entry.
func (b *Broker) lookupSession(key string, scope []*poolState) (domain.Credential, bool) {
	entry, ok := b.sessions.Get(key)
	if !ok {
		return domain.Credential{}, false
	}

	var ps *poolState
	for _, candidate := range scope {
		if candidate.pool.ID == entry.PoolID {
			ps = candidate
			break
		}
	}

	if ps != nil {
		ps.mu.RLock()
		c, member := ps.members[entry.CredentialID]
		valid := member && !ps.deleted && ps.pool.Enabled && !c.Disabled()
		var cred domain.Credential
		if valid {
			cred = *c
		}
		ps.mu.RUnlock()
		if valid {
			return cred, true
		}
	}

	b.sessions.Remove(key)
	return domain.Credential{}, false
}

// pick applies the pool's scheduling mode to its enabled credentials.
func (b *Broker) pick(ps *poolState) (domain.Credential, domain.SchedulingMode, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	mode := ps.pool.SchedulingMode
	if ps.deleted || !ps.pool.Enabled {
		return domain.Credential{}, mode, false
	}

	candidates := make([]*domain.Credential, 0, len(ps.members))
	for _, c := range ps.members {
		if !c.Disabled() {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return domain.Credential{}, mode, false
	}
	sortCandidates(candidates)

	threshold := b.cfg.UnhealthyThreshold

	switch mode {
	case domain.PriorityFill:
		for _, c := range candidates {
			if c.Stats.FailureCount < threshold {
				return *c, mode, true
			}
		}
		if !b.cfg.FailOpen {
			return domain.Credential{}, mode, false
		}
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Stats.FailureCount < best.Stats.FailureCount {
				best = c
			}
		}
		return *best, mode, true

	default:
		healthy := make([]*domain.Credential, 0, len(candidates))
		for _, c := range candidates {
			if c.Stats.FailureCount < threshold {
				healthy = append(healthy, c)
			}
		}
		if len(healthy) == 0 {
			if !b.cfg.FailOpen {
				return domain.Credential{}, mode, false
			}
			healthy = candidates
		}
		n := ps.rrCounter.Add(1) - 1
		return *healthy[n%uint64(len(healthy))], domain.RoundRobin, true
	}
}
