package broker

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/notifications"
)

type PoolSpec struct {
	ID             string
	Name           string
	Description    string
	Enabled        *bool
	SchedulingMode domain.SchedulingMode
	Priority       int
	Proxy          *domain.ProxyConfig
}

// PoolUpdate changes only the fields that are set.
type PoolUpdate struct {
	Name           *string
	Description    *string
	Enabled        *bool
	SchedulingMode *domain.SchedulingMode
	Priority       *int
	Proxy          *domain.ProxyConfig
	ClearProxy     bool
}

type CredentialSpec struct {
	PoolID       string
	AuthMethod   string
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	ClientID     string
	ClientSecret string
	Region       string
	Priority     int
	Proxy        *domain.ProxyConfig
}

func (b *Broker) CreatePool(spec PoolSpec) (domain.Pool, error) {
	const op = "create pool"

	id := strings.TrimSpace(spec.ID)
	switch {
	case id == "":
		return domain.Pool{}, domain.InvalidMutation(op, "pool id is required")
	case id == domain.AutoRoutePoolID:
		return domain.Pool{}, domain.InvalidMutation(op, "pool id %q is reserved", id)
	case strings.ContainsAny(id, " /\t\n"):
		return domain.Pool{}, domain.InvalidMutation(op, "pool id %q contains invalid characters", id)
	}

	mode := spec.SchedulingMode
	if mode == "" {
		mode = domain.RoundRobin
	}
	if mode != domain.RoundRobin && mode != domain.PriorityFill {
		return domain.Pool{}, domain.InvalidMutation(op, "unknown scheduling mode %q", mode)
	}

	name := spec.Name
	if name == "" {
		name = id
	}
	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	pool := domain.Pool{
		ID:             id,
		Name:           name,
		Description:    spec.Description,
		Enabled:        enabled,
		SchedulingMode: mode,
		Priority:       spec.Priority,
		Proxy:          normalizeProxy(spec.Proxy),
		CreatedAt:      b.now().UTC(),
	}

	b.structMu.Lock()
	old := b.registry()
	if _, exists := old[id]; exists {
		b.structMu.Unlock()
		return domain.Pool{}, domain.InvalidMutation(op, "pool %q already exists", id)
	}
	next := make(map[string]*poolState, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[id] = newPoolState(pool)
	b.pools.Store(&next)
	b.structMu.Unlock()

	slog.Info("pool created", "pool_id", id, "mode", mode, "priority", spec.Priority)
	b.persister.Notify()
	return pool, nil
}

func (b *Broker) UpdatePool(id string, upd PoolUpdate) (domain.Pool, error) {
	const op = "update pool"

	ps := b.poolByID(id)
	if ps == nil {
		return domain.Pool{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, id)
	}
	if upd.Enabled != nil && !*upd.Enabled && id == domain.DefaultPoolID {
		return domain.Pool{}, domain.InvalidMutation(op, "the default pool cannot be disabled")
	}
	if upd.SchedulingMode != nil && *upd.SchedulingMode != domain.RoundRobin && *upd.SchedulingMode != domain.PriorityFill {
		return domain.Pool{}, domain.InvalidMutation(op, "unknown scheduling mode %q", *upd.SchedulingMode)
	}

	ps.mu.Lock()
	if ps.deleted {
		ps.mu.Unlock()
		return domain.Pool{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, id)
	}
	p := &ps.pool
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Enabled != nil {
		p.Enabled = *upd.Enabled
	}
	if upd.SchedulingMode != nil {
		p.SchedulingMode = *upd.SchedulingMode
	}
	if upd.Priority != nil {
		p.Priority = *upd.Priority
	}
	if upd.ClearProxy {
		p.Proxy = nil
	} else if upd.Proxy != nil {
		p.Proxy = normalizeProxy(upd.Proxy)
	}
	out := *p
	ps.mu.Unlock()

	slog.Info("pool updated", "pool_id", id, "enabled", out.Enabled, "mode", out.SchedulingMode)
	b.persister.Notify()
	return out, nil
}

func (b *Broker) SetPoolEnabled(id string, enabled bool) (domain.Pool, error) {
	return b.UpdatePool(id, PoolUpdate{Enabled: &enabled})
}

// DeletePool removes an empty, unbound, non-default pool.
func (b *Broker) DeletePool(id string) error {
	const op = "delete pool"

	if id == domain.DefaultPoolID {
		return domain.InvalidMutation(op, "the default pool cannot be deleted")
	}

	b.structMu.Lock()
	defer b.structMu.Unlock()

	old := b.registry()
	ps, ok := old[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrPoolNotFound, id)
	}

	if bound := b.keysBoundTo(id); bound > 0 {
		return domain.InvalidMutation(op, "pool %q is bound to %d api keys", id, bound)
	}

	ps.mu.Lock()
	if n := len(ps.members); n > 0 {
		ps.mu.Unlock()
		return domain.InvalidMutation(op, "pool %q still owns %d credentials", id, n)
	}
	ps.deleted = true
	ps.mu.Unlock()

	next := make(map[string]*poolState, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	b.pools.Store(&next)

	slog.Info("pool deleted", "pool_id", id)
	b.persister.Notify()
	return nil
}

func (b *Broker) AddCredential(spec CredentialSpec) (domain.Credential, error) {
	const op = "add credential"

	if err := validateRefreshToken(spec.RefreshToken); err != nil {
		return domain.Credential{}, domain.InvalidMutation(op, "%v", err)
	}
	method := domain.CanonicalAuthMethod(spec.AuthMethod, spec.ClientID != "" && spec.ClientSecret != "")
	if method == domain.AuthIdc && (spec.ClientID == "" || spec.ClientSecret == "") {
		return domain.Credential{}, domain.InvalidMutation(op, "idc credentials require clientId and clientSecret")
	}

	poolID := spec.PoolID
	if poolID == "" {
		poolID = domain.DefaultPoolID
	}
	ps := b.poolByID(poolID)
	if ps == nil {
		return domain.Credential{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, poolID)
	}

	cred := &domain.Credential{
		PoolID:       poolID,
		AuthMethod:   method,
		RefreshToken: strings.TrimSpace(spec.RefreshToken),
		AccessToken:  spec.AccessToken,
		ExpiresAt:    spec.ExpiresAt,
		ClientID:     spec.ClientID,
		ClientSecret: spec.ClientSecret,
		Region:       spec.Region,
		Priority:     spec.Priority,
		State:        domain.StateEnabled,
		Proxy:        normalizeProxy(spec.Proxy),
		CreatedAt:    b.now().UTC(),
	}

	ps.mu.Lock()
	if ps.deleted {
		ps.mu.Unlock()
		return domain.Credential{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, poolID)
	}
	cred.ID = b.nextID.Add(1) - 1
	ps.members[cred.ID] = cred
	b.credIndex.Store(cred.ID, poolID)
	out := *cred
	ps.mu.Unlock()

	slog.Info("credential added", "credential_id", out.ID, "pool_id", poolID, "auth_method", method)
	b.persister.Notify()
	return out, nil
}

// DeleteCredential removes a credential. It must be disabled first so that an
// operator never pulls a credential out from under live traffic by accident.
func (b *Broker) DeleteCredential(id uint64) error {
	const op = "delete credential"

	var poolID string
	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		if !c.Disabled() {
			return domain.InvalidMutation(op, "credential %d must be disabled before deletion", id)
		}
		delete(ps.members, id)
		b.credIndex.Delete(id)
		poolID = ps.pool.ID
		return nil
	})
	if err != nil {
		return err
	}

	b.sessions.InvalidateCredential(id)
	b.refreshGroup.Forget(strconv.FormatUint(id, 10))

	slog.Info("credential deleted", "credential_id", id, "pool_id", poolID)
	b.emit(notifications.Notification{
		Type:         notifications.NotificationCredentialDeleted,
		PoolID:       poolID,
		CredentialID: id,
		Message:      fmt.Sprintf("credential %d deleted", id),
	})
	b.persister.Notify()
	return nil
}

// TransferCredential moves a credential to another pool. Both pools are locked
// for the move and the credential's session pins are dropped.
func (b *Broker) TransferCredential(id uint64, targetPoolID string) (domain.Credential, error) {
	for {
		v, ok := b.credIndex.Load(id)
		if !ok {
			return domain.Credential{}, fmt.Errorf("%w: %d", domain.ErrCredentialNotFound, id)
		}
		srcID := v.(string)

		dst := b.poolByID(targetPoolID)
		if dst == nil {
			return domain.Credential{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, targetPoolID)
		}
		if srcID == targetPoolID {
			return b.GetCredential(id)
		}
		src := b.poolByID(srcID)
		if src == nil {
			return domain.Credential{}, fmt.Errorf("%w: %d", domain.ErrCredentialNotFound, id)
		}

		lockPair(src, dst)
		c, member := src.members[id]
		if !member {
			unlockPair(src, dst)
			continue
		}
		if dst.deleted {
			unlockPair(src, dst)
			return domain.Credential{}, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, targetPoolID)
		}

		delete(src.members, id)
		c.PoolID = targetPoolID
		dst.members[id] = c
		b.credIndex.Store(id, targetPoolID)
		out := *c
		unlockPair(src, dst)

		b.sessions.InvalidateCredential(id)

		slog.Info("credential transferred", "credential_id", id, "from", srcID, "to", targetPoolID)
		b.emit(notifications.Notification{
			Type:         notifications.NotificationCredentialTransferred,
			PoolID:       targetPoolID,
			CredentialID: id,
			Message:      fmt.Sprintf("credential %d moved from %s to %s", id, srcID, targetPoolID),
			Data:         map[string]any{"from": srcID, "to": targetPoolID},
		})
		b.persister.Notify()
		return out, nil
	}
}

// SetCredentialDisabled is the operator switch. Disabling records a manual
// disable that ResetCredential will not undo; enabling clears any disable.
func (b *Broker) SetCredentialDisabled(id uint64, disabled bool) (domain.Credential, error) {
	var out domain.Credential
	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		if disabled {
			c.State = domain.StateManuallyDisabled
			c.DisabledReason = domain.ReasonManual
		} else {
			c.State = domain.StateEnabled
			c.DisabledReason = domain.ReasonNone
			c.Stats.FailureCount = 0
		}
		out = *c
		return nil
	})
	if err != nil {
		return domain.Credential{}, err
	}

	if disabled {
		b.sessions.InvalidateCredential(id)
	}
	slog.Info("credential state changed", "credential_id", id, "pool_id", out.PoolID, "state", out.State)
	b.persister.Notify()
	return out, nil
}

func (b *Broker) SetCredentialPriority(id uint64, priority int) (domain.Credential, error) {
	var out domain.Credential
	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		c.Priority = priority
		out = *c
		return nil
	})
	if err != nil {
		return domain.Credential{}, err
	}
	b.persister.Notify()
	return out, nil
}

// BindAPIKey routes an api key to a pool or to domain.AutoRoutePoolID. An empty
// poolID removes the binding, which routes the key to the default pool.
func (b *Broker) BindAPIKey(apiKeyID, poolID string) error {
	if apiKeyID == "" {
		return domain.InvalidMutation("bind api key", "api key id is required")
	}

	// Held so a concurrent DeletePool cannot remove the pool between the check and the bind.
	b.structMu.Lock()
	defer b.structMu.Unlock()

	if poolID != "" && poolID != domain.AutoRoutePoolID && b.poolByID(poolID) == nil {
		return fmt.Errorf("%w: %q", domain.ErrPoolNotFound, poolID)
	}

	b.bindingsMu.Lock()
	if poolID == "" {
		delete(b.bindings, apiKeyID)
	} else {
		b.bindings[apiKeyID] = poolID
	}
	b.bindingsMu.Unlock()

	slog.Info("api key bound", "api_key_id", apiKeyID, "pool_id", poolID)
	b.persister.Notify()
	return nil
}

// ResolveAPIKey returns the routing target for an api key.
func (b *Broker) ResolveAPIKey(apiKeyID string) string {
	b.bindingsMu.RLock()
	defer b.bindingsMu.RUnlock()

	if poolID, ok := b.bindings[apiKeyID]; ok {
		return poolID
	}
	return domain.DefaultPoolID
}

func (b *Broker) keysBoundTo(poolID string) int {
	b.bindingsMu.RLock()
	defer b.bindingsMu.RUnlock()

	n := 0
	for _, p := range b.bindings {
		if p == poolID {
			n++
		}
	}
	return n
}

func validateRefreshToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("refresh token is required")
	}
	if strings.Contains(token, "...") {
		return fmt.Errorf("refresh token appears truncated")
	}
	return nil
}

func normalizeProxy(p *domain.ProxyConfig) *domain.ProxyConfig {
	if p.IsZero() {
		return nil
	}
	cp := *p
	return &cp
}
