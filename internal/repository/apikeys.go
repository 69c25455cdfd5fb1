package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/credential-broker/internal/crypto"
	"github.com/felipepmaragno/credential-broker/internal/domain"
)

// APIKeyRepository stores client API keys by hash. Plaintext keys are only
// ever returned once, from NewAPIKey.
type APIKeyRepository interface {
	GetByKey(ctx context.Context, apiKey string) (*domain.APIKey, error)
	GetByID(ctx context.Context, id string) (*domain.APIKey, error)
	List(ctx context.Context) ([]*domain.APIKey, error)
	Create(ctx context.Context, key *domain.APIKey) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// NewAPIKey generates a key and returns its record with the plaintext.
func NewAPIKey(name string, now time.Time) (*domain.APIKey, string, error) {
	plaintext, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	return NewAPIKeyWithSecret(uuid.NewString(), name, plaintext, now), plaintext, nil
}

// NewAPIKeyWithSecret builds a record for a key supplied by the operator.
func NewAPIKeyWithSecret(id, name, plaintext string, now time.Time) *domain.APIKey {
	return &domain.APIKey{
		ID:        id,
		Name:      name,
		KeyHash:   crypto.HashAPIKey(plaintext),
		Prefix:    domain.MaskSecret(plaintext),
		Enabled:   true,
		CreatedAt: now.UTC(),
	}
}

type InMemoryAPIKeyRepository struct {
	mu    sync.RWMutex
	keys  map[string]*domain.APIKey
	byKey map[string]string
}

func NewInMemoryAPIKeyRepository() *InMemoryAPIKeyRepository {
	return &InMemoryAPIKeyRepository{
		keys:  make(map[string]*domain.APIKey),
		byKey: make(map[string]string),
	}
}

func (r *InMemoryAPIKeyRepository) GetByKey(ctx context.Context, apiKey string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[crypto.HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}

	key, ok := r.keys[id]
	if !ok || !key.Enabled {
		return nil, domain.ErrAPIKeyNotFound
	}

	cp := *key
	return &cp, nil
}

func (r *InMemoryAPIKeyRepository) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[id]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}

	cp := *key
	return &cp, nil
}

func (r *InMemoryAPIKeyRepository) List(ctx context.Context) ([]*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryAPIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[key.ID]; exists {
		return domain.InvalidMutation("create api key", "api key %q already exists", key.ID)
	}
	if _, exists := r.byKey[key.KeyHash]; exists {
		return domain.InvalidMutation("create api key", "api key value already registered")
	}

	cp := *key
	r.keys[key.ID] = &cp
	r.byKey[key.KeyHash] = key.ID

	return nil
}

func (r *InMemoryAPIKeyRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[id]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	key.Enabled = enabled

	return nil
}

func (r *InMemoryAPIKeyRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[id]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	delete(r.byKey, key.KeyHash)
	delete(r.keys, id)

	return nil
}
