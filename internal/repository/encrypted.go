package repository

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/credential-broker/internal/crypto"
	"github.com/felipepmaragno/credential-broker/internal/domain"
)

// EncryptedStore seals credential secrets before they reach the wrapped store
// and opens them on load. Plaintext values written before encryption was
// enabled load unchanged and are sealed on the next save.
type EncryptedStore struct {
	inner SnapshotStore
	enc   *crypto.Encryptor
}

func NewEncryptedStore(inner SnapshotStore, enc *crypto.Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc}
}

func (s *EncryptedStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap, err := s.inner.Load(ctx)
	if err != nil || snap == nil {
		return snap, err
	}

	for i := range snap.Credentials {
		if err := s.transform(&snap.Credentials[i], s.enc.Open); err != nil {
			return nil, fmt.Errorf("open credential %d: %w", snap.Credentials[i].ID, err)
		}
	}
	for i := range snap.Pools {
		if err := s.transformProxy(&snap.Pools[i].Proxy, "pool_proxy_password", s.enc.Open); err != nil {
			return nil, fmt.Errorf("open pool %s: %w", snap.Pools[i].ID, err)
		}
	}
	return snap, nil
}

func (s *EncryptedStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	sealed := *snap
	sealed.Credentials = make([]domain.Credential, len(snap.Credentials))
	copy(sealed.Credentials, snap.Credentials)
	sealed.Pools = make([]domain.Pool, len(snap.Pools))
	copy(sealed.Pools, snap.Pools)

	for i := range sealed.Credentials {
		if err := s.transform(&sealed.Credentials[i], s.enc.Seal); err != nil {
			return fmt.Errorf("seal credential %d: %w", sealed.Credentials[i].ID, err)
		}
	}
	for i := range sealed.Pools {
		if err := s.transformProxy(&sealed.Pools[i].Proxy, "pool_proxy_password", s.enc.Seal); err != nil {
			return fmt.Errorf("seal pool %s: %w", sealed.Pools[i].ID, err)
		}
	}
	return s.inner.Save(ctx, &sealed)
}

func (s *EncryptedStore) transform(c *domain.Credential, fn func(field, value string) (string, error)) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"refresh_token", &c.RefreshToken},
		{"access_token", &c.AccessToken},
		{"client_secret", &c.ClientSecret},
	}
	for _, f := range fields {
		out, err := fn(f.name, *f.value)
		if err != nil {
			return err
		}
		*f.value = out
	}
	return s.transformProxy(&c.Proxy, "credential_proxy_password", fn)
}

// transformProxy replaces the proxy with a copy so the caller's snapshot is
// never modified.
func (s *EncryptedStore) transformProxy(p **domain.ProxyConfig, field string, fn func(field, value string) (string, error)) error {
	if *p == nil || (*p).Password == "" {
		return nil
	}
	cp := **p
	out, err := fn(field, cp.Password)
	if err != nil {
		return err
	}
	cp.Password = out
	*p = &cp
	return nil
}
