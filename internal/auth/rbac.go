// Package auth guards the admin API. Operators authenticate with an admin key
// that maps to a role; each route requires a permission the role must grant.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidKey   = errors.New("invalid admin key")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

type Permission string

const (
	PermissionPoolsRead        Permission = "pools:read"
	PermissionPoolsWrite       Permission = "pools:write"
	PermissionCredentialsRead  Permission = "credentials:read"
	PermissionCredentialsWrite Permission = "credentials:write"
	PermissionAPIKeysManage    Permission = "apikeys:manage"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionPoolsRead,
		PermissionPoolsWrite,
		PermissionCredentialsRead,
		PermissionCredentialsWrite,
		PermissionAPIKeysManage,
	},
	RoleViewer: {
		PermissionPoolsRead,
		PermissionCredentialsRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Principal is an authenticated operator.
type Principal struct {
	Name string
	Role Role
}

type registeredKey struct {
	principal Principal
	hash      []byte
}

// KeyAuthenticator checks admin keys against bcrypt hashes. Plaintext keys are
// discarded once registered.
type KeyAuthenticator struct {
	mu   sync.RWMutex
	keys []registeredKey
	cost int
}

type Option func(*KeyAuthenticator)

// WithCost sets the bcrypt cost used when registering keys.
func WithCost(cost int) Option {
	return func(a *KeyAuthenticator) {
		a.cost = cost
	}
}

func NewKeyAuthenticator(opts ...Option) *KeyAuthenticator {
	a := &KeyAuthenticator{cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *KeyAuthenticator) Register(name string, role Role, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	hash, err := HashKey(key, a.cost)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, registeredKey{
		principal: Principal{Name: name, Role: role},
		hash:      []byte(hash),
	})
	return nil
}

// Enabled reports whether any key is registered. Without keys the admin API
// rejects every request.
func (a *KeyAuthenticator) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

func (a *KeyAuthenticator) Authenticate(key string) (*Principal, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword(k.hash, []byte(key)) == nil {
			p := k.principal
			return &p, nil
		}
	}
	return nil, ErrInvalidKey
}

func HashKey(key string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const principalContextKey contextKey = "admin_principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

// ExtractKey reads the admin key from the X-Admin-Key header or a bearer token.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

type RBACMiddleware struct {
	auth    *KeyAuthenticator
	onError func(w http.ResponseWriter, status int, err error)
}

// NewRBACMiddleware builds the middleware. onError writes rejections; nil
// falls back to http.Error.
func NewRBACMiddleware(auth *KeyAuthenticator, onError func(w http.ResponseWriter, status int, err error)) *RBACMiddleware {
	if onError == nil {
		onError = func(w http.ResponseWriter, status int, err error) {
			http.Error(w, err.Error(), status)
		}
	}
	return &RBACMiddleware{auth: auth, onError: onError}
}

func (m *RBACMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractKey(r)
		if key == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			m.onError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		p, err := m.auth.Authenticate(key)
		if err != nil {
			m.onError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *RBACMiddleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				m.onError(w, http.StatusUnauthorized, ErrUnauthorized)
				return
			}

			if !HasPermission(p.Role, permission) {
				m.onError(w, http.StatusForbidden, ErrForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
