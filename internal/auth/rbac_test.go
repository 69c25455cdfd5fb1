package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name       string
		role       Role
		permission Permission
		want       bool
	}{
		{"admin pools:write", RoleAdmin, PermissionPoolsWrite, true},
		{"admin credentials:write", RoleAdmin, PermissionCredentialsWrite, true},
		{"admin apikeys:manage", RoleAdmin, PermissionAPIKeysManage, true},

		{"viewer pools:read", RoleViewer, PermissionPoolsRead, true},
		{"viewer credentials:read", RoleViewer, PermissionCredentialsRead, true},
		{"viewer pools:write", RoleViewer, PermissionPoolsWrite, false},
		{"viewer credentials:write", RoleViewer, PermissionCredentialsWrite, false},
		{"viewer apikeys:manage", RoleViewer, PermissionAPIKeysManage, false},

		{"unknown role", Role("unknown"), PermissionPoolsRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPermission(tt.role, tt.permission); got != tt.want {
				t.Errorf("HasPermission(%v, %v) = %v, want %v", tt.role, tt.permission, got, tt.want)
			}
		})
	}
}

func TestHashKey(t *testing.T) {
	key := "admin-key-123"

	hash, err := HashKey(key, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	if hash == "" || hash == key {
		t.Error("HashKey() returned an unhashed key")
	}

	hash2, _ := HashKey(key, bcrypt.MinCost)
	if hash == hash2 {
		t.Error("HashKey() should produce different hashes due to random salt")
	}
}

func newTestAuthenticator(t *testing.T) *KeyAuthenticator {
	t.Helper()
	a := NewKeyAuthenticator(WithCost(bcrypt.MinCost))
	if err := a.Register("ops", RoleAdmin, "admin-secret"); err != nil {
		t.Fatal(err)
	}
	if err := a.Register("dashboard", RoleViewer, "viewer-secret"); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestKeyAuthenticator_Authenticate(t *testing.T) {
	a := newTestAuthenticator(t)

	tests := []struct {
		name     string
		key      string
		wantRole Role
		wantErr  error
	}{
		{"admin key", "admin-secret", RoleAdmin, nil},
		{"viewer key", "viewer-secret", RoleViewer, nil},
		{"wrong key", "guess", "", ErrInvalidKey},
		{"empty key", "", "", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.Authenticate(tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() unexpected error = %v", err)
			}
			if p.Role != tt.wantRole {
				t.Errorf("Authenticate() role = %v, want %v", p.Role, tt.wantRole)
			}
		})
	}
}

func TestKeyAuthenticator_RegisterEmptyKey(t *testing.T) {
	a := NewKeyAuthenticator(WithCost(bcrypt.MinCost))

	if err := a.Register("ops", RoleAdmin, ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Register() error = %v, want ErrInvalidKey", err)
	}
	if a.Enabled() {
		t.Error("Enabled() should be false without keys")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()

	if _, ok := PrincipalFromContext(ctx); ok {
		t.Error("PrincipalFromContext() should return false for empty context")
	}

	ctx = WithPrincipal(ctx, &Principal{Name: "ops", Role: RoleAdmin})
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		t.Fatal("PrincipalFromContext() should return true after WithPrincipal")
	}
	if p.Name != "ops" {
		t.Errorf("PrincipalFromContext() name = %v, want ops", p.Name)
	}
}

func TestExtractKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")
	if got := ExtractKey(req); got != "from-bearer" {
		t.Errorf("ExtractKey() = %q, want from-bearer", got)
	}

	req.Header.Set("X-Admin-Key", "from-header")
	if got := ExtractKey(req); got != "from-header" {
		t.Errorf("ExtractKey() = %q, X-Admin-Key should win", got)
	}

	if got := ExtractKey(httptest.NewRequest("GET", "/", nil)); got != "" {
		t.Errorf("ExtractKey() = %q, want empty", got)
	}
}

func TestRBACMiddleware_RequireAuth(t *testing.T) {
	middleware := NewRBACMiddleware(newTestAuthenticator(t), nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Error("principal should be in context after auth")
		} else if p.Name != "ops" {
			t.Errorf("Name = %v, want ops", p.Name)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"valid key", "admin-secret", http.StatusOK},
		{"wrong key", "wrong", http.StatusUnauthorized},
		{"no key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/pools", nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}

			rr := httptest.NewRecorder()
			middleware.RequireAuth(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("RequireAuth() status = %v, want %v", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestRBACMiddleware_RequirePermission(t *testing.T) {
	var gotStatus int
	middleware := NewRBACMiddleware(NewKeyAuthenticator(), func(w http.ResponseWriter, status int, err error) {
		gotStatus = status
		w.WriteHeader(status)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		principal  *Principal
		permission Permission
		wantStatus int
	}{
		{"admin writes credentials", &Principal{Role: RoleAdmin}, PermissionCredentialsWrite, http.StatusOK},
		{"viewer reads pools", &Principal{Role: RoleViewer}, PermissionPoolsRead, http.StatusOK},
		{"viewer writes pools", &Principal{Role: RoleViewer}, PermissionPoolsWrite, http.StatusForbidden},
		{"no principal", nil, PermissionPoolsRead, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStatus = 0
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}

			rr := httptest.NewRecorder()
			middleware.RequirePermission(tt.permission)(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("RequirePermission() status = %v, want %v", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK && gotStatus != tt.wantStatus {
				t.Errorf("onError status = %v, want %v", gotStatus, tt.wantStatus)
			}
		})
	}
}
