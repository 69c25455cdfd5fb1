package secrets

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("admin-key", "sk-test-123")

	value, err := store.GetSecret(ctx, "admin-key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()

	_, err := store.GetSecret(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() error = %v, want ErrSecretNotFound", err)
	}
}

func TestInMemorySecretStore_Delete(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("admin-key", "sk-test-123")
	store.DeleteSecret("admin-key")

	if _, err := store.GetSecret(ctx, "admin-key"); err == nil {
		t.Error("GetSecret() should return error after delete")
	}
}

func TestResolve(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("broker/admin", "plain-admin-key")
	store.SetSecret("broker/db", `{"url": "postgres://db/broker", "port": 5432}`)

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"literal value", "not-a-reference", "not-a-reference", false},
		{"empty value", "", "", false},
		{"whole secret", "aws-sm:broker/admin", "plain-admin-key", false},
		{"json field", "aws-sm:broker/db#url", "postgres://db/broker", false},
		{"non-string field", "aws-sm:broker/db#port", "5432", false},
		{"missing field", "aws-sm:broker/db#password", "", true},
		{"field of non-json secret", "aws-sm:broker/admin#x", "", true},
		{"missing secret", "aws-sm:broker/missing", "", true},
		{"empty reference", "aws-sm:", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(context.Background(), store, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveAll(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("enc", "encryption-key")

	a, b := "aws-sm:enc", "literal"
	if err := ResolveAll(context.Background(), store, &a, &b, nil); err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if a != "encryption-key" || b != "literal" {
		t.Errorf("ResolveAll() = %q, %q", a, b)
	}

	bad := "aws-sm:missing"
	if err := ResolveAll(context.Background(), store, &bad); err == nil {
		t.Error("ResolveAll() should fail for a missing secret")
	}
	if bad != "aws-sm:missing" {
		t.Error("failed resolution must leave the value untouched")
	}
}

type fakeSecretsManager struct {
	calls atomic.Int32
	value *string
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls.Add(1)
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: f.value}, nil
}

func TestAWSSecretsManager_Caches(t *testing.T) {
	fake := &fakeSecretsManager{value: aws.String("s3cret")}
	sm := newAWSSecretsManager(fake)
	now := time.Now()
	sm.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(ctx, "broker/admin")
		if err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
		if v != "s3cret" {
			t.Errorf("GetSecret() = %v", v)
		}
	}
	if fake.calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", fake.calls.Load())
	}

	now = now.Add(6 * time.Minute)
	if _, err := sm.GetSecret(ctx, "broker/admin"); err != nil {
		t.Fatal(err)
	}
	if fake.calls.Load() != 2 {
		t.Errorf("expected cache expiry to refetch, got %d calls", fake.calls.Load())
	}

	sm.ClearCache()
	if _, err := sm.GetSecret(ctx, "broker/admin"); err != nil {
		t.Fatal(err)
	}
	if fake.calls.Load() != 3 {
		t.Errorf("expected ClearCache to force a refetch, got %d calls", fake.calls.Load())
	}
}

func TestAWSSecretsManager_BinarySecret(t *testing.T) {
	sm := newAWSSecretsManager(&fakeSecretsManager{})

	_, err := sm.GetSecret(context.Background(), "binary")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() error = %v, want ErrSecretNotFound", err)
	}
}
