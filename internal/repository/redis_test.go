package repository

import (
	"context"
	"os"
	"testing"
)

func TestRedisSnapshotStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping redis test")
	}

	client, err := NewRedisClient(redisURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	key := "credbroker:test:" + t.Name()
	defer client.Del(ctx, key)

	store := NewRedisSnapshotStore(client, key)

	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot for missing key")
	}

	want := testSnapshot()
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSnapshotEqual(t, want, got)
}
