//go:build integration

package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container and returns its host:port.
func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	return strings.TrimPrefix(endpoint, "redis://")
}

func newTestRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()
	store, err := NewRedisStore(setupRedisContainer(t), "", 0, ttl)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_NewRedisStore(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	tests := []struct {
		name string
		addr string
		db   int
	}{
		{"empty addr", "", 0},
		{"negative db", "localhost:6379", -1},
		{"unreachable", "invalid:99999", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRedisStore(tt.addr, "", tt.db, time.Minute); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRedisStore_PutGet(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	original := snapshotAt(1025.5, 1985, 1.1, 2.2, 3.3)
	original.GeneratedAt = time.Now().UTC().Truncate(time.Second)
	vel := -4.25
	original.Velocity = &vel

	if err := store.Put(ctx, original); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.client.Exists(ctx, "deforma:snapshot:"+original.Key).Result()
	if err != nil {
		t.Fatalf("failed to check key existence: %v", err)
	}
	if exists != 1 {
		t.Error("expected key to exist in Redis")
	}

	got, found, err := store.GetLatest(ctx, original.Key)
	if err != nil || !found {
		t.Fatalf("GetLatest found=%v err=%v", found, err)
	}
	if got.Source != original.Source || got.EffectiveModel != original.EffectiveModel {
		t.Errorf("got %+v, want %+v", got, original)
	}
	if !got.GeneratedAt.Equal(original.GeneratedAt) {
		t.Errorf("GeneratedAt = %v, want %v", got.GeneratedAt, original.GeneratedAt)
	}
	if got.Velocity == nil || *got.Velocity != vel {
		t.Errorf("Velocity = %v, want %v", got.Velocity, vel)
	}
	for i := range original.Values {
		if got.Values[i] != original.Values[i] {
			t.Errorf("values[%d] = %f, want %f", i, got.Values[i], original.Values[i])
		}
	}

	_, found, err = store.GetLatest(ctx, "missing")
	if err != nil || found {
		t.Errorf("GetLatest(missing) found=%v err=%v", found, err)
	}
}

func TestRedisStore_InvalidKeys(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Put(ctx, Snapshot{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Put(empty) error = %v, want ErrEmptyKey", err)
	}
	for _, key := range []string{"a:b", "a b", "a/b", "a*"} {
		if err := store.Put(ctx, Snapshot{Key: key}); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
		if _, _, err := store.GetLatest(ctx, key); err == nil {
			t.Errorf("GetLatest(%q) should fail", key)
		}
	}
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	store := newTestRedisStore(t, 2*time.Second)
	ctx := context.Background()

	s := snapshotAt(1, 1)
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, found, _ := store.GetLatest(ctx, s.Key); !found {
		t.Fatal("snapshot should exist immediately after Put")
	}

	time.Sleep(3 * time.Second)

	if _, found, _ := store.GetLatest(ctx, s.Key); found {
		t.Error("snapshot should have expired")
	}
}

func TestRedisStore_Concurrency(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 20 {
				s := snapshotAt(float64(id), 0, float64(j))
				if err := store.Put(ctx, s); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				if _, _, err := store.GetLatest(ctx, s.Key); err != nil {
					t.Errorf("GetLatest failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestRedisStore_Close_Idempotent(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)

	for i := range 3 {
		if err := store.Close(); err != nil {
			t.Errorf("Close #%d failed: %v", i+1, err)
		}
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping after Close should fail")
	}
}
