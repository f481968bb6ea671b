package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/deforma/pkg/models"
	"github.com/HatiCode/deforma/pkg/raster"
)

func snapshotAt(x, y float64, values ...float64) Snapshot {
	p := []raster.Point{{X: x, Y: y}}
	return Snapshot{
		Key:            Key("/data/stack", p),
		Source:         "/data/stack",
		Mode:           "point",
		Points:         p,
		Model:          models.Poly1,
		EffectiveModel: models.Poly1,
		GeneratedAt:    time.Now(),
		Values:         values,
	}
}

func TestKey(t *testing.T) {
	a := Key("/data/stack", []raster.Point{{X: 1, Y: 2}})
	if len(a) != 64 {
		t.Fatalf("Key length = %d, want 64 hex chars", len(a))
	}
	if b := Key("/data/stack", []raster.Point{{X: 1, Y: 2}}); a != b {
		t.Errorf("Key is not deterministic: %s != %s", a, b)
	}

	others := []string{
		Key("/data/other", []raster.Point{{X: 1, Y: 2}}),
		Key("/data/stack", []raster.Point{{X: 2, Y: 1}}),
		Key("/data/stack", []raster.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}),
		Key("/data/stack", nil),
	}
	for i, o := range others {
		if o == a {
			t.Errorf("other[%d] collides with base key", i)
		}
	}
	if err := validKey(a); err != nil {
		t.Errorf("derived key rejected: %v", err)
	}
}

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if store.Len() != 0 {
		t.Errorf("New store should be empty, got %d snapshots", store.Len())
	}
}

func TestMemoryStore_Put_Get(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  bool
	}{
		{
			name:     "valid snapshot",
			snapshot: snapshotAt(10, 20, 1, 2, 3),
		},
		{
			name:     "empty key",
			snapshot: Snapshot{Source: "/data/stack", Values: []float64{1}},
			wantErr:  true,
		},
		{
			name:     "minimal valid snapshot",
			snapshot: Snapshot{Key: "minimal"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			err := store.Put(context.Background(), tt.snapshot)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrEmptyKey) {
					t.Errorf("Put() error = %v, want ErrEmptyKey", err)
				}
				return
			}

			got, found, err := store.GetLatest(context.Background(), tt.snapshot.Key)
			if err != nil {
				t.Fatalf("GetLatest() unexpected error = %v", err)
			}
			if !found {
				t.Fatal("GetLatest() found = false, want true")
			}
			if got.Key != tt.snapshot.Key || got.Source != tt.snapshot.Source {
				t.Errorf("GetLatest() = %+v, want %+v", got, tt.snapshot)
			}
			if len(got.Values) != len(tt.snapshot.Values) {
				t.Errorf("Values = %v, want %v", got.Values, tt.snapshot.Values)
			}
		})
	}
}

func TestMemoryStore_GetLatest_NotFound(t *testing.T) {
	store := NewMemoryStore()

	snapshot, found, err := store.GetLatest(context.Background(), "nonexistent")
	if err != nil {
		t.Errorf("GetLatest() unexpected error = %v", err)
	}
	if found {
		t.Error("GetLatest() found = true for nonexistent key, want false")
	}
	if snapshot.Key != "" {
		t.Errorf("GetLatest() returned non-zero snapshot for nonexistent key")
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, snapshotAt(1, 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
	if _, _, err := store.GetLatest(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("GetLatest() error = %v, want context.Canceled", err)
	}
}

func TestMemoryStore_Put_Update(t *testing.T) {
	store := NewMemoryStore()

	first := snapshotAt(5, 5, 1, 2)
	second := snapshotAt(5, 5, 7, 8, 9)
	second.GeneratedAt = first.GeneratedAt.Add(time.Minute)

	for _, s := range []Snapshot{first, second} {
		if err := store.Put(context.Background(), s); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	got, found, err := store.GetLatest(context.Background(), first.Key)
	if err != nil || !found {
		t.Fatalf("GetLatest() found=%v err=%v", found, err)
	}
	if len(got.Values) != 3 || got.Values[0] != 7 {
		t.Errorf("GetLatest() returned old snapshot, want updated one")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d after update, want 1", store.Len())
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	key := snapshotAt(1, 1).Key

	numGoroutines := 50
	numOperations := 100

	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := range numGoroutines {
		go func(id int) {
			defer wg.Done()
			for j := range numOperations {
				if err := store.Put(context.Background(), snapshotAt(1, 1, float64(id), float64(j))); err != nil {
					t.Errorf("Concurrent Put() error = %v", err)
				}
			}
		}(i)
	}

	wg.Add(numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			for range numOperations {
				if _, _, err := store.GetLatest(context.Background(), key); err != nil {
					t.Errorf("Concurrent GetLatest() error = %v", err)
				}
			}
		}()
	}

	wg.Wait()

	if _, found, _ := store.GetLatest(context.Background(), key); !found {
		t.Error("Final GetLatest() found = false after concurrent operations")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d after concurrent operations, want 1", store.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	s := snapshotAt(3, 4)

	if err := store.Put(context.Background(), s); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !store.Delete(s.Key) {
		t.Error("Delete() returned false, want true for existing key")
	}
	if _, found, _ := store.GetLatest(context.Background(), s.Key); found {
		t.Error("GetLatest() found = true after delete, want false")
	}
	if store.Delete("nonexistent") {
		t.Error("Delete() returned true for nonexistent key, want false")
	}
}

func TestMemoryStoreWithTTL_Expiration(t *testing.T) {
	ttl := 100 * time.Millisecond
	cleanupInterval := 50 * time.Millisecond
	store := NewMemoryStoreWithTTL(ttl, cleanupInterval)
	defer store.Stop()

	s := snapshotAt(1, 2)
	if err := store.Put(context.Background(), s); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, found, _ := store.GetLatest(context.Background(), s.Key); !found {
		t.Fatal("Snapshot should exist immediately after Put")
	}

	time.Sleep(ttl + cleanupInterval + 50*time.Millisecond)

	if _, found, _ := store.GetLatest(context.Background(), s.Key); found {
		t.Error("Snapshot should be removed after TTL expiration")
	}
}

func TestMemoryStoreWithTTL_KeepsFresh(t *testing.T) {
	ttl := 200 * time.Millisecond
	cleanupInterval := 50 * time.Millisecond
	store := NewMemoryStoreWithTTL(ttl, cleanupInterval)
	defer store.Stop()

	old := snapshotAt(1, 1)
	old.GeneratedAt = time.Now().Add(-300 * time.Millisecond)
	fresh := snapshotAt(2, 2)

	for _, s := range []Snapshot{old, fresh} {
		if err := store.Put(context.Background(), s); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	time.Sleep(cleanupInterval + 50*time.Millisecond)

	if _, found, _ := store.GetLatest(context.Background(), old.Key); found {
		t.Error("Old snapshot should be removed")
	}
	if _, found, _ := store.GetLatest(context.Background(), fresh.Key); !found {
		t.Error("Fresh snapshot should still exist")
	}
}

func TestMemoryStoreWithTTL_Stop(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, time.Second)

	done := make(chan struct{})
	go func() {
		store.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not complete within timeout")
	}

	// Calling Stop again should be safe
	store.Stop()
}

func TestMemoryStore_StopWithoutTTL(t *testing.T) {
	store := NewMemoryStore()
	store.Stop()

	if err := store.Put(context.Background(), snapshotAt(0, 0)); err != nil {
		t.Errorf("Put() after Stop() error = %v", err)
	}
}

func TestMemoryStoreWithTTL_PanicOnInvalidTTL(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewMemoryStoreWithTTL should panic with zero TTL")
		}
	}()

	NewMemoryStoreWithTTL(0, time.Second)
}

func TestMemoryStoreWithTTL_ConcurrentWithCleanup(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, 10*time.Millisecond)
	defer store.Stop()

	var wg sync.WaitGroup
	numGoroutines := 20

	wg.Add(numGoroutines)
	for i := range numGoroutines {
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", id)
			for range 10 {
				if err := store.Put(context.Background(), Snapshot{Key: key, GeneratedAt: time.Now()}); err != nil {
					t.Errorf("Put(%s) error = %v", key, err)
				}
				if _, _, err := store.GetLatest(context.Background(), key); err != nil {
					t.Errorf("GetLatest(%s) error = %v", key, err)
				}
				time.Sleep(5 * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != numGoroutines {
		t.Errorf("Len() = %d, want %d", store.Len(), numGoroutines)
	}
}

func BenchmarkMemoryStore_ConcurrentAccess(b *testing.B) {
	store := NewMemoryStore()
	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		_ = store.Put(context.Background(), Snapshot{Key: k})
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			k := keys[i%len(keys)]
			if i%2 == 0 {
				_ = store.Put(context.Background(), Snapshot{Key: k, Values: []float64{float64(i)}})
			} else {
				_, _, _ = store.GetLatest(context.Background(), k)
			}
			i++
		}
	})
}
