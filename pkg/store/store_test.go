package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"btreekv/pkg/btree"
	"btreekv/pkg/config"
	"btreekv/pkg/types"
)

// mockTimeProvider implements clock.TimeProvider for testing
type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.now
}

func testConfig(dir string) config.DBConfig {
	return config.DBConfig{
		DataDir:     dir,
		Shards:      4,
		NodeSize:    512,
		Compression: "zstd",
		CachePages:  16,
		WAL: config.WALConfig{
			Sync:      false,
			QueueSize: 64,
		},
	}
}

func openStore(t *testing.T, cfg config.DBConfig) *Store {
	t.Helper()
	s, err := New(cfg, &mockTimeProvider{now: time.Now()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := openStore(t, testConfig(t.TempDir()))
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

// crash stops the store without the final checkpoint.
func crash(t *testing.T, s *Store) {
	t.Helper()
	s.closed.Store(true)
	s.cp.Stop()
	s.jr.Stop()
	if err := s.jr.Close(); err != nil {
		t.Fatalf("WAL close failed: %v", err)
	}
}

func TestStore_PutString_GetString(t *testing.T) {
	store := newTestStore(t)

	err := store.PutString("key1", "value1")
	if err != nil {
		t.Fatalf("PutString failed: %v", err)
	}

	value, found, err := store.GetString("key1")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if !found {
		t.Fatal("Expected to find key1")
	}
	if value != "value1" {
		t.Fatalf("Expected 'value1', got '%s'", value)
	}
}

func TestStore_DeleteString(t *testing.T) {
	store := newTestStore(t)

	if err := store.PutString("key1", "value1"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	if err := store.DeleteString("key1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	value, found, err := store.GetString("key1")
	if err != nil {
		t.Fatalf("GetString after delete failed: %v", err)
	}
	if found {
		t.Fatalf("Expected key1 to be deleted, but found value: %s", value)
	}

	// deleting again is not an error
	found, err = store.Delete(context.Background(), []byte("key1"))
	if err != nil || found {
		t.Fatalf("Expected a miss, got found=%v err=%v", found, err)
	}
}

func TestStore_Overwrite(t *testing.T) {
	store := newTestStore(t)

	for _, v := range []string{"value1", "value2", "a much longer value3"} {
		if err := store.PutString("key1", v); err != nil {
			t.Fatalf("PutString failed: %v", err)
		}
		got, found, err := store.GetString("key1")
		if err != nil || !found || got != v {
			t.Fatalf("Expected %q, got %q (found=%v err=%v)", v, got, found, err)
		}
	}
}

func TestStore_Put(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name  string
		value any
		want  string
		err   error
	}{
		{"string", "abc", "abc", nil},
		{"bytes", []byte("raw"), "raw", nil},
		{"uint64", uint64(42), "42", nil},
		{"unsupported", 3.14, "", ErrValueTypeNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Put(tt.name, tt.value)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected %v, got %v", tt.err, err)
			}
			if tt.err != nil {
				return
			}
			got, _, err := store.GetString(tt.name)
			if err != nil || got != tt.want {
				t.Fatalf("Expected %q, got %q (%v)", tt.want, got, err)
			}
		})
	}
}

func TestStore_CasTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ct1, err := store.Set(ctx, []byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	item, ok, err := store.Get(ctx, []byte("a"))
	if err != nil || !ok || item.CasTime != ct1 {
		t.Fatalf("Expected stored CasTime %+v, got %+v (ok=%v err=%v)", ct1, item.CasTime, ok, err)
	}

	ct2, err := store.Set(ctx, []byte("a"), []byte("2"))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ct2.Timestamp <= ct1.Timestamp || ct2.Cas == ct1.Cas {
		t.Fatalf("CasTimes must advance: %+v then %+v", ct1, ct2)
	}

	// a foreign CasTime is stored verbatim and later ones follow it
	foreign := types.CasTime{Cas: ct2.Cas + 1000, Timestamp: ct2.Timestamp + 1000}
	if err := store.ApplySet(ctx, []byte("b"), []byte("x"), foreign); err != nil {
		t.Fatalf("ApplySet failed: %v", err)
	}
	item, _, _ = store.Get(ctx, []byte("b"))
	if item.CasTime != foreign {
		t.Fatalf("Expected %+v, got %+v", foreign, item.CasTime)
	}
	ct3, _ := store.Set(ctx, []byte("c"), []byte("y"))
	if ct3.Timestamp <= foreign.Timestamp || ct3.Cas <= foreign.Cas {
		t.Fatalf("CasTime %+v does not follow %+v", ct3, foreign)
	}
}

func TestStore_IncrDecr(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.IncrDecr(ctx, []byte("missing"), true, 1)
	if err != nil || res.Status != btree.IncrDecrNotFound {
		t.Fatalf("Expected not found, got %+v (%v)", res, err)
	}

	if err := store.PutString("text", "hello"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	res, err = store.IncrDecr(ctx, []byte("text"), true, 1)
	if err != nil || res.Status != btree.IncrDecrNotANumber {
		t.Fatalf("Expected not a number, got %+v (%v)", res, err)
	}

	if err := store.Put("n", uint64(10)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	res, err = store.IncrDecr(ctx, []byte("n"), true, 5)
	if err != nil || res.Status != btree.IncrDecrSuccess || res.Value != 15 {
		t.Fatalf("Expected 15, got %+v (%v)", res, err)
	}
	res, err = store.IncrDecr(ctx, []byte("n"), false, 100)
	if err != nil || res.Value != 0 {
		t.Fatalf("Expected decrement to floor at 0, got %+v (%v)", res, err)
	}

	item, _, _ := store.Get(ctx, []byte("n"))
	if string(item.Value) != "0" || item.CasTime != res.CasTime {
		t.Fatalf("Unexpected stored counter %+v", item)
	}
}

func TestStore_NonExistentKey(t *testing.T) {
	store := newTestStore(t)

	value, found, err := store.GetString("non_existent_key")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if found {
		t.Fatalf("Expected key not to be found, but got value: %s", value)
	}
}

func TestStore_InvalidKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Set(ctx, nil, []byte("v")); err == nil {
		t.Fatal("Expected an error for an empty key")
	}
	long := make([]byte, store.KeyLimit()+1)
	for i := range long {
		long[i] = 'k'
	}
	if _, err := store.Set(ctx, long, []byte("v")); err == nil {
		t.Fatal("Expected an error for an oversized key")
	}
}

func TestStore_Closed(t *testing.T) {
	store := openStore(t, testConfig(t.TempDir()))
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.PutString("k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if _, _, err := store.GetString("k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	// second close is a no-op
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
