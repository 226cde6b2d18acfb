package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"btreekv/pkg/btree"
	"btreekv/pkg/codec"
	"btreekv/pkg/types"
)

// ====== фейк KV: и локальное хранилище, и удалённый клиент ======

type fakeKV struct {
	mu   sync.Mutex
	data map[string]types.Item
	next uint64
	fail bool

	puts, gets, dels, incrs int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]types.Item)}
}

var errUnavailable = errors.New("remote unavailable")

func (f *fakeKV) Get(_ context.Context, key []byte) (types.Item, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.fail {
		return types.Item{}, false, errUnavailable
	}
	it, ok := f.data[string(key)]
	return it, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value []byte) (types.CasTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.fail {
		return types.CasTime{}, errUnavailable
	}
	f.next++
	ct := types.CasTime{Cas: f.next, Timestamp: f.next}
	f.data[string(key)] = types.Item{Value: value, CasTime: ct}
	return ct, nil
}

func (f *fakeKV) Delete(_ context.Context, key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dels++
	if f.fail {
		return false, errUnavailable
	}
	_, ok := f.data[string(key)]
	delete(f.data, string(key))
	return ok, nil
}

func (f *fakeKV) IncrDecr(_ context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrs++
	if f.fail {
		return btree.IncrDecrResult{}, errUnavailable
	}
	it, ok := f.data[string(key)]
	if !ok {
		return btree.IncrDecrResult{Status: btree.IncrDecrNotFound}, nil
	}
	v, ok := codec.ParseUint64(it.Value)
	if !ok {
		return btree.IncrDecrResult{Status: btree.IncrDecrNotANumber}, nil
	}
	switch {
	case increment:
		v += delta
	case v < delta:
		v = 0
	default:
		v -= delta
	}
	f.next++
	it = types.Item{Value: codec.FormatUint64(v), CasTime: types.CasTime{Cas: f.next, Timestamp: f.next}}
	f.data[string(key)] = it
	return btree.IncrDecrResult{Status: btree.IncrDecrSuccess, Value: v, CasTime: it.CasTime}, nil
}

// findKeyForOwner — подбирает ключ, который по Ring.GetNode попадает на нужную ноду
func findKeyForOwner(r *HashRing, owner string) string {
	for i := 0; i < 1_000_000; i++ {
		k := fmt.Sprintf("k-%d", i)
		if n, ok := r.GetNode(k); ok && n == owner {
			return k
		}
	}
	return ""
}

func newTestRouter(t *testing.T, local string, nodes ...string) (*Router, *fakeKV, map[string]*fakeKV) {
	t.Helper()
	ring := NewHashRing(128)
	for _, n := range nodes {
		ring.AddNode(n)
	}

	localKV := newFakeKV()
	remotes := map[string]*fakeKV{}
	router := &Router{
		LocalAddr: local,
		Ring:      ring,
		Local:     localKV,
		NewClient: func(target string) (KV, error) {
			if r, ok := remotes[target]; ok {
				return r, nil
			}
			r := newFakeKV()
			remotes[target] = r
			return r, nil
		},
	}
	return router, localKV, remotes
}

func TestRouter_RoutesLocalAndRemote(t *testing.T) {
	ctx := context.Background()
	local := "node1:8080"
	router, localKV, remotes := newTestRouter(t, local, "node1:8080", "node2:8080", "node3:8080")

	keys := map[string]string{}
	for _, n := range []string{local, "node2:8080", "node3:8080"} {
		k := findKeyForOwner(router.Ring, n)
		if k == "" {
			t.Fatalf("failed to find key for %s", n)
		}
		got, err := router.owner([]byte(k))
		if err != nil || got != n {
			t.Fatalf("owner(%q) = %s, %v; want %s", k, got, err, n)
		}
		keys[n] = k
	}

	for n, k := range keys {
		if _, err := router.Set(ctx, []byte(k), []byte("V-"+n)); err != nil {
			t.Fatalf("Set(%s) error: %v", k, err)
		}
	}

	// локальный key ушёл в локальное KV
	if it, ok, err := router.Get(ctx, []byte(keys[local])); err != nil || !ok || string(it.Value) != "V-"+local {
		t.Fatalf("Get(localKey) = %q, %v, %v", it.Value, ok, err)
	}
	if localKV.puts != 1 || localKV.gets != 1 {
		t.Fatalf("localKV counters: puts=%d gets=%d, want 1 and 1", localKV.puts, localKV.gets)
	}

	for _, n := range []string{"node2:8080", "node3:8080"} {
		r := remotes[n]
		if r == nil {
			t.Fatalf("no remote client created for %s", n)
		}
		if it, ok, err := router.Get(ctx, []byte(keys[n])); err != nil || !ok || string(it.Value) != "V-"+n {
			t.Fatalf("Get(%s) = %q, %v, %v", keys[n], it.Value, ok, err)
		}
		if r.puts != 1 || r.gets != 1 {
			t.Fatalf("remote(%s) counters: puts=%d gets=%d", n, r.puts, r.gets)
		}
	}
	if _, ok := remotes[local]; ok {
		t.Fatal("router must not create a client for the local node")
	}

	// Delete идёт туда же, куда и запись
	for n, k := range keys {
		if found, err := router.Delete(ctx, []byte(k)); err != nil || !found {
			t.Fatalf("Delete(%s) = %v, %v", k, found, err)
		}
		if _, ok, _ := router.Get(ctx, []byte(k)); ok {
			t.Fatalf("key of %s still exists after delete", n)
		}
	}
}

func TestRouter_IncrDecr(t *testing.T) {
	ctx := context.Background()
	router, _, remotes := newTestRouter(t, "node1:8080", "node1:8080", "node2:8080")
	key := []byte(findKeyForOwner(router.Ring, "node2:8080"))

	res, err := router.IncrDecr(ctx, key, true, 1)
	if err != nil || res.Status != btree.IncrDecrNotFound {
		t.Fatalf("Expected not found, got %+v (%v)", res, err)
	}
	if _, err := router.Set(ctx, key, []byte("7")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err = router.IncrDecr(ctx, key, false, 10)
	if err != nil || res.Status != btree.IncrDecrSuccess || res.Value != 0 {
		t.Fatalf("Expected 0, got %+v (%v)", res, err)
	}
	if remotes["node2:8080"].incrs != 2 {
		t.Fatalf("Expected 2 remote incr calls, got %d", remotes["node2:8080"].incrs)
	}
}

func TestRouter_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty ring", func(t *testing.T) {
		router, _, _ := newTestRouter(t, "node1:8080")
		if _, _, err := router.Get(ctx, []byte("k")); !errors.Is(err, ErrRingEmpty) {
			t.Fatalf("Expected ErrRingEmpty, got %v", err)
		}
	})

	t.Run("remote failure", func(t *testing.T) {
		router, _, remotes := newTestRouter(t, "node1:8080", "node1:8080", "node2:8080")
		key := []byte(findKeyForOwner(router.Ring, "node2:8080"))
		if _, err := router.Set(ctx, key, []byte("v")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		remotes["node2:8080"].fail = true
		if _, _, err := router.Get(ctx, key); !errors.Is(err, errUnavailable) {
			t.Fatalf("Expected remote error, got %v", err)
		}
	})

	t.Run("client factory failure", func(t *testing.T) {
		router, _, _ := newTestRouter(t, "node1:8080", "node1:8080", "node2:8080")
		router.NewClient = func(string) (KV, error) { return nil, errUnavailable }
		key := []byte(findKeyForOwner(router.Ring, "node2:8080"))
		if _, err := router.Set(ctx, key, []byte("v")); !errors.Is(err, errUnavailable) {
			t.Fatalf("Expected factory error, got %v", err)
		}
	})
}

func TestRouter_UpdateRing(t *testing.T) {
	ctx := context.Background()
	router, localKV, remotes := newTestRouter(t, "node1:8080", "node1:8080", "node2:8080")
	key := []byte(findKeyForOwner(router.Ring, "node2:8080"))

	if _, err := router.Set(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if remotes["node2:8080"].puts != 1 {
		t.Fatal("Expected the write to go to node2")
	}

	// node2 ушла: всё принадлежит локальной ноде, клиент node2 забыт
	solo := NewHashRing(128)
	solo.AddNode("node1:8080")
	router.UpdateRing(solo)
	if _, err := router.Set(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if localKV.puts != 1 {
		t.Fatalf("Expected the write to stay local, puts=%d", localKV.puts)
	}
	if len(router.clients) != 0 {
		t.Fatalf("Expected stale clients to be dropped, have %d", len(router.clients))
	}
}
