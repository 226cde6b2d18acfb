package http

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"btreekv/pkg/btree"
	"btreekv/pkg/cluster"
	"btreekv/pkg/config"
	"btreekv/pkg/rpc"
	"btreekv/pkg/store"
)

// testNode is one node of an in-process cluster: a real store behind the
// HTTP API with a Router over a static ring.
type testNode struct {
	addr  string
	store *store.Store
	ts    *httptest.Server
}

func startTestCluster(t *testing.T, n int) []*testNode {
	t.Helper()

	nodes := make([]*testNode, n)
	ring := cluster.NewHashRing(50)
	for i := range nodes {
		ts := httptest.NewUnstartedServer(nil)
		nodes[i] = &testNode{addr: ts.Listener.Addr().String(), ts: ts}
		ring.AddNode(nodes[i].addr)
	}

	for i, node := range nodes {
		db, err := store.New(config.DBConfig{
			DataDir:     t.TempDir(),
			Shards:      2,
			NodeSize:    512,
			Compression: "zstd",
			WAL:         config.WALConfig{QueueSize: 16},
		}, nil)
		if err != nil {
			t.Fatalf("node %d: store: %v", i, err)
		}
		node.store = db

		router := &cluster.Router{
			LocalAddr: node.addr,
			Ring:      ring,
			Local:     db,
			NewClient: func(target string) (cluster.KV, error) {
				return rpc.NewHTTPRemote(target, rpc.Options{Timeout: time.Second, Forwarded: true}), nil
			},
		}
		server := NewServer(config.ServerConfig{}, router)
		server.SetLocal(db)
		server.SetAdmin(db)
		node.ts.Config.Handler = server.createRouter()
		node.ts.Start()
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			node.ts.Close()
			_ = node.store.Close(context.Background())
		}
	})
	return nodes
}

func TestClusterRouting(t *testing.T) {
	nodes := startTestCluster(t, 3)
	ring := cluster.NewHashRing(50)
	for _, n := range nodes {
		ring.AddNode(n.addr)
	}
	ctx := context.Background()

	// все записи идут через первую ноду
	entry := rpc.NewHTTPRemote(nodes[0].ts.URL, rpc.Options{Timeout: time.Second})
	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := entry.Set(ctx, []byte(key), []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}

	owned := make(map[string]int)
	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("key-%d", i)
		owner, _ := ring.Owner([]byte(key))
		for _, n := range nodes {
			_, found, err := n.store.Get(ctx, []byte(key))
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if found != (n.addr == owner) {
				t.Fatalf("key %s: found=%v on %s, owner %s", key, found, n.addr, owner)
			}
		}
		owned[owner]++
	}
	if len(owned) < 2 {
		t.Fatalf("Expected keys on several nodes, got %v", owned)
	}

	// читать можно через любую ноду
	for _, n := range nodes[1:] {
		remote := rpc.NewHTTPRemote(n.ts.URL, rpc.Options{Timeout: time.Second})
		item, found, err := remote.Get(ctx, []byte("key-7"))
		if err != nil || !found || string(item.Value) != "7" {
			t.Fatalf("Get via %s = %+v, %v, %v", n.addr, item, found, err)
		}
	}

	t.Run("IncrDecr through a non-owner", func(t *testing.T) {
		owner, _ := ring.Owner([]byte("key-5"))
		var via *testNode
		for _, n := range nodes {
			if n.addr != owner {
				via = n
				break
			}
		}
		remote := rpc.NewHTTPRemote(via.ts.URL, rpc.Options{Timeout: time.Second})
		res, err := remote.IncrDecr(ctx, []byte("key-5"), true, 10)
		if err != nil || res.Status != btree.IncrDecrSuccess || res.Value != 15 {
			t.Fatalf("incr = %+v, %v", res, err)
		}
		res, err = remote.IncrDecr(ctx, []byte("key-5"), false, 16)
		if err != nil || res.Value != 0 {
			t.Fatalf("decr = %+v, %v", res, err)
		}
		res, err = remote.IncrDecr(ctx, []byte("no-such-key"), true, 1)
		if err != nil || res.Status != btree.IncrDecrNotFound {
			t.Fatalf("incr missing = %+v, %v", res, err)
		}
	})

	t.Run("Delete through a non-owner", func(t *testing.T) {
		remote := rpc.NewHTTPRemote(nodes[2].ts.URL, rpc.Options{Timeout: time.Second})
		for i := 0; i < 10; i++ {
			found, err := remote.Delete(ctx, []byte(fmt.Sprintf("key-%d", i)))
			if err != nil || !found {
				t.Fatalf("Delete key-%d = %v, %v", i, found, err)
			}
		}
		if _, found, _ := entry.Get(ctx, []byte("key-3")); found {
			t.Fatal("key-3 still visible after delete")
		}
	})
}
