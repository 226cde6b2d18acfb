package cluster

import (
	"fmt"
	"math"
	"testing"
)

// кольцо из N нод с заданным числом реплик
func makeRing(n, replicas int) *HashRing {
	r := NewHashRing(replicas)
	for i := 1; i <= n; i++ {
		r.AddNode(fmt.Sprintf("node%d:8080", i))
	}
	return r
}

// равномерность распределения ~ 1/N с допуском
func TestRing_DistributionUniformity(t *testing.T) {
	N := 3
	r := makeRing(N, 128)
	total := 60_000

	counts := map[string]int{}
	for i := 0; i < total; i++ {
		k := fmt.Sprintf("key-%d", i)
		n, ok := r.GetNode(k)
		if !ok {
			t.Fatalf("ring returned no owner for key %q", k)
		}
		counts[n]++
	}
	ideal := float64(total) / float64(N)
	tolerance := 0.15 * ideal // 15% коридор

	for node, c := range counts {
		diff := math.Abs(float64(c) - ideal)
		if diff > tolerance {
			t.Fatalf("node %s: count=%d ideal=%.0f diff=%.0f > tol=%.0f", node, c, ideal, diff, tolerance)
		}
	}
}

// минимальные перемещения при добавлении ноды (~1/(N+1))
func TestRing_MinimalMovementOnAdd(t *testing.T) {
	N := 3
	replicas := 128
	total := 100_000

	r := makeRing(N, replicas)
	before := make([]string, total)
	for i := 0; i < total; i++ {
		owner, ok := r.GetNode(fmt.Sprintf("k-%d", i))
		if !ok {
			t.Fatalf("no owner before add for i=%d", i)
		}
		before[i] = owner
	}

	r.AddNode("node4:8080")

	moved := 0
	for i := 0; i < total; i++ {
		now, ok := r.GetNode(fmt.Sprintf("k-%d", i))
		if !ok {
			t.Fatalf("no owner after add for i=%d", i)
		}
		if before[i] != now {
			moved++
		}
	}
	frac := float64(moved) / float64(total)
	if frac < 0.18 || frac > 0.32 { // ожидаемо около 0.25
		t.Fatalf("moved fraction %.3f out of expected range [0.18..0.32]", frac)
	}
}

func TestRing_Deterministic(t *testing.T) {
	a := makeRing(3, 128)
	b := makeRing(3, 128)
	for i := 0; i < 10_000; i++ {
		k := fmt.Sprintf("id-%d", i)
		oa, oka := a.GetNode(k)
		ob, okb := b.GetNode(k)
		if !oka || !okb || oa != ob {
			t.Fatalf("non-deterministic mapping for %s (oka=%v okb=%v oa=%q ob=%q)", k, oka, okb, oa, ob)
		}
	}
}

func TestRing_RemoveNode(t *testing.T) {
	r := makeRing(3, 128)
	owner, ok := r.GetNode("foo")
	if !ok {
		t.Fatal("no owner for key foo")
	}
	r.RemoveNode(owner)
	newOwner, ok := r.GetNode("foo")
	if !ok || newOwner == "" || newOwner == owner {
		t.Fatalf("remove failed: old=%s new=%s ok=%v", owner, newOwner, ok)
	}
}

func TestRing_Empty(t *testing.T) {
	r := NewHashRing(16)
	if _, ok := r.GetNode("foo"); ok {
		t.Fatal("empty ring must not return an owner")
	}
}

func TestShardLocator(t *testing.T) {
	l := NewShardLocator(8, 64)
	other := NewShardLocator(8, 64)
	seen := map[uint32]int{}
	for i := 0; i < 10_000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		id := l.Locate(key)
		if int(id) >= l.Shards() {
			t.Fatalf("shard %d out of range", id)
		}
		if again := other.Locate(key); again != id {
			t.Fatalf("locator is not stable for %s: %d vs %d", key, id, again)
		}
		seen[uint32(id)]++
	}
	if len(seen) != 8 {
		t.Fatalf("expected keys on all 8 shards, got %v", seen)
	}

	if id := NewShardLocator(1, 64).Locate([]byte("x")); id != 0 {
		t.Fatalf("single shard locator returned %d", id)
	}
}

func TestRing_Membership(t *testing.T) {
	r := makeRing(3, 32)
	before := ownerMap(t, r)

	// повторное добавление ничего не меняет
	r.AddNode("node2:8080")
	if r.Len() != 3 {
		t.Fatalf("expected 3 members, got %d", r.Len())
	}
	if after := ownerMap(t, r); len(after) != len(before) {
		t.Fatalf("mapping changed after re-adding a member")
	} else {
		for k, v := range before {
			if after[k] != v {
				t.Fatalf("key %s moved from %s to %s", k, v, after[k])
			}
		}
	}

	r.RemoveNode("absent:1")
	r.RemoveNode("node1:8080")
	got := r.ListNodes()
	if len(got) != 2 || got[0] != "node2:8080" || got[1] != "node3:8080" {
		t.Fatalf("unexpected members %v", got)
	}
}

// ownerMap снимает отображение набора ключей
func ownerMap(t *testing.T, h *HashRing) map[string]string {
	t.Helper()
	m := make(map[string]string, 1000)
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("m-%d", i)
		owner, ok := h.GetNode(k)
		if !ok {
			t.Fatalf("no owner for %s", k)
		}
		m[k] = owner
	}
	return m
}
