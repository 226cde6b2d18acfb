package cluster

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// vnode - виртуальная нода: точка на кольце и её владелец
type vnode struct {
	hash uint32
	node string
}

// HashRing реализует consistent hashing с виртуальными нодами.
// Ключи хэшируются как байты, поэтому кольцо годится и для шардов, и для нод кластера.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	points   []vnode // по возрастанию hash
	members  map[string]struct{}
}

func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = 1
	}
	return &HashRing{
		replicas: replicas,
		members:  make(map[string]struct{}),
	}
}

func pointHash(node string, i int) uint32 {
	label := make([]byte, 0, len(node)+8)
	label = append(label, node...)
	label = append(label, '#')
	label = strconv.AppendInt(label, int64(i), 10)
	return crc32.ChecksumIEEE(label)
}

// AddNode places replicas points of node on the ring. Adding a member twice
// is a no-op; a point colliding with another member's point is skipped.
func (h *HashRing) AddNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[node]; ok {
		return
	}
	h.members[node] = struct{}{}

	taken := make(map[uint32]struct{}, len(h.points))
	for _, p := range h.points {
		taken[p.hash] = struct{}{}
	}
	for i := 0; i < h.replicas; i++ {
		hash := pointHash(node, i)
		if _, ok := taken[hash]; ok {
			continue
		}
		taken[hash] = struct{}{}
		h.points = append(h.points, vnode{hash: hash, node: node})
	}
	sort.Slice(h.points, func(i, j int) bool { return h.points[i].hash < h.points[j].hash })
}

func (h *HashRing) RemoveNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[node]; !ok {
		return
	}
	delete(h.members, node)

	kept := h.points[:0]
	for _, p := range h.points {
		if p.node != node {
			kept = append(kept, p)
		}
	}
	h.points = kept
}

// GetNode возвращает владельца ключа; false, если кольцо пустое.
func (h *HashRing) GetNode(key string) (string, bool) {
	return h.Owner([]byte(key))
}

// Owner returns the member owning the first point at or after the key's hash.
func (h *HashRing) Owner(key []byte) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.points) == 0 {
		return "", false
	}

	hash := crc32.ChecksumIEEE(key)
	idx := sort.Search(len(h.points), func(i int) bool { return h.points[i].hash >= hash })
	if idx == len(h.points) {
		idx = 0
	}
	return h.points[idx].node, true
}

// ListNodes возвращает отсортированный список участников.
func (h *HashRing) ListNodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]string, 0, len(h.members))
	for name := range h.members {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

func (h *HashRing) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
