package cluster

import (
	"fmt"

	"btreekv/pkg/types"
)

// ShardLocator maps keys to the local slices. The mapping only depends on the
// number of shards, so it is stable across restarts.
type ShardLocator struct {
	ring   *HashRing
	shards int
}

func NewShardLocator(shards, replicas int) *ShardLocator {
	r := NewHashRing(replicas)
	for i := 0; i < shards; i++ {
		r.AddNode(shardName(types.ShardID(i)))
	}
	return &ShardLocator{ring: r, shards: shards}
}

func shardName(id types.ShardID) string {
	return fmt.Sprintf("shard-%d", id)
}

// Locate returns the shard owning key.
func (l *ShardLocator) Locate(key []byte) types.ShardID {
	if l.shards <= 1 {
		return 0
	}
	id, err := ShardFromRing(l.ring, key)
	if err != nil {
		// every ring node is a shard name written by NewShardLocator
		panic(err)
	}
	return id
}

func (l *ShardLocator) Shards() int { return l.shards }

func ShardFromRing(r *HashRing, key []byte) (types.ShardID, error) {
	nodeName, ok := r.Owner(key)
	if !ok {
		return 0, fmt.Errorf("ring empty")
	}
	// nodeName = "shard-7"
	var id uint32
	if _, err := fmt.Sscanf(nodeName, "shard-%d", &id); err != nil {
		return 0, fmt.Errorf("parse shard from %q: %w", nodeName, err)
	}
	return types.ShardID(id), nil
}
