package cluster

import (
	"context"

	"btreekv/pkg/btree"
	"btreekv/pkg/types"
)

// KV is the key-value contract shared by the local store, the replicated
// store, remote nodes and the Router itself.
type KV interface {
	Get(ctx context.Context, key []byte) (types.Item, bool, error)
	Set(ctx context.Context, key, value []byte) (types.CasTime, error)
	Delete(ctx context.Context, key []byte) (bool, error)
	IncrDecr(ctx context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error)
}

// ClientFactory - фабрика клиентов для удалённых нод
type ClientFactory func(target string) (KV, error)
