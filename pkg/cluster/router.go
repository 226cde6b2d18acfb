package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"btreekv/pkg/btree"
	"btreekv/pkg/types"
)

var ErrRingEmpty = errors.New("cluster: ring is empty")

// Router serves keys owned by this node from Local and forwards the rest to
// the owning node. The ring is swapped as membership changes.
type Router struct {
	LocalAddr string // текущая нода
	Ring      *HashRing
	Local     KV
	NewClient ClientFactory

	mu      sync.RWMutex
	clients map[string]KV
}

func (r *Router) owner(key []byte) (string, error) {
	r.mu.RLock()
	ring := r.Ring
	r.mu.RUnlock()

	if ring == nil {
		return "", fmt.Errorf("ring is not initialized")
	}

	node, ok := ring.Owner(key)
	if !ok {
		return "", ErrRingEmpty
	}
	return node, nil
}

// UpdateRing заменяет кольцо; клиенты ушедших нод отбрасываются.
func (r *Router) UpdateRing(newRing *HashRing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ring = newRing

	alive := make(map[string]struct{})
	for _, n := range newRing.ListNodes() {
		alive[n] = struct{}{}
	}
	for target := range r.clients {
		if _, ok := alive[target]; !ok {
			delete(r.clients, target)
		}
	}
	slog.Info("router ring updated", "nodes", newRing.ListNodes())
}

// route returns the KV that owns key.
func (r *Router) route(method string, key []byte) (KV, error) {
	target, err := r.owner(key)
	if err != nil {
		return nil, err
	}

	local := target == r.LocalAddr
	slog.Debug("route", "method", method, "key", string(key), "target", target, "local", local)
	if local {
		return r.Local, nil
	}
	return r.client(target)
}

func (r *Router) client(target string) (KV, error) {
	r.mu.RLock()
	cl, ok := r.clients[target]
	r.mu.RUnlock()
	if ok {
		return cl, nil
	}

	cl, err := r.NewClient(target)
	if err != nil {
		return nil, fmt.Errorf("router: create client: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = make(map[string]KV)
	}
	if existing, ok := r.clients[target]; ok {
		return existing, nil
	}
	r.clients[target] = cl
	return cl, nil
}

func (r *Router) Get(ctx context.Context, key []byte) (types.Item, bool, error) {
	kv, err := r.route("GET", key)
	if err != nil {
		return types.Item{}, false, err
	}
	return kv.Get(ctx, key)
}

func (r *Router) Set(ctx context.Context, key, value []byte) (types.CasTime, error) {
	kv, err := r.route("SET", key)
	if err != nil {
		return types.CasTime{}, err
	}
	return kv.Set(ctx, key, value)
}

func (r *Router) Delete(ctx context.Context, key []byte) (bool, error) {
	kv, err := r.route("DELETE", key)
	if err != nil {
		return false, err
	}
	return kv.Delete(ctx, key)
}

func (r *Router) IncrDecr(ctx context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error) {
	method := "DECR"
	if increment {
		method = "INCR"
	}
	kv, err := r.route(method, key)
	if err != nil {
		return btree.IncrDecrResult{}, err
	}
	return kv.IncrDecr(ctx, key, increment, delta)
}
