package btree

import (
	"context"
	"fmt"

	"btreekv/pkg/codec"
	"btreekv/pkg/types"
)

// Get returns a copy of the entry stored under key.
func (s *Slice) Get(ctx context.Context, key []byte) (Entry, bool, error) {
	if err := s.validateKey(key); err != nil {
		return Entry{}, false, err
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	d, err := s.descendOptimistic(ctx, key, opRead)
	if err != nil {
		return Entry{}, false, err
	}
	defer d.release()

	leaf := d.leaf().node()
	i, ok := leaf.Lookup(key)
	if !ok {
		return Entry{}, false, nil
	}
	e := leaf.entries[i]
	return Entry{Key: clone(e.Key), Value: clone(e.Value), CasTime: e.CasTime}, true, nil
}

// Set stores value under key, replacing an existing entry.
func (s *Slice) Set(ctx context.Context, key, value []byte, ct types.CasTime) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	if err := s.validateValue(key, value); err != nil {
		return err
	}

	return s.write(ctx, key, opUpsert, func(d *descent, g *nodeGuard, pessimistic bool) bool {
		leaf := g.node()
		if !pessimistic && s.needsRebalance(g, leaf.sizeAfterPut(key, value)) {
			return true
		}
		if _, found := leaf.Lookup(key); !found {
			s.counters.keys.Add(1)
		}
		leaf.InsertOrReplace(key, value, ct, s.capacity)
		d.markDirty(g.ref)
		d.record(Mutation{Op: MutationSet, Key: key, Value: value, CasTime: ct})
		return false
	})
}

// needsRebalance reports whether changing the leaf held by g to size bytes
// would overflow it or leave a non-root leaf below the minimum fill.
func (s *Slice) needsRebalance(g *nodeGuard, size int) bool {
	if size > s.capacity {
		return true
	}
	return g.idx >= 0 && size < s.minFill && size < g.node().size
}

// Delete removes key. It reports whether the key was present.
func (s *Slice) Delete(ctx context.Context, key []byte) (bool, error) {
	if err := s.validateKey(key); err != nil {
		return false, err
	}

	var removed bool
	err := s.write(ctx, key, opDelete, func(d *descent, g *nodeGuard, pessimistic bool) bool {
		leaf := g.node()
		i, found := leaf.Lookup(key)
		if !found {
			removed = false
			return false
		}
		e := leaf.entries[i]
		after := leaf.size - leafEntrySize(e.Key, e.Value)
		if !pessimistic && g.idx >= 0 && after < s.minFill {
			return true
		}
		leaf.RemoveAt(i)
		d.markDirty(g.ref)
		d.record(Mutation{Op: MutationDelete, Key: key})
		s.counters.keys.Add(-1)
		removed = true
		return false
	})
	return removed, err
}

// Ascend calls fn for every entry in key order until fn returns false. It blocks
// all writers of the slice for its duration.
func (s *Slice) Ascend(fn func(Entry) bool) {
	s.quiesce.Lock()
	defer s.quiesce.Unlock()
	s.ascend(s.root, fn)
}

func (s *Slice) ascend(ref NodeRef, fn func(Entry) bool) bool {
	n := s.table.get(ref).node
	if n.leaf {
		for _, e := range n.entries {
			if !fn(e) {
				return false
			}
		}
		return true
	}
	for _, c := range n.children {
		if !s.ascend(c, fn) {
			return false
		}
	}
	return true
}

// Check verifies the structure of the tree: key order, separator ranges, node
// sizes, the minimum fill of non-root nodes and uniform leaf depth.
func (s *Slice) Check() error {
	s.quiesce.Lock()
	defer s.quiesce.Unlock()

	c := checker{s: s, leafDepth: -1}
	if err := c.node(s.root, nil, nil, 0, true); err != nil {
		return err
	}
	if c.leafDepth+1 != s.height {
		return fmt.Errorf("%w: height %d, leaves at depth %d", ErrInvariant, s.height, c.leafDepth+1)
	}
	if c.nodes != s.table.count() {
		return fmt.Errorf("%w: %d reachable nodes, %d allocated", ErrInvariant, c.nodes, s.table.count())
	}
	return nil
}

type checker struct {
	s         *Slice
	leafDepth int
	nodes     int
}

// node checks the subtree at ref; its keys must lie in [lo, hi).
func (c *checker) node(ref NodeRef, lo, hi []byte, depth int, isRoot bool) error {
	f := c.s.table.get(ref)
	if f == nil || f.node == nil {
		return fmt.Errorf("%w: dangling ref %d", ErrInvariant, ref)
	}
	n := f.node
	c.nodes++

	if n.size != n.computeSize() || n.size != len(n.Encode()) {
		return fmt.Errorf("%w: node %d size %d out of sync", ErrInvariant, ref, n.size)
	}
	if n.size > c.s.capacity {
		return fmt.Errorf("%w: node %d size %d exceeds %d", ErrInvariant, ref, n.size, c.s.capacity)
	}
	if !isRoot && n.size < c.s.minFill {
		return fmt.Errorf("%w: node %d size %d below minimum fill %d", ErrInvariant, ref, n.size, c.s.minFill)
	}
	inRange := func(k []byte) bool {
		return (lo == nil || codec.Compare(k, lo) >= 0) && (hi == nil || codec.Compare(k, hi) < 0)
	}

	if n.leaf {
		if c.leafDepth < 0 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			return fmt.Errorf("%w: leaf %d at depth %d, expected %d", ErrInvariant, ref, depth, c.leafDepth)
		}
		if !isRoot && len(n.entries) == 0 {
			return fmt.Errorf("%w: empty non-root leaf %d", ErrInvariant, ref)
		}
		for i, e := range n.entries {
			if !inRange(e.Key) {
				return fmt.Errorf("%w: key %q outside its node range", ErrInvariant, e.Key)
			}
			if i > 0 && codec.Compare(n.entries[i-1].Key, e.Key) >= 0 {
				return fmt.Errorf("%w: leaf %d keys out of order", ErrInvariant, ref)
			}
		}
		return nil
	}

	if len(n.children) < 2 || len(n.keys) != len(n.children)-1 {
		return fmt.Errorf("%w: internal node %d has %d children", ErrInvariant, ref, len(n.children))
	}
	for i, k := range n.keys {
		if !inRange(k) {
			return fmt.Errorf("%w: separator %q outside its node range", ErrInvariant, k)
		}
		if i > 0 && codec.Compare(n.keys[i-1], k) >= 0 {
			return fmt.Errorf("%w: node %d separators out of order", ErrInvariant, ref)
		}
	}
	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}
		if err := c.node(child, clo, chi, depth+1, false); err != nil {
			return err
		}
	}
	return nil
}
