package btree

import (
	"context"
	"fmt"
)

type opKind uint8

const (
	opRead opKind = iota
	opInsert
	opDelete
	// replaces a value, the leaf may grow or shrink
	opUpsert
)

func (k opKind) mayShrink() bool { return k == opDelete || k == opUpsert }

// descent holds the locks taken on the way from the root to one leaf and the
// bookkeeping of the changes made below them.
type descent struct {
	s    *Slice
	kind opKind

	// super is held only while the root may still change
	super *rootGuard
	// path is the contiguous chain of held nodes ending at the leaf
	path []*nodeGuard
	// siblings locked while fixing underflow
	extra []*nodeGuard

	dirty []NodeRef
	freed []NodeRef
}

func (d *descent) leaf() *nodeGuard { return d.path[len(d.path)-1] }

func (d *descent) markDirty(ref NodeRef) {
	for _, r := range d.dirty {
		if r == ref {
			return
		}
	}
	d.dirty = append(d.dirty, ref)
}

func (d *descent) free(ref NodeRef) {
	d.freed = append(d.freed, ref)
}

// releaseAncestors drops every held lock above the newest node of the path.
func (d *descent) releaseAncestors() {
	last := len(d.path) - 1
	for i := last - 1; i >= 0; i-- {
		d.path[i].Release()
	}
	d.path = append(d.path[:0], d.path[last])
	d.super.Release()
	d.super = nil
}

// release unlocks everything bottom-up, in reverse acquisition order.
func (d *descent) release() {
	for i := len(d.extra) - 1; i >= 0; i-- {
		d.extra[i].Release()
	}
	for i := len(d.path) - 1; i >= 0; i-- {
		d.path[i].Release()
	}
	d.super.Release()
}

// descendOptimistic crabs from the root to the leaf owning key with shared locks.
// The leaf is write-locked when writeLeaf is set.
func (s *Slice) descendOptimistic(ctx context.Context, key []byte, kind opKind) (*descent, error) {
	rg, err := s.AcquireRoot(ctx, false)
	if err != nil {
		return nil, err
	}

	writeLeaf := kind != opRead
	d := &descent{s: s, kind: kind}
	height := rg.height

	level := 0
	ref := rg.ref
	g := lockFrame(ref, s.table.get(ref), writeLeaf && level == height-1, -1)
	d.path = append(d.path, g)
	rg.Release()

	for level < height-1 {
		if err := ctx.Err(); err != nil {
			d.release()
			return nil, err
		}

		n := g.node()
		ci := n.ChildIndex(key)
		ref = n.children[ci]
		level++

		child := lockFrame(ref, s.table.get(ref), writeLeaf && level == height-1, ci)
		g.Release()
		d.path[0] = child
		g = child
	}
	return d, nil
}

// descendPessimistic write-crabs from the root to the leaf owning key. Ancestors
// stay locked until a node is found that can absorb the structural change the
// operation may cause.
func (s *Slice) descendPessimistic(ctx context.Context, key []byte, kind opKind) (*descent, error) {
	rg, err := s.AcquireRoot(ctx, true)
	if err != nil {
		return nil, err
	}

	d := &descent{s: s, kind: kind, super: rg}
	g := lockFrame(rg.ref, s.table.get(rg.ref), true, -1)
	d.path = append(d.path, g)
	if s.safe(g.node(), true, kind) {
		d.releaseAncestors()
	}

	for !g.node().leaf {
		if err := ctx.Err(); err != nil {
			d.release()
			return nil, err
		}

		n := g.node()
		ci := n.ChildIndex(key)
		ref := n.children[ci]
		g = lockFrame(ref, s.table.get(ref), true, ci)
		d.path = append(d.path, g)
		if s.safe(g.node(), false, kind) {
			d.releaseAncestors()
		}
	}
	return d, nil
}

// safe reports whether a change below n can never propagate above n.
func (s *Slice) safe(n *Node, isRoot bool, kind opKind) bool {
	slack := s.maxSep
	if n.leaf {
		slack = s.maxEntry
	}

	switch kind {
	case opInsert:
		return n.size+slack <= s.capacity

	case opUpsert:
		return s.safe(n, isRoot, opInsert) && s.safe(n, isRoot, opDelete)

	case opDelete:
		if n.leaf {
			return isRoot || n.size-slack >= s.minFill
		}
		// a borrow below may replace a separator with a longer or shorter one
		if n.size+slack > s.capacity {
			return false
		}
		if isRoot {
			return len(n.children) > 2
		}
		return n.size-slack >= s.minFill
	}
	return true
}

// rebalance walks the held path bottom-up splitting overflowing nodes and fixing
// underfull ones. Every level changes its parent at most once, and the topmost
// held node is safe, so the walk never needs a lock it does not hold.
func (d *descent) rebalance() error {
	for i := len(d.path) - 1; i >= 0; i-- {
		g := d.path[i]
		n := g.node()

		switch {
		case n.size > d.s.capacity:
			if err := d.split(i); err != nil {
				return err
			}
		case d.kind.mayShrink() && g.idx >= 0 && n.size < d.s.minFill:
			if i == 0 {
				return fmt.Errorf("%w: underflow of node %d without its parent", ErrInvariant, g.ref)
			}
			d.fixUnderflow(i)
		case d.kind.mayShrink() && g.idx < 0 && !n.leaf && len(n.children) == 1:
			if d.super == nil {
				return fmt.Errorf("%w: root collapse without superblock", ErrInvariant)
			}
			d.super.setRoot(n.children[0], d.super.height-1)
			d.free(g.ref)
		}
	}
	return nil
}

// split replaces path[i] by its left half and links the right half into the parent,
// or into a new root when path[i] is the root.
func (d *descent) split(i int) error {
	s := d.s
	g := d.path[i]

	left, right, sep := g.node().Split()
	g.f.node = left
	d.markDirty(g.ref)
	rightRef := s.table.alloc(right)
	d.markDirty(rightRef)
	s.counters.splits.Add(1)

	if g.idx < 0 {
		if d.super == nil {
			return fmt.Errorf("%w: root split without superblock", ErrInvariant)
		}
		root := newInternal([][]byte{sep}, []NodeRef{g.ref, rightRef})
		rootRef := s.table.alloc(root)
		d.markDirty(rootRef)
		d.super.setRoot(rootRef, d.super.height+1)
		s.counters.rootSplits.Add(1)
		return nil
	}

	if i == 0 {
		return fmt.Errorf("%w: split of node %d without its parent", ErrInvariant, g.ref)
	}
	p := d.path[i-1]
	p.node().insertChild(g.idx, sep, rightRef)
	d.markDirty(p.ref)
	return nil
}

// fixUnderflow merges path[i] with an adjacent sibling, or borrows from it when
// the two do not fit into one node.
func (d *descent) fixUnderflow(i int) {
	s := d.s
	g := d.path[i]
	p := d.path[i-1]
	pn := p.node()

	li := g.idx
	if li > 0 {
		li--
	}
	if li+1 >= len(pn.children) {
		// only child, the root collapse above takes care of it
		return
	}

	var lg, rg *nodeGuard
	if li == g.idx {
		rg = lockFrame(pn.children[li+1], s.table.get(pn.children[li+1]), true, li+1)
		d.extra = append(d.extra, rg)
		lg = g
	} else {
		lg = lockFrame(pn.children[li], s.table.get(pn.children[li]), true, li)
		d.extra = append(d.extra, lg)
		rg = g
	}

	merged := lg.node().MergeWith(rg.node(), pn.keys[li])
	if merged.size <= s.capacity {
		lg.f.node = merged
		d.markDirty(lg.ref)
		pn.removeSeparator(li)
		d.markDirty(p.ref)
		d.free(rg.ref)
		s.counters.merges.Add(1)
		return
	}

	left, right, sep := merged.Split()
	lg.f.node = left
	rg.f.node = right
	pn.setSeparator(li, sep)
	d.markDirty(lg.ref)
	d.markDirty(rg.ref)
	d.markDirty(p.ref)
	s.counters.redistributions.Add(1)
}

// commit writes dirty pages, publishes a new root and releases all locks. Freed
// frames return to the table only after their locks are gone.
func (d *descent) commit() error {
	var err error
	if pager := d.s.pager; pager != nil {
		err = d.flush(pager)
	}
	d.release()
	for _, ref := range d.freed {
		d.s.table.release(ref)
	}
	return err
}

func (d *descent) flush(pager Pager) error {
	for _, ref := range d.dirty {
		if d.isFreed(ref) {
			continue
		}
		if err := pager.WritePage(ref, d.s.table.get(ref).node.Encode()); err != nil {
			return fmt.Errorf("write page %d: %w", ref, err)
		}
	}
	for _, ref := range d.freed {
		if err := pager.FreePage(ref); err != nil {
			return fmt.Errorf("free page %d: %w", ref, err)
		}
	}
	if d.super != nil && d.super.changed {
		if err := pager.SetRoot(d.super.ref); err != nil {
			return fmt.Errorf("set root %d: %w", d.super.ref, err)
		}
	}
	return nil
}

func (d *descent) isFreed(ref NodeRef) bool {
	for _, r := range d.freed {
		if r == ref {
			return true
		}
	}
	return false
}

// leafMutation inspects the write-locked leaf. In the optimistic pass it returns
// restart instead of making a change that needs a split or a merge; in the
// pessimistic pass it always applies its change.
type leafMutation func(d *descent, leaf *nodeGuard, pessimistic bool) (restart bool)

// write runs fn against the leaf owning key, first optimistically and then, if fn
// asks for it, with the pessimistic protocol.
func (s *Slice) write(ctx context.Context, key []byte, kind opKind, fn leafMutation) error {
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	d, err := s.descendOptimistic(ctx, key, kind)
	if err != nil {
		return err
	}
	if !fn(d, d.leaf(), false) {
		return d.commit()
	}
	d.release()
	s.counters.restarts.Add(1)

	d, err = s.descendPessimistic(ctx, key, kind)
	if err != nil {
		return err
	}
	fn(d, d.leaf(), true)
	if err := d.rebalance(); err != nil {
		d.release()
		return err
	}
	return d.commit()
}

func (d *descent) record(m Mutation) {
	if j := d.s.jrnl; j != nil {
		m.Key, m.Value = clone(m.Key), clone(m.Value)
		j.Record(d.s.id, m)
	}
}
