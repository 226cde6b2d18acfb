package btree

import "sync"

// frame is a slot of the node table. Its lock protects the node pointer and the
// node's contents. A structural change swaps frame.node for a freshly built node.
type frame struct {
	mu   sync.RWMutex
	node *Node
}

// nodeTable is the arena of a slice. Refs are indexes into frames, index 0 is unused.
type nodeTable struct {
	mu     sync.RWMutex
	frames []*frame
	free   []NodeRef
	live   int
}

func newNodeTable() *nodeTable {
	return &nodeTable{frames: []*frame{nil}}
}

func (t *nodeTable) get(ref NodeRef) *frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ref == InvalidRef || int(ref) >= len(t.frames) {
		return nil
	}
	return t.frames[ref]
}

// alloc places n into a free frame. The frame is unreachable until its ref is
// linked into a locked parent or installed as the root.
func (t *nodeTable) alloc(n *Node) NodeRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.live++
	if k := len(t.free); k > 0 {
		ref := t.free[k-1]
		t.free = t.free[:k-1]
		t.frames[ref].node = n
		return ref
	}
	t.frames = append(t.frames, &frame{node: n})
	return NodeRef(len(t.frames) - 1)
}

// install puts n at a fixed ref, growing the table as needed. Used while loading pages.
func (t *nodeTable) install(ref NodeRef, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for int(ref) >= len(t.frames) {
		t.frames = append(t.frames, &frame{})
	}
	if t.frames[ref].node == nil {
		t.live++
	}
	t.frames[ref].node = n
}

// reclaim collects frames left empty by install into the free list.
func (t *nodeTable) reclaim() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.free = t.free[:0]
	for i := len(t.frames) - 1; i > 0; i-- {
		if t.frames[i].node == nil {
			t.free = append(t.free, NodeRef(i))
		}
	}
}

// release returns a frame to the free list. The caller must not hold its lock.
func (t *nodeTable) release(ref NodeRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames[ref].node = nil
	t.free = append(t.free, ref)
	t.live--
}

func (t *nodeTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// nodeGuard is a held lock on one frame. Release is idempotent.
type nodeGuard struct {
	ref   NodeRef
	f     *frame
	write bool
	held  bool
	// position of this node in its parent's children, -1 for the root
	idx int
}

func lockFrame(ref NodeRef, f *frame, write bool, idx int) *nodeGuard {
	if write {
		f.mu.Lock()
	} else {
		f.mu.RLock()
	}
	return &nodeGuard{ref: ref, f: f, write: write, held: true, idx: idx}
}

func (g *nodeGuard) node() *Node { return g.f.node }

func (g *nodeGuard) Release() {
	if g == nil || !g.held {
		return
	}
	g.held = false
	if g.write {
		g.f.mu.Unlock()
	} else {
		g.f.mu.RUnlock()
	}
}
