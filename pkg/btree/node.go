package btree

import (
	"sort"

	"btreekv/pkg/codec"
	"btreekv/pkg/types"
)

// NodeRef addresses a node in the slice's node table. Zero is never a valid node.
type NodeRef uint32

// InvalidRef represents a null node reference.
const InvalidRef NodeRef = 0

// Page layout sizes, see Encode.
const (
	headerSize        = 1 + 2 // kind + count
	childRefSize      = 4
	leafEntryOverhead = 2 + 4 + 8 + 8 // key len, value len, cas, timestamp
	sepOverhead       = 2 + childRefSize
)

// Entry is one stored key/value pair with the CasTime of its last mutation.
type Entry struct {
	Key     []byte
	Value   []byte
	CasTime types.CasTime
}

func leafEntrySize(key, value []byte) int {
	return leafEntryOverhead + len(key) + len(value)
}

func sepSize(key []byte) int {
	return sepOverhead + len(key)
}

// Node is a B-tree node: either a leaf holding ordered entries or an internal node
// holding len(children)-1 boundary keys. Child i covers keys in [keys[i-1], keys[i]).
//
// Node does no locking; every access happens under the lock of the frame holding it.
type Node struct {
	leaf     bool
	entries  []Entry
	keys     [][]byte
	children []NodeRef

	// serialized size, kept in sync by every mutation
	size int
}

func newLeaf(entries []Entry) *Node {
	n := &Node{leaf: true, entries: entries}
	n.size = n.computeSize()
	return n
}

func newInternal(keys [][]byte, children []NodeRef) *Node {
	n := &Node{keys: keys, children: children}
	n.size = n.computeSize()
	return n
}

func (n *Node) computeSize() int {
	size := headerSize
	if n.leaf {
		for i := range n.entries {
			size += leafEntrySize(n.entries[i].Key, n.entries[i].Value)
		}
		return size
	}
	size += childRefSize
	for _, k := range n.keys {
		size += sepSize(k)
	}
	return size
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.leaf }

// Size returns the serialized size of the node in bytes.
func (n *Node) Size() int { return n.size }

// Len returns the number of entries of a leaf or children of an internal node.
func (n *Node) Len() int {
	if n.leaf {
		return len(n.entries)
	}
	return len(n.children)
}

// Lookup binary searches a leaf. It returns the index of key, or the insertion
// position and false when the key is absent.
func (n *Node) Lookup(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return codec.Compare(n.entries[i].Key, key) >= 0
	})
	return i, i < len(n.entries) && codec.Compare(n.entries[i].Key, key) == 0
}

// ChildIndex returns the index of the child whose range contains key.
func (n *Node) ChildIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return codec.Compare(n.keys[i], key) > 0
	})
}

// sizeAfterPut is the size the leaf would have after InsertOrReplace(key, value).
func (n *Node) sizeAfterPut(key, value []byte) int {
	if i, ok := n.Lookup(key); ok {
		return n.size - len(n.entries[i].Value) + len(value)
	}
	return n.size + leafEntrySize(key, value)
}

// InsertOrReplace stores value and ct under key: an existing entry is replaced in place,
// otherwise a new entry is inserted in order. It reports whether the node now exceeds
// capacity, in which case the caller has to split it.
func (n *Node) InsertOrReplace(key, value []byte, ct types.CasTime, capacity int) (overflow bool) {
	v := clone(value)
	i, found := n.Lookup(key)
	if found {
		n.size += len(v) - len(n.entries[i].Value)
		n.entries[i].Value = v
		n.entries[i].CasTime = ct
		return n.size > capacity
	}

	e := Entry{Key: clone(key), Value: v, CasTime: ct}
	n.entries = append(n.entries, Entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
	n.size += leafEntrySize(e.Key, e.Value)
	return n.size > capacity
}

// RemoveAt deletes the i-th leaf entry and returns it.
func (n *Node) RemoveAt(i int) Entry {
	e := n.entries[i]
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
	n.size -= leafEntrySize(e.Key, e.Value)
	return e
}

// insertChild links right as the sibling following child i, separated by sep.
func (n *Node) insertChild(i int, sep []byte, right NodeRef) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = sep

	n.children = append(n.children, InvalidRef)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = right

	n.size += sepSize(sep)
}

// removeSeparator drops keys[i] together with the child to its right.
func (n *Node) removeSeparator(i int) {
	n.size -= sepSize(n.keys[i])
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i+1], n.children[i+2:]...)
}

func (n *Node) setSeparator(i int, sep []byte) {
	n.size += len(sep) - len(n.keys[i])
	n.keys[i] = sep
}

// Split divides an overflowing node at its byte midpoint. The left node keeps
// entries [0, mid), the right node [mid, end). For a leaf the separator is the first
// key of the right node; for an internal node the middle boundary moves up and is
// kept by neither half.
func (n *Node) Split() (left, right *Node, separator []byte) {
	if n.leaf {
		return n.splitLeaf()
	}
	return n.splitInternal()
}

func (n *Node) splitLeaf() (*Node, *Node, []byte) {
	if len(n.entries) < 2 {
		panic("btree: split of a leaf with fewer than two entries")
	}

	payload := n.size - headerSize
	mid, acc := 0, 0
	for mid < len(n.entries) {
		acc += leafEntrySize(n.entries[mid].Key, n.entries[mid].Value)
		mid++
		if 2*acc >= payload {
			break
		}
	}
	mid = clampMid(mid, 1, len(n.entries)-1)

	left := newLeaf(cloneEntries(n.entries[:mid]))
	right := newLeaf(cloneEntries(n.entries[mid:]))
	return left, right, clone(right.entries[0].Key)
}

func (n *Node) splitInternal() (*Node, *Node, []byte) {
	k := len(n.keys)
	if k < 3 {
		panic("btree: split of an internal node with fewer than three keys")
	}

	payload := n.size - headerSize
	acc := childRefSize
	m := 0
	for ; m < k; m++ {
		acc += sepSize(n.keys[m])
		if 2*acc >= payload {
			break
		}
	}
	m = clampMid(m, 1, k-2)

	left := newInternal(cloneKeys(n.keys[:m]), cloneRefs(n.children[:m+1]))
	right := newInternal(cloneKeys(n.keys[m+1:]), cloneRefs(n.children[m+1:]))
	return left, right, n.keys[m]
}

// MergeWith concatenates n and its right sibling into a new node. sep is the parent
// boundary between the two; internal nodes pull it down.
func (n *Node) MergeWith(right *Node, sep []byte) *Node {
	if n.leaf {
		entries := make([]Entry, 0, len(n.entries)+len(right.entries))
		entries = append(entries, n.entries...)
		entries = append(entries, right.entries...)
		return newLeaf(entries)
	}

	keys := make([][]byte, 0, len(n.keys)+len(right.keys)+1)
	keys = append(keys, n.keys...)
	keys = append(keys, sep)
	keys = append(keys, right.keys...)

	children := make([]NodeRef, 0, len(n.children)+len(right.children))
	children = append(children, n.children...)
	children = append(children, right.children...)
	return newInternal(keys, children)
}

// Redistribute moves entries between n and its right sibling so both end up near
// half of their combined size. It returns the new pair and their new boundary.
func (n *Node) Redistribute(right *Node, sep []byte) (*Node, *Node, []byte) {
	return n.MergeWith(right, sep).Split()
}

func clampMid(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func cloneEntries(es []Entry) []Entry {
	c := make([]Entry, len(es))
	copy(c, es)
	return c
}

func cloneKeys(keys [][]byte) [][]byte {
	c := make([][]byte, len(keys))
	copy(c, keys)
	return c
}

func cloneRefs(refs []NodeRef) []NodeRef {
	c := make([]NodeRef, len(refs))
	copy(c, refs)
	return c
}
