package btree

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"btreekv/pkg/codec"
	"btreekv/pkg/types"
)

const (
	DefaultNodeSize = 4096
	MinNodeSize     = 256
	MaxNodeSize     = 1 << 16
)

// Pager receives page images of committed nodes. It is called while the locks
// protecting the written nodes are still held.
type Pager interface {
	WritePage(ref NodeRef, page []byte) error
	FreePage(ref NodeRef) error
	SetRoot(ref NodeRef) error
}

// PageSource provides the pages a slice is rebuilt from.
type PageSource interface {
	Root() (NodeRef, bool)
	Range(fn func(ref NodeRef, page []byte) bool) error
}

// MutationOp identifies a committed leaf change.
type MutationOp uint8

const (
	MutationSet MutationOp = iota + 1
	MutationDelete
)

// Mutation is the redo record of one committed leaf change.
type Mutation struct {
	Op      MutationOp
	Key     []byte
	Value   []byte
	CasTime types.CasTime
}

// Journal observes every committed mutation. Record runs with the leaf lock held,
// so records for the same key arrive in commit order. It must not block.
type Journal interface {
	Record(shard types.ShardID, m Mutation)
}

type Options struct {
	// NodeSize is the node capacity in bytes.
	NodeSize int
	Pager    Pager
	Journal  Journal
	Logger   *slog.Logger
}

// SliceStats is a point-in-time view of a slice.
type SliceStats struct {
	Shard           types.ShardID `json:"shard"`
	Height          int           `json:"height"`
	Nodes           int           `json:"nodes"`
	Keys            int64         `json:"keys"`
	Splits          uint64        `json:"splits"`
	RootSplits      uint64        `json:"root_splits"`
	Merges          uint64        `json:"merges"`
	Redistributions uint64        `json:"redistributions"`
	Restarts        uint64        `json:"restarts"`
}

type sliceCounters struct {
	keys            atomic.Int64
	splits          atomic.Uint64
	rootSplits      atomic.Uint64
	merges          atomic.Uint64
	redistributions atomic.Uint64
	restarts        atomic.Uint64
}

// Slice is one shard of the key space held in a single B-tree.
type Slice struct {
	id     types.ShardID
	table  *nodeTable
	pager  Pager
	jrnl   Journal
	logger *slog.Logger

	capacity int
	minFill  int
	maxEntry int // largest leaf entry
	maxSep   int // largest internal separator entry
	keyLimit int

	// superblock: guards root and height
	super  sync.RWMutex
	root   NodeRef
	height int

	// operations hold quiesce shared, whole-tree walks hold it exclusively
	quiesce sync.RWMutex

	counters sliceCounters
}

// NewSlice creates an empty slice whose root is a single empty leaf.
func NewSlice(id types.ShardID, opts Options) (*Slice, error) {
	s, err := newSlice(id, opts)
	if err != nil {
		return nil, err
	}

	root := newLeaf(nil)
	s.root = s.table.alloc(root)
	s.height = 1

	if s.pager != nil {
		if err := s.pager.WritePage(s.root, root.Encode()); err != nil {
			return nil, fmt.Errorf("write root page: %w", err)
		}
		if err := s.pager.SetRoot(s.root); err != nil {
			return nil, fmt.Errorf("set root: %w", err)
		}
	}
	return s, nil
}

// OpenSlice rebuilds a slice from previously written pages.
func OpenSlice(id types.ShardID, opts Options, src PageSource) (*Slice, error) {
	root, ok := src.Root()
	if !ok {
		return NewSlice(id, opts)
	}

	s, err := newSlice(id, opts)
	if err != nil {
		return nil, err
	}

	var decodeErr error
	err = src.Range(func(ref NodeRef, page []byte) bool {
		n, err := DecodeNode(page)
		if err != nil {
			decodeErr = fmt.Errorf("page %d: %w", ref, err)
			return false
		}
		s.table.install(ref, n)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("read pages: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	s.table.reclaim()

	f := s.table.get(root)
	if f == nil || f.node == nil {
		return nil, fmt.Errorf("%w: root page %d missing", ErrCorruptPage, root)
	}
	s.root = root
	s.height = 1
	for n := f.node; !n.leaf; {
		child := s.table.get(n.children[0])
		if child == nil || child.node == nil {
			return nil, fmt.Errorf("%w: child page %d missing", ErrCorruptPage, n.children[0])
		}
		n = child.node
		s.height++
	}

	if err := s.Check(); err != nil {
		return nil, err
	}
	var keys int64
	s.Ascend(func(Entry) bool { keys++; return true })
	s.counters.keys.Store(keys)

	s.logger.Debug("slice opened", "shard", id, "height", s.height, "nodes", s.table.count(), "keys", keys)
	return s, nil
}

func newSlice(id types.ShardID, opts Options) (*Slice, error) {
	size := opts.NodeSize
	if size == 0 {
		size = DefaultNodeSize
	}
	if size < MinNodeSize || size > MaxNodeSize {
		return nil, fmt.Errorf("%w: %d", ErrBadNodeSize, size)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// A node never holds fewer than four maximal entries, so both halves
	// of a split fit and a key always has room for a full uint64 counter.
	maxEntry := (size - headerSize) / 4
	keyLimit := maxEntry - leafEntryOverhead - codec.MaxUint64Digits
	if keyLimit > codec.MaxKeySize {
		keyLimit = codec.MaxKeySize
	}

	return &Slice{
		id:       id,
		table:    newNodeTable(),
		pager:    opts.Pager,
		jrnl:     opts.Journal,
		logger:   logger.With("shard", id),
		capacity: size,
		minFill:  size / 4,
		maxEntry: maxEntry,
		maxSep:   sepOverhead + keyLimit,
		keyLimit: keyLimit,
	}, nil
}

// ID returns the shard this slice serves.
func (s *Slice) ID() types.ShardID { return s.id }

// NodeSize returns the node capacity in bytes.
func (s *Slice) NodeSize() int { return s.capacity }

// KeyLimit returns the longest key this slice accepts.
func (s *Slice) KeyLimit() int { return s.keyLimit }

// rootGuard is a held superblock lock together with the root it protects.
type rootGuard struct {
	s         *Slice
	exclusive bool
	held      bool
	ref       NodeRef
	height    int
	changed   bool
}

// AcquireRoot locks the superblock and returns the current root. Exclusive mode
// is needed only by descents that may replace the root.
func (s *Slice) AcquireRoot(ctx context.Context, exclusive bool) (*rootGuard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if exclusive {
		s.super.Lock()
	} else {
		s.super.RLock()
	}
	return &rootGuard{s: s, exclusive: exclusive, held: true, ref: s.root, height: s.height}, nil
}

// setRoot swaps the root reference. Requires the exclusive guard.
func (g *rootGuard) setRoot(ref NodeRef, height int) {
	g.s.root = ref
	g.s.height = height
	g.ref = ref
	g.height = height
	g.changed = true
}

func (g *rootGuard) Release() {
	if g == nil || !g.held {
		return
	}
	g.held = false
	if g.exclusive {
		g.s.super.Unlock()
	} else {
		g.s.super.RUnlock()
	}
}

// Stats returns counters and the current shape of the tree.
func (s *Slice) Stats() SliceStats {
	s.super.RLock()
	height := s.height
	s.super.RUnlock()

	return SliceStats{
		Shard:           s.id,
		Height:          height,
		Nodes:           s.table.count(),
		Keys:            s.counters.keys.Load(),
		Splits:          s.counters.splits.Load(),
		RootSplits:      s.counters.rootSplits.Load(),
		Merges:          s.counters.merges.Load(),
		Redistributions: s.counters.redistributions.Load(),
		Restarts:        s.counters.restarts.Load(),
	}
}

// Quiesce blocks all operations on the slice until the returned func is called.
func (s *Slice) Quiesce() (resume func()) {
	s.quiesce.Lock()
	return s.quiesce.Unlock
}

func (s *Slice) validateKey(key []byte) error {
	return codec.ValidateKey(key, s.keyLimit)
}

func (s *Slice) validateValue(key, value []byte) error {
	if leafEntrySize(key, value) > s.maxEntry {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	return nil
}
