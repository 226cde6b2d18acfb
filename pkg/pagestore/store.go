// Package pagestore keeps the page images of one shard's B-tree.
package pagestore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"btreekv/pkg/btree"
	"btreekv/pkg/compression"
	"btreekv/pkg/types"
)

var ErrPageNotFound = errors.New("pagestore: page not found")

type pageTable = skipmap.FuncMap[uint32, []byte]

// Store is the page table of a shard. Pages are held compressed, recently read
// pages also decompressed in the block cache. Store implements btree.Pager and
// btree.PageSource.
type Store struct {
	shard types.ShardID
	codec compression.Codec
	pages *pageTable
	cache *BlockCache

	root    atomic.Uint32
	hasRoot atomic.Bool

	writes atomic.Uint64
	frees  atomic.Uint64
	// compressed bytes currently held
	bytes atomic.Int64
}

// Stats describes the content of a store.
type Stats struct {
	Shard       types.ShardID `json:"shard"`
	Pages       int           `json:"pages"`
	Bytes       int64         `json:"bytes"`
	Writes      uint64        `json:"writes"`
	Frees       uint64        `json:"frees"`
	CacheHits   uint64        `json:"cache_hits"`
	CacheMisses uint64        `json:"cache_misses"`
	Compression string        `json:"compression"`
}

func New(shard types.ShardID, codec compression.Codec, cachePages int) *Store {
	return &Store{
		shard: shard,
		codec: codec,
		pages: skipmap.NewFunc[uint32, []byte](func(a, b uint32) bool {
			return a < b
		}),
		cache: NewBlockCache(cachePages),
	}
}

func (s *Store) WritePage(ref btree.NodeRef, page []byte) error {
	packed := s.codec.Compress(nil, page)
	if old, ok := s.pages.Load(uint32(ref)); ok {
		s.bytes.Add(-int64(len(old)))
	}
	s.pages.Store(uint32(ref), packed)
	s.bytes.Add(int64(len(packed)))
	s.cache.Remove(ref)
	s.writes.Add(1)
	return nil
}

func (s *Store) FreePage(ref btree.NodeRef) error {
	if old, ok := s.pages.LoadAndDelete(uint32(ref)); ok {
		s.bytes.Add(-int64(len(old)))
	}
	s.cache.Remove(ref)
	s.frees.Add(1)
	return nil
}

func (s *Store) SetRoot(ref btree.NodeRef) error {
	s.root.Store(uint32(ref))
	s.hasRoot.Store(true)
	return nil
}

func (s *Store) Root() (btree.NodeRef, bool) {
	return btree.NodeRef(s.root.Load()), s.hasRoot.Load()
}

// ReadPage returns the decompressed page stored under ref.
func (s *Store) ReadPage(ref btree.NodeRef) ([]byte, error) {
	if page, ok := s.cache.Get(ref); ok {
		return page, nil
	}
	packed, ok := s.pages.Load(uint32(ref))
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPageNotFound, ref)
	}
	page, err := s.codec.Decompress(nil, packed)
	if err != nil {
		return nil, fmt.Errorf("decompress page %d: %w", ref, err)
	}
	s.cache.Set(ref, page)
	return page, nil
}

// Range calls fn for every page in ref order.
func (s *Store) Range(fn func(ref btree.NodeRef, page []byte) bool) error {
	var rangeErr error
	s.pages.Range(func(ref uint32, _ []byte) bool {
		page, err := s.ReadPage(btree.NodeRef(ref))
		if err != nil {
			rangeErr = err
			return false
		}
		return fn(btree.NodeRef(ref), page)
	})
	return rangeErr
}

func (s *Store) Len() int {
	return s.pages.Len()
}

func (s *Store) Stats() Stats {
	hits, misses := s.cache.Stats()
	return Stats{
		Shard:       s.shard,
		Pages:       s.pages.Len(),
		Bytes:       s.bytes.Load(),
		Writes:      s.writes.Load(),
		Frees:       s.frees.Load(),
		CacheHits:   hits,
		CacheMisses: misses,
		Compression: s.codec.Name(),
	}
}

// reset drops all pages, used before loading a snapshot.
func (s *Store) reset() {
	s.pages.Range(func(ref uint32, _ []byte) bool {
		s.pages.Delete(ref)
		s.cache.Remove(btree.NodeRef(ref))
		return true
	})
	s.bytes.Store(0)
	s.hasRoot.Store(false)
	s.root.Store(0)
}
