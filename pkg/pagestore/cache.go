package pagestore

import (
	"sync"

	"btreekv/pkg/btree"
)

// BlockCache is an LRU of decompressed pages.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[btree.NodeRef]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits, misses uint64
}

type cacheItem struct {
	key   btree.NodeRef
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a cache holding up to capacity pages. A non-positive
// capacity disables caching.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[btree.NodeRef]*cacheItem),
	}
}

// Get retrieves a page from the cache
func (bc *BlockCache) Get(key btree.NodeRef) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses++
		return nil, false
	}
	bc.hits++
	bc.moveToHead(item)
	return item.value, true
}

// Set stores a page in the cache
func (bc *BlockCache) Set(key btree.NodeRef, value []byte) {
	if bc.capacity <= 0 {
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// Remove drops a page, used when it is rewritten or freed.
func (bc *BlockCache) Remove(key btree.NodeRef) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		return
	}
	bc.unlink(item)
	delete(bc.items, key)
}

func (bc *BlockCache) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

// Stats returns hit and miss counts
func (bc *BlockCache) Stats() (hits, misses uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hits, bc.misses
}

// moveToHead moves an item to the head of the list
func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

// addToHead adds an item to the head of the list
func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head

	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item

	if bc.tail == nil {
		bc.tail = item
	}
}

// evictLRU removes the least recently used item
func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
