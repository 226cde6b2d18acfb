package btree

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"btreekv/pkg/types"
)

func newTestSlice(t *testing.T, nodeSize int) *Slice {
	t.Helper()
	s, err := NewSlice(1, Options{NodeSize: nodeSize})
	if err != nil {
		t.Fatalf("NewSlice failed: %v", err)
	}
	return s
}

func ct(n uint64) types.CasTime {
	return types.CasTime{Cas: n, Timestamp: n * 10}
}

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func mustCheck(t *testing.T, s *Slice) {
	t.Helper()
	if err := s.Check(); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
}

// memPager keeps page images in memory and doubles as a PageSource.
type memPager struct {
	mu      sync.Mutex
	pages   map[NodeRef][]byte
	root    NodeRef
	hasRoot bool
	failOn  NodeRef
}

var errPagerFailure = errors.New("pager failure")

func newMemPager() *memPager {
	return &memPager{pages: make(map[NodeRef][]byte)}
}

func (p *memPager) WritePage(ref NodeRef, page []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != InvalidRef && ref == p.failOn {
		return errPagerFailure
	}
	p.pages[ref] = append([]byte(nil), page...)
	return nil
}

func (p *memPager) FreePage(ref NodeRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pages, ref)
	return nil
}

func (p *memPager) SetRoot(ref NodeRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = ref
	p.hasRoot = true
	return nil
}

func (p *memPager) Root() (NodeRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root, p.hasRoot
}

func (p *memPager) Range(fn func(ref NodeRef, page []byte) bool) error {
	p.mu.Lock()
	refs := make([]NodeRef, 0, len(p.pages))
	for ref := range p.pages {
		refs = append(refs, ref)
	}
	p.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	for _, ref := range refs {
		p.mu.Lock()
		page := p.pages[ref]
		p.mu.Unlock()
		if !fn(ref, page) {
			return nil
		}
	}
	return nil
}

// memJournal collects recorded mutations.
type memJournal struct {
	mu   sync.Mutex
	recs []Mutation
}

func (j *memJournal) Record(_ types.ShardID, m Mutation) {
	j.mu.Lock()
	j.recs = append(j.recs, m)
	j.mu.Unlock()
}
