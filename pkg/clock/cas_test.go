package clock

import (
	"sync"
	"testing"
	"time"

	"btreekv/pkg/types"
)

type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.now
}

func TestCasClock_Monotonic(t *testing.T) {
	tp := &mockTimeProvider{now: time.Unix(100, 0)}
	c := NewCas(tp)

	first := c.Next()
	if first.Timestamp != uint64(time.Unix(100, 0).UnixNano()) {
		t.Fatalf("Expected wall time, got %d", first.Timestamp)
	}

	// frozen wall clock: timestamps still advance
	second := c.Next()
	if second.Timestamp != first.Timestamp+1 || second.Cas != first.Cas+1 {
		t.Fatalf("Expected %+v to follow %+v", second, first)
	}

	// wall clock going back does not move the timestamp back
	tp.now = time.Unix(50, 0)
	if third := c.Next(); third.Timestamp <= second.Timestamp {
		t.Fatalf("Timestamp went back: %d after %d", third.Timestamp, second.Timestamp)
	}
}

func TestCasClock_Observe(t *testing.T) {
	c := NewCas(&mockTimeProvider{now: time.Unix(1, 0)})
	c.Observe(types.CasTime{Cas: 1 << 62, Timestamp: 1 << 62})

	ct := c.Next()
	if ct.Cas != 1<<62+1 || ct.Timestamp != 1<<62+1 {
		t.Fatalf("Expected clock to follow the observed CasTime, got %+v", ct)
	}
}

func TestCasClock_Concurrent(t *testing.T) {
	c := NewCas(nil)
	const workers, per = 8, 1000

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, c.Next().Timestamp)
			}
			mu.Lock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers*per {
		t.Fatalf("Expected %d unique timestamps, got %d", workers*per, len(seen))
	}
}
