package clock

import (
	"math/rand/v2"
	"time"

	"btreekv/pkg/types"
)

type TimeProvider interface {
	Now() time.Time
}

type SystemTime struct{}

func (SystemTime) Now() time.Time { return time.Now() }

// CasClock mints CasTimes: a counter started at a random point for the cas part
// and a logical timestamp that follows wall time but never repeats or goes back.
type CasClock struct {
	tp  TimeProvider
	cas *monotonic
	ts  *monotonic
}

func NewCas(tp TimeProvider) *CasClock {
	if tp == nil {
		tp = SystemTime{}
	}
	// keep the high bits clear so the counter does not wrap in practice
	return &CasClock{
		tp:  tp,
		cas: newMonotonic(rand.Uint64() >> 16),
		ts:  newMonotonic(0),
	}
}

func (c *CasClock) Next() types.CasTime {
	cas := c.cas.bump()
	ts := c.ts.tick(uint64(c.tp.Now().UnixNano()))
	return types.CasTime{Cas: cas, Timestamp: ts}
}

// Observe makes later CasTimes follow ct, used after replaying foreign ones.
func (c *CasClock) Observe(ct types.CasTime) {
	c.cas.raise(ct.Cas)
	c.ts.raise(ct.Timestamp)
}
