// Package metrics keeps in-process counters, gauges and histograms and renders
// them in the plain text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type kind uint8

const (
	kindCounter kind = iota
	kindGauge
	kindHistogram
)

func (k kind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	default:
		return "summary"
	}
}

type series struct {
	kind   kind
	name   string
	labels string
	value  atomicFloat
	count  atomic.Uint64
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// Registry is a Collector safe for concurrent use. Series are kept ordered by
// name and labels so the output is stable.
type Registry struct {
	series *skipmap.FuncMap[string, *series]
}

var _ Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		series: skipmap.NewFunc[string, *series](func(a, b string) bool {
			return a < b
		}),
	}
}

func (r *Registry) get(k kind, name string, labels map[string]string) *series {
	ls := formatLabels(labels)
	id := name + ls
	if s, ok := r.series.Load(id); ok {
		return s
	}
	s, _ := r.series.LoadOrStore(id, &series{kind: k, name: name, labels: ls})
	return s
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		return
	}
	r.get(kindCounter, name, labels).value.add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.get(kindGauge, name, labels).value.store(value)
}

// ObserveHistogram keeps count and sum only.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	s := r.get(kindHistogram, name, labels)
	s.value.add(value)
	s.count.Add(1)
}

// Value returns the current value of a counter or gauge, or the sum of a histogram.
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	s, ok := r.series.Load(name + formatLabels(labels))
	if !ok {
		return 0, false
	}
	return s.value.load(), true
}

// WriteText renders every series, one TYPE line per metric name.
func (r *Registry) WriteText(w io.Writer) error {
	var (
		lastName string
		err      error
	)
	r.series.Range(func(_ string, s *series) bool {
		if s.name != lastName {
			lastName = s.name
			if _, err = fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind); err != nil {
				return false
			}
		}
		if s.kind == kindHistogram {
			_, err = fmt.Fprintf(w, "%s_count%s %d\n%s_sum%s %s\n",
				s.name, s.labels, s.count.Load(), s.name, s.labels, formatFloat(s.value.load()))
		} else {
			_, err = fmt.Fprintf(w, "%s%s %s\n", s.name, s.labels, formatFloat(s.value.load()))
		}
		return err == nil
	})
	return err
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
