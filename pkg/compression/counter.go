package compression

import (
	"io"
	"sync/atomic"
)

// Meter passes writes through to w and tallies the bytes that made it.
// Written may be read while another goroutine writes.
type Meter struct {
	w       io.Writer
	written atomic.Int64
}

func NewMeter(w io.Writer) *Meter {
	return &Meter{w: w}
}

func (m *Meter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.written.Add(int64(n))
	return n, err
}

func (m *Meter) Written() int64 { return m.written.Load() }
