package query

import "github.com/cboxdk/hostml-agent/internal/numeric"

// point is one stored (timestamp, StorageNumber) pair.
type point struct {
	ts int64
	sn numeric.StorageNumber
}

// MemorySource is an in-memory Source backed by a timestamp-sorted slice.
// It is the only Source implementation in this module and is used by the
// tests; internal/storage persists anomaly events only and provides no
// sample Source.
type MemorySource struct {
	points []point
}

// NewMemorySource builds a MemorySource. Callers append via Append before
// handing it to a Cursor; MemorySource keeps points sorted by timestamp.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Append records one sample. Samples may be appended out of order; Append
// keeps the backing slice sorted by timestamp.
func (m *MemorySource) Append(ts int64, sn numeric.StorageNumber) {
	i := len(m.points)
	for i > 0 && m.points[i-1].ts > ts {
		i--
	}
	m.points = append(m.points, point{})
	copy(m.points[i+1:], m.points[i:])
	m.points[i] = point{ts: ts, sn: sn}
}

// OldestTime implements Source.
func (m *MemorySource) OldestTime() (int64, bool) {
	if len(m.points) == 0 {
		return 0, false
	}
	return m.points[0].ts, true
}

// LatestTime implements Source.
func (m *MemorySource) LatestTime() (int64, bool) {
	if len(m.points) == 0 {
		return 0, false
	}
	return m.points[len(m.points)-1].ts, true
}

// Init implements Source.
func (m *MemorySource) Init(after, before int64) (Iterator, error) {
	lo := 0
	for lo < len(m.points) && m.points[lo].ts < after {
		lo++
	}
	hi := lo
	for hi < len(m.points) && m.points[hi].ts <= before {
		hi++
	}
	return &memoryIterator{points: m.points[lo:hi]}, nil
}

type memoryIterator struct {
	points    []point
	pos       int
	finalized bool
}

func (it *memoryIterator) Step() (int64, numeric.StorageNumber, bool, error) {
	if it.pos >= len(it.points) {
		return 0, 0, true, nil
	}
	p := it.points[it.pos]
	it.pos++
	return p.ts, p.sn, false, nil
}

func (it *memoryIterator) Finalize() error {
	it.finalized = true
	return nil
}
