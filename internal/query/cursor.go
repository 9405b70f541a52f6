// Package query implements the lazy cursor the training and prediction
// paths pull samples through, and the storage-layer contract it is built
// on (spec.md 4.1, 6): per-dimension oldest/latest timestamps plus an
// init/is_finished/next_metric/finalize iterator protocol. Grounded on
// the Query wrapper the original ml/Query.h puts around the round-robin
// database's own query_ops, and on the "tagged result from step()"
// redesign spec.md 9 calls for in place of exception-driven iteration.
package query

import "github.com/cboxdk/hostml-agent/internal/numeric"

// Source is the per-dimension contract the storage layer must satisfy.
// Implementations own the underlying iterator resources and must release
// them when Iterator.Finalize is called, on every exit path.
type Source interface {
	// OldestTime returns the timestamp of the oldest sample available,
	// or ok=false if the dimension has no data yet.
	OldestTime() (ts int64, ok bool)

	// LatestTime returns the timestamp of the newest sample available,
	// or ok=false if the dimension has no data yet.
	LatestTime() (ts int64, ok bool)

	// Init begins a query over [after, before] and returns an Iterator
	// scoped to that call. Init may be called any number of times
	// concurrently with distinct Iterators.
	Init(after, before int64) (Iterator, error)
}

// Iterator advances over one Init call's worth of samples. It models the
// source's hasNext/next pair as a single Step method returning a tagged
// result, so no implementation needs to signal end-of-data by panicking
// or throwing out of an iterator-advance call.
type Iterator interface {
	// Step advances to the next sample. done=true means the iterator is
	// exhausted (not an error); err is set only for genuine I/O failure,
	// which Step also treats as terminal (done implied).
	Step() (ts int64, sn numeric.StorageNumber, done bool, err error)

	// Finalize releases resources held by the iterator. Safe to call more
	// than once; only the first call has effect.
	Finalize() error
}

// Cursor is a lazy, single-pass forward sequence of (timestamp,
// StorageNumber) over [After, Before] for one dimension. It must be
// closed exactly once; Close is idempotent and safe to call from a
// deferred statement regardless of how the caller exits its loop
// (including an early break on buffer fill, per spec.md 4.1).
type Cursor struct {
	source Source
	after  int64
	before int64

	it     Iterator
	opened bool
	closed bool
}

// NewCursor builds a cursor over source for the closed interval
// [after, before], in seconds. No I/O happens until the first call to
// Next.
func NewCursor(source Source, after, before int64) *Cursor {
	return &Cursor{source: source, after: after, before: before}
}

// OldestTime delegates to the underlying source.
func (c *Cursor) OldestTime() (int64, bool) { return c.source.OldestTime() }

// LatestTime delegates to the underlying source.
func (c *Cursor) LatestTime() (int64, bool) { return c.source.LatestTime() }

// Next returns the next sample in the interval. ok is false once the
// cursor is exhausted; err is set only on a genuine storage failure, in
// which case the cursor finalizes itself and further calls return
// ok=false, err=nil (the pipeline proceeds with whatever was collected,
// per spec.md 7 StorageTransient).
func (c *Cursor) Next() (ts int64, sn numeric.StorageNumber, ok bool, err error) {
	if c.closed {
		return 0, 0, false, nil
	}
	if !c.opened {
		it, openErr := c.source.Init(c.after, c.before)
		if openErr != nil {
			c.closed = true
			return 0, 0, false, openErr
		}
		c.it = it
		c.opened = true
	}

	ts, sn, done, stepErr := c.it.Step()
	if stepErr != nil {
		c.Close()
		return 0, 0, false, stepErr
	}
	if done {
		c.Close()
		return 0, 0, false, nil
	}
	return ts, sn, true, nil
}

// Close finalizes the underlying iterator, if one was opened. Idempotent.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.it != nil {
		return c.it.Finalize()
	}
	return nil
}
