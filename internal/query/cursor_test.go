package query

import (
	"testing"

	"github.com/cboxdk/hostml-agent/internal/numeric"
)

func TestCursorYieldsInOrderWithinInterval(t *testing.T) {
	src := NewMemorySource()
	for _, ts := range []int64{100, 105, 90, 110, 95} {
		src.Append(ts, numeric.Encode(float64(ts), true, false, false))
	}

	c := NewCursor(src, 95, 105)
	defer c.Close()

	var got []int64
	for {
		ts, _, ok, err := c.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, ts)
	}

	want := []int64{95, 100, 105}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCursorEmptyIntervalYieldsNothing(t *testing.T) {
	src := NewMemorySource()
	src.Append(50, numeric.Encode(1, true, false, false))

	c := NewCursor(src, 100, 200)
	_, _, ok, err := c.Next()
	if err != nil || ok {
		t.Fatalf("expected no samples, got ok=%v err=%v", ok, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCursorCloseIsIdempotent(t *testing.T) {
	src := NewMemorySource()
	src.Append(1, numeric.Encode(1, true, false, false))
	c := NewCursor(src, 0, 10)

	if _, _, ok, _ := c.Next(); !ok {
		t.Fatalf("expected one sample")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// A closed cursor yields nothing further rather than reopening.
	if _, _, ok, err := c.Next(); ok || err != nil {
		t.Fatalf("closed cursor should be exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestOldestLatestTimeEmptySource(t *testing.T) {
	src := NewMemorySource()
	if _, ok := src.OldestTime(); ok {
		t.Fatalf("expected no oldest time on empty source")
	}
	if _, ok := src.LatestTime(); ok {
		t.Fatalf("expected no latest time on empty source")
	}
}
