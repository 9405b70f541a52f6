package rolling

import "testing"

var s1Bits = []bool{false, false, true, true, false, true, false, false, false, true, false, true, false, false}

func closedLengths(minLength, threshold int, bits []bool) []int {
	w := NewWindow(minLength, threshold)
	var closed []int
	for _, b := range bits {
		edge, prevLen := w.Insert(b)
		if edge.From == AboveThreshold && edge.To == BelowThreshold {
			closed = append(closed, prevLen)
		}
	}
	return closed
}

func TestS1ModerateThreshold(t *testing.T) {
	got := closedLengths(4, 2, s1Bits)
	want := []int{7, 5}
	assertIntSlice(t, got, want)
}

func TestS2HigherThreshold(t *testing.T) {
	got := closedLengths(4, 3, s1Bits)
	want := []int{4}
	assertIntSlice(t, got, want)
}

func TestS3ImpossibleThreshold(t *testing.T) {
	got := closedLengths(4, 4, s1Bits)
	if len(got) != 0 {
		t.Fatalf("expected no closed events, got %v", got)
	}
}

func TestAboveThresholdLengthMonotonicity(t *testing.T) {
	// property 2: within a contiguous AboveThreshold run, length increases
	// by exactly 1 per insert and equals MinLength+k on the k-th such tick.
	w := NewWindow(3, 2)
	bits := []bool{true, true, true, true, true, true, true}
	var lastState State
	k := 0
	for _, b := range bits {
		edge, _ := w.Insert(b)
		if edge.To != AboveThreshold {
			continue
		}
		if edge.From == AboveThreshold {
			k++
			want := w.MinLength() + k
			if w.Length() != want {
				t.Fatalf("length=%d, want %d at k=%d", w.Length(), want, k)
			}
		}
		lastState = edge.To
	}
	if lastState != AboveThreshold {
		t.Fatalf("expected to end AboveThreshold")
	}
}

func TestNotFilledStartsAtZero(t *testing.T) {
	w := NewWindow(4, 2)
	if w.State() != NotFilled || w.Length() != 0 {
		t.Fatalf("initial state = %v/%d, want NotFilled/0", w.State(), w.Length())
	}
}

func assertIntSlice(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
