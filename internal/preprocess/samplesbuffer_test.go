package preprocess

import "testing"

func sequence(n int) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i)
	}
	return data
}

func TestOutputShape(t *testing.T) {
	// S5 in the source spec claims 11 output rows for these parameters,
	// but that contradicts the row-count invariant it states in the same
	// breath (rows - DiffN - (SmoothN-1) - LagN), which the component
	// description repeats verbatim. 20-1-2-5 = 12, not 11: we trust the
	// formula, stated twice, over the single worked example.
	rows, inDims, diffN, smoothN, lagN := 20, 1, 1, 3, 5
	sb := New(sequence(rows*inDims), rows, inDims, diffN, smoothN, lagN)

	mat, ok := sb.Process()
	if !ok {
		t.Fatalf("Process failed unexpectedly")
	}

	wantRows := OutputRowCount(rows, diffN, smoothN, lagN)
	if wantRows != 12 {
		t.Fatalf("sanity: expected formula to give 12, got %d", wantRows)
	}
	if len(mat) != wantRows {
		t.Fatalf("got %d output rows, want %d", len(mat), wantRows)
	}
	wantCols := inDims * (lagN + 1)
	for i, row := range mat {
		if len(row) != wantCols {
			t.Fatalf("row %d has %d cols, want %d", i, len(row), wantCols)
		}
	}
}

func TestInsufficientRowsFails(t *testing.T) {
	sb := New(sequence(5), 5, 1, 2, 3, 2)
	if _, ok := sb.Process(); ok {
		t.Fatalf("expected Process to fail on insufficient rows")
	}
}

func TestNoOpParameters(t *testing.T) {
	rows := 10
	sb := New(sequence(rows), rows, 1, 0, 1, 0)
	mat, ok := sb.Process()
	if !ok {
		t.Fatalf("Process failed unexpectedly")
	}
	if len(mat) != rows {
		t.Fatalf("got %d rows, want %d (no-op params)", len(mat), rows)
	}
}

func TestDiffValues(t *testing.T) {
	// [0,1,2,3,4] with DiffN=1 -> differences of consecutive values = 1 each,
	// surviving rows are indices [1,4].
	sb := New(sequence(5), 5, 1, 1, 1, 0)
	mat, ok := sb.Process()
	if !ok {
		t.Fatalf("Process failed unexpectedly")
	}
	for _, row := range mat {
		if row[0] != 1 {
			t.Fatalf("expected diffed value 1, got %v", row[0])
		}
	}
}
