// Package preprocess turns a raw column of decoded samples into the
// feature matrix a k-means model trains and scores on: first difference,
// trailing moving average, then time-delay embedding (lag). Grounded on
// the pipeline built inline in the original ml/Unit.cc (SamplesBuffer
// constructed with CNs, N, 1, DiffN, SmoothN, LagN immediately before
// KMeans::train / KMeans::anomalyScore).
package preprocess

// SamplesBuffer owns a dense rows x inDims block of reals and applies
// diff/smooth/lag to it in place, in the manner of the teacher's owned
// dense buffers (no manual new[]/delete[] bookkeeping; the backing slice
// is released when the SamplesBuffer is dropped).
type SamplesBuffer struct {
	data   []float64
	rows   int
	inDims int

	diffN, smoothN, lagN int
}

// New takes ownership of data, a row-major rows x inDims block.
func New(data []float64, rows, inDims, diffN, smoothN, lagN int) *SamplesBuffer {
	return &SamplesBuffer{
		data:    data,
		rows:    rows,
		inDims:  inDims,
		diffN:   diffN,
		smoothN: smoothN,
		lagN:    lagN,
	}
}

func (sb *SamplesBuffer) row(i int) []float64 {
	return sb.data[i*sb.inDims : (i+1)*sb.inDims]
}

// diff replaces row[high] with row[high]-row[high-DiffN] for the newest
// rows, working from the newest end back. Returns the (start, count) of
// the surviving window; rows before start still hold raw values and are
// no longer part of the active window.
func (sb *SamplesBuffer) diff() (start, count int) {
	if sb.diffN <= 0 {
		return 0, sb.rows
	}
	if sb.rows <= sb.diffN {
		return 0, 0
	}
	for h := sb.rows - 1; h >= sb.diffN; h-- {
		cur, prev := sb.row(h), sb.row(h-sb.diffN)
		for d := range cur {
			cur[d] -= prev[d]
		}
	}
	return sb.diffN, sb.rows - sb.diffN
}

// smooth applies a trailing moving average of window SmoothN over
// [start, start+count), back-to-front so lower indices retain their
// pre-smoothing values until they are themselves the window's newest row.
func (sb *SamplesBuffer) smooth(start, count int) (int, int) {
	if sb.smoothN <= 1 {
		return start, count
	}
	if count < sb.smoothN {
		return start, 0
	}
	scale := 1.0 / float64(sb.smoothN)
	newStart := start + sb.smoothN - 1
	sums := make([]float64, sb.inDims)

	for h := start + count - 1; h >= newStart; h-- {
		for d := range sums {
			sums[d] = 0
		}
		for k := 0; k < sb.smoothN; k++ {
			r := sb.row(h - k)
			for d := 0; d < sb.inDims; d++ {
				sums[d] += r[d]
			}
		}
		dst := sb.row(h)
		for d := 0; d < sb.inDims; d++ {
			dst[d] = sums[d] * scale
		}
	}
	return newStart, count - (sb.smoothN - 1)
}

// lag expands each surviving row into LagN+1 adjacent historical rows,
// most recent first, concatenated into one feature vector per output row.
func (sb *SamplesBuffer) lag(start, count int) [][]float64 {
	if count <= sb.lagN {
		return nil
	}
	outCount := count - sb.lagN
	outCols := sb.inDims * (sb.lagN + 1)
	out := make([][]float64, outCount)

	for i := 0; i < outCount; i++ {
		r := start + sb.lagN + i
		vec := make([]float64, outCols)
		for l := 0; l <= sb.lagN; l++ {
			copy(vec[l*sb.inDims:(l+1)*sb.inDims], sb.row(r-l))
		}
		out[i] = vec
	}
	return out
}

// Process runs diff, smooth, and lag in order and returns the resulting
// feature matrix. ok is false if the row count would drop to zero (or
// below) at any stage, in which case the caller should treat this as
// insufficient data rather than train or score on an empty matrix.
func (sb *SamplesBuffer) Process() (matrix [][]float64, ok bool) {
	start, count := sb.diff()
	if count <= 0 {
		return nil, false
	}
	start, count = sb.smooth(start, count)
	if count <= 0 {
		return nil, false
	}
	mat := sb.lag(start, count)
	if mat == nil {
		return nil, false
	}
	return mat, true
}

// OutputRowCount reports the row count Process would produce for the
// given input size, without touching any data.
func OutputRowCount(rows, diffN, smoothN, lagN int) int {
	n := rows - diffN - (smoothN - 1) - lagN
	if n < 0 {
		return 0
	}
	return n
}
