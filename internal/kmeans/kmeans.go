// Package kmeans implements the numerical kernel behind per-dimension
// anomaly scoring: k-means++ initialisation followed by Lloyd iteration
// to fit a small set of centroids, and a distance-to-nearest-centroid
// score normalised against the training set's own distance distribution.
//
// This is the one core component spec.md treats as "specified only via
// its input/output contract" rather than grounded on a systems-level
// pattern in the teacher; the API shape (Train/Score, immutable Model)
// still follows the teacher's convention of small value types produced
// by one call and atomically swapped in by the caller (see
// internal/dimension, modelled on the baseline-swap idiom in the
// teacher's autoscaler/intelligent_scaler.go ScalingBaseline).
package kmeans

import (
	"errors"
	"math"
	"math/rand"
)

// ErrInsufficientRows is returned by Train when the input matrix has
// fewer rows than the requested number of centroids.
var ErrInsufficientRows = errors.New("kmeans: fewer rows than centroids")

// DefaultCentroids is the recommended cluster count for per-dimension
// anomaly detection (spec.md 4.3): enough to separate a normal manifold
// from a handful of behavioural modes without overfitting short windows.
const DefaultCentroids = 2

const defaultMaxIterations = 100

// Model is the immutable output of a training pass: a fixed set of
// centroids plus the distribution of nearest-centroid distances observed
// on the training set, used to normalise future scores into [0,1].
type Model struct {
	Centroids [][]float64
	MeanDist  float64
	MaxDist   float64
}

// KMeans fits and scores against preprocessed feature matrices.
type KMeans struct {
	k             int
	maxIterations int
	seed          int64
}

// New returns a KMeans fitter for k centroids, deterministic given seed.
func New(k int, seed int64) *KMeans {
	if k <= 0 {
		k = DefaultCentroids
	}
	return &KMeans{k: k, maxIterations: defaultMaxIterations, seed: seed}
}

// Train fits centroids on matrix using k-means++ initialisation followed
// by Lloyd iteration. The returned Model is independent of matrix; the
// caller may discard matrix immediately after Train returns.
func (km *KMeans) Train(matrix [][]float64) (*Model, error) {
	if len(matrix) < km.k {
		return nil, ErrInsufficientRows
	}

	rng := rand.New(rand.NewSource(km.seed))
	centroids := kmeansPlusPlusInit(matrix, km.k, rng)

	assignments := make([]int, len(matrix))
	for iter := 0; iter < km.maxIterations; iter++ {
		changed := assign(matrix, centroids, assignments)
		recompute(matrix, assignments, centroids)
		if !changed && iter > 0 {
			break
		}
	}

	meanDist, maxDist := trainingDistances(matrix, centroids)
	return &Model{Centroids: centroids, MeanDist: meanDist, MaxDist: maxDist}, nil
}

// Score returns the normalised distance from row to the nearest centroid
// in model, clamped to [0,1]. A score of 0 means row sits on a centroid;
// a score of 1 means it sits at (or beyond) the training boundary.
func Score(model *Model, row []float64) float64 {
	if model.MaxDist == 0 {
		return 0
	}
	_, dist := nearest(row, model.Centroids)
	score := dist / model.MaxDist
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func kmeansPlusPlusInit(matrix [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := rng.Intn(len(matrix))
	centroids = append(centroids, cloneRow(matrix[first]))

	distSq := make([]float64, len(matrix))
	for len(centroids) < k {
		var total float64
		for i, row := range matrix {
			_, d := nearest(row, centroids)
			distSq[i] = d * d
			total += distSq[i]
		}
		if total == 0 {
			// All remaining points coincide with existing centroids; pad
			// with duplicates rather than looping forever.
			centroids = append(centroids, cloneRow(matrix[rng.Intn(len(matrix))]))
			continue
		}
		target := rng.Float64() * total
		var cum float64
		chosen := len(matrix) - 1
		for i, d := range distSq {
			cum += d
			if cum >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, cloneRow(matrix[chosen]))
	}
	return centroids
}

func assign(matrix [][]float64, centroids [][]float64, assignments []int) (changed bool) {
	for i, row := range matrix {
		idx, _ := nearest(row, centroids)
		if assignments[i] != idx {
			assignments[i] = idx
			changed = true
		}
	}
	return changed
}

func recompute(matrix [][]float64, assignments []int, centroids [][]float64) {
	cols := len(centroids[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for i := range sums {
		sums[i] = make([]float64, cols)
	}

	for i, row := range matrix {
		c := assignments[i]
		counts[c]++
		for d := 0; d < cols; d++ {
			sums[c][d] += row[d]
		}
	}

	for c := range centroids {
		if counts[c] == 0 {
			continue // keep previous centroid; an empty cluster has nothing to move toward
		}
		for d := 0; d < cols; d++ {
			centroids[c][d] = sums[c][d] / float64(counts[c])
		}
	}
}

func trainingDistances(matrix [][]float64, centroids [][]float64) (mean, max float64) {
	var sum float64
	for _, row := range matrix {
		_, d := nearest(row, centroids)
		sum += d
		if d > max {
			max = d
		}
	}
	if len(matrix) > 0 {
		mean = sum / float64(len(matrix))
	}
	return mean, max
}

func nearest(row []float64, centroids [][]float64) (idx int, dist float64) {
	best := math.Inf(1)
	bestIdx := 0
	for i, c := range centroids {
		d := euclidean(row, c)
		if d < best {
			best = d
			bestIdx = i
		}
	}
	return bestIdx, best
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func cloneRow(row []float64) []float64 {
	out := make([]float64, len(row))
	copy(out, row)
	return out
}
