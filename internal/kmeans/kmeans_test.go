package kmeans

import "testing"

func twoClusterMatrix() [][]float64 {
	var rows [][]float64
	for i := 0; i < 20; i++ {
		rows = append(rows, []float64{float64(i%3) - 1})
	}
	for i := 0; i < 20; i++ {
		rows = append(rows, []float64{100 + float64(i%3) - 1})
	}
	return rows
}

func TestTrainInsufficientRows(t *testing.T) {
	km := New(3, 1)
	_, err := km.Train([][]float64{{1}, {2}})
	if err != ErrInsufficientRows {
		t.Fatalf("expected ErrInsufficientRows, got %v", err)
	}
}

func TestScoreBounds(t *testing.T) {
	km := New(2, 42)
	model, err := km.Train(twoClusterMatrix())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if s := Score(model, []float64{-1}); s < 0 || s > 1 {
		t.Fatalf("in-manifold score out of bounds: %v", s)
	}

	if s := Score(model, []float64{10000}); s != 1 {
		t.Fatalf("far outlier should clamp to 1, got %v", s)
	}

	// Scoring exactly at a centroid should be 0.
	for _, c := range model.Centroids {
		if s := Score(model, c); s != 0 {
			t.Fatalf("score at centroid = %v, want 0", s)
		}
	}
}

func TestTrainDeterministic(t *testing.T) {
	matrix := twoClusterMatrix()
	m1, err := New(2, 7).Train(matrix)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	m2, err := New(2, 7).Train(matrix)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	for i := range m1.Centroids {
		for d := range m1.Centroids[i] {
			if m1.Centroids[i][d] != m2.Centroids[i][d] {
				t.Fatalf("same seed produced different centroids: %v vs %v", m1.Centroids, m2.Centroids)
			}
		}
	}
}

func TestSeparatesTwoClusters(t *testing.T) {
	km := New(2, 3)
	model, err := km.Train(twoClusterMatrix())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(model.Centroids) != 2 {
		t.Fatalf("expected 2 centroids, got %d", len(model.Centroids))
	}
	// centroids should land near 0 and near 100
	near := func(v, target float64) bool {
		d := v - target
		if d < 0 {
			d = -d
		}
		return d < 5
	}
	c0, c1 := model.Centroids[0][0], model.Centroids[1][0]
	if !((near(c0, 0) && near(c1, 100)) || (near(c0, 100) && near(c1, 0))) {
		t.Fatalf("centroids did not separate clusters: %v %v", c0, c1)
	}
}
