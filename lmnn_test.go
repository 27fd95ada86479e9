package mlpack

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestNewConstraintsValidation(t *testing.T) {
	data := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	labels := []int{0, 0, 0, 0, 1, 1, 1, 1}

	tests := []struct {
		name   string
		labels []int
		k      int
		metric Metric
	}{
		{"zero k", labels, 0, EuclideanMetric{}},
		{"label count mismatch", labels[:5], 1, EuclideanMetric{}},
		{"negative label", []int{0, 0, 0, 0, 1, 1, 1, -1}, 1, EuclideanMetric{}},
		{"single class", []int{0, 0, 0, 0, 0, 0, 0, 0}, 1, EuclideanMetric{}},
		{"class too small for k", labels, 4, EuclideanMetric{}},
		{"invalid metric", labels, 1, DistanceFunc(func(a, b []float64) float64 { return 0 })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConstraints(data, 8, 1, tt.labels, tt.k, tt.metric, 2); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := NewConstraints(data, 8, 1, labels, 3, EuclideanMetric{}, 2); err != nil {
		t.Errorf("valid construction failed: %v", err)
	}
}

// The requested counts are validated against the class histogram up front; a
// search that cannot be satisfied fails instead of returning filler rows.
func TestTargetsAndImpostorsCountValidation(t *testing.T) {
	data := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	labels := []int{0, 0, 0, 0, 1, 1, 1, 1}

	c, err := NewConstraints(data, 8, 1, labels, 1, EuclideanMetric{}, 2)
	require.NoError(t, err)

	// A class of four supplies at most three targets and four impostors.
	_, _, _, _, err = c.TargetsAndImpostors(4, 1)
	require.Error(t, err, "more targets than class members")
	_, _, _, _, err = c.TargetsAndImpostors(1, 5)
	require.Error(t, err, "more impostors than points outside the class")
	_, _, _, _, err = c.TargetsAndImpostors(0, 1)
	require.Error(t, err, "non-positive count")

	_, _, _, _, err = c.TargetsAndImpostors(3, 4)
	require.NoError(t, err, "exactly satisfiable counts")
}

func TestTargetsAndImpostorsFourPoints(t *testing.T) {
	// Two classes of two points each, arranged so every point's nearest
	// same-label and different-label neighbor is unambiguous.
	data := []float64{
		0, 0, // 0, class 0
		1, 0, // 1, class 0
		0, 2, // 2, class 1
		1.2, 2, // 3, class 1
	}
	labels := []int{0, 0, 1, 1}

	c, err := NewConstraints(data, 4, 2, labels, 1, EuclideanMetric{}, 1)
	require.NoError(t, err)

	neighbors, neighborDists, impostors, impostorDists, err := c.TargetsAndImpostors(1, 1)
	require.NoError(t, err)

	wantNeighbors := []int{1, 0, 3, 2}
	wantImpostors := []int{2, 3, 0, 1}
	for i := 0; i < 4; i++ {
		require.Equal(t, wantNeighbors[i], neighbors[i][0], "point %d target", i)
		require.Equal(t, wantImpostors[i], impostors[i][0], "point %d impostor", i)
	}

	require.InDelta(t, 1.0, neighborDists[0][0], 1e-12)
	require.InDelta(t, 1.2, neighborDists[2][0], 1e-12)
	require.InDelta(t, 2.0, impostorDists[0][0], 1e-12)
	require.InDelta(t, math.Sqrt(0.2*0.2+2*2), impostorDists[1][0], 1e-12)
}

// bruteNeighborSearch finds the k nearest same-label or different-label
// neighbors exactly, breaking distance ties by index.
func bruteNeighborSearch(data []float64, dims int, labels []int, query int, same bool, k int) ([]int, []float64) {
	type pair struct {
		idx  int
		dist float64
	}
	var pairs []pair
	for i := range labels {
		if i == query || (labels[i] == labels[query]) != same {
			continue
		}
		pairs = append(pairs, pair{i, (EuclideanMetric{}).Distance(
			data[query*dims:(query+1)*dims], data[i*dims:(i+1)*dims])})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dist != pairs[j].dist {
			return pairs[i].dist < pairs[j].dist
		}
		return pairs[i].idx < pairs[j].idx
	})
	idx := make([]int, k)
	dist := make([]float64, k)
	for j := 0; j < k; j++ {
		idx[j] = pairs[j].idx
		dist[j] = pairs[j].dist
	}
	return idx, dist
}

func TestTargetsAndImpostorsMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	n, dims, k := 120, 3, 3
	data := randomData(rng, n, dims)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % 3
	}

	c, err := NewConstraints(data, n, dims, labels, k, EuclideanMetric{}, 8)
	require.NoError(t, err)

	neighbors, neighborDists, impostors, impostorDists, err := c.TargetsAndImpostors(k, k)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		wantIdx, wantDist := bruteNeighborSearch(data, dims, labels, i, true, k)
		require.Equal(t, wantIdx, neighbors[i], "point %d targets", i)
		for j := 0; j < k; j++ {
			require.InDelta(t, wantDist[j], neighborDists[i][j], 1e-9)
		}

		wantIdx, wantDist = bruteNeighborSearch(data, dims, labels, i, false, k)
		require.Equal(t, wantIdx, impostors[i], "point %d impostors", i)
		for j := 0; j < k; j++ {
			require.InDelta(t, wantDist[j], impostorDists[i][j], 1e-9)
		}
	}
}

func TestImpostorsUnderTransformation(t *testing.T) {
	rng := rand.New(rand.NewSource(18))
	n, dims, k := 90, 3, 2
	data := randomData(rng, n, dims)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % 2
	}

	c, err := NewConstraints(data, n, dims, labels, k, EuclideanMetric{}, 8)
	require.NoError(t, err)

	transformation := mat.NewDense(3, 3, []float64{
		2, 0, 0,
		0, 0.5, 0,
		0.3, 0, 1,
	})

	impostors, impostorDists, err := c.Impostors(transformation)
	require.NoError(t, err)

	// Brute force in the transformed space.
	stretched := make([]float64, n*dims)
	for i := 0; i < n; i++ {
		for r := 0; r < dims; r++ {
			v := 0.0
			for cc := 0; cc < dims; cc++ {
				v += transformation.At(r, cc) * data[i*dims+cc]
			}
			stretched[i*dims+r] = v
		}
	}
	for i := 0; i < n; i++ {
		wantIdx, wantDist := bruteNeighborSearch(stretched, dims, labels, i, false, k)
		require.Equal(t, wantIdx, impostors[i], "point %d impostors under transformation", i)
		for j := 0; j < k; j++ {
			require.InDelta(t, wantDist[j], impostorDists[i][j], 1e-9)
		}
	}

	// A later search with the identity must see the original space again.
	impostors, _, err = c.Impostors(nil)
	require.NoError(t, err)
	wantIdx, _ := bruteNeighborSearch(data, dims, labels, 0, false, k)
	require.Equal(t, wantIdx, impostors[0])
}

func TestImpostorsBatchConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	n, dims, k := 80, 2, 2
	data := randomData(rng, n, dims)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % 2
	}

	c, err := NewConstraints(data, n, dims, labels, k, EuclideanMetric{}, 6)
	require.NoError(t, err)

	full, fullDists, err := c.Impostors(nil)
	require.NoError(t, err)

	begin, batchSize := 25, 30
	batch, batchDists, err := c.ImpostorsBatch(begin, batchSize, nil)
	require.NoError(t, err)
	require.Len(t, batch, batchSize)

	for j := 0; j < batchSize; j++ {
		require.Equal(t, full[begin+j], batch[j], "batch row %d", j)
		for x := 0; x < k; x++ {
			require.InDelta(t, fullDists[begin+j][x], batchDists[j][x], 1e-9)
		}
	}

	_, _, err = c.ImpostorsBatch(70, 20, nil)
	require.Error(t, err, "out-of-range batch must fail")
}

func TestLMNNReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(20))

	// Two classes separated along the first feature; the second feature is
	// noise the learned metric should suppress.
	n := 60
	data := make([][]float64, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		class := i % 2
		data[i] = []float64{float64(class)*4 + rng.NormFloat64()*0.3, rng.NormFloat64() * 3}
		labels[i] = class
	}

	cfg := DefaultLMNNConfig()
	cfg.K = 2
	cfg.MaxIterations = 60
	cfg.LearnRate = 1e-5

	result, err := LMNN(data, labels, cfg)
	require.NoError(t, err)
	require.NotNil(t, result.Transformation)

	// Loss with the learned metric must beat the identity.
	flat := make([]float64, n*2)
	for i, row := range data {
		copy(flat[i*2:(i+1)*2], row)
	}
	c, err := NewConstraints(flat, n, 2, labels, cfg.K, EuclideanMetric{}, cfg.LeafSize)
	require.NoError(t, err)
	targets, _, _, _, err := c.TargetsAndImpostors(cfg.K, cfg.K)
	require.NoError(t, err)
	impostors, _, err := c.Impostors(nil)
	require.NoError(t, err)
	identityLoss, _ := lmnnLossGradient(flat, n, 2, targets, impostors, identity(2), cfg.Regularization)

	require.Less(t, result.Loss, identityLoss)

	r, cc := result.Transformation.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 2, cc)
	for i := 0; i < r; i++ {
		for j := 0; j < cc; j++ {
			require.False(t, math.IsNaN(result.Transformation.At(i, j)))
		}
	}
}
