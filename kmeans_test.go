package mlpack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestDualTreeKMeansOneDimensional(t *testing.T) {
	data := []float64{0, 1, 2, 10, 11, 12}
	engine, err := NewDualTreeKMeans(data, 6, 1, 2, EuclideanMetric{}, 2)
	if err != nil {
		t.Fatal(err)
	}

	centroids := []float64{0, 10}
	newCentroids, counts, residual := engine.Iterate(centroids)

	if counts[0] != 3 || counts[1] != 3 {
		t.Fatalf("counts = %v, want [3 3]", counts)
	}
	if math.Abs(newCentroids[0]-1) > 1e-12 || math.Abs(newCentroids[1]-11) > 1e-12 {
		t.Fatalf("centroids = %v, want [1 11]", newCentroids)
	}
	if math.Abs(residual-math.Sqrt(2)) > 1e-12 {
		t.Fatalf("residual = %v, want sqrt(2)", residual)
	}

	assignments := engine.Assignments()
	for i, want := range []int{0, 0, 0, 1, 1, 1} {
		if assignments[i] != want {
			t.Fatalf("assignments = %v, want [0 0 0 1 1 1]", assignments)
		}
	}

	// The second iteration is a fixed point.
	newCentroids, counts, residual = engine.Iterate(newCentroids)
	if residual != 0 {
		t.Fatalf("second iteration residual = %v, want 0", residual)
	}
	if counts[0] != 3 || counts[1] != 3 {
		t.Fatalf("second iteration counts = %v, want [3 3]", counts)
	}
	if math.Abs(newCentroids[0]-1) > 1e-12 || math.Abs(newCentroids[1]-11) > 1e-12 {
		t.Fatalf("second iteration centroids = %v, want [1 11]", newCentroids)
	}
}

func TestDualTreeKMeansEmptyCluster(t *testing.T) {
	data := []float64{0, 1, 2}
	engine, err := NewDualTreeKMeans(data, 3, 1, 2, EuclideanMetric{}, 1)
	if err != nil {
		t.Fatal(err)
	}

	// The second centroid is so far away it gets nothing.
	newCentroids, counts, _ := engine.Iterate([]float64{1, 1000})

	if counts[0] != 3 || counts[1] != 0 {
		t.Fatalf("counts = %v, want [3 0]", counts)
	}
	if math.Abs(newCentroids[0]-1) > 1e-12 {
		t.Fatalf("centroid 0 = %v, want 1", newCentroids[0])
	}
	if !math.IsInf(newCentroids[1], 1) {
		t.Fatalf("empty cluster centroid = %v, want +Inf sentinel", newCentroids[1])
	}
}

// bruteIterate computes one exact Lloyd step for comparison.
func bruteIterate(data []float64, n, dims, k int, centroids []float64, metric Metric) ([]float64, []int, []int) {
	sums := make([]float64, k*dims)
	counts := make([]int, k)
	assignments := make([]int, n)
	for i := 0; i < n; i++ {
		point := data[i*dims : (i+1)*dims]
		best := 0
		bestDist := math.Inf(1)
		for c := 0; c < k; c++ {
			if d := metric.Distance(point, centroids[c*dims:(c+1)*dims]); d < bestDist {
				bestDist = d
				best = c
			}
		}
		assignments[i] = best
		counts[best]++
		for d := 0; d < dims; d++ {
			sums[best*dims+d] += point[d]
		}
	}
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			for d := 0; d < dims; d++ {
				sums[c*dims+d] = math.Inf(1)
			}
			continue
		}
		for d := 0; d < dims; d++ {
			sums[c*dims+d] /= float64(counts[c])
		}
	}
	return sums, counts, assignments
}

func TestDualTreeKMeansMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	n, dims, k := 300, 2, 6
	data := randomData(rng, n, dims)
	metric := EuclideanMetric{}

	engine, err := NewDualTreeKMeans(data, n, dims, k, metric, 10)
	require.NoError(t, err)

	centroids := make([]float64, k*dims)
	copy(centroids, data[:k*dims])

	for iter := 0; iter < 10; iter++ {
		wantCentroids, wantCounts, wantAssignments := bruteIterate(data, n, dims, k, centroids, metric)
		gotCentroids, gotCounts, _ := engine.Iterate(centroids)

		// Commit idempotence: every point lands in exactly one cluster.
		total := 0
		for _, c := range gotCounts {
			total += c
		}
		require.Equal(t, n, total, "iteration %d: counts must sum to n", iter)

		require.Equal(t, wantCounts, gotCounts, "iteration %d counts", iter)
		for j := range wantCentroids {
			if math.IsInf(wantCentroids[j], 1) {
				require.True(t, math.IsInf(gotCentroids[j], 1), "iteration %d centroid %d", iter, j)
				continue
			}
			require.InDelta(t, wantCentroids[j], gotCentroids[j], 1e-9,
				"iteration %d centroid element %d", iter, j)
		}
		require.Equal(t, wantAssignments, engine.Assignments(), "iteration %d assignments", iter)

		// Carry empty clusters forward unchanged, as the Lloyd driver does.
		for c := 0; c < k; c++ {
			if gotCounts[c] == 0 {
				copy(gotCentroids[c*dims:(c+1)*dims], centroids[c*dims:(c+1)*dims])
			}
		}
		centroids = gotCentroids
	}
}

// Once a point is marked pruned its assignment is reused, so the pruning
// decision must be conservative: pruned points still have to agree with an
// exact Lloyd step on every later iteration.
func TestDualTreeKMeansPruningKeepsAssignmentsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	n, dims, k := 60, 2, 3
	data := randomData(rng, n, dims)
	metric := EuclideanMetric{}

	engine, err := NewDualTreeKMeans(data, n, dims, k, metric, 5)
	require.NoError(t, err)

	centroids := make([]float64, k*dims)
	copy(centroids, data[:k*dims])

	pruningSeen := false
	for iter := 0; iter < 8; iter++ {
		_, wantCounts, wantAssignments := bruteIterate(data, n, dims, k, centroids, metric)
		gotCentroids, gotCounts, _ := engine.Iterate(centroids)

		require.Equal(t, wantCounts, gotCounts, "iteration %d counts", iter)
		require.Equal(t, wantAssignments, engine.Assignments(), "iteration %d assignments", iter)

		for _, pruned := range engine.prunedPoints {
			if pruned {
				pruningSeen = true
			}
		}

		for c := 0; c < k; c++ {
			if gotCounts[c] == 0 {
				copy(gotCentroids[c*dims:(c+1)*dims], centroids[c*dims:(c+1)*dims])
			}
		}
		centroids = gotCentroids
	}
	require.True(t, pruningSeen, "no point was ever pruned; the prune path went untested")
}

// On well-separated blobs whole subtrees settle on a single cluster; those
// nodes must record their owner so the node-level bound maintenance and bulk
// commits take over, and their bounds must stay ordered.
func TestDualTreeKMeansSettledNodesKeepOwners(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	centers := [][]float64{{0, 0}, {15, 0}, {0, 15}}
	rows, _ := makeBlobs(rng, centers, 20, 0.5)
	n, dims, k := len(rows), 2, 3
	data := make([]float64, 0, n*dims)
	for _, row := range rows {
		data = append(data, row...)
	}
	metric := EuclideanMetric{}

	engine, err := NewDualTreeKMeans(data, n, dims, k, metric, 5)
	require.NoError(t, err)

	// One seed inside each blob.
	centroids := make([]float64, 0, k*dims)
	centroids = append(centroids, rows[0]...)
	centroids = append(centroids, rows[20]...)
	centroids = append(centroids, rows[40]...)

	owned := false
	for iter := 0; iter < 6; iter++ {
		wantCentroids, wantCounts, _ := bruteIterate(data, n, dims, k, centroids, metric)
		gotCentroids, gotCounts, _ := engine.Iterate(centroids)

		require.Equal(t, wantCounts, gotCounts, "iteration %d counts", iter)
		for j := range wantCentroids {
			require.InDelta(t, wantCentroids[j], gotCentroids[j], 1e-9,
				"iteration %d centroid element %d", iter, j)
		}

		for i := range engine.stats {
			s := &engine.stats[i]
			if s.staticPruned && s.owner < k {
				owned = true
				require.LessOrEqual(t, s.upperBound, s.lowerBound,
					"node %d owned by %d with unordered bounds", i, s.owner)
			}
		}
		centroids = gotCentroids
	}
	require.True(t, owned, "no node ever settled on a single owner")
}

func TestDualTreeKMeansMonotoneState(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	n, dims, k := 150, 2, 4
	data := randomData(rng, n, dims)

	engine, err := NewDualTreeKMeans(data, n, dims, k, EuclideanMetric{}, 8)
	require.NoError(t, err)

	centroids := make([]float64, k*dims)
	copy(centroids, data[:k*dims])
	for iter := 0; iter < 6; iter++ {
		var counts []int
		centroids, counts, _ = engine.Iterate(centroids)
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				t.Fatalf("unexpected empty cluster on random data, iteration %d", iter)
			}
		}

		// Prune counters never exceed k and bounds stay ordered wherever both
		// are finite.
		for i := range engine.stats {
			s := &engine.stats[i]
			if s.pruned > k {
				t.Fatalf("node %d pruned counter %d exceeds k=%d", i, s.pruned, k)
			}
			if s.staticPruned && s.owner < k && s.upperBound > s.lowerBound {
				t.Fatalf("node %d statically pruned with upper %v above lower %v",
					i, s.upperBound, s.lowerBound)
			}
		}
	}
}

func makeBlobs(rng *rand.Rand, centers [][]float64, perBlob int, spread float64) ([][]float64, []int) {
	var data [][]float64
	var blob []int
	for b, c := range centers {
		for i := 0; i < perBlob; i++ {
			row := make([]float64, len(c))
			for d := range c {
				row[d] = c[d] + rng.NormFloat64()*spread
			}
			data = append(data, row)
			blob = append(blob, b)
		}
	}
	return data, blob
}

func TestKMeansOnSeparatedBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	centers := [][]float64{{0, 0}, {20, 0}, {0, 20}}
	data, blob := makeBlobs(rng, centers, 40, 0.5)

	for _, algorithm := range []KMeansAlgorithm{KMeansBrute, KMeansDualTree} {
		cfg := DefaultKMeansConfig()
		cfg.Algorithm = algorithm
		result, err := KMeans(data, 3, cfg)
		require.NoError(t, err)

		require.LessOrEqual(t, result.Residual, cfg.Tolerance)
		require.Less(t, result.Iterations, cfg.MaxIterations)

		// All members of a blob share a cluster, and different blobs differ.
		blobCluster := map[int]int{}
		for i, b := range blob {
			if cluster, ok := blobCluster[b]; ok {
				require.Equal(t, cluster, result.Assignments[i],
					"%s: blob %d split across clusters", algorithm, b)
			} else {
				blobCluster[b] = result.Assignments[i]
			}
		}
		require.Len(t, blobCluster, 3)

		// Each recovered centroid sits near a blob center.
		for _, c := range result.Centroids {
			nearest := math.Inf(1)
			for _, want := range centers {
				if d := (EuclideanMetric{}).Distance(c, want); d < nearest {
					nearest = d
				}
			}
			require.Less(t, nearest, 1.0, "%s: centroid %v far from every blob center", algorithm, c)
		}
	}
}

func TestKMeansConfigValidation(t *testing.T) {
	good := [][]float64{{0, 0}, {1, 1}, {2, 2}, {3, 3}}

	tests := []struct {
		name string
		data [][]float64
		k    int
		mod  func(*KMeansConfig)
	}{
		{"zero k", good, 0, func(c *KMeansConfig) {}},
		{"k exceeds n", good, 5, func(c *KMeansConfig) {}},
		{"empty data", nil, 1, func(c *KMeansConfig) {}},
		{"ragged rows", [][]float64{{0, 0}, {1}}, 1, func(c *KMeansConfig) {}},
		{"negative tolerance", good, 2, func(c *KMeansConfig) { c.Tolerance = -1 }},
		{"negative leaf size", good, 2, func(c *KMeansConfig) { c.LeafSize = -3 }},
		{"unknown algorithm", good, 2, func(c *KMeansConfig) { c.Algorithm = "fancy" }},
		{"unknown init", good, 2, func(c *KMeansConfig) { c.Init = "guess" }},
		{"tree with invalid metric", good, 2, func(c *KMeansConfig) {
			c.Algorithm = KMeansDualTree
			c.Metric = DistanceFunc(func(a, b []float64) float64 { return 0 })
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultKMeansConfig()
			tt.mod(&cfg)
			if _, err := KMeans(tt.data, tt.k, cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSeedCentroidsDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	n, dims, k := 50, 2, 5
	data := randomData(rng, n, dims)

	src := rand.NewSource(16)
	seedRng := rand.New(src)
	for _, init := range []KMeansInit{KMeansInitPlusPlus, KMeansInitRandom} {
		centroids := seedCentroids(data, n, dims, k, init, EuclideanMetric{}, seedRng, src)

		for c := 0; c < k; c++ {
			row := centroids[c*dims : (c+1)*dims]
			found := false
			for i := 0; i < n; i++ {
				if row[0] == data[i*dims] && row[1] == data[i*dims+1] {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("%s: centroid %d is not a data point", init, c)
			}
			for other := 0; other < c; other++ {
				o := centroids[other*dims : (other+1)*dims]
				if row[0] == o[0] && row[1] == o[1] {
					t.Errorf("%s: centroids %d and %d coincide", init, c, other)
				}
			}
		}
	}
}
