package mlpack

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// KMeansAlgorithm selects the assignment strategy for KMeans.
type KMeansAlgorithm string

const (
	// KMeansAuto picks a strategy based on the dataset shape.
	KMeansAuto KMeansAlgorithm = "auto"
	// KMeansBrute compares every point against every centroid.
	KMeansBrute KMeansAlgorithm = "brute"
	// KMeansDualTree prunes comparisons with a dual-tree search.
	KMeansDualTree KMeansAlgorithm = "dualtree"
)

// KMeansInit selects the seeding strategy.
type KMeansInit string

const (
	// KMeansInitPlusPlus seeds with distance-weighted sampling (k-means++).
	KMeansInitPlusPlus KMeansInit = "kmeans++"
	// KMeansInitRandom seeds with k distinct points chosen uniformly.
	KMeansInitRandom KMeansInit = "random"
)

// KMeansConfig holds the clustering parameters. Zero values are replaced by
// DefaultKMeansConfig values.
type KMeansConfig struct {
	MaxIterations int
	Tolerance     float64 // stop when root-sum-square centroid movement drops below this
	Metric        Metric
	Algorithm     KMeansAlgorithm
	Init          KMeansInit
	LeafSize      int
	Seed          uint64
	Workers       int // brute-force path only; 0 means NumCPU
}

// DefaultKMeansConfig returns the recommended configuration.
func DefaultKMeansConfig() KMeansConfig {
	return KMeansConfig{
		MaxIterations: 1000,
		Tolerance:     1e-6,
		Metric:        EuclideanMetric{},
		Algorithm:     KMeansAuto,
		Init:          KMeansInitPlusPlus,
		LeafSize:      20,
		Seed:          42,
	}
}

func applyKMeansDefaults(cfg *KMeansConfig) {
	def := DefaultKMeansConfig()
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Metric == nil {
		cfg.Metric = def.Metric
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = def.Algorithm
	}
	if cfg.Init == "" {
		cfg.Init = def.Init
	}
	if cfg.LeafSize == 0 {
		cfg.LeafSize = def.LeafSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
}

func validateKMeansConfig(cfg *KMeansConfig, n, k int) error {
	if k < 1 {
		return fmt.Errorf("mlpack: k must be at least 1, got %d", k)
	}
	if k > n {
		return fmt.Errorf("mlpack: k (%d) exceeds number of points (%d)", k, n)
	}
	if cfg.MaxIterations < 1 {
		return fmt.Errorf("mlpack: MaxIterations must be positive, got %d", cfg.MaxIterations)
	}
	if cfg.Tolerance < 0 {
		return fmt.Errorf("mlpack: Tolerance must be non-negative, got %v", cfg.Tolerance)
	}
	if cfg.LeafSize < 1 {
		return fmt.Errorf("mlpack: LeafSize must be at least 1, got %d", cfg.LeafSize)
	}
	switch cfg.Algorithm {
	case KMeansAuto, KMeansBrute, KMeansDualTree:
	default:
		return fmt.Errorf("mlpack: unknown algorithm %q", cfg.Algorithm)
	}
	switch cfg.Init {
	case KMeansInitPlusPlus, KMeansInitRandom:
	default:
		return fmt.Errorf("mlpack: unknown init method %q", cfg.Init)
	}
	if cfg.Algorithm == KMeansDualTree && !TreeValidMetric(cfg.Metric) {
		return fmt.Errorf("mlpack: metric does not support tree acceleration")
	}
	return nil
}

// selectKMeansAlgorithm resolves KMeansAuto. Tree pruning loses its bite in
// high dimensions, where hyperrectangle bounds become loose.
func selectKMeansAlgorithm(cfg *KMeansConfig, dims int) KMeansAlgorithm {
	if cfg.Algorithm != KMeansAuto {
		return cfg.Algorithm
	}
	if !TreeValidMetric(cfg.Metric) || dims > 20 {
		return KMeansBrute
	}
	return KMeansDualTree
}

// KMeansResult holds the clustering output.
type KMeansResult struct {
	Centroids            [][]float64
	Assignments          []int
	Counts               []int
	Iterations           int
	Residual             float64
	DistanceCalculations int
}

// KMeans clusters data into k clusters with Lloyd iterations, stopping when
// the centroids move less than cfg.Tolerance or after cfg.MaxIterations.
func KMeans(data [][]float64, k int, cfg KMeansConfig) (*KMeansResult, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("mlpack: empty dataset")
	}
	dims := len(data[0])
	if dims == 0 {
		return nil, fmt.Errorf("mlpack: dataset has no features")
	}
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("mlpack: row %d has %d features, want %d", i, len(row), dims)
		}
	}

	applyKMeansDefaults(&cfg)
	if err := validateKMeansConfig(&cfg, n, k); err != nil {
		return nil, err
	}

	flat := make([]float64, n*dims)
	for i, row := range data {
		copy(flat[i*dims:(i+1)*dims], row)
	}

	src := rand.NewSource(cfg.Seed)
	rng := rand.New(src)
	centroids := seedCentroids(flat, n, dims, k, cfg.Init, cfg.Metric, rng, src)

	switch selectKMeansAlgorithm(&cfg, dims) {
	case KMeansBrute:
		return bruteKMeans(flat, n, dims, k, centroids, &cfg)
	default:
		return dualTreeKMeans(flat, n, dims, k, centroids, &cfg)
	}
}

// seedCentroids picks k initial centroids, either uniformly or by k-means++
// distance-weighted sampling.
func seedCentroids(data []float64, n, dims, k int, init KMeansInit, metric Metric, rng *rand.Rand, src rand.Source) []float64 {
	centroids := make([]float64, k*dims)

	if init == KMeansInitRandom {
		perm := rng.Perm(n)
		for c := 0; c < k; c++ {
			copy(centroids[c*dims:(c+1)*dims], data[perm[c]*dims:(perm[c]+1)*dims])
		}
		return centroids
	}

	// k-means++: first centroid uniform, the rest sampled proportionally to
	// squared distance from the nearest already-chosen centroid.
	first := rng.Intn(n)
	copy(centroids[0:dims], data[first*dims:(first+1)*dims])

	weights := make([]float64, n)
	for i := 0; i < n; i++ {
		d := metric.Distance(data[i*dims:(i+1)*dims], centroids[0:dims])
		weights[i] = d * d
	}

	for c := 1; c < k; c++ {
		next, ok := sampleuv.NewWeighted(weights, src).Take()
		if !ok {
			// All remaining points coincide with a centroid.
			next = rng.Intn(n)
		}
		copy(centroids[c*dims:(c+1)*dims], data[next*dims:(next+1)*dims])

		for i := 0; i < n; i++ {
			d := metric.Distance(data[i*dims:(i+1)*dims], centroids[c*dims:(c+1)*dims])
			if sq := d * d; sq < weights[i] {
				weights[i] = sq
			}
		}
	}

	return centroids
}

// dualTreeKMeans is the tree-accelerated Lloyd loop.
func dualTreeKMeans(data []float64, n, dims, k int, centroids []float64, cfg *KMeansConfig) (*KMeansResult, error) {
	engine, err := NewDualTreeKMeans(data, n, dims, k, cfg.Metric, cfg.LeafSize)
	if err != nil {
		return nil, err
	}

	var counts []int
	var residual float64
	iterations := 0
	for iterations < cfg.MaxIterations {
		var next []float64
		next, counts, residual = engine.Iterate(centroids)
		iterations++

		// Empty clusters keep their previous centroid.
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				copy(next[c*dims:(c+1)*dims], centroids[c*dims:(c+1)*dims])
			}
		}
		centroids = next

		if residual <= cfg.Tolerance {
			break
		}
	}

	return &KMeansResult{
		Centroids:            unflatten(centroids, k, dims),
		Assignments:          engine.Assignments(),
		Counts:               counts,
		Iterations:           iterations,
		Residual:             residual,
		DistanceCalculations: engine.DistanceCalculations(),
	}, nil
}

// bruteKMeans is the exhaustive Lloyd loop with worker-pool assignment.
func bruteKMeans(data []float64, n, dims, k int, centroids []float64, cfg *KMeansConfig) (*KMeansResult, error) {
	assignments := make([]int, n)
	counts := make([]int, k)
	distanceCalcs := 0

	var residual float64
	iterations := 0
	for iterations < cfg.MaxIterations {
		newCentroids, newCounts := assignBrute(data, n, dims, k, centroids, assignments, cfg)
		distanceCalcs += n * k

		residual = 0
		for c := 0; c < k; c++ {
			row := newCentroids[c*dims : (c+1)*dims]
			old := centroids[c*dims : (c+1)*dims]
			if newCounts[c] == 0 {
				copy(row, old)
				continue
			}
			floats.Scale(1.0/float64(newCounts[c]), row)
			movement := cfg.Metric.Distance(old, row)
			residual += movement * movement
		}
		residual = math.Sqrt(residual)
		distanceCalcs += k

		centroids = newCentroids
		counts = newCounts
		iterations++

		if residual <= cfg.Tolerance {
			break
		}
	}

	return &KMeansResult{
		Centroids:            unflatten(centroids, k, dims),
		Assignments:          assignments,
		Counts:               counts,
		Iterations:           iterations,
		Residual:             residual,
		DistanceCalculations: distanceCalcs,
	}, nil
}

// assignBrute computes nearest-centroid assignments in parallel over row
// chunks and returns unnormalized centroid sums and counts.
func assignBrute(data []float64, n, dims, k int, centroids []float64, assignments []int, cfg *KMeansConfig) ([]float64, []int) {
	workers := cfg.Workers
	if workers > n {
		workers = n
	}
	chunkSize := (n + workers - 1) / workers

	sums := make([][]float64, workers)
	counts := make([][]int, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			localSums := make([]float64, k*dims)
			localCounts := make([]int, k)
			for i := start; i < end; i++ {
				point := data[i*dims : (i+1)*dims]
				best := 0
				bestDist := math.Inf(1)
				for c := 0; c < k; c++ {
					d := cfg.Metric.Distance(point, centroids[c*dims:(c+1)*dims])
					if d < bestDist {
						bestDist = d
						best = c
					}
				}
				assignments[i] = best
				floats.Add(localSums[best*dims:(best+1)*dims], point)
				localCounts[best]++
			}
			sums[w] = localSums
			counts[w] = localCounts
		}(w, start, end)
	}
	wg.Wait()

	total := make([]float64, k*dims)
	totalCounts := make([]int, k)
	for w := 0; w < workers; w++ {
		if sums[w] == nil {
			continue
		}
		floats.Add(total, sums[w])
		for c := 0; c < k; c++ {
			totalCounts[c] += counts[w][c]
		}
	}
	return total, totalCounts
}

func unflatten(flat []float64, rows, dims int) [][]float64 {
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		row := make([]float64, dims)
		copy(row, flat[i*dims:(i+1)*dims])
		out[i] = row
	}
	return out
}
