package mlpack

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrNoModes is returned when mode seeking converges nowhere, usually
// because the radius is too small for the data's density. Callers may retry
// with a larger radius.
var ErrNoModes = errors.New("mlpack: mean shift found no modes")

// MeanShiftConfig holds the mode-seeking parameters. Zero values are
// replaced by DefaultMeanShiftConfig values; Radius 0 means estimate from
// the data.
type MeanShiftConfig struct {
	Radius        float64
	MaxIterations int
	Metric        Metric
	LeafSize      int
}

// DefaultMeanShiftConfig returns the recommended configuration.
func DefaultMeanShiftConfig() MeanShiftConfig {
	return MeanShiftConfig{
		MaxIterations: 1000,
		Metric:        EuclideanMetric{},
		LeafSize:      20,
	}
}

// MeanShiftResult holds the discovered modes and per-point assignments.
type MeanShiftResult struct {
	Centroids   [][]float64
	Assignments []int
	Radius      float64 // the radius actually used
}

// MeanShift clusters data by hill-climbing kernel density modes: each seed
// repeatedly moves to the mean of all points within Radius until it stops
// moving, and seeds that settle on the same mode are merged. The number of
// clusters falls out of the data rather than being specified.
func MeanShift(data [][]float64, cfg MeanShiftConfig) (*MeanShiftResult, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("mlpack: empty dataset")
	}
	dims := len(data[0])

	def := DefaultMeanShiftConfig()
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Metric == nil {
		cfg.Metric = def.Metric
	}
	if cfg.LeafSize == 0 {
		cfg.LeafSize = def.LeafSize
	}
	if cfg.Radius < 0 {
		return nil, fmt.Errorf("mlpack: Radius must be non-negative, got %v", cfg.Radius)
	}
	if !TreeValidMetric(cfg.Metric) {
		return nil, fmt.Errorf("mlpack: metric does not support tree acceleration")
	}

	flat := make([]float64, n*dims)
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("mlpack: row %d has %d features, want %d", i, len(row), dims)
		}
		copy(flat[i*dims:(i+1)*dims], row)
	}

	tree := NewSpaceTree(flat, n, dims, cfg.Metric, cfg.LeafSize)

	radius := cfg.Radius
	if radius == 0 {
		radius = estimateRadius(tree, flat, n)
	}

	seeds := binSeeds(flat, n, dims, radius)

	// Mode seeking. A seed that stops moving (relative to the radius) has
	// found a density mode.
	var modes [][]float64
	for _, seed := range seeds {
		center := make([]float64, dims)
		copy(center, seed)

		converged := false
		for iter := 0; iter < cfg.MaxIterations; iter++ {
			indices, _ := tree.RangeSearch(center, radius)
			if len(indices) == 0 {
				break
			}

			next := make([]float64, dims)
			for _, idx := range indices {
				floats.Add(next, flat[idx*dims:(idx+1)*dims])
			}
			floats.Scale(1.0/float64(len(indices)), next)

			moved := cfg.Metric.Distance(center, next)
			copy(center, next)
			if moved < 1e-3*radius {
				converged = true
				break
			}
		}
		if converged {
			modes = append(modes, center)
		}
	}

	centroids := mergeModes(modes, radius, cfg.Metric)
	if len(centroids) == 0 {
		return nil, fmt.Errorf("%w (radius %v)", ErrNoModes, radius)
	}

	// Assign every point to its nearest mode.
	assignments := make([]int, n)
	for i := 0; i < n; i++ {
		point := flat[i*dims : (i+1)*dims]
		best := 0
		bestDist := math.Inf(1)
		for c, mode := range centroids {
			if d := cfg.Metric.Distance(point, mode); d < bestDist {
				bestDist = d
				best = c
			}
		}
		assignments[i] = best
	}

	return &MeanShiftResult{
		Centroids:   centroids,
		Assignments: assignments,
		Radius:      radius,
	}, nil
}

// estimateRadius picks a radius as the mean distance to the k'th nearest
// neighbor, with k covering a fifth of the data so the neighborhood spans a
// whole cluster rather than its dense core.
func estimateRadius(tree *SpaceTree, data []float64, n int) float64 {
	k := n / 5
	if k < 2 {
		k = 2
	}
	if k > n {
		k = n
	}

	_, distances := tree.QueryKNN(data, n, k)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += distances[i][len(distances[i])-1]
	}
	return sum / float64(n)
}

// binSeeds snaps every point to a grid with cell side radius and returns
// one seed per occupied cell (the cell's point mean). Far fewer seeds than
// points, without missing any dense region.
func binSeeds(data []float64, n, dims int, radius float64) [][]float64 {
	type bin struct {
		sum   []float64
		count int
	}
	bins := make(map[string]*bin)

	var key strings.Builder
	for i := 0; i < n; i++ {
		point := data[i*dims : (i+1)*dims]
		key.Reset()
		for d := 0; d < dims; d++ {
			key.WriteString(strconv.FormatInt(int64(math.Floor(point[d]/radius)), 10))
			key.WriteByte(':')
		}
		b, ok := bins[key.String()]
		if !ok {
			b = &bin{sum: make([]float64, dims)}
			bins[key.String()] = b
		}
		floats.Add(b.sum, point)
		b.count++
	}

	seeds := make([][]float64, 0, len(bins))
	for _, b := range bins {
		floats.Scale(1.0/float64(b.count), b.sum)
		seeds = append(seeds, b.sum)
	}
	return seeds
}

// mergeModes collapses modes closer than the radius to each other, keeping
// the first representative of each group.
func mergeModes(modes [][]float64, radius float64, metric Metric) [][]float64 {
	var merged [][]float64
	for _, mode := range modes {
		dup := false
		for _, kept := range merged {
			if metric.Distance(mode, kept) < radius {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, mode)
		}
	}
	return merged
}
