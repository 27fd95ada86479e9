package mlpack

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Metric provides distance computation with optional reduced distance for
// tree-pruning optimizations (e.g., squared Euclidean skips the sqrt).
// DistToRdist and RdistToDist convert between the two spaces.
type Metric interface {
	Distance(a, b []float64) float64
	ReducedDistance(a, b []float64) float64
	DistToRdist(dist float64) float64
	RdistToDist(rdist float64) float64
}

// DistanceFunc adapts a plain function into a Metric.
// ReducedDistance delegates to the same function; the conversions are identity.
type DistanceFunc func(a, b []float64) float64

func (f DistanceFunc) Distance(a, b []float64) float64        { return f(a, b) }
func (f DistanceFunc) ReducedDistance(a, b []float64) float64 { return f(a, b) }
func (f DistanceFunc) DistToRdist(dist float64) float64       { return dist }
func (f DistanceFunc) RdistToDist(rdist float64) float64      { return rdist }

// EuclideanMetric computes the Euclidean (L2) distance.
// ReducedDistance returns squared Euclidean distance (skips sqrt).
type EuclideanMetric struct{}

func (EuclideanMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

func (EuclideanMetric) ReducedDistance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func (EuclideanMetric) DistToRdist(dist float64) float64  { return dist * dist }
func (EuclideanMetric) RdistToDist(rdist float64) float64 { return math.Sqrt(rdist) }

// ManhattanMetric computes the Manhattan (L1 / city-block) distance.
type ManhattanMetric struct{}

func (ManhattanMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 1)
}

func (m ManhattanMetric) ReducedDistance(a, b []float64) float64 { return m.Distance(a, b) }
func (ManhattanMetric) DistToRdist(dist float64) float64         { return dist }
func (ManhattanMetric) RdistToDist(rdist float64) float64        { return rdist }

// ChebyshevMetric computes the Chebyshev (L-infinity) distance.
type ChebyshevMetric struct{}

func (ChebyshevMetric) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, math.Inf(1))
}

func (m ChebyshevMetric) ReducedDistance(a, b []float64) float64 { return m.Distance(a, b) }
func (ChebyshevMetric) DistToRdist(dist float64) float64         { return dist }
func (ChebyshevMetric) RdistToDist(rdist float64) float64        { return rdist }

// MinkowskiMetric computes the Minkowski distance parameterized by P.
// P must be >= 1. Panics if P < 1.
// ReducedDistance returns sum(|a[i]-b[i]|^P) without the final root.
type MinkowskiMetric struct {
	P float64
}

func (m MinkowskiMetric) Distance(a, b []float64) float64 {
	m.check()
	return floats.Distance(a, b, m.P)
}

func (m MinkowskiMetric) ReducedDistance(a, b []float64) float64 {
	m.check()
	var sum float64
	for i := range a {
		sum += math.Pow(math.Abs(a[i]-b[i]), m.P)
	}
	return sum
}

func (m MinkowskiMetric) DistToRdist(dist float64) float64 {
	m.check()
	return math.Pow(dist, m.P)
}

func (m MinkowskiMetric) RdistToDist(rdist float64) float64 {
	m.check()
	return math.Pow(rdist, 1.0/m.P)
}

func (m MinkowskiMetric) check() {
	if m.P < 1 {
		panic("mlpack: MinkowskiMetric requires P >= 1")
	}
}

// metricPower returns the Minkowski exponent used for axis-decomposed bound
// arithmetic: 2 for Euclidean, 1 for Manhattan, +Inf for Chebyshev.
func metricPower(m Metric) float64 {
	switch v := m.(type) {
	case EuclideanMetric:
		return 2.0
	case ManhattanMetric:
		return 1.0
	case MinkowskiMetric:
		return v.P
	case ChebyshevMetric:
		return math.Inf(1)
	default:
		return 2.0 // fallback; Euclidean-like
	}
}

// TreeValidMetric reports whether the metric supports space-tree acceleration.
// The tree's hyperrectangle bounds require metrics that decompose along
// coordinate axes: Euclidean, Manhattan, Chebyshev, Minkowski.
func TreeValidMetric(m Metric) bool {
	switch m.(type) {
	case EuclideanMetric, ManhattanMetric, ChebyshevMetric, MinkowskiMetric:
		return true
	default:
		return false
	}
}

// ComputePairwiseDistances computes the full n*n distance matrix.
// data is flat row-major with n rows and dims columns.
// Returns flat []float64 of length n*n.
func ComputePairwiseDistances(data []float64, n, dims int, metric Metric) []float64 {
	result := make([]float64, n*n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := metric.Distance(data[i*dims:(i+1)*dims], data[j*dims:(j+1)*dims])
			result[i*n+j] = d
			result[j*n+i] = d
		}
	}

	return result
}
