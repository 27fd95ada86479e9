package mlpack

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LMNNConfig holds the metric-learning parameters. Zero values are replaced
// by DefaultLMNNConfig values.
type LMNNConfig struct {
	K              int     // neighbors per point for both targets and impostors
	Regularization float64 // weight of the push term in [0, 1]
	LearnRate      float64
	MaxIterations  int
	Tolerance      float64 // stop when the loss changes less than this
	LeafSize       int
	Range          int // iterations between impostor recomputations
}

// DefaultLMNNConfig returns the recommended configuration.
func DefaultLMNNConfig() LMNNConfig {
	return LMNNConfig{
		K:              3,
		Regularization: 0.5,
		LearnRate:      1e-5,
		MaxIterations:  100,
		Tolerance:      1e-7,
		LeafSize:       20,
		Range:          1,
	}
}

// LMNNResult holds the learned metric.
type LMNNResult struct {
	Transformation *mat.Dense // the learned linear map L; d(x, y) = ||Lx - Ly||
	Loss           float64
	Iterations     int
}

// LMNN learns a linear transformation that pulls each point's same-label
// targets close while pushing differently-labeled impostors outside a unit
// margin, by gradient descent on the standard LMNN objective. Targets are
// fixed up front; impostors are recomputed every cfg.Range iterations under
// the current transformation using the tree search in Constraints.
func LMNN(data [][]float64, labels []int, cfg LMNNConfig) (*LMNNResult, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("mlpack: empty dataset")
	}
	dims := len(data[0])

	def := DefaultLMNNConfig()
	if cfg.K == 0 {
		cfg.K = def.K
	}
	if cfg.Regularization == 0 {
		cfg.Regularization = def.Regularization
	}
	if cfg.LearnRate == 0 {
		cfg.LearnRate = def.LearnRate
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.LeafSize == 0 {
		cfg.LeafSize = def.LeafSize
	}
	if cfg.Range == 0 {
		cfg.Range = def.Range
	}
	if cfg.Regularization < 0 || cfg.Regularization > 1 {
		return nil, fmt.Errorf("mlpack: Regularization must be in [0, 1], got %v", cfg.Regularization)
	}

	flat := make([]float64, n*dims)
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("mlpack: row %d has %d features, want %d", i, len(row), dims)
		}
		copy(flat[i*dims:(i+1)*dims], row)
	}

	constraints, err := NewConstraints(flat, n, dims, labels, cfg.K, EuclideanMetric{}, cfg.LeafSize)
	if err != nil {
		return nil, err
	}

	// Targets never change; they are defined in the input space.
	targets, _, _, _, err := constraints.TargetsAndImpostors(cfg.K, cfg.K)
	if err != nil {
		return nil, err
	}

	transformation := identity(dims)
	var impostors [][]int

	step := cfg.LearnRate
	prevLoss := math.Inf(1)
	iterations := 0

	for iterations < cfg.MaxIterations {
		if iterations%cfg.Range == 0 || impostors == nil {
			impostors, _, err = constraints.Impostors(transformation)
			if err != nil {
				return nil, err
			}
		}

		loss, gradient := lmnnLossGradient(flat, n, dims, targets, impostors, transformation, cfg.Regularization)
		iterations++

		if loss > prevLoss {
			// Overshot; back off and try a smaller step from here.
			step *= 0.5
		} else {
			if prevLoss-loss < cfg.Tolerance {
				prevLoss = loss
				break
			}
			prevLoss = loss
			step *= 1.01
		}

		// L <- L - step * 2 * L * G
		var update mat.Dense
		update.Mul(transformation, gradient)
		update.Scale(2*step, &update)
		transformation.Sub(transformation, &update)
	}

	return &LMNNResult{
		Transformation: transformation,
		Loss:           prevLoss,
		Iterations:     iterations,
	}, nil
}

// lmnnLossGradient evaluates the LMNN objective and its gradient factor G,
// where dLoss/dL = 2 L G. The pull term sums squared target distances; the
// push term sums hinge violations of the unit margin between each target
// distance and each impostor distance.
func lmnnLossGradient(data []float64, n, dims int, targets, impostors [][]int,
	transformation *mat.Dense, regularization float64) (float64, *mat.Dense) {

	// Transform all points once: Y = X * L^T.
	x := mat.NewDense(n, dims, data)
	var y mat.Dense
	y.Mul(x, transformation.T())

	sqDist := func(i, j int) float64 {
		d := floats.Distance(y.RawRowView(i), y.RawRowView(j), 2)
		return d * d
	}

	g := make([]float64, dims*dims)
	addOuter := func(w float64, i, j int) {
		a := data[i*dims : (i+1)*dims]
		b := data[j*dims : (j+1)*dims]
		for r := 0; r < dims; r++ {
			dr := a[r] - b[r]
			for c := 0; c < dims; c++ {
				g[r*dims+c] += w * dr * (a[c] - b[c])
			}
		}
	}

	pullWeight := 1 - regularization
	pushWeight := regularization
	loss := 0.0

	for i := 0; i < n; i++ {
		for _, j := range targets[i] {
			if j < 0 {
				continue
			}
			dij := sqDist(i, j)
			loss += pullWeight * dij
			addOuter(pullWeight, i, j)

			for _, l := range impostors[i] {
				if l < 0 {
					continue
				}
				hinge := 1 + dij - sqDist(i, l)
				if hinge <= 0 {
					continue
				}
				loss += pushWeight * hinge
				addOuter(pushWeight, i, j)
				addOuter(-pushWeight, i, l)
			}
		}
	}

	return loss, mat.NewDense(dims, dims, g)
}

func identity(dims int) *mat.Dense {
	m := mat.NewDense(dims, dims, nil)
	for i := 0; i < dims; i++ {
		m.Set(i, i, 1)
	}
	return m
}
