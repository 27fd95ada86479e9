package mlpack

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Constraints finds the neighbor sets LMNN optimization needs: targets (the
// k nearest same-label neighbors of each point, fixed for the whole
// optimization) and impostors (the k nearest different-label neighbors,
// which change as the metric is learned). A single tree over the dataset is
// built once and re-stretched in place for each transformation.
type Constraints struct {
	k          int
	metric     Metric
	leafSize   int
	numClasses int
	n, dims    int

	tree         *SpaceTree
	stats        []lmnnNodeStat
	sortedLabels []int // tree order
	classCounts  []int

	// Pre-transformation dataset in tree order; the stretched dataset is
	// always transformation * origData, never an accumulation of stretches.
	origData *mat.Dense

	distanceCalculations int
}

// NewConstraints indexes flat row-major data (n points, dims features) with
// integer class labels in [0, numClasses). k is the impostor count used by
// Impostors. Every class must have more than k members, since a point needs
// k same-label neighbors besides itself.
func NewConstraints(data []float64, n, dims int, labels []int, k int, metric Metric, leafSize int) (*Constraints, error) {
	if k < 1 {
		return nil, fmt.Errorf("mlpack: k must be at least 1, got %d", k)
	}
	if len(labels) != n {
		return nil, fmt.Errorf("mlpack: got %d labels for %d points", len(labels), n)
	}
	if !TreeValidMetric(metric) {
		return nil, fmt.Errorf("mlpack: metric does not support tree acceleration")
	}

	numClasses := 0
	for i, l := range labels {
		if l < 0 {
			return nil, fmt.Errorf("mlpack: negative label %d at index %d", l, i)
		}
		if l+1 > numClasses {
			numClasses = l + 1
		}
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("mlpack: LMNN requires at least 2 classes, got %d", numClasses)
	}

	counts := make([]int, numClasses)
	for _, l := range labels {
		counts[l]++
	}
	for c, count := range counts {
		if count > 0 && count <= k {
			return nil, fmt.Errorf("mlpack: class %d has only %d instances; k must be less than %d",
				c, count, count)
		}
	}

	tree := NewSpaceTree(data, n, dims, metric, leafSize)

	sortedLabels := make([]int, n)
	for pos, orig := range tree.OldFromNew() {
		sortedLabels[pos] = labels[orig]
	}

	origData := make([]float64, len(tree.Data()))
	copy(origData, tree.Data())

	return &Constraints{
		k:            k,
		metric:       metric,
		leafSize:     leafSize,
		numClasses:   numClasses,
		n:            n,
		dims:         dims,
		tree:         tree,
		stats:        setLMNNStats(tree, sortedLabels, numClasses),
		sortedLabels: sortedLabels,
		classCounts:  counts,
		origData:     mat.NewDense(n, dims, origData),
	}, nil
}

// DistanceCalculations returns the cumulative number of distance and bound
// evaluations across all searches.
func (c *Constraints) DistanceCalculations() int { return c.distanceCalculations }

// TargetsAndImpostors finds each point's neighborsK nearest same-label and
// impostorsK nearest different-label neighbors in one traversal over the
// untransformed dataset. Rows are in original point order and sorted by
// ascending distance.
func (c *Constraints) TargetsAndImpostors(neighborsK, impostorsK int) (
	neighbors [][]int, neighborDistances [][]float64,
	impostors [][]int, impostorDistances [][]float64, err error) {

	if neighborsK < 1 || impostorsK < 1 {
		return nil, nil, nil, nil,
			fmt.Errorf("mlpack: neighbor counts must be positive, got %d and %d", neighborsK, impostorsK)
	}
	// The requested counts may exceed the impostor count bound at
	// construction; every present class still has to supply them.
	for class, count := range c.classCounts {
		if count == 0 {
			continue
		}
		if count <= neighborsK {
			return nil, nil, nil, nil,
				fmt.Errorf("mlpack: class %d has only %d instances; cannot find %d targets",
					class, count, neighborsK)
		}
		if c.n-count < impostorsK {
			return nil, nil, nil, nil,
				fmt.Errorf("mlpack: only %d points outside class %d; cannot find %d impostors",
					c.n-count, class, impostorsK)
		}
	}
	if err := c.stretch(nil); err != nil {
		return nil, nil, nil, nil, err
	}

	rules := newLMNNTargetsAndImpostorsRules(
		c.tree, c.sortedLabels, c.stats,
		c.tree, c.sortedLabels, c.stats,
		neighborsK, impostorsK, c.metric, true)

	NewDepthFirstDualTraverser(c.tree, c.tree, rules).Traverse()
	c.distanceCalculations += rules.baseCases + rules.scores

	neighbors, neighborDistances, impostors, impostorDistances = rules.GetResults()
	return neighbors, neighborDistances, impostors, impostorDistances, nil
}

// Impostors finds each point's k nearest different-label neighbors under the
// given linear transformation (nil means the identity). The tree's dataset
// is stretched in place and its bounds refitted before the search.
func (c *Constraints) Impostors(transformation *mat.Dense) ([][]int, [][]float64, error) {
	if err := c.stretch(transformation); err != nil {
		return nil, nil, err
	}

	rules := newLMNNImpostorsRules(
		c.tree, c.sortedLabels, c.stats,
		c.tree, c.sortedLabels, c.stats,
		c.k, c.metric)

	NewDepthFirstDualTraverser(c.tree, c.tree, rules).Traverse()
	c.distanceCalculations += rules.baseCases + rules.scores

	neighbors, distances := rules.GetResults()
	return neighbors, distances, nil
}

// ImpostorsBatch finds impostors for the query points [begin, begin+batchSize)
// in original point order, against the full dataset, under the given
// transformation. Row j of the output corresponds to point begin+j.
func (c *Constraints) ImpostorsBatch(begin, batchSize int, transformation *mat.Dense) ([][]int, [][]float64, error) {
	if begin < 0 || batchSize < 1 || begin+batchSize > c.n {
		return nil, nil, fmt.Errorf("mlpack: batch [%d, %d) out of range for %d points",
			begin, begin+batchSize, c.n)
	}
	if err := c.stretch(transformation); err != nil {
		return nil, nil, err
	}

	// Pull the batch rows out of the stretched dataset, in original order.
	queryData := make([]float64, batchSize*c.dims)
	queryLabels := make([]int, batchSize)
	newFromOld := c.tree.NewFromOld()
	for j := 0; j < batchSize; j++ {
		pos := newFromOld[begin+j]
		copy(queryData[j*c.dims:(j+1)*c.dims], c.tree.Point(pos))
		queryLabels[j] = c.sortedLabels[pos]
	}

	queryTree := NewSpaceTree(queryData, batchSize, c.dims, c.metric, c.leafSize)
	sortedQueryLabels := make([]int, batchSize)
	for pos, orig := range queryTree.OldFromNew() {
		sortedQueryLabels[pos] = queryLabels[orig]
	}
	queryStats := setLMNNStats(queryTree, sortedQueryLabels, c.numClasses)

	rules := newLMNNImpostorsRules(
		c.tree, c.sortedLabels, c.stats,
		queryTree, sortedQueryLabels, queryStats,
		c.k, c.metric)

	NewDepthFirstDualTraverser(queryTree, c.tree, rules).Traverse()
	c.distanceCalculations += rules.baseCases + rules.scores

	neighbors, distances := rules.GetResults()
	return neighbors, distances, nil
}

// stretch replaces the tree's dataset with transformation * origData (or
// restores the original for nil), refits the bounds, and resets the search
// statistics. The class presence flags survive; a linear map cannot move a
// point out from under its node.
func (c *Constraints) stretch(transformation *mat.Dense) error {
	if transformation == nil {
		c.tree.ReplaceData(c.origData.RawMatrix().Data)
	} else {
		tr, tc := transformation.Dims()
		if tr != c.dims || tc != c.dims {
			return fmt.Errorf("mlpack: transformation is %dx%d, want %dx%d", tr, tc, c.dims, c.dims)
		}
		var stretched mat.Dense
		stretched.Mul(c.origData, transformation.T())
		c.tree.ReplaceData(stretched.RawMatrix().Data)
	}

	c.tree.RefitBounds()
	resetLMNNStats(c.stats)
	return nil
}
