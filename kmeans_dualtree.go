package mlpack

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DualTreeKMeans runs Lloyd iterations where the assignment step is a
// dual-tree search: a tree over the points is built once and carries pruning
// state across iterations, and a small tree over the centroids is rebuilt
// every iteration. Subtrees whose ownership cannot change are pruned before
// the traversal even starts and their mass committed in one step.
type DualTreeKMeans struct {
	tree   *SpaceTree
	metric Metric
	k      int
	n      int
	dims   int

	stats     []kmeansNodeStat
	iteration int

	// Per point, in point-tree order.
	assignments       []int // original cluster ids; -1 until first visit
	upperBounds       []float64
	lowerBounds       []float64
	visited           []int
	distanceIteration []int
	prunedPoints      []bool
	pointCommitted    []bool

	// Per cluster, in original cluster order. clusterDistances has one
	// extra slot: [k] holds the maximum movement of any centroid.
	clusterDistances      []float64
	interclusterDistances []float64

	distanceCalculations int
}

// NewDualTreeKMeans builds the point tree and pruning state for clustering
// flat row-major data (n points, dims features) into k clusters.
func NewDualTreeKMeans(data []float64, n, dims, k int, metric Metric, leafSize int) (*DualTreeKMeans, error) {
	if k < 1 {
		return nil, fmt.Errorf("mlpack: k must be at least 1, got %d", k)
	}
	if k > n {
		return nil, fmt.Errorf("mlpack: k (%d) exceeds number of points (%d)", k, n)
	}
	if !TreeValidMetric(metric) {
		return nil, fmt.Errorf("mlpack: metric does not support tree acceleration")
	}

	d := &DualTreeKMeans{
		tree:   NewSpaceTree(data, n, dims, metric, leafSize),
		metric: metric,
		k:      k,
		n:      n,
		dims:   dims,
	}
	d.stats = newKMeansStats(d.tree, k)

	d.assignments = make([]int, n)
	d.upperBounds = make([]float64, n)
	d.lowerBounds = make([]float64, n)
	d.visited = make([]int, n)
	d.distanceIteration = make([]int, n)
	d.prunedPoints = make([]bool, n)
	d.pointCommitted = make([]bool, n)
	for i := 0; i < n; i++ {
		d.assignments[i] = -1
		d.upperBounds[i] = math.Inf(1)
		d.lowerBounds[i] = math.Inf(1)
		d.distanceIteration[i] = -1
	}

	d.clusterDistances = make([]float64, k+1)
	d.interclusterDistances = make([]float64, k)

	return d, nil
}

// DistanceCalculations returns the cumulative number of distance evaluations
// across all iterations.
func (d *DualTreeKMeans) DistanceCalculations() int { return d.distanceCalculations }

// Iterate runs one Lloyd iteration from the given centroids (flat row-major,
// k rows in original cluster order) and returns the new centroids, the
// per-cluster point counts, and the root-sum-square centroid movement. A
// cluster that owns no points gets a +Inf centroid and count 0.
func (d *DualTreeKMeans) Iterate(centroids []float64) ([]float64, []int, float64) {
	oldCentroids := make([]float64, len(centroids))
	copy(oldCentroids, centroids)

	// Leaf size 1 keeps the centroid tree maximally discriminating.
	centroidTree := NewSpaceTree(centroids, d.k, d.dims, d.metric, 1)

	if d.iteration > 0 {
		// Nearest other centroid, per cluster. Half this distance lower
		// bounds the second-closest centroid for anything the cluster owns.
		d.computeInterclusterDistances(oldCentroids)
		d.updateTree(0, oldCentroids, math.Inf(1))
		for i := range d.visited {
			d.visited[i] = 0
		}
	}
	for i := range d.pointCommitted {
		d.pointCommitted[i] = false
	}

	rules := &dualTreeKMeansRules{
		pointTree:         d.tree,
		centroidTree:      centroidTree,
		stats:             d.stats,
		k:                 d.k,
		dims:              d.dims,
		mappings:          centroidTree.OldFromNew(),
		metric:            d.metric,
		iteration:         d.iteration,
		newCentroids:      make([]float64, d.k*d.dims),
		newCounts:         make([]int, d.k),
		assignments:       d.assignments,
		upperBounds:       d.upperBounds,
		lowerBounds:       d.lowerBounds,
		visited:           d.visited,
		distanceIteration: d.distanceIteration,
		prunedPoints:      d.prunedPoints,
		pointCommitted:    d.pointCommitted,
	}

	d.tree.Coalesce(func(node int) bool { return d.stats[node].staticPruned })
	defer d.tree.Decoalesce()

	// The root has nothing to inherit from.
	d.stats[0].pruned = 0

	traverser := NewBreadthFirstDualTraverser(centroidTree, d.tree, rules)
	traverser.Traverse()
	d.distanceCalculations += rules.distanceCalculations

	d.extractCentroids(0, rules)

	newCentroids := rules.newCentroids
	counts := rules.newCounts
	residual := 0.0
	d.clusterDistances[d.k] = 0
	for c := 0; c < d.k; c++ {
		row := newCentroids[c*d.dims : (c+1)*d.dims]
		if counts[c] == 0 {
			for j := range row {
				row[j] = math.Inf(1)
			}
			d.clusterDistances[c] = 0
			continue
		}
		floats.Scale(1.0/float64(counts[c]), row)
		movement := d.metric.Distance(oldCentroids[c*d.dims:(c+1)*d.dims], row)
		d.clusterDistances[c] = movement
		residual += movement * movement
		if movement > d.clusterDistances[d.k] {
			d.clusterDistances[d.k] = movement
		}
	}
	d.distanceCalculations += d.k

	d.iteration++

	return newCentroids, counts, math.Sqrt(residual)
}

// computeInterclusterDistances fills interclusterDistances[c] with the
// distance from centroid c to its nearest other centroid (+Inf when k == 1).
func (d *DualTreeKMeans) computeInterclusterDistances(centroids []float64) {
	if d.k == 1 {
		d.interclusterDistances[0] = math.Inf(1)
		return
	}
	centroidTree := NewSpaceTree(centroids, d.k, d.dims, d.metric, 1)
	indices, dists := centroidTree.QueryKNN(centroids, d.k, 2)
	for c := 0; c < d.k; c++ {
		d.interclusterDistances[c] = math.Inf(1)
		for j, idx := range indices[c] {
			if idx != c || dists[c][j] > 0 {
				d.interclusterDistances[c] = dists[c][j]
				break
			}
		}
	}
	d.distanceCalculations += d.k * 2
}

// updateTree repairs the pruning state between iterations: bounds move by at
// most the owner's drift (upper) and the fastest centroid's drift (lower),
// and a node whose upper bound stays below its lower bound cannot change
// owner, so it is statically pruned for the next traversal. Runs before
// visited is cleared, so per-point bounds from the last traversal are still
// meaningful. prunedBound carries the smallest prune-time bound seen on the
// path from the root, covering centroids the last traversal never evaluated.
func (d *DualTreeKMeans) updateTree(node int, centroids []float64, prunedBound float64) {
	stat := &d.stats[node]
	prunedLastIteration := stat.staticPruned
	stat.staticPruned = false
	if stat.prunedBound < prunedBound {
		prunedBound = stat.prunedBound
	}

	// Grab information from the parent, if we can. The parent's own reset
	// happens after its children recurse, so these are last-iteration values.
	parent := d.tree.Parent(node)
	if parent >= 0 && d.stats[parent].pruned == d.k {
		stat.upperBound = d.stats[parent].upperBound
		stat.lowerBound = d.stats[parent].lowerBound + d.clusterDistances[d.k]
		stat.pruned = d.stats[parent].pruned
		stat.owner = d.stats[parent].owner
	}

	if stat.pruned == d.k && stat.owner < d.k {
		stat.upperBound += d.clusterDistances[stat.owner]
		stat.lowerBound -= d.clusterDistances[d.k]
		if half := d.interclusterDistances[stat.owner] / 2.0; half > stat.lowerBound {
			stat.lowerBound = half
		}
		if stat.upperBound < stat.lowerBound {
			stat.staticPruned = true
		} else {
			// Tighten with an exact node-to-centroid bound.
			owner := centroids[stat.owner*d.dims : (stat.owner+1)*d.dims]
			stat.upperBound = d.tree.MaxDistanceToPoint(node, owner)
			d.distanceCalculations++
			if stat.upperBound < stat.lowerBound {
				stat.staticPruned = true
			}
		}
	} else {
		stat.lowerBound -= d.clusterDistances[d.k]
	}

	allPointsPruned := true
	if !stat.staticPruned && d.tree.IsLeaf(node) {
		start, end := d.tree.DescendantRange(node)
		for index := start; index < end; index++ {
			if d.visited[index] == 0 && !d.prunedPoints[index] {
				// Never evaluated and no valid bounds; can't prune it.
				d.upperBounds[index] = math.Inf(1)
				d.lowerBounds[index] = math.Inf(1)
				allPointsPruned = false
				continue
			}

			if prunedLastIteration {
				// Pruned last iteration but not this one; repair the bounds
				// by the movement accumulated while asleep.
				d.upperBounds[index] += stat.staticUpperBoundMovement
				d.lowerBounds[index] -= stat.staticLowerBoundMovement
			}

			d.prunedPoints[index] = false
			owner := d.assignments[index]
			// An infinite lower bound means the second-closest distance was
			// never established; only the intercluster bound applies then.
			pointLower := math.Min(d.lowerBounds[index], prunedBound)
			pruningLowerBound := d.interclusterDistances[owner] / 2.0
			if lb := math.Min(pointLower-d.clusterDistances[d.k], stat.lowerBound); !math.IsInf(lb, 1) && lb > pruningLowerBound {
				pruningLowerBound = lb
			}
			if d.upperBounds[index]+d.clusterDistances[owner] < pruningLowerBound {
				d.prunedPoints[index] = true
				d.upperBounds[index] += d.clusterDistances[owner]
				d.lowerBounds[index] = pruningLowerBound
			} else {
				// Attempt to tighten the bound.
				d.upperBounds[index] = d.metric.Distance(d.tree.Point(index),
					centroids[owner*d.dims:(owner+1)*d.dims])
				d.distanceCalculations++
				if d.upperBounds[index] < pruningLowerBound {
					d.prunedPoints[index] = true
					d.lowerBounds[index] = pruningLowerBound
				} else {
					d.upperBounds[index] = math.Inf(1)
					d.lowerBounds[index] = math.Inf(1)
					allPointsPruned = false
				}
			}
		}
	}

	allChildrenPruned := true
	if !d.tree.IsLeaf(node) {
		d.updateTree(d.tree.Left(node), centroids, prunedBound)
		d.updateTree(d.tree.Right(node), centroids, prunedBound)
		if !d.stats[d.tree.Left(node)].staticPruned {
			allChildrenPruned = false
		}
		if !d.stats[d.tree.Right(node)].staticPruned {
			allChildrenPruned = false
		}

		if stat.staticPruned && !allChildrenPruned {
			panic("mlpack: statically pruned node has an unpruned child")
		}
	}

	if allChildrenPruned && allPointsPruned && !stat.staticPruned {
		stat.staticPruned = true
		stat.owner = d.k
		stat.pruned = -1
		if owner, upper, lower, ok := d.nodeOwnership(node); ok {
			// Wholly-owned node: record ownership so the node-level bound
			// maintenance above takes over on later iterations and the
			// traversal can bulk-commit it.
			stat.owner = owner
			stat.pruned = d.k
			stat.upperBound = upper
			stat.lowerBound = lower
		}
	}

	if !stat.staticPruned {
		stat.upperBound = math.Inf(1)
		stat.lowerBound = math.Inf(1)
		stat.pruned = -1
		stat.owner = d.k
	} else {
		// Track total centroid movement while the node sleeps. owner == k
		// indexes the max-movement slot, which over-counts safely.
		if prunedLastIteration {
			stat.staticUpperBoundMovement += d.clusterDistances[stat.owner]
			stat.staticLowerBoundMovement += d.clusterDistances[d.k]
		} else {
			stat.staticUpperBoundMovement = d.clusterDistances[stat.owner]
			stat.staticLowerBoundMovement = d.clusterDistances[d.k]
		}
	}

	// The centroid tree is rebuilt every iteration, so distances to it
	// cannot carry over.
	stat.minQueryNodeDistance = math.Inf(1)
	stat.maxQueryNodeDistance = math.Inf(1)
	stat.secondMinQueryNodeDistance = math.Inf(1)
	stat.secondMaxQueryNodeDistance = math.Inf(1)
	stat.prunedBound = math.Inf(1)
	stat.bulkCommitted = false
}

// nodeOwnership derives a single owner and node-level bounds for a node whose
// descendants are all pruned. Leaves read the per-point state refreshed this
// pass; internal nodes combine their children's statistics, because points
// under a long-static child carry stale bounds. Ownership is only reported
// with ordered bounds, the form the node-level maintenance relies on.
func (d *DualTreeKMeans) nodeOwnership(node int) (owner int, upper, lower float64, ok bool) {
	if d.tree.IsLeaf(node) {
		start, end := d.tree.DescendantRange(node)
		owner = d.assignments[start]
		lower = math.Inf(1)
		for i := start; i < end; i++ {
			if d.assignments[i] != owner {
				return 0, 0, 0, false
			}
			if d.upperBounds[i] > upper {
				upper = d.upperBounds[i]
			}
			if d.lowerBounds[i] < lower {
				lower = d.lowerBounds[i]
			}
		}
		return owner, upper, lower, owner >= 0 && owner < d.k && upper <= lower
	}

	left, right := &d.stats[d.tree.Left(node)], &d.stats[d.tree.Right(node)]
	if left.owner != right.owner || left.owner >= d.k {
		return 0, 0, 0, false
	}
	upper = math.Max(left.upperBound, right.upperBound)
	lower = math.Min(left.lowerBound, right.lowerBound)
	return left.owner, upper, lower, upper <= lower
}

// extractCentroids walks the true tree structure and commits everything the
// traversal did not: statically pruned nodes in bulk, loose points at leaves.
// Both paths are guarded, so each point lands exactly once.
func (d *DualTreeKMeans) extractCentroids(node int, rules *dualTreeKMeansRules) {
	stat := &d.stats[node]

	if stat.staticPruned && stat.owner < d.k {
		if !stat.bulkCommitted {
			rules.bulkCommit(node)
		}
		return
	}

	if d.tree.IsLeaf(node) {
		start, end := d.tree.DescendantRange(node)
		for i := start; i < end; i++ {
			rules.commitPoint(i)
		}
		return
	}

	d.extractCentroids(d.tree.Left(node), rules)
	d.extractCentroids(d.tree.Right(node), rules)
}

// Assignments returns the current per-point cluster ids in the original
// point order.
func (d *DualTreeKMeans) Assignments() []int {
	out := make([]int, d.n)
	oldFromNew := d.tree.OldFromNew()
	for pos, orig := range oldFromNew {
		out[orig] = d.assignments[pos]
	}
	return out
}
