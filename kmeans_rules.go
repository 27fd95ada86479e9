package mlpack

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// kmeansNodeStat holds the per-node bookkeeping for dual-tree k-means, one
// entry per point-tree node.
//
// owner uses k as the "no single owner" sentinel and pruned uses -1 as the
// "inherit from parent" sentinel. upperBound/lowerBound bracket the distance
// from any descendant to its owner / to the second-closest centroid. While a
// node stays statically pruned across iterations, the static movement fields
// accumulate how far its owner and the fastest-moving centroid have drifted,
// so point bounds can be repaired when the node wakes up.
type kmeansNodeStat struct {
	centroid []float64 // empirical centroid of the node's descendants

	owner  int
	pruned int

	upperBound float64
	lowerBound float64

	staticPruned             bool
	staticUpperBoundMovement float64
	staticLowerBoundMovement float64

	// Distance ranges to the closest and second-closest centroid-tree nodes
	// seen this traversal.
	minQueryNodeDistance       float64
	maxQueryNodeDistance       float64
	secondMinQueryNodeDistance float64
	secondMaxQueryNodeDistance float64

	// Smallest lower bound among centroid subtrees pruned against this node;
	// every unevaluated centroid is at least this far from every descendant.
	prunedBound float64

	bulkCommitted bool
}

// newKMeansStats builds the statistic array for a point tree, computing
// empirical centroids bottom-up (children before parents in reverse arena
// order).
func newKMeansStats(t *SpaceTree, k int) []kmeansNodeStat {
	stats := make([]kmeansNodeStat, t.NumNodes())
	dims := t.NumFeatures()

	for i := t.NumNodes() - 1; i >= 0; i-- {
		s := &stats[i]
		s.owner = k
		s.pruned = -1
		s.upperBound = math.Inf(1)
		s.lowerBound = math.Inf(1)
		s.minQueryNodeDistance = math.Inf(1)
		s.maxQueryNodeDistance = math.Inf(1)
		s.secondMinQueryNodeDistance = math.Inf(1)
		s.secondMaxQueryNodeDistance = math.Inf(1)
		s.prunedBound = math.Inf(1)

		s.centroid = make([]float64, dims)
		if t.IsLeaf(i) {
			start, end := t.DescendantRange(i)
			for p := start; p < end; p++ {
				floats.Add(s.centroid, t.Point(p))
			}
			floats.Scale(1.0/float64(end-start), s.centroid)
		} else {
			left, right := t.Left(i), t.Right(i)
			floats.AddScaled(s.centroid, float64(t.NumDescendants(left)), stats[left].centroid)
			floats.AddScaled(s.centroid, float64(t.NumDescendants(right)), stats[right].centroid)
			floats.Scale(1.0/float64(t.NumDescendants(i)), s.centroid)
		}
	}

	return stats
}

// dualTreeKMeansRules drives one assignment pass of dual-tree k-means. The
// query tree holds the current centroids, the reference tree holds the
// points. Two prune families run together: a Hamerly-style whole-node prune
// for nodes whose ownership is already settled (staticPruned), and a
// Pelleg-Moore count of centroid subtrees too far away to own anything.
//
// Commits into newCentroids/newCounts happen exactly once per point: every
// path goes through commitPoint or bulkCommit, both guarded.
type dualTreeKMeansRules struct {
	pointTree    *SpaceTree
	centroidTree *SpaceTree
	stats        []kmeansNodeStat

	k, dims  int
	mappings []int // centroid tree order -> original cluster id
	metric   Metric

	iteration int

	// Accumulators, indexed by original cluster id.
	newCentroids []float64
	newCounts    []int

	// Per point, in point-tree order.
	assignments       []int // original cluster ids
	upperBounds       []float64
	lowerBounds       []float64
	visited           []int
	distanceIteration []int
	prunedPoints      []bool
	pointCommitted    []bool

	distanceCalculations int

	ti TraversalInfo
}

func (r *dualTreeKMeansRules) TraversalInfo() *TraversalInfo { return &r.ti }

// BaseCase evaluates centroid queryIndex against point refIndex, maintaining
// the provisional nearest assignment and committing the point once every
// centroid is accounted for. upperBounds tracks the closest evaluated
// distance and lowerBounds the second closest among evaluated centroids;
// combined with prunedBound this lower-bounds the true second-closest
// distance, since every unevaluated centroid sits beyond some prune.
func (r *dualTreeKMeansRules) BaseCase(queryIndex, refIndex int) float64 {
	traversalPruned := 0
	if r.ti.LastReferenceNode >= 0 {
		traversalPruned = r.stats[r.ti.LastReferenceNode].pruned
	}

	// The point may already be fully settled for this iteration.
	if traversalPruned+r.visited[refIndex] == r.k || r.prunedPoints[refIndex] {
		return 0
	}

	dist := r.metric.Distance(r.centroidTree.Point(queryIndex), r.pointTree.Point(refIndex))
	r.distanceCalculations++

	if r.distanceIteration[refIndex] < r.iteration {
		// First evaluation this iteration; take it unconditionally.
		r.distanceIteration[refIndex] = r.iteration
		r.upperBounds[refIndex] = dist
		r.lowerBounds[refIndex] = math.Inf(1)
		r.assignments[refIndex] = r.mappings[queryIndex]
	} else if dist < r.upperBounds[refIndex] {
		// The old best demotes to the second-closest bound.
		r.lowerBounds[refIndex] = r.upperBounds[refIndex]
		r.upperBounds[refIndex] = dist
		r.assignments[refIndex] = r.mappings[queryIndex]
	} else if dist < r.lowerBounds[refIndex] {
		r.lowerBounds[refIndex] = dist
	}

	r.visited[refIndex]++

	if r.visited[refIndex]+traversalPruned == r.k {
		r.commitPoint(refIndex)
	}

	return dist
}

// Score decides whether the centroid subtree under queryNode can affect any
// point under refNode. +Inf prunes the combination.
func (r *dualTreeKMeansRules) Score(queryNode, refNode int) float64 {
	stat := &r.stats[refNode]

	// Lazy inheritance; the driver presets the root to 0 so the parent is
	// always initialized by the time a child is scored.
	if stat.pruned == -1 {
		parent := &r.stats[r.pointTree.ActiveParent(refNode)]
		stat.pruned = parent.pruned
		stat.prunedBound = parent.prunedBound
	}

	if stat.staticPruned {
		// Ownership settled before the traversal started. Commit the whole
		// node once and never descend.
		if !stat.bulkCommitted && stat.owner < r.k {
			r.bulkCommit(refNode)
		}
		return math.Inf(1)
	}

	r.ti.LastQueryNode = queryNode
	r.ti.LastReferenceNode = refNode

	lo, hi := nodeRangeDistance(r.centroidTree, queryNode, r.pointTree, refNode)
	r.distanceCalculations++

	switch {
	case lo < stat.minQueryNodeDistance:
		// New closest centroid node.
		stat.secondMinQueryNodeDistance = stat.minQueryNodeDistance
		stat.secondMaxQueryNodeDistance = stat.maxQueryNodeDistance
		stat.minQueryNodeDistance = lo
		stat.maxQueryNodeDistance = hi
	case lo < stat.secondMinQueryNodeDistance:
		stat.secondMinQueryNodeDistance = lo
		stat.secondMaxQueryNodeDistance = hi
	case lo > stat.secondMaxQueryNodeDistance:
		// No centroid under queryNode can be closest or second closest to
		// anything under refNode.
		stat.pruned += r.centroidTree.NumDescendants(queryNode)
		if lo < stat.prunedBound {
			stat.prunedBound = lo
		}

		start, end := r.pointTree.DescendantRange(refNode)
		if stat.pruned+r.visited[start] == r.k {
			owner := r.assignments[start]
			nodeUpper := 0.0
			nodeLower := stat.prunedBound
			for i := start; i < end; i++ {
				r.commitPoint(i)
				// Bounds from an earlier iteration describe stale centroid
				// positions; they disqualify the node from ownership.
				if r.assignments[i] != owner || r.distanceIteration[i] != r.iteration {
					owner = -1
				}
				if r.upperBounds[i] > nodeUpper {
					nodeUpper = r.upperBounds[i]
				}
				if r.lowerBounds[i] < nodeLower {
					nodeLower = r.lowerBounds[i]
				}
			}
			// A node whose points all landed in one cluster is wholly owned;
			// record the ownership bounds so the next updateTree pass can
			// prune it at node level.
			if owner >= 0 && !math.IsInf(nodeLower, 1) {
				stat.owner = owner
				stat.upperBound = nodeUpper
				stat.lowerBound = nodeLower
			}
		}
		return math.Inf(1)
	}

	r.ti.LastScore = lo
	return lo
}

// Rescore never prunes late; the counters Score maintains only grow, so an
// unpruned score stays valid.
func (r *dualTreeKMeansRules) Rescore(queryNode, refNode int, oldScore float64) float64 {
	return oldScore
}

// commitPoint adds point i to its assigned cluster's accumulator, exactly
// once per iteration.
func (r *dualTreeKMeansRules) commitPoint(i int) {
	if r.pointCommitted[i] {
		return
	}
	cluster := r.assignments[i]
	if cluster < 0 {
		return
	}
	floats.Add(r.newCentroids[cluster*r.dims:(cluster+1)*r.dims], r.pointTree.Point(i))
	r.newCounts[cluster]++
	r.pointCommitted[i] = true
}

// bulkCommit adds a wholly-owned node's mass to its owner in one step and
// marks every descendant committed.
func (r *dualTreeKMeansRules) bulkCommit(node int) {
	stat := &r.stats[node]
	count := r.pointTree.NumDescendants(node)
	floats.AddScaled(r.newCentroids[stat.owner*r.dims:(stat.owner+1)*r.dims],
		float64(count), stat.centroid)
	r.newCounts[stat.owner] += count
	stat.bulkCommitted = true

	start, end := r.pointTree.DescendantRange(node)
	for i := start; i < end; i++ {
		r.pointCommitted[i] = true
	}
}
