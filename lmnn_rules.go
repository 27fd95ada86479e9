package mlpack

import (
	"container/heap"
	"math"
)

// lmnnCandidate is one entry of a bounded candidate list.
type lmnnCandidate struct {
	dist  float64
	index int // tree-order reference index; -1 for the unfilled sentinel
}

// candidateHeap is a fixed-capacity max-heap pre-filled with (+Inf, -1)
// sentinels. The top is always the current k'th best candidate, so the
// pruning bound for a query point is just top().dist. Ties break toward the
// smaller index.
type candidateHeap []lmnnCandidate

func newCandidateHeap(k int) candidateHeap {
	h := make(candidateHeap, k)
	for i := range h {
		h[i] = lmnnCandidate{dist: math.Inf(1), index: -1}
	}
	return h
}

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].index > h[j].index
}
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(lmnnCandidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// top returns the k'th best candidate distance.
func (h candidateHeap) top() lmnnCandidate { return h[0] }

// insert replaces the current worst candidate if c beats it.
func (h *candidateHeap) insert(c lmnnCandidate) {
	worst := (*h)[0]
	if c.dist < worst.dist || (c.dist == worst.dist && c.index < worst.index) {
		(*h)[0] = c
		heap.Fix(h, 0)
	}
}

// sorted drains a copy of the heap into ascending order.
func (h candidateHeap) sorted() []lmnnCandidate {
	tmp := make(candidateHeap, len(h))
	copy(tmp, h)
	out := make([]lmnnCandidate, len(h))
	for j := len(h) - 1; j >= 0; j-- {
		out[j] = heap.Pop(&tmp).(lmnnCandidate)
	}
	return out
}

// adjustedScoreFromHistory lower-bounds the distance between queryNode and
// refNode using only the last scored pair from the traversal info, without a
// fresh bound computation. The last score is the distance between the last
// pair's bounds; walking from that pair to this one changes the distance by
// at most the parent offsets plus the bound radii. Only parent/self
// relations are recognized; anything else yields 0, which never prunes.
func adjustedScoreFromHistory(ti *TraversalInfo, queryTree, refTree *SpaceTree, queryNode, refNode int) float64 {
	if ti.LastQueryNode < 0 || ti.LastReferenceNode < 0 {
		return 0
	}

	var adjusted float64
	if ti.LastScore > 0 {
		// The exact bound radii along the center line are unknown; the
		// minimum bound half-width is a valid stand-in.
		adjusted = ti.LastScore -
			queryTree.MinimumBoundDistance(ti.LastQueryNode) -
			refTree.MinimumBoundDistance(ti.LastReferenceNode)
		if adjusted < 0 {
			adjusted = 0
		}
	}

	switch ti.LastQueryNode {
	case queryTree.Parent(queryNode):
		adjusted -= queryTree.ParentDistance(queryNode) + queryTree.FurthestDescendantDistance(queryNode)
	case queryNode:
		adjusted -= queryTree.FurthestDescendantDistance(queryNode)
	default:
		return 0
	}
	if adjusted < 0 {
		adjusted = 0
	}

	switch ti.LastReferenceNode {
	case refTree.Parent(refNode):
		adjusted -= refTree.ParentDistance(refNode) + refTree.FurthestDescendantDistance(refNode)
	case refNode:
		adjusted -= refTree.FurthestDescendantDistance(refNode)
	default:
		return 0
	}
	if adjusted < 0 {
		adjusted = 0
	}

	return adjusted
}

// lmnnTargetsAndImpostorsRules finds, for every query point, its k nearest
// same-label neighbors (targets) and k nearest different-label neighbors
// (impostors) in a single traversal. The node bound is the B1 bound: the
// worst candidate distance any descendant still needs to improve, assembled
// from leaf points, children's cached bounds, and the parent's bound. A
// depth-first traversal keeps that bound tight.
type lmnnTargetsAndImpostorsRules struct {
	refTree     *SpaceTree
	refLabels   []int // tree order
	queryTree   *SpaceTree
	queryLabels []int // tree order

	refStats   []lmnnNodeStat
	queryStats []lmnnNodeStat

	neighborsK int
	impostorsK int
	metric     Metric

	// selfQuery marks that query and reference sets are the same tree, so
	// identical indices are the same point.
	selfQuery bool

	candidateNeighbors []candidateHeap
	candidateImpostors []candidateHeap

	lastQueryIndex     int
	lastReferenceIndex int
	lastBaseCase       float64

	baseCases int
	scores    int

	ti TraversalInfo
}

func newLMNNTargetsAndImpostorsRules(
	refTree *SpaceTree, refLabels []int, refStats []lmnnNodeStat,
	queryTree *SpaceTree, queryLabels []int, queryStats []lmnnNodeStat,
	neighborsK, impostorsK int, metric Metric, selfQuery bool) *lmnnTargetsAndImpostorsRules {

	r := &lmnnTargetsAndImpostorsRules{
		refTree:            refTree,
		refLabels:          refLabels,
		queryTree:          queryTree,
		queryLabels:        queryLabels,
		refStats:           refStats,
		queryStats:         queryStats,
		neighborsK:         neighborsK,
		impostorsK:         impostorsK,
		metric:             metric,
		selfQuery:          selfQuery,
		lastQueryIndex:     -1,
		lastReferenceIndex: -1,
	}

	nq := queryTree.NumPoints()
	r.candidateNeighbors = make([]candidateHeap, nq)
	r.candidateImpostors = make([]candidateHeap, nq)
	for i := 0; i < nq; i++ {
		r.candidateNeighbors[i] = newCandidateHeap(neighborsK)
		r.candidateImpostors[i] = newCandidateHeap(impostorsK)
	}

	return r
}

func (r *lmnnTargetsAndImpostorsRules) TraversalInfo() *TraversalInfo { return &r.ti }

func (r *lmnnTargetsAndImpostorsRules) BaseCase(queryIndex, refIndex int) float64 {
	// Leaf-leaf grids revisit pairs the scoring pass already evaluated.
	if r.lastQueryIndex == queryIndex && r.lastReferenceIndex == refIndex {
		return r.lastBaseCase
	}

	if r.selfQuery && queryIndex == refIndex {
		return 0
	}

	dist := r.metric.Distance(r.queryTree.Point(queryIndex), r.refTree.Point(refIndex))
	r.baseCases++

	c := lmnnCandidate{dist: dist, index: refIndex}
	if r.queryLabels[queryIndex] == r.refLabels[refIndex] {
		r.candidateNeighbors[queryIndex].insert(c)
	} else {
		r.candidateImpostors[queryIndex].insert(c)
	}

	r.lastQueryIndex = queryIndex
	r.lastReferenceIndex = refIndex
	r.lastBaseCase = dist

	return dist
}

func (r *lmnnTargetsAndImpostorsRules) Score(queryNode, refNode int) float64 {
	bestDistance := r.calculateBound(queryNode)
	r.scores++

	adjusted := adjustedScoreFromHistory(&r.ti, r.queryTree, r.refTree, queryNode, refNode)
	if adjusted > bestDistance {
		return math.Inf(1)
	}

	distance := nodeMinDistance(r.queryTree, queryNode, r.refTree, refNode)
	if distance > bestDistance {
		return math.Inf(1)
	}

	r.ti.LastQueryNode = queryNode
	r.ti.LastReferenceNode = refNode
	r.ti.LastScore = distance
	return distance
}

func (r *lmnnTargetsAndImpostorsRules) Rescore(queryNode, refNode int, oldScore float64) float64 {
	if math.IsInf(oldScore, 1) || oldScore == 0 {
		return oldScore
	}
	if oldScore > r.calculateBound(queryNode) {
		return math.Inf(1)
	}
	return oldScore
}

// calculateBound updates and returns the B1 bound for a query node: the
// worst distance any descendant still needs a candidate to beat. Considers
// both the target and impostor lists.
func (r *lmnnTargetsAndImpostorsRules) calculateBound(queryNode int) float64 {
	worst := 0.0

	if r.queryTree.IsLeaf(queryNode) {
		start, end := r.queryTree.DescendantRange(queryNode)
		for i := start; i < end; i++ {
			d := math.Max(r.candidateNeighbors[i].top().dist, r.candidateImpostors[i].top().dist)
			if d > worst {
				worst = d
			}
		}
	} else {
		for _, child := range []int{r.queryTree.Left(queryNode), r.queryTree.Right(queryNode)} {
			if b := r.queryStats[child].bound; b > worst {
				worst = b
			}
		}
	}

	// A tighter ancestor or cached bound wins.
	if parent := r.queryTree.Parent(queryNode); parent >= 0 {
		if b := r.queryStats[parent].bound; b < worst {
			worst = b
		}
	}
	if b := r.queryStats[queryNode].bound; b < worst {
		worst = b
	}

	r.queryStats[queryNode].bound = worst
	return worst
}

// GetResults drains the candidate lists into original point order: row i of
// each output holds query point i's candidates sorted by ascending distance.
// Unfilled slots keep index -1 and +Inf distance.
func (r *lmnnTargetsAndImpostorsRules) GetResults() (neighbors [][]int, neighborDistances [][]float64, impostors [][]int, impostorDistances [][]float64) {
	neighbors, neighborDistances = drainCandidates(r.candidateNeighbors, r.queryTree.OldFromNew(), r.refTree.OldFromNew())
	impostors, impostorDistances = drainCandidates(r.candidateImpostors, r.queryTree.OldFromNew(), r.refTree.OldFromNew())
	return
}

func drainCandidates(lists []candidateHeap, queryOldFromNew, refOldFromNew []int) ([][]int, [][]float64) {
	n := len(lists)
	indices := make([][]int, n)
	distances := make([][]float64, n)
	for i := 0; i < n; i++ {
		sorted := lists[i].sorted()
		idx := make([]int, len(sorted))
		dist := make([]float64, len(sorted))
		for j, c := range sorted {
			if c.index >= 0 {
				idx[j] = refOldFromNew[c.index]
			} else {
				idx[j] = -1
			}
			dist[j] = c.dist
		}
		indices[queryOldFromNew[i]] = idx
		distances[queryOldFromNew[i]] = dist
	}
	return indices, distances
}

// lmnnImpostorsRules finds only the k nearest different-label neighbors. It
// adds one prune the combined rules cannot use: a reference node containing
// no impostors for a single-class query node is skipped outright.
type lmnnImpostorsRules struct {
	refTree     *SpaceTree
	refLabels   []int
	queryTree   *SpaceTree
	queryLabels []int

	refStats   []lmnnNodeStat
	queryStats []lmnnNodeStat

	k      int
	metric Metric

	candidateImpostors []candidateHeap

	lastQueryIndex     int
	lastReferenceIndex int
	lastBaseCase       float64

	baseCases int
	scores    int

	ti TraversalInfo
}

func newLMNNImpostorsRules(
	refTree *SpaceTree, refLabels []int, refStats []lmnnNodeStat,
	queryTree *SpaceTree, queryLabels []int, queryStats []lmnnNodeStat,
	k int, metric Metric) *lmnnImpostorsRules {

	r := &lmnnImpostorsRules{
		refTree:            refTree,
		refLabels:          refLabels,
		queryTree:          queryTree,
		queryLabels:        queryLabels,
		refStats:           refStats,
		queryStats:         queryStats,
		k:                  k,
		metric:             metric,
		lastQueryIndex:     -1,
		lastReferenceIndex: -1,
	}

	nq := queryTree.NumPoints()
	r.candidateImpostors = make([]candidateHeap, nq)
	for i := 0; i < nq; i++ {
		r.candidateImpostors[i] = newCandidateHeap(k)
	}

	return r
}

func (r *lmnnImpostorsRules) TraversalInfo() *TraversalInfo { return &r.ti }

func (r *lmnnImpostorsRules) BaseCase(queryIndex, refIndex int) float64 {
	if r.lastQueryIndex == queryIndex && r.lastReferenceIndex == refIndex {
		return r.lastBaseCase
	}

	// Same-label pairs are never impostors; self-pairs fall out with them.
	if r.queryLabels[queryIndex] == r.refLabels[refIndex] {
		return 0
	}

	dist := r.metric.Distance(r.queryTree.Point(queryIndex), r.refTree.Point(refIndex))
	r.baseCases++

	r.candidateImpostors[queryIndex].insert(lmnnCandidate{dist: dist, index: refIndex})

	r.lastQueryIndex = queryIndex
	r.lastReferenceIndex = refIndex
	r.lastBaseCase = dist

	return dist
}

func (r *lmnnImpostorsRules) Score(queryNode, refNode int) float64 {
	// Class-based prune: a single-class query node needs reference points
	// with a different label.
	if c := r.queryStats[queryNode].singleClass; c >= 0 && !r.refStats[refNode].hasImpostors[c] {
		return math.Inf(1)
	}

	bestDistance := r.calculateBound(queryNode)
	r.scores++

	adjusted := adjustedScoreFromHistory(&r.ti, r.queryTree, r.refTree, queryNode, refNode)
	if adjusted > bestDistance {
		return math.Inf(1)
	}

	distance := nodeMinDistance(r.queryTree, queryNode, r.refTree, refNode)
	if distance > bestDistance {
		return math.Inf(1)
	}

	r.ti.LastQueryNode = queryNode
	r.ti.LastReferenceNode = refNode
	r.ti.LastScore = distance
	return distance
}

func (r *lmnnImpostorsRules) Rescore(queryNode, refNode int, oldScore float64) float64 {
	if math.IsInf(oldScore, 1) || oldScore == 0 {
		return oldScore
	}
	if oldScore > r.calculateBound(queryNode) {
		return math.Inf(1)
	}
	return oldScore
}

func (r *lmnnImpostorsRules) calculateBound(queryNode int) float64 {
	worst := 0.0

	if r.queryTree.IsLeaf(queryNode) {
		start, end := r.queryTree.DescendantRange(queryNode)
		for i := start; i < end; i++ {
			if d := r.candidateImpostors[i].top().dist; d > worst {
				worst = d
			}
		}
	} else {
		for _, child := range []int{r.queryTree.Left(queryNode), r.queryTree.Right(queryNode)} {
			if b := r.queryStats[child].bound; b > worst {
				worst = b
			}
		}
	}

	if parent := r.queryTree.Parent(queryNode); parent >= 0 {
		if b := r.queryStats[parent].bound; b < worst {
			worst = b
		}
	}
	if b := r.queryStats[queryNode].bound; b < worst {
		worst = b
	}

	r.queryStats[queryNode].bound = worst
	return worst
}

func (r *lmnnImpostorsRules) GetResults() ([][]int, [][]float64) {
	return drainCandidates(r.candidateImpostors, r.queryTree.OldFromNew(), r.refTree.OldFromNew())
}
