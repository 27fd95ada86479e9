package mlpack

import (
	"container/heap"
	"math"
	"sort"
)

// spaceNode is one node of a SpaceTree. Children and parent are arena
// indices; -1 marks a leaf child slot or the root's parent.
type spaceNode struct {
	idxStart, idxEnd int // descendant range in tree order
	left, right      int
	parent           int
	parentSlot       int // which child slot of the parent this node occupies
	parentDistance   float64
	furthestDesc     float64
}

// SpaceTree is a binary space-partitioning tree over a flat row-major point
// set, with axis-aligned hyperrectangle bounds per node. The tree physically
// reorders a copy of the input so each node's descendants occupy a contiguous
// row range; OldFromNew maps tree order back to input order.
//
// Nodes live in an arena, parents before children. The true structure is
// immutable after construction; traversals consult a parallel set of active
// links that Coalesce may splice and Decoalesce restores, so temporarily
// hiding subtrees never mutates the real tree.
type SpaceTree struct {
	data     []float64 // flat row-major, tree order (n * dims)
	n        int
	dims     int
	leafSize int
	metric   Metric

	oldFromNew []int // oldFromNew[treeIdx] = original index
	newFromOld []int

	nodes []spaceNode
	// boundsMin[node*dims + j] / boundsMax[node*dims + j] bracket feature j.
	boundsMin []float64
	boundsMax []float64
	centers   []float64 // bound centers, node*dims

	// Active view consulted by traversals; equals the true links except
	// between Coalesce and Decoalesce.
	activeParent []int
	activeLeft   []int
	activeRight  []int
}

// NewSpaceTree builds a tree from flat row-major data with n points of
// dimensionality dims. leafSize controls the max points per leaf node.
func NewSpaceTree(data []float64, n, dims int, metric Metric, leafSize int) *SpaceTree {
	if leafSize < 1 {
		leafSize = 1
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	t := &SpaceTree{
		n:          n,
		dims:       dims,
		leafSize:   leafSize,
		metric:     metric,
		oldFromNew: perm,
	}

	if n > 0 {
		t.buildNode(data, perm, -1, 0, 0, n)
	}

	// Physically reorder the data into tree order.
	t.data = make([]float64, n*dims)
	for pos, orig := range perm {
		copy(t.data[pos*dims:(pos+1)*dims], data[orig*dims:(orig+1)*dims])
	}
	t.newFromOld = make([]int, n)
	for pos, orig := range perm {
		t.newFromOld[orig] = pos
	}

	t.computeCaches()
	t.resetActiveLinks()

	return t
}

// buildNode appends a node covering perm[start:end] and recursively builds
// its children. Returns the new node's arena index.
func (t *SpaceTree) buildNode(data []float64, perm []int, parent, parentSlot, start, end int) int {
	nodeID := len(t.nodes)
	t.nodes = append(t.nodes, spaceNode{
		idxStart: start, idxEnd: end,
		left: -1, right: -1,
		parent: parent, parentSlot: parentSlot,
	})
	t.boundsMin = append(t.boundsMin, make([]float64, t.dims)...)
	t.boundsMax = append(t.boundsMax, make([]float64, t.dims)...)

	base := nodeID * t.dims
	for d := 0; d < t.dims; d++ {
		t.boundsMin[base+d] = math.Inf(1)
		t.boundsMax[base+d] = math.Inf(-1)
	}
	for i := start; i < end; i++ {
		pt := data[perm[i]*t.dims : (perm[i]+1)*t.dims]
		for d := 0; d < t.dims; d++ {
			if pt[d] < t.boundsMin[base+d] {
				t.boundsMin[base+d] = pt[d]
			}
			if pt[d] > t.boundsMax[base+d] {
				t.boundsMax[base+d] = pt[d]
			}
		}
	}

	count := end - start
	if count <= t.leafSize {
		return nodeID
	}

	// Split on the dimension with greatest spread, at the median.
	splitDim := 0
	maxSpread := -1.0
	for d := 0; d < t.dims; d++ {
		spread := t.boundsMax[base+d] - t.boundsMin[base+d]
		if spread > maxSpread {
			maxSpread = spread
			splitDim = d
		}
	}

	sub := perm[start:end]
	dims := t.dims
	sort.Slice(sub, func(i, j int) bool {
		return data[sub[i]*dims+splitDim] < data[sub[j]*dims+splitDim]
	})
	mid := start + count/2

	left := t.buildNode(data, perm, nodeID, 0, start, mid)
	right := t.buildNode(data, perm, nodeID, 1, mid, end)
	t.nodes[nodeID].left = left
	t.nodes[nodeID].right = right

	return nodeID
}

// computeCaches fills bound centers, parent distances, and furthest
// descendant distances from the current bounds.
func (t *SpaceTree) computeCaches() {
	nn := len(t.nodes)
	if cap(t.centers) < nn*t.dims {
		t.centers = make([]float64, nn*t.dims)
	}
	t.centers = t.centers[:nn*t.dims]
	for i := 0; i < nn; i++ {
		base := i * t.dims
		for d := 0; d < t.dims; d++ {
			t.centers[base+d] = 0.5 * (t.boundsMin[base+d] + t.boundsMax[base+d])
		}
		// Half the bound diameter; loose for leaves but cheap and sound.
		t.nodes[i].furthestDesc = 0.5 * t.metric.Distance(
			t.boundsMin[base:base+t.dims], t.boundsMax[base:base+t.dims])
	}
	for i := 0; i < nn; i++ {
		p := t.nodes[i].parent
		if p < 0 {
			t.nodes[i].parentDistance = 0
			continue
		}
		t.nodes[i].parentDistance = t.metric.Distance(
			t.centers[i*t.dims:(i+1)*t.dims], t.centers[p*t.dims:(p+1)*t.dims])
	}
}

func (t *SpaceTree) resetActiveLinks() {
	nn := len(t.nodes)
	if t.activeParent == nil {
		t.activeParent = make([]int, nn)
		t.activeLeft = make([]int, nn)
		t.activeRight = make([]int, nn)
	}
	for i := 0; i < nn; i++ {
		t.activeParent[i] = t.nodes[i].parent
		t.activeLeft[i] = t.nodes[i].left
		t.activeRight[i] = t.nodes[i].right
	}
}

// --- basic accessors ---

func (t *SpaceTree) Data() []float64    { return t.data }
func (t *SpaceTree) NumPoints() int     { return t.n }
func (t *SpaceTree) NumFeatures() int   { return t.dims }
func (t *SpaceTree) NumNodes() int      { return len(t.nodes) }
func (t *SpaceTree) OldFromNew() []int  { return t.oldFromNew }
func (t *SpaceTree) NewFromOld() []int  { return t.newFromOld }
func (t *SpaceTree) Reordered() bool    { return true }
func (t *SpaceTree) IsLeaf(n int) bool  { return t.nodes[n].left < 0 }
func (t *SpaceTree) Left(n int) int     { return t.nodes[n].left }
func (t *SpaceTree) Right(n int) int    { return t.nodes[n].right }
func (t *SpaceTree) Parent(n int) int   { return t.nodes[n].parent }
func (t *SpaceTree) Metric() Metric     { return t.metric }

// DescendantRange returns the tree-order index range [start, end) of the
// points under node n.
func (t *SpaceTree) DescendantRange(n int) (start, end int) {
	return t.nodes[n].idxStart, t.nodes[n].idxEnd
}

func (t *SpaceTree) NumDescendants(n int) int {
	return t.nodes[n].idxEnd - t.nodes[n].idxStart
}

// ParentDistance returns the distance between the bound centers of node n
// and its parent (0 for the root).
func (t *SpaceTree) ParentDistance(n int) float64 { return t.nodes[n].parentDistance }

// FurthestDescendantDistance returns an upper bound on the distance from the
// bound center of node n to any of its descendants.
func (t *SpaceTree) FurthestDescendantDistance(n int) float64 { return t.nodes[n].furthestDesc }

// MinimumBoundDistance returns half the minimum side length of node n's
// bound: a lower bound on how far the bound center is from the bound surface.
func (t *SpaceTree) MinimumBoundDistance(n int) float64 {
	base := n * t.dims
	minWidth := math.Inf(1)
	for d := 0; d < t.dims; d++ {
		if w := t.boundsMax[base+d] - t.boundsMin[base+d]; w < minWidth {
			minWidth = w
		}
	}
	return 0.5 * minWidth
}

// Point returns the tree-order point at index i.
func (t *SpaceTree) Point(i int) []float64 {
	return t.data[i*t.dims : (i+1)*t.dims]
}

// Centroid returns the center of node n's bound.
func (t *SpaceTree) Centroid(n int) []float64 {
	return t.centers[n*t.dims : (n+1)*t.dims]
}

func (t *SpaceTree) ActiveParent(n int) int { return t.activeParent[n] }
func (t *SpaceTree) ActiveLeft(n int) int   { return t.activeLeft[n] }
func (t *SpaceTree) ActiveRight(n int) int  { return t.activeRight[n] }

// --- geometry ---

// distAccum aggregates per-dimension gaps according to the metric power.
type distAccum struct {
	p   float64
	acc float64
}

func (a *distAccum) add(d float64) {
	switch {
	case math.IsInf(a.p, 1):
		if d > a.acc {
			a.acc = d
		}
	case a.p == 2:
		a.acc += d * d
	case a.p == 1:
		a.acc += d
	default:
		a.acc += math.Pow(d, a.p)
	}
}

func (a *distAccum) value() float64 {
	switch {
	case math.IsInf(a.p, 1), a.p == 1:
		return a.acc
	case a.p == 2:
		return math.Sqrt(a.acc)
	default:
		return math.Pow(a.acc, 1.0/a.p)
	}
}

// MinDistanceToPoint returns a lower bound on the distance between point and
// any point in node n.
func (t *SpaceTree) MinDistanceToPoint(n int, point []float64) float64 {
	base := n * t.dims
	a := distAccum{p: metricPower(t.metric)}
	for d := 0; d < t.dims; d++ {
		lo := t.boundsMin[base+d]
		hi := t.boundsMax[base+d]
		var gap float64
		if point[d] < lo {
			gap = lo - point[d]
		} else if point[d] > hi {
			gap = point[d] - hi
		}
		a.add(gap)
	}
	return a.value()
}

// MaxDistanceToPoint returns an upper bound on the distance between point and
// any point in node n.
func (t *SpaceTree) MaxDistanceToPoint(n int, point []float64) float64 {
	base := n * t.dims
	a := distAccum{p: metricPower(t.metric)}
	for d := 0; d < t.dims; d++ {
		lo := point[d] - t.boundsMin[base+d]
		hi := t.boundsMax[base+d] - point[d]
		a.add(math.Max(math.Abs(lo), math.Abs(hi)))
	}
	return a.value()
}

// nodeMinDistance returns a lower bound on the distance between any point in
// node n1 of t1 and any point in node n2 of t2. Both trees must share a
// metric.
func nodeMinDistance(t1 *SpaceTree, n1 int, t2 *SpaceTree, n2 int) float64 {
	base1 := n1 * t1.dims
	base2 := n2 * t2.dims
	a := distAccum{p: metricPower(t1.metric)}
	for d := 0; d < t1.dims; d++ {
		g1 := t1.boundsMin[base1+d] - t2.boundsMax[base2+d]
		g2 := t2.boundsMin[base2+d] - t1.boundsMax[base1+d]
		a.add(math.Max(g1, math.Max(g2, 0)))
	}
	return a.value()
}

// nodeMaxDistance returns an upper bound on the distance between any point in
// node n1 of t1 and any point in node n2 of t2.
func nodeMaxDistance(t1 *SpaceTree, n1 int, t2 *SpaceTree, n2 int) float64 {
	base1 := n1 * t1.dims
	base2 := n2 * t2.dims
	a := distAccum{p: metricPower(t1.metric)}
	for d := 0; d < t1.dims; d++ {
		g1 := t1.boundsMax[base1+d] - t2.boundsMin[base2+d]
		g2 := t2.boundsMax[base2+d] - t1.boundsMin[base1+d]
		a.add(math.Max(g1, g2))
	}
	return a.value()
}

// nodeRangeDistance returns both bounds at once.
func nodeRangeDistance(t1 *SpaceTree, n1 int, t2 *SpaceTree, n2 int) (lo, hi float64) {
	return nodeMinDistance(t1, n1, t2, n2), nodeMaxDistance(t1, n1, t2, n2)
}

// --- single-tree queries ---

// QueryKNN finds the k nearest neighbors for each row in queryData.
// queryData is flat row-major with queryRows rows. Returned indices are in
// the original (pre-reorder) point order, sorted by ascending distance.
func (t *SpaceTree) QueryKNN(queryData []float64, queryRows, k int) ([][]int, [][]float64) {
	indices := make([][]int, queryRows)
	distances := make([][]float64, queryRows)

	for q := 0; q < queryRows; q++ {
		query := queryData[q*t.dims : (q+1)*t.dims]
		h := &knnHeap{}
		heap.Init(h)
		if t.n > 0 {
			t.knnSearch(0, query, k, h)
		}

		nResults := h.Len()
		idx := make([]int, nResults)
		dist := make([]float64, nResults)
		for i := nResults - 1; i >= 0; i-- {
			item := heap.Pop(h).(knnItem)
			idx[i] = t.oldFromNew[item.index]
			dist[i] = item.dist
		}
		indices[q] = idx
		distances[q] = dist
	}

	return indices, distances
}

// knnSearch performs a single-tree KNN traversal using a max-heap of size k.
func (t *SpaceTree) knnSearch(nodeID int, query []float64, k int, h *knnHeap) {
	node := t.nodes[nodeID]

	if node.left < 0 {
		for i := node.idxStart; i < node.idxEnd; i++ {
			d := t.metric.Distance(query, t.Point(i))
			if h.Len() < k {
				heap.Push(h, knnItem{index: i, dist: d})
			} else if d < (*h)[0].dist {
				(*h)[0] = knnItem{index: i, dist: d}
				heap.Fix(h, 0)
			}
		}
		return
	}

	leftDist := t.MinDistanceToPoint(node.left, query)
	rightDist := t.MinDistanceToPoint(node.right, query)

	nearChild, farChild := node.left, node.right
	farDist := rightDist
	if rightDist < leftDist {
		nearChild, farChild = node.right, node.left
		farDist = leftDist
	}

	t.knnSearch(nearChild, query, k, h)

	if h.Len() < k || farDist < (*h)[0].dist {
		t.knnSearch(farChild, query, k, h)
	}
}

// RangeSearch returns the original indices and distances of all points within
// radius of the query point.
func (t *SpaceTree) RangeSearch(query []float64, radius float64) ([]int, []float64) {
	var idx []int
	var dist []float64
	if t.n > 0 {
		t.rangeSearch(0, query, radius, &idx, &dist)
	}
	return idx, dist
}

func (t *SpaceTree) rangeSearch(nodeID int, query []float64, radius float64, idx *[]int, dist *[]float64) {
	if t.MinDistanceToPoint(nodeID, query) > radius {
		return
	}
	node := t.nodes[nodeID]
	if node.left < 0 {
		for i := node.idxStart; i < node.idxEnd; i++ {
			d := t.metric.Distance(query, t.Point(i))
			if d <= radius {
				*idx = append(*idx, t.oldFromNew[i])
				*dist = append(*dist, d)
			}
		}
		return
	}
	t.rangeSearch(node.left, query, radius, idx, dist)
	t.rangeSearch(node.right, query, radius, idx, dist)
}

// --- dataset replacement and bound refitting ---

// ReplaceData overwrites the tree's backing dataset with data, which must be
// in tree order with the same shape. Bounds are not touched; call
// RefitBounds afterward.
func (t *SpaceTree) ReplaceData(data []float64) {
	if len(data) != len(t.data) {
		panic("mlpack: ReplaceData size mismatch")
	}
	copy(t.data, data)
}

// RefitBounds recomputes every node's bound from the current dataset, bottom
// up, then refreshes the cached centers, parent distances, and furthest
// descendant distances. Used after the backing dataset has been transformed
// in place.
func (t *SpaceTree) RefitBounds() {
	for i := len(t.nodes) - 1; i >= 0; i-- {
		node := t.nodes[i]
		base := i * t.dims
		if node.left < 0 {
			for d := 0; d < t.dims; d++ {
				t.boundsMin[base+d] = math.Inf(1)
				t.boundsMax[base+d] = math.Inf(-1)
			}
			for p := node.idxStart; p < node.idxEnd; p++ {
				pt := t.Point(p)
				for d := 0; d < t.dims; d++ {
					if pt[d] < t.boundsMin[base+d] {
						t.boundsMin[base+d] = pt[d]
					}
					if pt[d] > t.boundsMax[base+d] {
						t.boundsMax[base+d] = pt[d]
					}
				}
			}
			continue
		}
		lbase := node.left * t.dims
		rbase := node.right * t.dims
		for d := 0; d < t.dims; d++ {
			t.boundsMin[base+d] = math.Min(t.boundsMin[lbase+d], t.boundsMin[rbase+d])
			t.boundsMax[base+d] = math.Max(t.boundsMax[lbase+d], t.boundsMax[rbase+d])
		}
	}
	t.computeCaches()
}

// --- coalescing ---

// Coalesce splices subtrees out of the active view wherever exactly one child
// of a node is fully pruned: the node is bypassed and its unpruned child is
// linked directly to the node's parent. The root is never spliced. True
// structure is untouched; Decoalesce restores the active view.
func (t *SpaceTree) Coalesce(pruned func(node int) bool) {
	if len(t.nodes) == 0 || t.IsLeaf(0) {
		return
	}
	t.coalesce(t.nodes[0].left, pruned)
	t.coalesce(t.nodes[0].right, pruned)
}

func (t *SpaceTree) coalesce(nodeID int, pruned func(node int) bool) {
	node := t.nodes[nodeID]
	if node.left < 0 {
		return
	}

	leftPruned := pruned(node.left)
	rightPruned := pruned(node.right)

	switch {
	case leftPruned && !rightPruned:
		t.coalesce(node.right, pruned)
		// The recursion may have respliced our link; lift whatever is
		// active there now.
		t.splice(nodeID, t.activeRight[nodeID])
	case !leftPruned && rightPruned:
		t.coalesce(node.left, pruned)
		t.splice(nodeID, t.activeLeft[nodeID])
	case !leftPruned && !rightPruned:
		t.coalesce(node.left, pruned)
		t.coalesce(node.right, pruned)
	}
}

// splice links child directly to nodeID's parent in the active view,
// bypassing nodeID and its pruned sibling.
func (t *SpaceTree) splice(nodeID, child int) {
	parent := t.nodes[nodeID].parent
	t.activeParent[child] = parent
	if t.nodes[nodeID].parentSlot == 0 {
		t.activeLeft[parent] = child
	} else {
		t.activeRight[parent] = child
	}
}

// Decoalesce restores the active view to the true tree structure. Safe to
// call multiple times.
func (t *SpaceTree) Decoalesce() {
	t.resetActiveLinks()
}

// --- max-heap for KNN queries ---

type knnItem struct {
	index int
	dist  float64
}

// knnHeap is a max-heap of knnItem (largest distance on top) used as a
// bounded priority queue for KNN queries.
type knnHeap []knnItem

func (h knnHeap) Len() int            { return len(h) }
func (h knnHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist } // max-heap
func (h knnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *knnHeap) Push(x interface{}) { *h = append(*h, x.(knnItem)) }
func (h *knnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
