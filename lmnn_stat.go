package mlpack

import "math"

// lmnnNodeStat is the per-node state for LMNN searches: the B1 pruning bound
// (worst candidate distance over the node's descendants), per-class presence
// flags, and whether the node holds only a single class.
//
// The presence flags are set once after tree building and survive dataset
// stretching, since a linear map never changes which points sit under a node.
// The bound is search state and must be reset between searches.
type lmnnNodeStat struct {
	bound        float64
	lastDistance float64

	// hasImpostors[c] reports whether any descendant has a label other than
	// c; hasTrueNeighbors[c] whether any descendant has label c.
	hasImpostors     []bool
	hasTrueNeighbors []bool

	// singleClass is the only label under this node, or -1 when mixed.
	singleClass int

	pruned bool
}

// setLMNNStats builds the statistic array for a tree whose points carry
// labels (tree order). Children are filled before parents by walking the
// arena in reverse.
func setLMNNStats(t *SpaceTree, labels []int, numClasses int) []lmnnNodeStat {
	stats := make([]lmnnNodeStat, t.NumNodes())

	for i := t.NumNodes() - 1; i >= 0; i-- {
		s := &stats[i]
		s.bound = math.Inf(1)
		s.hasImpostors = make([]bool, numClasses)
		s.hasTrueNeighbors = make([]bool, numClasses)

		if t.IsLeaf(i) {
			start, end := t.DescendantRange(i)
			counts := make([]int, numClasses)
			for p := start; p < end; p++ {
				counts[labels[p]]++
			}
			total := end - start
			for c := 0; c < numClasses; c++ {
				if counts[c] > 0 {
					s.hasTrueNeighbors[c] = true
				}
				if counts[c] < total {
					s.hasImpostors[c] = true
				}
			}
		} else {
			left, right := &stats[t.Left(i)], &stats[t.Right(i)]
			for c := 0; c < numClasses; c++ {
				s.hasImpostors[c] = left.hasImpostors[c] || right.hasImpostors[c]
				s.hasTrueNeighbors[c] = left.hasTrueNeighbors[c] || right.hasTrueNeighbors[c]
			}
		}

		s.singleClass = -1
		for c := 0; c < numClasses; c++ {
			if s.hasTrueNeighbors[c] {
				if s.singleClass >= 0 {
					s.singleClass = -1
					break
				}
				s.singleClass = c
			}
		}
	}

	return stats
}

// resetLMNNStats clears the search state while keeping the class presence
// flags, which stay valid across dataset transformations.
func resetLMNNStats(stats []lmnnNodeStat) {
	for i := range stats {
		stats[i].bound = math.Inf(1)
		stats[i].lastDistance = 0
		stats[i].pruned = false
	}
}
