package mlpack

import (
	"math"
	"sort"
)

// TraversalInfo records the last node pair a traversal scored and the last
// base case it ran. Rule sets read it to reuse work from the parent pair;
// engines snapshot and restore it around child combinations.
type TraversalInfo struct {
	LastQueryNode     int
	LastReferenceNode int
	LastScore         float64
	LastBaseCase      float64
}

func newTraversalInfo() TraversalInfo {
	return TraversalInfo{LastQueryNode: -1, LastReferenceNode: -1}
}

// DualTreeRules is the pluggable logic of a dual-tree algorithm. An engine
// drives the recursion; the rules decide what each point pair contributes
// (BaseCase) and which node pairs can be skipped (Score returning +Inf).
// Rescore re-checks a previously computed score against knowledge gained
// since; returning +Inf prunes the pair late.
type DualTreeRules interface {
	BaseCase(queryIndex, refIndex int) float64
	Score(queryNode, refNode int) float64
	Rescore(queryNode, refNode int, oldScore float64) float64
	TraversalInfo() *TraversalInfo
}

// scoredPair is a child combination awaiting recursion, with the traversal
// info snapshot taken right after it was scored.
type scoredPair struct {
	queryNode, refNode int
	score              float64
	ti                 TraversalInfo
}

// DepthFirstDualTraverser recurses over node pairs depth-first, visiting
// lower-scored child combinations first. Both trees are walked through their
// active links, so coalesced subtrees are skipped.
type DepthFirstDualTraverser struct {
	queryTree *SpaceTree
	refTree   *SpaceTree
	rules     DualTreeRules
	numPrunes int
}

func NewDepthFirstDualTraverser(queryTree, refTree *SpaceTree, rules DualTreeRules) *DepthFirstDualTraverser {
	return &DepthFirstDualTraverser{queryTree: queryTree, refTree: refTree, rules: rules}
}

// NumPrunes returns the number of node combinations pruned so far.
func (t *DepthFirstDualTraverser) NumPrunes() int { return t.numPrunes }

// Traverse runs the full dual traversal from both roots.
func (t *DepthFirstDualTraverser) Traverse() {
	if t.queryTree.NumPoints() == 0 || t.refTree.NumPoints() == 0 {
		return
	}
	ti := t.rules.TraversalInfo()
	*ti = newTraversalInfo()
	if math.IsInf(t.rules.Score(0, 0), 1) {
		t.numPrunes++
		return
	}
	t.traverse(0, 0)
}

func (t *DepthFirstDualTraverser) traverse(queryNode, refNode int) {
	queryLeaf := t.queryTree.ActiveLeft(queryNode) < 0
	refLeaf := t.refTree.ActiveLeft(refNode) < 0

	if queryLeaf && refLeaf {
		qs, qe := t.queryTree.DescendantRange(queryNode)
		rs, re := t.refTree.DescendantRange(refNode)
		for qi := qs; qi < qe; qi++ {
			for ri := rs; ri < re; ri++ {
				t.rules.BaseCase(qi, ri)
			}
		}
		return
	}

	combos := t.scoreChildren(queryNode, refNode, queryLeaf, refLeaf)
	for i := range combos {
		c := &combos[i]
		if math.IsInf(t.rules.Rescore(c.queryNode, c.refNode, c.score), 1) {
			t.numPrunes++
			continue
		}
		*t.rules.TraversalInfo() = c.ti
		t.traverse(c.queryNode, c.refNode)
	}
}

// scoreChildren scores every child combination of the pair, restoring the
// parent pair's traversal info before each call, and returns the unpruned
// combinations ordered by ascending score.
func (t *DepthFirstDualTraverser) scoreChildren(queryNode, refNode int, queryLeaf, refLeaf bool) []scoredPair {
	var queryChildren, refChildren [2]int
	nq, nr := 1, 1
	queryChildren[0] = queryNode
	refChildren[0] = refNode
	if !queryLeaf {
		queryChildren[0] = t.queryTree.ActiveLeft(queryNode)
		queryChildren[1] = t.queryTree.ActiveRight(queryNode)
		nq = 2
	}
	if !refLeaf {
		refChildren[0] = t.refTree.ActiveLeft(refNode)
		refChildren[1] = t.refTree.ActiveRight(refNode)
		nr = 2
	}

	ti := t.rules.TraversalInfo()
	parentTI := *ti

	combos := make([]scoredPair, 0, 4)
	for qi := 0; qi < nq; qi++ {
		for ri := 0; ri < nr; ri++ {
			*ti = parentTI
			score := t.rules.Score(queryChildren[qi], refChildren[ri])
			if math.IsInf(score, 1) {
				t.numPrunes++
				continue
			}
			combos = append(combos, scoredPair{
				queryNode: queryChildren[qi],
				refNode:   refChildren[ri],
				score:     score,
				ti:        *ti,
			})
		}
	}

	sort.Slice(combos, func(i, j int) bool { return combos[i].score < combos[j].score })
	return combos
}

// BreadthFirstDualTraverser expands node pairs in FIFO order, so bound
// information from shallow levels propagates before deep recursion. Rule
// sets whose node statistics tighten during the traversal (k-means) benefit
// from the level-by-level order.
type BreadthFirstDualTraverser struct {
	queryTree *SpaceTree
	refTree   *SpaceTree
	rules     DualTreeRules
	numPrunes int
}

func NewBreadthFirstDualTraverser(queryTree, refTree *SpaceTree, rules DualTreeRules) *BreadthFirstDualTraverser {
	return &BreadthFirstDualTraverser{queryTree: queryTree, refTree: refTree, rules: rules}
}

func (t *BreadthFirstDualTraverser) NumPrunes() int { return t.numPrunes }

// Traverse runs the full dual traversal from both roots.
func (t *BreadthFirstDualTraverser) Traverse() {
	if t.queryTree.NumPoints() == 0 || t.refTree.NumPoints() == 0 {
		return
	}

	ti := t.rules.TraversalInfo()
	*ti = newTraversalInfo()
	score := t.rules.Score(0, 0)
	if math.IsInf(score, 1) {
		t.numPrunes++
		return
	}

	queue := []scoredPair{{queryNode: 0, refNode: 0, score: score, ti: *ti}}
	for len(queue) > 0 {
		pair := queue[0]
		queue = queue[1:]

		if math.IsInf(t.rules.Rescore(pair.queryNode, pair.refNode, pair.score), 1) {
			t.numPrunes++
			continue
		}

		queryLeaf := t.queryTree.ActiveLeft(pair.queryNode) < 0
		refLeaf := t.refTree.ActiveLeft(pair.refNode) < 0

		if queryLeaf && refLeaf {
			*ti = pair.ti
			qs, qe := t.queryTree.DescendantRange(pair.queryNode)
			rs, re := t.refTree.DescendantRange(pair.refNode)
			for qi := qs; qi < qe; qi++ {
				for ri := rs; ri < re; ri++ {
					t.rules.BaseCase(qi, ri)
				}
			}
			continue
		}

		queue = append(queue, t.expand(&pair, queryLeaf, refLeaf)...)
	}
}

// expand scores the child combinations of pair, restoring pair's traversal
// info before each score call.
func (t *BreadthFirstDualTraverser) expand(pair *scoredPair, queryLeaf, refLeaf bool) []scoredPair {
	var queryChildren, refChildren [2]int
	nq, nr := 1, 1
	queryChildren[0] = pair.queryNode
	refChildren[0] = pair.refNode
	if !queryLeaf {
		queryChildren[0] = t.queryTree.ActiveLeft(pair.queryNode)
		queryChildren[1] = t.queryTree.ActiveRight(pair.queryNode)
		nq = 2
	}
	if !refLeaf {
		refChildren[0] = t.refTree.ActiveLeft(pair.refNode)
		refChildren[1] = t.refTree.ActiveRight(pair.refNode)
		nr = 2
	}

	ti := t.rules.TraversalInfo()
	next := make([]scoredPair, 0, 4)
	for qi := 0; qi < nq; qi++ {
		for ri := 0; ri < nr; ri++ {
			*ti = pair.ti
			score := t.rules.Score(queryChildren[qi], refChildren[ri])
			if math.IsInf(score, 1) {
				t.numPrunes++
				continue
			}
			next = append(next, scoredPair{
				queryNode: queryChildren[qi],
				refNode:   refChildren[ri],
				score:     score,
				ti:        *ti,
			})
		}
	}
	return next
}
