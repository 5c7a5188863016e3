package classifier

import (
	"math"
	"math/rand"
	"sort"
)

// leafNode marks a node without children.
const leafNode = -1

// minGain is the smallest impurity decrease accepted as a split.
const minGain = 1e-12

// Node is one node of a binary regression tree. Rows with
// x[Feature] <= Threshold descend Left.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// Tree is a flattened regression tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks the tree for one encoded row.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left == leafNode {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Depth returns the number of edges on the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Left == leafNode {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0)
}

// treeParams controls growth of a single tree.
type treeParams struct {
	// maxDepth of 0 grows until leaves are pure or too small.
	maxDepth int

	minSamplesSplit int
	minSamplesLeaf  int

	// maxFeatures is the number of candidate features per split; 0 means all.
	maxFeatures int

	// randomSplits draws one uniform threshold per candidate feature
	// instead of scanning all boundaries.
	randomSplits bool
}

// treeBuilder grows a variance-reduction tree. On 0/1 targets variance
// reduction ranks splits identically to Gini impurity, so one builder serves
// both the classification forests and the boosting stages.
type treeBuilder struct {
	x      [][]float64
	y      []float64
	hess   []float64 // optional Newton denominators for leaf values
	params treeParams
	rng    *rand.Rand

	// importance accumulates the impurity decrease per feature.
	importance []float64
	nodes      []Node
}

func newTreeBuilder(x [][]float64, y, hess []float64, params treeParams, rng *rand.Rand) *treeBuilder {
	if params.minSamplesSplit < 2 {
		params.minSamplesSplit = 2
	}
	if params.minSamplesLeaf < 1 {
		params.minSamplesLeaf = 1
	}
	return &treeBuilder{
		x:          x,
		y:          y,
		hess:       hess,
		params:     params,
		rng:        rng,
		importance: make([]float64, len(x[0])),
	}
}

// build grows a tree over the given row indices.
func (b *treeBuilder) build(idx []int) *Tree {
	b.nodes = b.nodes[:0]
	b.grow(idx, 0)
	nodes := make([]Node, len(b.nodes))
	copy(nodes, b.nodes)
	return &Tree{Nodes: nodes}
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: leafNode, Right: leafNode, Value: b.leafValue(idx)})

	if len(idx) < b.params.minSamplesSplit {
		return id
	}
	if b.params.maxDepth > 0 && depth >= b.params.maxDepth {
		return id
	}

	sum, sumSq := b.moments(idx)
	parentSSE := sse(sum, sumSq, len(idx))
	if parentSSE <= minGain {
		return id
	}

	best := splitCandidate{gain: minGain, feature: -1}
	for _, f := range b.candidateFeatures() {
		var c splitCandidate
		if b.params.randomSplits {
			c = b.randomSplit(idx, f, parentSSE)
		} else {
			c = b.bestSplit(idx, f, parentSSE)
		}
		if c.feature >= 0 && c.gain > best.gain {
			best = c
		}
	}
	if best.feature < 0 {
		return id
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.x[i][best.feature] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.importance[best.feature] += best.gain

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id] = Node{Feature: best.feature, Threshold: best.threshold, Left: l, Right: r}
	return id
}

type splitCandidate struct {
	feature   int
	threshold float64
	gain      float64
}

func (b *treeBuilder) candidateFeatures() []int {
	dim := len(b.importance)
	k := b.params.maxFeatures
	if k <= 0 || k >= dim {
		all := make([]int, dim)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return b.rng.Perm(dim)[:k]
}

// bestSplit scans every boundary between distinct values of feature f.
func (b *treeBuilder) bestSplit(idx []int, f int, parentSSE float64) splitCandidate {
	sorted := make([]int, len(idx))
	copy(sorted, idx)
	sort.SliceStable(sorted, func(i, j int) bool {
		return b.x[sorted[i]][f] < b.x[sorted[j]][f]
	})

	totalSum, totalSq := b.moments(idx)
	n := len(sorted)
	minLeaf := b.params.minSamplesLeaf

	best := splitCandidate{feature: -1}
	var leftSum, leftSq float64
	for i := 0; i < n-1; i++ {
		yi := b.y[sorted[i]]
		leftSum += yi
		leftSq += yi * yi

		cur, next := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
		if cur == next {
			continue
		}
		nl, nr := i+1, n-i-1
		if nl < minLeaf || nr < minLeaf {
			continue
		}
		gain := parentSSE - sse(leftSum, leftSq, nl) - sse(totalSum-leftSum, totalSq-leftSq, nr)
		if gain > best.gain {
			best = splitCandidate{feature: f, threshold: (cur + next) / 2, gain: gain}
		}
	}
	return best
}

// randomSplit draws a single threshold uniformly between the node's
// minimum and maximum of feature f.
func (b *treeBuilder) randomSplit(idx []int, f int, parentSSE float64) splitCandidate {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		v := b.x[i][f]
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= lo {
		return splitCandidate{feature: -1}
	}
	threshold := lo + b.rng.Float64()*(hi-lo)

	var ls, lq, rs, rq float64
	var nl, nr int
	for _, i := range idx {
		yi := b.y[i]
		if b.x[i][f] <= threshold {
			ls += yi
			lq += yi * yi
			nl++
		} else {
			rs += yi
			rq += yi * yi
			nr++
		}
	}
	if nl < b.params.minSamplesLeaf || nr < b.params.minSamplesLeaf {
		return splitCandidate{feature: -1}
	}
	gain := parentSSE - sse(ls, lq, nl) - sse(rs, rq, nr)
	return splitCandidate{feature: f, threshold: threshold, gain: gain}
}

func (b *treeBuilder) moments(idx []int) (sum, sumSq float64) {
	for _, i := range idx {
		sum += b.y[i]
		sumSq += b.y[i] * b.y[i]
	}
	return sum, sumSq
}

func (b *treeBuilder) leafValue(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var num float64
	for _, i := range idx {
		num += b.y[i]
	}
	if b.hess == nil {
		return num / float64(len(idx))
	}
	var den float64
	for _, i := range idx {
		den += b.hess[i]
	}
	if den < 1e-12 {
		return 0
	}
	return num / den
}

// sse is the sum of squared deviations from the mean.
func sse(sum, sumSq float64, n int) float64 {
	if n == 0 {
		return 0
	}
	v := sumSq - sum*sum/float64(n)
	if v < 0 {
		return 0 // Numerical stability
	}
	return v
}
