package forest

import (
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"
)

// Node is one node of a flattened regression tree. Leaves have Feature -1.
type Node struct {
	Feature   int
	Threshold float64 // x[Feature] <= Threshold goes left
	Left      int
	Right     int
	Value     float64 // mean target of the samples that reached the node
	Samples   int
}

// Tree is a CART regression tree split on squared-error reduction.
type Tree struct {
	MaxDepth        int // 0 means unlimited
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int // 0 means all features at every split

	Nodes []Node

	// importance accumulates the squared-error reduction per feature during fit.
	importance []float64
}

type sample struct {
	v float64
	i int
}

// fit grows the tree on the rows listed in idx, which may contain repeats.
func (t *Tree) fit(X [][]float64, y []float64, idx []int, rnd *rand.Rand) error {
	if len(idx) == 0 {
		return eris.New("forest: empty sample")
	}
	p := len(X[idx[0]])
	t.Nodes = t.Nodes[:0]
	t.importance = make([]float64, p)
	t.grow(X, y, idx, 0, p, rnd)
	return nil
}

func (t *Tree) grow(X [][]float64, y []float64, idx []int, depth, p int, rnd *rand.Rand) int {
	sum, sumSq := 0.0, 0.0
	for _, i := range idx {
		sum += y[i]
		sumSq += y[i] * y[i]
	}
	n := float64(len(idx))
	sse := sumSq - sum*sum/n

	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Feature: -1, Value: sum / n, Samples: len(idx)})

	if t.MaxDepth > 0 && depth >= t.MaxDepth {
		return id
	}
	if len(idx) < t.MinSamplesSplit || len(idx) < 2*t.MinSamplesLeaf || sse <= 1e-12 {
		return id
	}

	best := t.bestSplit(X, y, idx, p, sse, rnd)
	if best.feature < 0 {
		return id
	}

	left := make([]int, 0, best.nLeft)
	right := make([]int, 0, len(idx)-best.nLeft)
	for _, i := range idx {
		if X[i][best.feature] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return id
	}
	t.importance[best.feature] += best.gain

	l := t.grow(X, y, left, depth+1, p, rnd)
	r := t.grow(X, y, right, depth+1, p, rnd)
	t.Nodes[id].Feature = best.feature
	t.Nodes[id].Threshold = best.threshold
	t.Nodes[id].Left = l
	t.Nodes[id].Right = r
	return id
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	nLeft     int
}

func (t *Tree) bestSplit(X [][]float64, y []float64, idx []int, p int, parentSSE float64, rnd *rand.Rand) split {
	features := make([]int, p)
	for j := range features {
		features[j] = j
	}
	if t.MaxFeatures > 0 && t.MaxFeatures < p {
		rnd.Shuffle(p, func(a, b int) { features[a], features[b] = features[b], features[a] })
		features = features[:t.MaxFeatures]
		sort.Ints(features)
	}

	minLeaf := t.MinSamplesLeaf
	if minLeaf < 1 {
		minLeaf = 1
	}

	best := split{feature: -1}
	pairs := make([]sample, len(idx))
	for _, f := range features {
		for k, i := range idx {
			pairs[k] = sample{v: X[i][f], i: i}
		}
		sort.Slice(pairs, func(a, b int) bool { return pairs[a].v < pairs[b].v })

		total, totalSq := 0.0, 0.0
		for _, s := range pairs {
			total += y[s.i]
			totalSq += y[s.i] * y[s.i]
		}

		leftSum, leftSq := 0.0, 0.0
		for s := 1; s < len(pairs); s++ {
			yi := y[pairs[s-1].i]
			leftSum += yi
			leftSq += yi * yi

			if pairs[s].v == pairs[s-1].v {
				continue
			}
			nl, nr := float64(s), float64(len(pairs)-s)
			if s < minLeaf || len(pairs)-s < minLeaf {
				continue
			}
			rightSum, rightSq := total-leftSum, totalSq-leftSq
			sse := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)
			gain := parentSSE - sse
			if gain > best.gain+1e-12 {
				thr := (pairs[s-1].v + pairs[s].v) / 2
				if thr >= pairs[s].v {
					thr = pairs[s-1].v
				}
				best = split{feature: f, threshold: thr, gain: gain, nLeft: s}
			}
		}
	}
	return best
}

// predict walks the tree for a single row.
func (t *Tree) predict(x []float64) float64 {
	n := t.Nodes[0]
	for n.Feature >= 0 {
		if x[n.Feature] <= n.Threshold {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
	}
	return n.Value
}

// Depth returns the depth of the deepest leaf (a single leaf has depth 0).
func (t *Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var walk func(id int) int
	walk = func(id int) int {
		n := t.Nodes[id]
		if n.Feature < 0 {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}
