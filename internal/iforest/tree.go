package iforest

import "math/rand/v2"

type node struct {
	feature int
	split   float64
	left    *node
	right   *node
	size    int
	leaf    bool
}

// grow builds an isolation tree over data[idx]. A node becomes a leaf when
// it holds one point, hits maxDepth, or every feature is constant within it.
func grow(data [][]float64, idx []int, depth, maxDepth int, r *rand.Rand) *node {
	if len(idx) <= 1 || depth >= maxDepth {
		return &node{leaf: true, size: len(idx)}
	}

	width := len(data[idx[0]])
	lo := make([]float64, width)
	hi := make([]float64, width)
	for j := 0; j < width; j++ {
		lo[j], hi[j] = data[idx[0]][j], data[idx[0]][j]
	}
	for _, i := range idx[1:] {
		for j, v := range data[i] {
			lo[j] = min(lo[j], v)
			hi[j] = max(hi[j], v)
		}
	}

	var candidates []int
	for j := 0; j < width; j++ {
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &node{leaf: true, size: len(idx)}
	}

	feature := candidates[r.IntN(len(candidates))]
	split := lo[feature] + r.Float64()*(hi[feature]-lo[feature])

	var left, right []int
	for _, i := range idx {
		if data[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &node{
		feature: feature,
		split:   split,
		left:    grow(data, left, depth+1, maxDepth, r),
		right:   grow(data, right, depth+1, maxDepth, r),
		size:    len(idx),
	}
}

// pathLength is the depth at which x lands plus the expected remaining depth
// of the leaf's unresolved points.
func (n *node) pathLength(x []float64, depth int) float64 {
	if n.leaf {
		return float64(depth) + averagePathLength(n.size)
	}
	if x[n.feature] < n.split {
		return n.left.pathLength(x, depth+1)
	}
	return n.right.pathLength(x, depth+1)
}
