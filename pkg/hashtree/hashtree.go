// Package hashtree builds complete binary Merkle trees over power-of-two
// leaf sets and verifies leaves against the root with sibling branches.
//
// Nodes live in one flat slice: the n leaf hashes first, then each halved
// level, the root last. NodeIndex is the only place that maps a
// (level, offset) pair to a slot.
package hashtree

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/juanpablocruz/alpha/pkg/digest"
)

var (
	ErrLeafCount = errors.New("hashtree: leaf count must be a power of two >= 2")
	ErrIndex     = errors.New("hashtree: node index out of range")
)

// LeafFunc hashes a data block into a leaf node.
type LeafFunc func(data []byte) []byte

// NodeFunc combines two child nodes.
type NodeFunc func(left, right []byte) []byte

// LeafGen returns H(data || secret).
func LeafGen(s digest.Suite, secret []byte) LeafFunc {
	return func(data []byte) []byte { return s.Hash(data, secret) }
}

// NodeGen returns H(left || right).
func NodeGen(s digest.Suite) NodeFunc {
	return func(l, r []byte) []byte { return s.Hash(l, r) }
}

// IsPow2 reports whether n is a power of two >= 2.
func IsPow2(n int) bool { return n >= 2 && n&(n-1) == 0 }

// Depth returns log2(n) for a valid leaf count.
func Depth(n int) int { return bits.TrailingZeros(uint(n)) }

// NodeIndex maps (level, offset) to the flat node slot for a tree with
// leafCount leaves. Level 0 is the leaves, level log2(leafCount) the root.
func NodeIndex(level, leafCount, offset int) (int, error) {
	if !IsPow2(leafCount) || level < 0 || level > Depth(leafCount) {
		return 0, fmt.Errorf("%w: level=%d leaves=%d", ErrIndex, level, leafCount)
	}
	width := leafCount >> level
	if offset < 0 || offset >= width {
		return 0, fmt.Errorf("%w: level=%d offset=%d", ErrIndex, level, offset)
	}
	return 2*leafCount - 2*width + offset, nil
}

type Tree struct {
	n     int
	depth int
	nodes [][]byte
}

// Build hashes the leaves and every interior level.
func Build(leaves [][]byte, leaf LeafFunc, node NodeFunc) (*Tree, error) {
	n := len(leaves)
	if !IsPow2(n) {
		return nil, fmt.Errorf("%w: got %d", ErrLeafCount, n)
	}
	t := &Tree{n: n, depth: Depth(n), nodes: make([][]byte, 2*n-1)}
	for i, d := range leaves {
		t.nodes[i] = leaf(d)
	}
	for l := 1; l <= t.depth; l++ {
		for o := 0; o < n>>l; o++ {
			t.nodes[t.mustIndex(l, o)] = node(t.Node(l-1, 2*o), t.Node(l-1, 2*o+1))
		}
	}
	return t, nil
}

func (t *Tree) mustIndex(level, offset int) int {
	i, err := NodeIndex(level, t.n, offset)
	if err != nil {
		panic(err)
	}
	return i
}

func (t *Tree) Leaves() int { return t.n }
func (t *Tree) Depth() int  { return t.depth }
func (t *Tree) Root() []byte {
	return t.nodes[len(t.nodes)-1]
}

// Node returns the node at (level, offset). Callers pass checked
// coordinates.
func (t *Tree) Node(level, offset int) []byte {
	return t.nodes[t.mustIndex(level, offset)]
}

// Branch returns the sibling of every node on the leaf's path, bottom-up.
func (t *Tree) Branch(index int) [][]byte {
	out := make([][]byte, t.depth)
	for l := 0; l < t.depth; l++ {
		out[l] = t.Node(l, (index>>l)^1)
	}
	return out
}

// ComputePath folds data with branch and returns the path nodes from the
// leaf (level 0) to the computed root (level len(branch)).
func ComputePath(branch [][]byte, data []byte, index int, leaf LeafFunc, node NodeFunc) [][]byte {
	path := make([][]byte, len(branch)+1)
	cur := leaf(data)
	path[0] = cur
	for l, sib := range branch {
		if (index>>l)&1 == 0 {
			cur = node(cur, sib)
		} else {
			cur = node(sib, cur)
		}
		path[l+1] = cur
	}
	return path
}

// VerifyBranch recomputes the root from data and branch.
func VerifyBranch(root []byte, branch [][]byte, data []byte, index int, leaf LeafFunc, node NodeFunc) bool {
	if index < 0 || index >= 1<<len(branch) {
		return false
	}
	path := ComputePath(branch, data, index, leaf, node)
	return digest.Equal(path[len(path)-1], root)
}
