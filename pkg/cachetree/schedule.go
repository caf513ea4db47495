// Package cachetree lets Merkle batch packets carry one or two branch nodes
// instead of a full branch.
//
// Leaves are verified in index order. After leaf j verifies, the receiver
// keeps the even-offset nodes of its path; every odd-offset sibling a later
// leaf needs is carried by some packet no later than that leaf. Leaf j >= 1
// first needs N(l, (j>>l)+1) for every l < trailingZeros(j); leaf 0 needs
// N(0,1) and takes the rest from S1. Such a node may ride in any packet of
// [j-2^l, j]: earlier copies would overwrite the odd slot of level l while a
// leaf of the previous subtree still reads it. Assignment is earliest
// deadline first, which fits within one node per packet.
package cachetree

import (
	"container/heap"
	"fmt"
	"math/bits"
	"sort"

	"github.com/juanpablocruz/alpha/pkg/hashtree"
)

// Mode is the per-packet carry budget.
type Mode uint8

const (
	OneNode  Mode = 1
	TwoNodes Mode = 2
)

func (m Mode) Valid() bool { return m == OneNode || m == TwoNodes }

// Ref names a tree node by level and offset.
type Ref struct {
	Level int
	Index int
}

type task struct {
	ref      Ref
	release  int
	deadline int
	copies   int
}

type Schedule struct {
	n        int
	depth    int
	mode     Mode
	carried  [][]Ref
	overflow int
}

// NewSchedule derives the carry plan for an n-leaf batch. Sender and
// receiver compute the same plan from (n, mode).
func NewSchedule(n int, mode Mode) (*Schedule, error) {
	if !hashtree.IsPow2(n) {
		return nil, fmt.Errorf("cachetree: %w: %d", hashtree.ErrLeafCount, n)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("cachetree: invalid mode %d", mode)
	}
	s := &Schedule{n: n, depth: hashtree.Depth(n), mode: mode, carried: make([][]Ref, n)}

	tasks := []*task{{ref: Ref{0, 1}}}
	for j := 1; j < n; j++ {
		for l := 0; l < bits.TrailingZeros(uint(j)); l++ {
			tasks = append(tasks, &task{
				ref:      Ref{l, (j >> l) + 1},
				release:  j - 1<<l,
				deadline: j,
			})
		}
	}
	byRelease := append([]*task(nil), tasks...)
	sort.SliceStable(byRelease, func(a, b int) bool { return byRelease[a].release < byRelease[b].release })

	budget := int(mode)
	next := 0
	open := &taskHeap{}
	for k := 0; k < n; k++ {
		for next < len(byRelease) && byRelease[next].release <= k {
			heap.Push(open, byRelease[next])
			next++
		}
		for open.Len() > 0 && (len(s.carried[k]) < budget || (*open)[0].deadline == k) {
			t := heap.Pop(open).(*task)
			if len(s.carried[k]) >= budget {
				s.overflow++
			}
			s.carried[k] = append(s.carried[k], t.ref)
			t.copies++
		}
	}

	if mode == TwoNodes {
		for k := 0; k < n; k++ {
			for _, t := range tasks {
				if len(s.carried[k]) >= budget {
					break
				}
				if t.copies > 1 || t.release > k || t.deadline < k || s.carries(k, t.ref) {
					continue
				}
				s.carried[k] = append(s.carried[k], t.ref)
				t.copies++
			}
		}
	}
	return s, nil
}

func (s *Schedule) carries(k int, r Ref) bool {
	for _, c := range s.carried[k] {
		if c == r {
			return true
		}
	}
	return false
}

func (s *Schedule) Leaves() int { return s.n }
func (s *Schedule) Depth() int  { return s.depth }
func (s *Schedule) Mode() Mode  { return s.mode }

// Overflow counts nodes that had to exceed the budget to meet a deadline.
func (s *Schedule) Overflow() int { return s.overflow }

// Carried lists the nodes that packet k carries, in wire order.
func (s *Schedule) Carried(k int) []Ref { return s.carried[k] }

// TopRefs lists the nodes announced in S1 next to the root: the odd
// siblings of leaf 0 above the leaf level.
func (s *Schedule) TopRefs() []Ref {
	out := make([]Ref, 0, s.depth-1)
	for l := 1; l < s.depth; l++ {
		out = append(out, Ref{l, 1})
	}
	return out
}

// SenderNodes returns the node bytes packet k carries.
func (s *Schedule) SenderNodes(t *hashtree.Tree, k int) [][]byte {
	refs := s.carried[k]
	out := make([][]byte, len(refs))
	for i, r := range refs {
		out[i] = t.Node(r.Level, r.Index)
	}
	return out
}

// TopNodes returns the S1 node bytes for TopRefs.
func (s *Schedule) TopNodes(t *hashtree.Tree) [][]byte {
	refs := s.TopRefs()
	out := make([][]byte, len(refs))
	for i, r := range refs {
		out[i] = t.Node(r.Level, r.Index)
	}
	return out
}

// taskHeap orders open tasks by deadline, then by level.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(a, b int) bool {
	if h[a].deadline != h[b].deadline {
		return h[a].deadline < h[b].deadline
	}
	return h[a].ref.Level < h[b].ref.Level
}
func (h taskHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	t := old[len(old)-1]
	*h = old[:len(old)-1]
	return t
}
