package cachetree

import (
	"errors"
	"fmt"

	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/hashtree"
)

var ErrCarried = errors.New("cachetree: carried node count mismatch")

type slot struct {
	index int
	node  []byte
	set   bool
}

// Buffer holds two slots per level, picked by offset parity. Each slot
// remembers which node it holds so a stale entry reads as a miss.
type Buffer struct {
	slots [][2]slot
}

func NewBuffer(depth int) *Buffer {
	b := &Buffer{}
	b.Reset(depth)
	return b
}

func (b *Buffer) Reset(depth int) {
	if cap(b.slots) >= depth {
		b.slots = b.slots[:depth]
		clear(b.slots)
		return
	}
	b.slots = make([][2]slot, depth)
}

func (b *Buffer) Store(level, index int, node []byte) {
	if level < 0 || level >= len(b.slots) {
		return
	}
	b.slots[level][index&1] = slot{index: index, node: append([]byte(nil), node...), set: true}
}

func (b *Buffer) Lookup(level, index int) ([]byte, bool) {
	if level < 0 || level >= len(b.slots) {
		return nil, false
	}
	s := b.slots[level][index&1]
	if !s.set || s.index != index {
		return nil, false
	}
	return s.node, true
}

// Branch assembles the sibling path for leaf. On a miss it returns the
// first level that could not be filled.
func (b *Buffer) Branch(leaf int) ([][]byte, int) {
	out := make([][]byte, len(b.slots))
	for l := range out {
		n, ok := b.Lookup(l, (leaf>>l)^1)
		if !ok {
			return nil, l
		}
		out[l] = n
	}
	return out, -1
}

// Learn keeps the even-offset nodes of a verified path below the root.
func (b *Buffer) Learn(leaf int, path [][]byte) {
	for l := 0; l < len(b.slots) && l < len(path); l++ {
		if idx := leaf >> l; idx&1 == 0 {
			b.Store(l, idx, path[l])
		}
	}
}

// Status is the outcome of verifying one leaf.
type Status int

const (
	Verified Status = iota
	Rejected
	Missing
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Verified:
		return "verified"
	case Rejected:
		return "rejected"
	case Missing:
		return "missing"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Verifier checks the leaves of one batch against its root.
type Verifier struct {
	sched    *Schedule
	buf      *Buffer
	pending  *Buffer // carried nodes not yet vouched for
	root     []byte
	node     hashtree.NodeFunc
	done     []bool
	count    int
	verified int
}

// NewVerifier prepares verification of count real leaves out of an n-leaf
// tree. top holds the S1 nodes in TopRefs order.
func NewVerifier(sched *Schedule, root []byte, top [][]byte, count int, node hashtree.NodeFunc, buf *Buffer) (*Verifier, error) {
	refs := sched.TopRefs()
	if len(top) != len(refs) {
		return nil, fmt.Errorf("%w: top has %d nodes, want %d", ErrCarried, len(top), len(refs))
	}
	if count < 1 || count > sched.Leaves() {
		return nil, fmt.Errorf("cachetree: count %d outside 1..%d", count, sched.Leaves())
	}
	if buf == nil {
		buf = NewBuffer(sched.Depth())
	} else {
		buf.Reset(sched.Depth())
	}
	for i, r := range refs {
		buf.Store(r.Level, r.Index, top[i])
	}
	return &Verifier{
		sched:   sched,
		buf:     buf,
		pending: NewBuffer(sched.Depth()),
		root:    append([]byte(nil), root...),
		node:    node,
		done:    make([]bool, sched.Leaves()),
		count:   count,
	}, nil
}

// Verify checks leaf index against the root using the nodes it carries
// and the buffer. Carried nodes reach the buffer only when the leaf
// verifies, or when they hash up to a node the buffer already trusts;
// otherwise they are parked in a side buffer that is consulted only on a
// miss. Only malformed input is an error.
func (v *Verifier) Verify(index int, data []byte, carried [][]byte, leaf hashtree.LeafFunc) (Status, error) {
	if index < 0 || index >= v.count {
		return Rejected, fmt.Errorf("cachetree: leaf index %d outside batch of %d", index, v.count)
	}
	refs := v.sched.Carried(index)
	if len(carried) != len(refs) {
		return Rejected, fmt.Errorf("%w: leaf %d carries %d, want %d", ErrCarried, index, len(carried), len(refs))
	}
	if v.done[index] {
		return Duplicate, nil
	}
	st := v.check(index, data, refs, carried, leaf)
	if st != Verified {
		for i, r := range refs {
			if v.trusted(r, carried[i], refs, carried) {
				v.buf.Store(r.Level, r.Index, carried[i])
			} else {
				v.pending.Store(r.Level, r.Index, carried[i])
			}
		}
		return st, nil
	}
	v.done[index] = true
	v.verified++
	return Verified, nil
}

func (v *Verifier) check(index int, data []byte, refs []Ref, carried [][]byte, leaf hashtree.LeafFunc) Status {
	br := make([][]byte, v.sched.Depth())
	var parked []Ref
	for l := range br {
		want := Ref{l, (index >> l) ^ 1}
		n, ok := v.lookup(want, refs, carried)
		if !ok {
			if n, ok = v.pending.Lookup(want.Level, want.Index); !ok {
				return Missing
			}
			parked = append(parked, want)
		}
		br[l] = n
	}
	path := hashtree.ComputePath(br, data, index, leaf, v.node)
	if !digest.Equal(path[len(path)-1], v.root) {
		return Rejected
	}
	for _, r := range parked {
		v.buf.Store(r.Level, r.Index, br[r.Level])
	}
	for i, r := range refs {
		v.buf.Store(r.Level, r.Index, carried[i])
	}
	v.buf.Learn(index, path)
	return Verified
}

// lookup prefers the packet's own nodes over the trusted buffer.
func (v *Verifier) lookup(want Ref, refs []Ref, carried [][]byte) ([]byte, bool) {
	for i, r := range refs {
		if r == want {
			return carried[i], true
		}
	}
	return v.buf.Lookup(want.Level, want.Index)
}

// trusted climbs from r until it meets a buffered node or the root and
// reports whether the hashes agree.
func (v *Verifier) trusted(r Ref, n []byte, refs []Ref, carried [][]byte) bool {
	depth := v.sched.Depth()
	for l, idx := r.Level, r.Index; ; l, idx = l+1, idx>>1 {
		if l == depth {
			return digest.Equal(n, v.root)
		}
		if known, ok := v.buf.Lookup(l, idx); ok {
			return digest.Equal(n, known)
		}
		sib, ok := v.lookup(Ref{l, idx ^ 1}, refs, carried)
		if !ok {
			return false
		}
		if idx&1 == 0 {
			n = v.node(n, sib)
		} else {
			n = v.node(sib, n)
		}
	}
}

// Complete reports whether every real leaf verified.
func (v *Verifier) Complete() bool { return v.verified >= v.count }

func (v *Verifier) Verified() int { return v.verified }
