package cachetree

import (
	"fmt"
	"testing"

	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/hashtree"
	"github.com/stretchr/testify/require"
)

func batch(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("payload-%04d", i))
	}
	return out
}

func TestScheduleWithinBudget(t *testing.T) {
	for _, mode := range []Mode{OneNode, TwoNodes} {
		for n := 2; n <= 1024; n <<= 1 {
			s, err := NewSchedule(n, mode)
			require.NoError(t, err)
			require.Zero(t, s.Overflow(), "n=%d mode=%d", n, mode)
			for k := 0; k < n; k++ {
				require.LessOrEqual(t, len(s.Carried(k)), int(mode), "n=%d k=%d", n, k)
			}
		}
	}
}

func TestScheduleSmallTrees(t *testing.T) {
	s, err := NewSchedule(2, OneNode)
	require.NoError(t, err)
	require.Equal(t, []Ref{{0, 1}}, s.Carried(0))
	require.Empty(t, s.Carried(1))
	require.Empty(t, s.TopRefs())

	s, err = NewSchedule(4, OneNode)
	require.NoError(t, err)
	require.Equal(t, []Ref{{0, 1}}, s.Carried(0))
	require.Equal(t, []Ref{{0, 3}}, s.Carried(1))
	require.Equal(t, []Ref{{1, 1}}, s.TopRefs())
}

func TestScheduleRejectsBadInput(t *testing.T) {
	_, err := NewSchedule(6, OneNode)
	require.Error(t, err)
	_, err = NewSchedule(8, Mode(3))
	require.Error(t, err)
}

// Every leaf delivered in order must verify exactly as it would with its
// full branch.
func TestCacheMatchesFullBranch(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, []byte("round-key"))
	for _, mode := range []Mode{OneNode, TwoNodes} {
		for n := 2; n <= 1024; n <<= 1 {
			data := batch(n)
			tree, err := hashtree.Build(data, lg, ng)
			require.NoError(t, err)
			sched, err := NewSchedule(n, mode)
			require.NoError(t, err)
			v, err := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), n, ng, nil)
			require.NoError(t, err)
			for k := 0; k < n; k++ {
				full := hashtree.VerifyBranch(tree.Root(), tree.Branch(k), data[k], k, lg, ng)
				st, err := v.Verify(k, data[k], sched.SenderNodes(tree, k), lg)
				require.NoError(t, err)
				require.True(t, full)
				require.Equal(t, Verified, st, "n=%d mode=%d leaf=%d", n, mode, k)
			}
			require.True(t, v.Complete())
		}
	}
}

func TestTamperedLeafRejected(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, []byte("k"))
	data := batch(16)
	tree, _ := hashtree.Build(data, lg, ng)
	sched, _ := NewSchedule(16, OneNode)
	v, err := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), 16, ng, nil)
	require.NoError(t, err)
	for k := 0; k < 5; k++ {
		st, _ := v.Verify(k, data[k], sched.SenderNodes(tree, k), lg)
		require.Equal(t, Verified, st)
	}
	st, err := v.Verify(5, []byte("forged"), sched.SenderNodes(tree, 5), lg)
	require.NoError(t, err)
	require.Equal(t, Rejected, st)

	// wrong key
	st, _ = v.Verify(6, data[6], sched.SenderNodes(tree, 6), hashtree.LeafGen(s, []byte("other")))
	require.Equal(t, Rejected, st)
}

func TestDuplicateIgnored(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, nil)
	data := batch(8)
	tree, _ := hashtree.Build(data, lg, ng)
	sched, _ := NewSchedule(8, TwoNodes)
	v, _ := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), 8, ng, nil)
	st, _ := v.Verify(0, data[0], sched.SenderNodes(tree, 0), lg)
	require.Equal(t, Verified, st)
	st, _ = v.Verify(0, data[0], sched.SenderNodes(tree, 0), lg)
	require.Equal(t, Duplicate, st)
	require.Equal(t, 1, v.Verified())
}

func TestMissedPacketIsBestEffort(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, nil)
	data := batch(8)
	tree, _ := hashtree.Build(data, lg, ng)
	sched, _ := NewSchedule(8, OneNode)
	v, _ := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), 8, ng, nil)

	// leaf 1 needs N(0,0), learned only from leaf 0
	st, err := v.Verify(1, data[1], sched.SenderNodes(tree, 1), lg)
	require.NoError(t, err)
	require.Equal(t, Missing, st)

	st, _ = v.Verify(0, data[0], sched.SenderNodes(tree, 0), lg)
	require.Equal(t, Verified, st)
}

func TestPartialBatch(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, nil)
	data := batch(8)
	tree, _ := hashtree.Build(data, lg, ng)
	sched, _ := NewSchedule(8, OneNode)
	v, _ := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), 5, ng, nil)
	for k := 0; k < 5; k++ {
		st, err := v.Verify(k, data[k], sched.SenderNodes(tree, k), lg)
		require.NoError(t, err)
		require.Equal(t, Verified, st)
	}
	require.True(t, v.Complete())
	_, err := v.Verify(5, data[5], sched.SenderNodes(tree, 5), lg)
	require.Error(t, err)
}

func TestBufferRejectsStaleSlot(t *testing.T) {
	b := NewBuffer(3)
	b.Store(1, 3, []byte("n13"))
	_, ok := b.Lookup(1, 1)
	require.False(t, ok)
	got, ok := b.Lookup(1, 3)
	require.True(t, ok)
	require.Equal(t, []byte("n13"), got)
	b.Reset(3)
	_, ok = b.Lookup(1, 3)
	require.False(t, ok)
}

// A rejected packet must not displace nodes that genuine leaves still need.
func TestForgedPacketLeavesCacheIntact(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, []byte("round-key"))
	const n = 8
	data := batch(n)
	tree, err := hashtree.Build(data, lg, ng)
	require.NoError(t, err)
	for _, mode := range []Mode{OneNode, TwoNodes} {
		sched, err := NewSchedule(n, mode)
		require.NoError(t, err)
		for k := 0; k < n; k++ {
			for j := k + 1; j < n; j++ {
				v, err := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), n, ng, nil)
				require.NoError(t, err)
				for i := 0; i < k; i++ {
					st, err := v.Verify(i, data[i], sched.SenderNodes(tree, i), lg)
					require.NoError(t, err)
					require.Equal(t, Verified, st)
				}

				junk := make([][]byte, len(sched.Carried(j)))
				for i := range junk {
					junk[i] = s.Hash([]byte(fmt.Sprintf("junk-%d-%d", j, i)))
				}
				st, err := v.Verify(j, []byte("forged"), junk, lg)
				require.NoError(t, err)
				require.NotEqual(t, Verified, st)

				for i := k; i < n; i++ {
					st, err := v.Verify(i, data[i], sched.SenderNodes(tree, i), lg)
					require.NoError(t, err)
					require.Equal(t, Verified, st, "mode=%d forged=%d after=%d leaf=%d", mode, j, k, i)
				}
				require.True(t, v.Complete())
			}
		}
	}
}

// Nodes carried by a packet that cannot be checked yet stay out of the
// trusted buffer but still serve later leaves.
func TestParkedNodesServeLaterLeaves(t *testing.T) {
	s := digest.SHA1
	ng := hashtree.NodeGen(s)
	lg := hashtree.LeafGen(s, nil)
	data := batch(4)
	tree, _ := hashtree.Build(data, lg, ng)
	sched, _ := NewSchedule(4, OneNode)
	v, _ := NewVerifier(sched, tree.Root(), sched.TopNodes(tree), 4, ng, nil)

	// leaf 1 arrives first and carries N(0,3), which leaf 2 needs
	st, err := v.Verify(1, data[1], sched.SenderNodes(tree, 1), lg)
	require.NoError(t, err)
	require.Equal(t, Missing, st)
	_, ok := v.buf.Lookup(0, 3)
	require.False(t, ok)

	for k := 0; k < 4; k++ {
		if k == 1 {
			continue
		}
		st, _ := v.Verify(k, data[k], sched.SenderNodes(tree, k), lg)
		require.Equal(t, Verified, st, "leaf %d", k)
	}
}
