package hashtree

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/cbergoon/merkletree"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"pgregory.net/rapid"
)

func TestNodeIndex(t *testing.T) {
	cases := []struct {
		level, leaves, offset, want int
	}{
		{0, 2, 0, 0},
		{0, 2, 1, 1},
		{1, 2, 0, 2},
		{0, 8, 7, 7},
		{1, 8, 0, 8},
		{1, 8, 3, 11},
		{2, 8, 0, 12},
		{2, 8, 1, 13},
		{3, 8, 0, 14},
		{4, 16, 0, 30},
	}
	for _, c := range cases {
		got, err := NodeIndex(c.level, c.leaves, c.offset)
		if err != nil || got != c.want {
			t.Fatalf("NodeIndex(%d,%d,%d)=%d,%v want %d", c.level, c.leaves, c.offset, got, err, c.want)
		}
	}
	bad := [][3]int{{0, 3, 0}, {4, 8, 0}, {1, 8, 4}, {-1, 8, 0}, {0, 8, -1}}
	for _, b := range bad {
		if _, err := NodeIndex(b[0], b[1], b[2]); !errors.Is(err, ErrIndex) {
			t.Fatalf("NodeIndex%v: expected ErrIndex, got %v", b, err)
		}
	}
}

func TestBuildRejectsNonPow2(t *testing.T) {
	s := digest.SHA1
	for _, n := range []int{0, 1, 3, 6} {
		if _, err := Build(make([][]byte, n), LeafGen(s, nil), NodeGen(s)); !errors.Is(err, ErrLeafCount) {
			t.Fatalf("n=%d: expected ErrLeafCount, got %v", n, err)
		}
	}
}

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("packet-%d", i))
	}
	return out
}

func TestRoundTripAndTamper(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := digest.SHA1
		depth := rapid.IntRange(1, 7).Draw(t, "depth")
		n := 1 << depth
		data := make([][]byte, n)
		for i := range data {
			data[i] = rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, fmt.Sprintf("leaf%d", i))
		}
		secret := rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(t, "secret")
		lg, ng := LeafGen(s, secret), NodeGen(s)
		tree, err := Build(data, lg, ng)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		idx := rapid.IntRange(0, n-1).Draw(t, "idx")
		br := tree.Branch(idx)
		if !VerifyBranch(tree.Root(), br, data[idx], idx, lg, ng) {
			t.Fatalf("valid branch rejected")
		}

		bit := rapid.IntRange(0, len(data[idx])*8-1).Draw(t, "bit")
		bad := append([]byte(nil), data[idx]...)
		bad[bit/8] ^= 1 << (bit % 8)
		if VerifyBranch(tree.Root(), br, bad, idx, lg, ng) {
			t.Fatalf("tampered leaf accepted")
		}

		lvl := rapid.IntRange(0, depth-1).Draw(t, "lvl")
		nbit := rapid.IntRange(0, digest.Size*8-1).Draw(t, "nbit")
		badBr := make([][]byte, len(br))
		for i := range br {
			badBr[i] = append([]byte(nil), br[i]...)
		}
		badBr[lvl][nbit/8] ^= 1 << (nbit % 8)
		if VerifyBranch(tree.Root(), badBr, data[idx], idx, lg, ng) {
			t.Fatalf("tampered branch accepted")
		}
	})
}

func TestComputePathMatchesTree(t *testing.T) {
	s := digest.BLAKE3
	lg, ng := LeafGen(s, []byte("k")), NodeGen(s)
	data := leaves(16)
	tree, err := Build(data, lg, ng)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := range data {
		path := ComputePath(tree.Branch(i), data[i], i, lg, ng)
		for l := range path {
			if !bytes.Equal(path[l], tree.Node(l, i>>l)) {
				t.Fatalf("leaf %d level %d: path node mismatch", i, l)
			}
		}
	}
}

func TestVerifyRejectsWrongIndex(t *testing.T) {
	s := digest.SHA1
	lg, ng := LeafGen(s, nil), NodeGen(s)
	data := leaves(8)
	tree, _ := Build(data, lg, ng)
	if VerifyBranch(tree.Root(), tree.Branch(2), data[2], 3, lg, ng) {
		t.Fatalf("wrong index accepted")
	}
	if VerifyBranch(tree.Root(), tree.Branch(2), data[2], 8, lg, ng) {
		t.Fatalf("out of range index accepted")
	}
}

type blockContent struct{ b []byte }

func (c blockContent) CalculateHash() ([]byte, error) {
	h := sha256.Sum256(c.b)
	return h[:], nil
}

func (c blockContent) Equals(o merkletree.Content) (bool, error) {
	oc, ok := o.(blockContent)
	return ok && bytes.Equal(c.b, oc.b), nil
}

func TestRootMatchesReferenceTree(t *testing.T) {
	lg := func(d []byte) []byte { h := sha256.Sum256(d); return h[:] }
	ng := func(l, r []byte) []byte {
		h := sha256.New()
		h.Write(l)
		h.Write(r)
		return h.Sum(nil)
	}
	for _, n := range []int{2, 4, 8, 32} {
		data := leaves(n)
		var list []merkletree.Content
		for _, d := range data {
			list = append(list, blockContent{d})
		}
		ref, err := merkletree.NewTree(list)
		if err != nil {
			t.Fatalf("reference tree: %v", err)
		}
		tree, err := Build(data, lg, ng)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !bytes.Equal(tree.Root(), ref.MerkleRoot()) {
			t.Fatalf("n=%d: root mismatch", n)
		}
	}
}
