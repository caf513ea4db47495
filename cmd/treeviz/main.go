// Command treeviz prints the Merkle tree of one batch, the carry plan of
// the cached tree mode, and a replay of the receiver's verification.
package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cbergoon/merkletree"

	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/hashtree"
)

// block is a leaf for the reference tree.
type block struct {
	leaf hashtree.LeafFunc
	data []byte
}

func (b block) CalculateHash() ([]byte, error) { return b.leaf(b.data), nil }

func (b block) Equals(o merkletree.Content) (bool, error) {
	ob, ok := o.(block)
	return ok && bytes.Equal(b.data, ob.data), nil
}

func main() {
	n := flag.Int("n", 16, "leaves (power of two)")
	mode := flag.Int("mode", 1, "cached tree nodes per packet (1 or 2)")
	suiteName := flag.String("suite", "sha1", "digest suite")
	reverse := flag.Bool("reverse", false, "replay the receiver in reverse arrival order")
	flag.Parse()

	if err := run(os.Stdout, *n, cachetree.Mode(*mode), *suiteName, *reverse); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func short(b []byte) string { return hex.EncodeToString(b)[:8] }

func run(w io.Writer, n int, mode cachetree.Mode, suiteName string, reverse bool) error {
	suite, err := digest.ByName(suiteName)
	if err != nil {
		return err
	}
	secret := suite.Hash([]byte("treeviz secret"))
	leaf := hashtree.LeafGen(suite, secret)
	node := hashtree.NodeGen(suite)

	data := make([][]byte, n)
	for i := range data {
		data[i] = []byte(fmt.Sprintf("payload %d", i))
	}
	tree, err := hashtree.Build(data, leaf, node)
	if err != nil {
		return err
	}
	printTree(w, tree)

	var contents []merkletree.Content
	for _, d := range data {
		contents = append(contents, block{leaf: leaf, data: d})
	}
	ref, err := merkletree.NewTreeWithHashStrategy(contents, suite.New)
	if err != nil {
		return err
	}
	match := "ok"
	if !bytes.Equal(ref.MerkleRoot(), tree.Root()) {
		match = "MISMATCH"
	}
	fmt.Fprintf(w, "\nreference root (%s): %s %s\n", suite.Name(), short(ref.MerkleRoot()), match)

	sched, err := cachetree.NewSchedule(n, mode)
	if err != nil {
		return err
	}
	printSchedule(w, sched)
	return replay(w, sched, tree, data, leaf, node, reverse)
}

func printTree(w io.Writer, t *hashtree.Tree) {
	fmt.Fprintf(w, "Merkle tree: %d leaves, depth %d\n", t.Leaves(), t.Depth())
	for l := t.Depth(); l >= 0; l-- {
		width := t.Leaves() >> l
		cells := make([]string, width)
		for o := 0; o < width; o++ {
			cells[o] = short(t.Node(l, o))
		}
		fmt.Fprintf(w, "L%-2d %s\n", l, strings.Join(cells, " "))
	}
}

func printSchedule(w io.Writer, s *cachetree.Schedule) {
	fmt.Fprintf(w, "\nCarry plan (mode %d), overflow %d\n", s.Mode(), s.Overflow())
	fmt.Fprintf(w, "S1 top: %s\n", refs(s.TopRefs()))
	for k := 0; k < s.Leaves(); k++ {
		fmt.Fprintf(w, "  S2[%3d] carries %s\n", k, refs(s.Carried(k)))
	}
}

func refs(rs []cachetree.Ref) string {
	if len(rs) == 0 {
		return "-"
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = fmt.Sprintf("(%d,%d)", r.Level, r.Index)
	}
	return strings.Join(parts, " ")
}

func replay(w io.Writer, s *cachetree.Schedule, t *hashtree.Tree, data [][]byte, leaf hashtree.LeafFunc, node hashtree.NodeFunc, reverse bool) error {
	v, err := cachetree.NewVerifier(s, t.Root(), s.TopNodes(t), len(data), node, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nReceiver replay")
	order := make([]int, len(data))
	for i := range order {
		order[i] = i
		if reverse {
			order[i] = len(data) - 1 - i
		}
	}
	for _, k := range order {
		st, err := v.Verify(k, data[k], s.SenderNodes(t, k), leaf)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  S2[%3d] %s\n", k, st)
	}
	fmt.Fprintf(w, "verified %d/%d\n", v.Verified(), len(data))
	return nil
}
