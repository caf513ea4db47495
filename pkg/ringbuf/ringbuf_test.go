package ringbuf

import (
	"bytes"
	"testing"

	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/stretchr/testify/require"
)

func blk(i byte) []byte { return bytes.Repeat([]byte{i}, 4) }

func TestInsertThenFind(t *testing.T) {
	r := New(5, 4)
	for i := byte(0); i < 5; i++ {
		r.Insert(blk(i))
	}
	for i := byte(0); i < 5; i++ {
		if !r.Find(blk(i)) {
			t.Fatalf("block %d not found", i)
		}
	}
}

func TestOverwriteOldest(t *testing.T) {
	r := New(5, 4)
	for i := byte(0); i < 6; i++ {
		r.Insert(blk(i))
	}
	if r.Find(blk(0)) {
		t.Fatalf("first block should be overwritten")
	}
	require.Equal(t, 5, r.Len())
	got, ok := r.ConstRead()
	require.True(t, ok)
	require.Equal(t, blk(1), got)
}

func TestFindAndMove(t *testing.T) {
	r := New(6, 4)
	for i := byte(0); i < 5; i++ {
		r.Insert(blk(i))
	}
	require.True(t, r.FindAndMove(blk(3)))
	got, ok := r.Read()
	require.True(t, ok)
	require.Equal(t, blk(3), got)
	require.Equal(t, 1, r.Len())
	require.False(t, r.Find(blk(1)))
	require.False(t, r.FindAndMove(blk(9)))
}

func TestFindAndMoveHashed(t *testing.T) {
	s := digest.SHA1
	r := New(4, digest.Size)
	a := []byte("anchor")
	r.Insert(s.Hash(s.Hash(a)))
	require.False(t, r.FindAndMoveHashed(s, a, 1))
	require.True(t, r.FindAndMoveHashed(s, a, 2))
}

func TestRemoveSwapsNewest(t *testing.T) {
	r := New(4, 4)
	for i := byte(0); i < 4; i++ {
		r.Insert(blk(i))
	}
	require.True(t, r.Remove(blk(1)))
	require.False(t, r.Find(blk(1)))
	var seen [][]byte
	r.Each(func(b []byte) bool {
		seen = append(seen, append([]byte(nil), b...))
		return true
	})
	require.Equal(t, [][]byte{blk(0), blk(3), blk(2)}, seen)
}

func TestCopyFromWrapped(t *testing.T) {
	src := New(3, 4)
	for i := byte(0); i < 5; i++ {
		src.Insert(blk(i))
	}
	dst := New(3, 4)
	dst.CopyFrom(src)
	for i := byte(2); i < 5; i++ {
		require.True(t, dst.Find(blk(i)), "block %d", i)
	}
	require.Equal(t, 3, dst.Len())
}
