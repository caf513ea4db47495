// Package ringbuf is a fixed-capacity circular store of equally sized byte
// blocks. Inserting never fails: once full, the oldest unread block is
// overwritten and the read cursor moves past it.
package ringbuf

import "bytes"

// Hasher is the subset of digest.Suite needed for tolerant searches.
type Hasher interface {
	Hash(parts ...[]byte) []byte
}

type Ring struct {
	dataLen int
	slots   [][]byte
	read    int
	count   int
}

func New(numData, dataLen int) *Ring {
	if numData < 1 {
		numData = 1
	}
	slots := make([][]byte, numData)
	for i := range slots {
		slots[i] = make([]byte, dataLen)
	}
	return &Ring{dataLen: dataLen, slots: slots}
}

func (r *Ring) Len() int { return r.count }
func (r *Ring) Cap() int { return len(r.slots) }

func (r *Ring) at(i int) int { return (r.read + i) % len(r.slots) }

// Insert copies b into the next free slot, truncating or zero padding it to
// the block size.
func (r *Ring) Insert(b []byte) {
	var w int
	if r.count == len(r.slots) {
		w = r.read
		r.read = (r.read + 1) % len(r.slots)
	} else {
		w = r.at(r.count)
		r.count++
	}
	clear(r.slots[w])
	copy(r.slots[w], b)
}

// ConstRead returns the block at the read cursor without consuming it.
func (r *Ring) ConstRead() ([]byte, bool) {
	if r.count == 0 {
		return nil, false
	}
	return r.slots[r.read], true
}

// Read consumes the block at the read cursor.
func (r *Ring) Read() ([]byte, bool) {
	if r.count == 0 {
		return nil, false
	}
	out := append([]byte(nil), r.slots[r.read]...)
	r.read = (r.read + 1) % len(r.slots)
	r.count--
	return out, true
}

func (r *Ring) index(b []byte) int {
	for i := 0; i < r.count; i++ {
		if bytes.Equal(r.slots[r.at(i)], b) {
			return i
		}
	}
	return -1
}

func (r *Ring) Find(b []byte) bool { return r.index(b) >= 0 }

// FindAndMove drops every block older than b and leaves the read cursor on
// it.
func (r *Ring) FindAndMove(b []byte) bool {
	i := r.index(b)
	if i < 0 {
		return false
	}
	r.read = r.at(i)
	r.count -= i
	return true
}

// FindAndMoveHashed looks for H(b), then H(H(b)), up to depth hashes, and
// moves the read cursor onto the first match.
func (r *Ring) FindAndMoveHashed(h Hasher, b []byte, depth int) bool {
	cur := b
	for k := 0; k < depth; k++ {
		cur = h.Hash(cur)
		if r.FindAndMove(cur) {
			return true
		}
	}
	return false
}

// Remove deletes b, filling its slot with the newest block.
func (r *Ring) Remove(b []byte) bool {
	i := r.index(b)
	if i < 0 {
		return false
	}
	last := r.at(r.count - 1)
	if pos := r.at(i); pos != last {
		copy(r.slots[pos], r.slots[last])
	}
	r.count--
	return true
}

// Each visits blocks from the read cursor to the newest until fn returns
// false.
func (r *Ring) Each(fn func([]byte) bool) {
	for i := 0; i < r.count; i++ {
		if !fn(r.slots[r.at(i)]) {
			return
		}
	}
}

// CopyFrom replaces the contents of r with the unread blocks of o, keeping
// the newest ones if o holds more than r can.
func (r *Ring) CopyFrom(o *Ring) {
	r.Reset()
	o.Each(func(b []byte) bool {
		r.Insert(b)
		return true
	})
}

func (r *Ring) Reset() {
	r.read, r.count = 0, 0
}
