// Package hashchain implements one-way hash chains used to mint one-time
// MAC keys. Elements are stored seed first: elems[i+1] = H(elems[i]). The
// chain is consumed from the most hashed end towards the seed, so every
// revealed element authenticates the next one by a single hash.
package hashchain

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/juanpablocruz/alpha/pkg/digest"
)

var ErrDepleted = errors.New("hashchain: depleted")

type Chain struct {
	suite digest.Suite
	elems [][]byte
	pos   int
}

// New builds a chain of length elements from a random seed.
func New(s digest.Suite, length int) (*Chain, error) {
	seed := make([]byte, s.Size())
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("hashchain: seed: %w", err)
	}
	return NewFromSeed(s, seed, length)
}

func NewFromSeed(s digest.Suite, seed []byte, length int) (*Chain, error) {
	if length < 2 {
		return nil, fmt.Errorf("hashchain: length %d too short", length)
	}
	elems := make([][]byte, length)
	elems[0] = append([]byte(nil), seed...)
	for i := 1; i < length; i++ {
		elems[i] = s.Hash(elems[i-1])
	}
	return &Chain{suite: s, elems: elems, pos: length - 1}, nil
}

// Current returns the element at the cursor. The slice must not be modified.
func (c *Chain) Current() []byte { return c.elems[c.pos] }

// Next peeks at the element that the following Pop reveals.
func (c *Chain) Next() ([]byte, error) {
	if c.pos <= 0 {
		return nil, ErrDepleted
	}
	return c.elems[c.pos-1], nil
}

func (c *Chain) Pop() error {
	if c.pos <= 0 {
		return ErrDepleted
	}
	c.pos--
	return nil
}

// Remaining is the number of Pops left.
func (c *Chain) Remaining() int { return c.pos }

func (c *Chain) Len() int { return len(c.elems) }

// Element returns the stored element at i (seed at 0).
func (c *Chain) Element(i int) []byte { return c.elems[i] }

// Verify reports whether hashing candidate between 1 and tolerance times
// yields anchor.
func Verify(s digest.Suite, candidate, anchor []byte, tolerance int) bool {
	cur := candidate
	for k := 0; k < tolerance; k++ {
		cur = s.Hash(cur)
		if digest.Equal(cur, anchor) {
			return true
		}
	}
	return false
}
