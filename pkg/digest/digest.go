// Package digest wraps the plain and keyed hash functions used by the
// authentication engine. Every suite produces Size-byte digests so chain
// elements, presignatures and tree nodes share one fixed width on the wire.
package digest

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"lukechampine.com/blake3"
)

// Size is the digest length in bytes.
const Size = 20

// Suite is a named hash constructor. The zero value is SHA1.
type Suite struct {
	name string
	ctor func() hash.Hash
}

var (
	SHA1    = Suite{name: "sha1", ctor: sha1.New}
	BLAKE3  = Suite{name: "blake3", ctor: func() hash.Hash { return blake3.New(Size, nil) }}
	BLAKE2b = Suite{name: "blake2b", ctor: newBlake2b}
)

func newBlake2b() hash.Hash {
	h, err := blake2b.New(Size, nil)
	if err != nil {
		// only fails for sizes outside 1..64 or oversized keys
		panic(err)
	}
	return h
}

// ByName returns the suite registered under name.
func ByName(name string) (Suite, error) {
	switch name {
	case "", "sha1":
		return SHA1, nil
	case "blake3":
		return BLAKE3, nil
	case "blake2b":
		return BLAKE2b, nil
	}
	return Suite{}, fmt.Errorf("digest: unknown suite %q", name)
}

func (s Suite) Name() string {
	if s.ctor == nil {
		return SHA1.name
	}
	return s.name
}

func (s Suite) Size() int { return Size }

func (s Suite) newHash() hash.Hash {
	if s.ctor == nil {
		return sha1.New()
	}
	return s.ctor()
}

// New returns a fresh hash.Hash for the suite.
func (s Suite) New() hash.Hash { return s.newHash() }

// Hash digests the concatenation of parts.
func (s Suite) Hash(parts ...[]byte) []byte {
	h := s.newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HMAC computes the keyed digest of data.
func (s Suite) HMAC(data, key []byte) []byte {
	m := hmac.New(s.newHash, key)
	m.Write(data)
	return m.Sum(nil)
}

// Equal compares two digests in constant time.
func Equal(a, b []byte) bool { return hmac.Equal(a, b) }
