package digest

import (
	"crypto/hmac"
	"crypto/sha1"
	"testing"
)

func TestSuitesProduceFixedSize(t *testing.T) {
	for _, s := range []Suite{SHA1, BLAKE3, BLAKE2b, {}} {
		if got := len(s.Hash([]byte("a"), []byte("b"))); got != Size {
			t.Fatalf("%s: hash len=%d", s.Name(), got)
		}
		if got := len(s.HMAC([]byte("a"), []byte("k"))); got != Size {
			t.Fatalf("%s: hmac len=%d", s.Name(), got)
		}
	}
}

func TestHashConcatenates(t *testing.T) {
	for _, s := range []Suite{SHA1, BLAKE3, BLAKE2b} {
		if !Equal(s.Hash([]byte("ab"), []byte("c")), s.Hash([]byte("a"), []byte("bc"))) {
			t.Fatalf("%s: split parts changed digest", s.Name())
		}
	}
}

func TestHMACMatchesStdlib(t *testing.T) {
	m := hmac.New(sha1.New, []byte("key"))
	m.Write([]byte("payload"))
	want := m.Sum(nil)
	if got := SHA1.HMAC([]byte("payload"), []byte("key")); !Equal(got, want) {
		t.Fatalf("hmac mismatch: got=%x want=%x", got, want)
	}
}

func TestByName(t *testing.T) {
	for _, n := range []string{"sha1", "blake3", "blake2b"} {
		s, err := ByName(n)
		if err != nil || s.Name() != n {
			t.Fatalf("ByName(%q)=%v,%v", n, s.Name(), err)
		}
	}
	if _, err := ByName("md5"); err == nil {
		t.Fatalf("expected error for unknown suite")
	}
	if Equal(SHA1.Hash([]byte("x")), BLAKE3.Hash([]byte("x"))) {
		t.Fatalf("suites should differ")
	}
}
