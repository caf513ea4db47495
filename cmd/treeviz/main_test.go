package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/juanpablocruz/alpha/pkg/cachetree"
)

func TestRunInOrder(t *testing.T) {
	var buf bytes.Buffer
	for _, suite := range []string{"sha1", "blake3", "blake2b"} {
		buf.Reset()
		if err := run(&buf, 8, cachetree.TwoNodes, suite, false); err != nil {
			t.Fatalf("%s: %v", suite, err)
		}
		out := buf.String()
		if !strings.Contains(out, "verified 8/8") {
			t.Fatalf("%s: replay incomplete:\n%s", suite, out)
		}
		if strings.Contains(out, "MISMATCH") {
			t.Fatalf("%s: reference root differs:\n%s", suite, out)
		}
	}
}

func TestRunRejectsBadLeafCount(t *testing.T) {
	var buf bytes.Buffer
	if err := run(&buf, 6, cachetree.OneNode, "sha1", false); err == nil {
		t.Fatalf("expected an error for 6 leaves")
	}
}
