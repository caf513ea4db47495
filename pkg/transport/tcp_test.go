package transport

import (
	"context"
	"testing"
	"time"
)

func TestTCPRepliesReuseListenAddress(t *testing.T) {
	a, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.Send(b.Addr(), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	from, got, ok := b.RecvFrom(ctx)
	if !ok || string(got) != "hello" {
		t.Fatalf("recv mismatch: ok=%v got=%q", ok, got)
	}
	if from != a.Addr() {
		t.Fatalf("from = %s, want listen address %s", from, a.Addr())
	}

	if err := b.Send(from, []byte("back")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	from, got, ok = a.RecvFrom(ctx)
	if !ok || string(got) != "back" || from != b.Addr() {
		t.Fatalf("reply mismatch: ok=%v from=%s got=%q", ok, from, got)
	}
}

func TestTCPPrunesIdleConnections(t *testing.T) {
	a, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.Send(b.Addr(), []byte{0x1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := a.prune(time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("pruned %d fresh connections", n)
	}
	if n := a.prune(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("pruned %d connections, want 1", n)
	}
	a.mu.Lock()
	left := len(a.conns)
	a.mu.Unlock()
	if left != 0 {
		t.Fatalf("expected connections to be pruned, still have %d", left)
	}
}
