package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvWithin(t *testing.T, ep EndpointIF, d time.Duration) (Addr, []byte, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return ep.RecvFrom(ctx)
}

func TestSwitchReportsSender(t *testing.T) {
	sw := NewSwitch()
	a, err := sw.Listen("a")
	require.NoError(t, err)
	b, err := sw.Listen("b")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	connect := []byte{1, 0}
	require.NoError(t, a.Send("b", connect))
	from, got, ok := recvWithin(t, b, time.Second)
	require.True(t, ok)
	require.Equal(t, Addr("a"), from)
	require.Equal(t, connect, got)

	// replies go back to the reported address
	require.NoError(t, b.Send(from, []byte{2, 0}))
	from, _, ok = recvWithin(t, a, time.Second)
	require.True(t, ok)
	require.Equal(t, Addr("b"), from)
}

func TestSwitchErrors(t *testing.T) {
	sw := NewSwitch()
	a, err := sw.Listen("a")
	require.NoError(t, err)
	_, err = sw.Listen("a")
	require.Error(t, err, "second listener on one address")

	require.ErrorIs(t, a.Send("nowhere", []byte{1}), ErrUnknownAddr)

	b, err := sw.Listen("b")
	require.NoError(t, err)
	var full error
	for i := 0; i < 1024 && full == nil; i++ {
		full = a.Send("b", []byte{6, 1})
	}
	if !errors.Is(full, ErrInboxFull) {
		t.Fatalf("expected ErrInboxFull once b's inbox filled, got %v", full)
	}
	b.Close()

	a.Close()
	require.ErrorIs(t, a.Send("b", []byte{1}), ErrClosed)
	if _, _, ok := recvWithin(t, a, 50*time.Millisecond); ok {
		t.Fatalf("closed endpoint still receives")
	}
}
