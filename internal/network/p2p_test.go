package network

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("abc")))
	require.NoError(t, writeFrame(&buf, nil))
	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
	got, err = readFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestP2PExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	a, err := Listen("/ip4/127.0.0.1/tcp/0", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen("/ip4/127.0.0.1/tcp/0", nil)
	require.NoError(t, err)
	defer b.Close()

	require.NotEmpty(t, b.FullAddrs())
	to, err := a.AddPeer(b.FullAddrs()[0])
	require.NoError(t, err)
	require.Equal(t, b.Addr(), to)

	require.NoError(t, a.Send(to, []byte("over libp2p")))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	from, got, ok := b.RecvFrom(ctx)
	require.True(t, ok)
	require.Equal(t, a.Addr(), from)
	require.Equal(t, []byte("over libp2p"), got)
}
