package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/alpha/pkg/config"
	"github.com/juanpablocruz/alpha/pkg/transport"
)

func TestOpenEndpointResolvesUDPPeers(t *testing.T) {
	cfg := &config.Config{
		Transport: config.TransportUDP,
		Listen:    "127.0.0.1:0",
		Peers:     []config.Peer{{Name: "b", Addr: "127.0.0.1:9999"}},
	}
	ep, addrs, err := openEndpoint(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer ep.Close()
	require.Equal(t, []transport.Addr{"127.0.0.1:9999"}, addrs)
}

func TestOpenEndpointUnknownTransport(t *testing.T) {
	cfg := &config.Config{Transport: "carrier-pigeon"}
	_, _, err := openEndpoint(cfg, slog.Default())
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestOpenRoute(t *testing.T) {
	r, err := openRoute(config.Peer{Name: "b", LocalListen: "127.0.0.1:0", LocalForward: "127.0.0.1:7000"})
	require.NoError(t, err)
	defer r.local.Close()
	require.NotNil(t, r.out)
	require.Equal(t, 7000, r.forward.Port)

	r, err = openRoute(config.Peer{Name: "c"})
	require.NoError(t, err)
	require.Nil(t, r.local)
	require.Nil(t, r.out)
}
