// Package transport moves opaque frames between addressed endpoints. The
// tunnel runs over UDP in production; the in-memory switch and the chaos
// wrapper drive simulations and tests.
package transport

import (
	"context"
	"errors"
)

// Addr is a transport address: host:port for sockets, a name for the
// in-memory switch, a peer id for libp2p.
type Addr string

var (
	ErrClosed        = errors.New("transport: endpoint closed")
	ErrUnknownAddr   = errors.New("transport: unknown destination")
	ErrInboxFull     = errors.New("transport: destination inbox full")
	ErrLinkDown      = errors.New("transport: link down")
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// EndpointIF is the surface the tunnel needs from a transport.
type EndpointIF interface {
	Addr() Addr
	RecvFrom(ctx context.Context) (Addr, []byte, bool)
	Send(to Addr, frame []byte) error
	Close()
}

type envelope struct {
	from Addr
	data []byte
}

// recvFrom is the shared select every channel backed endpoint uses.
func recvFrom(ctx context.Context, closed <-chan struct{}, in <-chan envelope) (Addr, []byte, bool) {
	select {
	case <-closed:
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env, ok := <-in:
		if !ok {
			return "", nil, false
		}
		return env.from, env.data, true
	}
}
