package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// MaxDatagram bounds what UDPEndpoint writes. Protocol frames stay below
// the 1432 byte packet limit; application ports may carry more.
const MaxDatagram = 64 * 1024

type UDPEndpoint struct {
	c      *net.UDPConn
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once
}

func ListenUDP(addr string) (*UDPEndpoint, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	ep := &UDPEndpoint{
		c:      c,
		addr:   Addr(c.LocalAddr().String()),
		in:     make(chan envelope, 1024),
		closed: make(chan struct{}),
	}
	go ep.readLoop()
	return ep, nil
}

func (e *UDPEndpoint) Addr() Addr { return e.addr }

func (e *UDPEndpoint) Close() {
	e.once.Do(func() {
		close(e.closed)
		_ = e.c.Close()
	})
}

func (e *UDPEndpoint) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	return recvFrom(ctx, e.closed, e.in)
}

// Send writes one datagram (no extra framing).
func (e *UDPEndpoint) Send(to Addr, frame []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	if len(frame) > MaxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	ra, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return err
	}
	_, err = e.c.WriteToUDP(frame, ra)
	return err
}

func (e *UDPEndpoint) readLoop() {
	buf := make([]byte, MaxDatagram)
	for {
		n, raddr, err := e.c.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		select {
		case e.in <- envelope{from: Addr(raddr.String()), data: b}:
		case <-e.closed:
			return
		default:
			// receiver is behind; drop like a full socket buffer
		}
	}
}
