package transport

import (
	"context"
	"fmt"
	"sync"
)

// Switch delivers frames between listened addresses in memory.
type Switch struct {
	mu    sync.RWMutex
	inbox map[Addr]chan envelope
}

func NewSwitch() *Switch {
	return &Switch{inbox: make(map[Addr]chan envelope)}
}

// MemEndpoint is one address on a Switch.
type MemEndpoint struct {
	sw     *Switch
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once
}

func (s *Switch) Listen(addr Addr) (*MemEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inbox[addr]; exists {
		return nil, fmt.Errorf("transport: address already in use: %s", addr)
	}
	ch := make(chan envelope, 512)
	s.inbox[addr] = ch
	return &MemEndpoint{sw: s, addr: addr, in: ch, closed: make(chan struct{})}, nil
}

func (e *MemEndpoint) Addr() Addr { return e.addr }

func (e *MemEndpoint) Close() {
	e.once.Do(func() {
		close(e.closed)
		e.sw.mu.Lock()
		delete(e.sw.inbox, e.addr)
		e.sw.mu.Unlock()
	})
}

// RecvFrom blocks until a frame arrives or ctx/endpoint is closed.
func (e *MemEndpoint) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	return recvFrom(ctx, e.closed, e.in)
}

// Send never blocks: a full inbox drops the frame with ErrInboxFull, the
// way a congested datagram path would.
func (e *MemEndpoint) Send(to Addr, frame []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.sw.mu.RLock()
	dst, ok := e.sw.inbox[to]
	e.sw.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddr, to)
	}
	select {
	case dst <- envelope{from: e.addr, data: frame}:
		return nil
	default:
		return ErrInboxFull
	}
}
