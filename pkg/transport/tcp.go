package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPEndpoint carries frames over length-prefixed TCP streams. The first
// frame on a dialed connection names the dialer's listen address so both
// directions share one address per peer.
type TCPEndpoint struct {
	ln     net.Listener
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conns map[Addr]*tcpPeer
}

type tcpPeer struct {
	addr Addr
	c    net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex

	mu          sync.Mutex
	lastActUnix int64
}

func (p *tcpPeer) touch() {
	p.mu.Lock()
	p.lastActUnix = time.Now().Unix()
	p.mu.Unlock()
}

func ListenTCP(addr string) (*TCPEndpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ep := &TCPEndpoint{
		ln:     ln,
		addr:   Addr(ln.Addr().String()),
		in:     make(chan envelope, 256),
		closed: make(chan struct{}),
		conns:  make(map[Addr]*tcpPeer),
	}
	go ep.acceptLoop()
	go ep.pruneLoop(2 * time.Minute)
	return ep, nil
}

func (e *TCPEndpoint) Addr() Addr { return e.addr }

func (e *TCPEndpoint) Close() {
	e.once.Do(func() {
		close(e.closed)
		_ = e.ln.Close()
		e.mu.Lock()
		for _, p := range e.conns {
			_ = p.c.Close()
		}
		e.conns = map[Addr]*tcpPeer{}
		e.mu.Unlock()
	})
}

func (e *TCPEndpoint) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	return recvFrom(ctx, e.closed, e.in)
}

func (e *TCPEndpoint) Send(to Addr, frame []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	p, err := e.getOrDial(to)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	_ = p.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = writeFrame(p.c, frame)
	_ = p.c.SetWriteDeadline(time.Time{})
	p.wmu.Unlock()
	if err != nil {
		// the next Send re-dials
		e.drop(to, p)
		return err
	}
	p.touch()
	return nil
}

func (e *TCPEndpoint) drop(addr Addr, p *tcpPeer) {
	e.mu.Lock()
	if cur, ok := e.conns[addr]; ok && cur == p {
		delete(e.conns, addr)
	}
	e.mu.Unlock()
	_ = p.c.Close()
}

func (e *TCPEndpoint) getOrDial(to Addr) (*tcpPeer, error) {
	e.mu.Lock()
	if p, ok := e.conns[to]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	d, err := net.DialTimeout("tcp", string(to), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", to, err)
	}
	if err := writeFrame(d, []byte(e.addr)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("transport: hello %s: %w", to, err)
	}
	p := &tcpPeer{addr: to, c: d, r: bufio.NewReader(d)}
	p.touch()

	e.mu.Lock()
	if existing, ok := e.conns[to]; ok {
		e.mu.Unlock()
		_ = d.Close()
		return existing, nil
	}
	e.conns[to] = p
	e.mu.Unlock()

	go e.readLoop(p)
	return p, nil
}

func (e *TCPEndpoint) acceptLoop() {
	for {
		c, err := e.ln.Accept()
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		go e.handleConn(c)
	}
}

func (e *TCPEndpoint) handleConn(c net.Conn) {
	r := bufio.NewReader(c)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	hello, err := readFrame(r)
	_ = c.SetReadDeadline(time.Time{})
	if err != nil || len(hello) == 0 {
		_ = c.Close()
		return
	}
	p := &tcpPeer{addr: Addr(hello), c: c, r: r}
	p.touch()

	e.mu.Lock()
	e.conns[p.addr] = p
	e.mu.Unlock()
	e.readLoop(p)
}

func (e *TCPEndpoint) readLoop(p *tcpPeer) {
	defer e.drop(p.addr, p)
	for {
		b, err := readFrame(p.r)
		if err != nil {
			return
		}
		p.touch()
		select {
		case e.in <- envelope{from: p.addr, data: b}:
		case <-e.closed:
			return
		}
	}
}

func (e *TCPEndpoint) pruneLoop(maxIdle time.Duration) {
	t := time.NewTicker(maxIdle / 2)
	defer t.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-t.C:
			e.prune(time.Now().Add(-maxIdle))
		}
	}
}

// prune closes connections idle since before cut.
func (e *TCPEndpoint) prune(cut time.Time) int {
	n := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, p := range e.conns {
		p.mu.Lock()
		last := p.lastActUnix
		p.mu.Unlock()
		if last != 0 && last < cut.Unix() {
			_ = p.c.Close()
			delete(e.conns, addr)
			n++
		}
	}
	return n
}
