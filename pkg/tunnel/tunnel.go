// Package tunnel drives a peer.Registry from a transport endpoint. One
// goroutine owns the registry: it reacts to inbound frames, payload
// submissions and timer expiry, and after each of them lets the registry
// start whatever rounds have become possible.
package tunnel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/clock"
	"github.com/juanpablocruz/alpha/pkg/metrics"
	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/peerid"
	"github.com/juanpablocruz/alpha/pkg/transport"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

var (
	ErrNotRunning     = errors.New("tunnel: not running")
	ErrAlreadyRunning = errors.New("tunnel: already running")
	ErrEndpointClosed = errors.New("tunnel: endpoint closed")
)

const DefaultFlushEvery = 250 * time.Millisecond

// Delivery is an authenticated payload from a peer.
type Delivery struct {
	Peer    string
	Payload []byte
}

type Tunnel struct {
	Name   string
	ID     peerid.InstanceID
	EP     transport.EndpointIF
	Events chan Event

	cfg        peer.Config
	key        ed25519.PrivateKey
	specs      []peer.Spec
	clk        clock.Clock
	log        *slog.Logger
	deliver    func(Delivery)
	metrics    *metrics.Collector
	flushEvery time.Duration

	reg        *peer.Registry
	addrs      map[peer.ClientID]transport.Addr
	names      map[peer.ClientID]string
	initiators []peer.ClientID

	calls   chan call
	done    chan struct{}
	running atomic.Bool
}

type call struct {
	fn  func(*peer.Registry) error
	err chan error
}

type inbound struct {
	from transport.Addr
	data []byte
}

// sender adapts the endpoint to the registry's client ids.
type sender struct{ t *Tunnel }

func (s sender) Send(id peer.ClientID, frame []byte) error {
	t := s.t
	addr, ok := t.addrs[id]
	if !ok {
		return fmt.Errorf("%w: client %d", transport.ErrUnknownAddr, id)
	}
	if err := t.EP.Send(addr, frame); err != nil {
		if t.metrics != nil {
			t.metrics.SendError()
		}
		return err
	}
	if t.metrics != nil && len(frame) > 0 {
		t.metrics.FrameOut(wire.Type(frame[0]).String(), len(frame))
	}
	return nil
}

// New builds a tunnel. WithEndpoint and a signing key are required.
func New(name string, opts ...Option) (*Tunnel, error) {
	t := &Tunnel{
		Name:       name,
		ID:         peerid.New(),
		clk:        clock.System,
		log:        slog.Default(),
		deliver:    func(Delivery) {},
		flushEvery: DefaultFlushEvery,
		addrs:      map[peer.ClientID]transport.Addr{},
		names:      map[peer.ClientID]string{},
		calls:      make(chan call),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.EP == nil {
		return nil, fmt.Errorf("tunnel %s: no endpoint", name)
	}
	if t.key != nil {
		t.cfg.Key = t.key
	}
	t.log = t.log.With("tunnel", name)
	reg, err := peer.NewRegistry(t.cfg, sender{t},
		peer.WithClock(t.clk),
		peer.WithLogger(t.log),
		peer.WithDeliverer(t.onDeliver),
		peer.WithEvents(t.onEvent),
	)
	if err != nil {
		return nil, fmt.Errorf("tunnel %s: %w", name, err)
	}
	t.reg = reg
	for _, s := range t.specs {
		id, err := reg.AddPeer(s)
		if err != nil {
			return nil, fmt.Errorf("tunnel %s: %w", name, err)
		}
		t.addrs[id] = transport.Addr(s.Addr)
		t.names[id] = s.Name
		if s.Initiate {
			t.initiators = append(t.initiators, id)
		}
	}
	return t, nil
}

// AttachEvents replaces the event channel. Call it before Run.
func (t *Tunnel) AttachEvents(ch chan Event) { t.Events = ch }

// PublicKey is the key peers need to verify this tunnel's handshake.
func (t *Tunnel) PublicKey() ed25519.PublicKey {
	return t.cfg.Key.Public().(ed25519.PublicKey)
}

// Run owns the registry until ctx is cancelled. It returns nil on
// cancellation and ErrEndpointClosed when the transport goes away.
func (t *Tunnel) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(t.done)

	frames := make(chan inbound, 256)
	go t.recvLoop(ctx, frames)

	t.emit("", EventStart, map[string]any{"instance": t.ID.String(), "peers": len(t.names)})
	defer t.emit("", EventStop, nil)
	for _, id := range t.initiators {
		if err := t.reg.Connect(id); err != nil {
			t.log.Warn("connect_err", "peer", t.names[id], "err", err)
		}
	}

	flush := t.clk.NewTimer(t.flushEvery)
	defer func() { flush.Stop() }()
	var deadline clock.Timer
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	for {
		if deadline != nil {
			deadline.Stop()
			deadline = nil
		}
		var deadlineC <-chan time.Time
		if next := t.reg.NextDeadline(); !next.IsZero() {
			deadline = t.clk.NewTimer(max(next.Sub(t.clk.Now()), 0))
			deadlineC = deadline.C()
		}

		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrEndpointClosed
			}
			t.onFrame(in)
		case c := <-t.calls:
			c.err <- c.fn(t.reg)
			t.distributeAll()
		case <-deadlineC:
			for _, id := range t.reg.Peers() {
				if err := t.reg.HandleTimeouts(id); err != nil {
					t.log.Debug("timeout_err", "peer", t.names[id], "err", err)
				}
			}
			t.distributeAll()
		case <-flush.C():
			t.distributeAll()
			t.publishGauges()
			flush = t.clk.NewTimer(t.flushEvery)
		}
	}
}

func (t *Tunnel) recvLoop(ctx context.Context, out chan<- inbound) {
	defer close(out)
	for {
		from, b, ok := t.EP.RecvFrom(ctx)
		if !ok {
			return
		}
		select {
		case out <- inbound{from: from, data: b}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tunnel) onFrame(in inbound) {
	id, ok := t.reg.Lookup(string(in.from))
	if !ok {
		t.log.Debug("unknown_sender", "from", in.from)
		t.emit("", EventWarn, map[string]any{"reason": "unknown_sender", "from": string(in.from)})
		return
	}
	if t.metrics != nil && len(in.data) > 0 {
		t.metrics.FrameIn(wire.Type(in.data[0]).String(), len(in.data))
	}
	if err := t.reg.ProcessIncoming(id, in.data); err != nil {
		if errors.Is(err, peer.ErrInvalidState) {
			t.log.Debug("drop_invalid_state", "peer", t.names[id], "err", err)
		} else {
			t.log.Debug("process_err", "peer", t.names[id], "err", err)
		}
	}
	if err := t.reg.DistributeQueuedPackets(id); err != nil {
		t.log.Debug("distribute_err", "peer", t.names[id], "err", err)
	}
}

func (t *Tunnel) distributeAll() {
	for _, id := range t.reg.Peers() {
		if err := t.reg.DistributeQueuedPackets(id); err != nil {
			t.log.Debug("distribute_err", "peer", t.names[id], "err", err)
		}
	}
}

func (t *Tunnel) publishGauges() {
	if t.metrics == nil {
		return
	}
	for _, in := range t.reg.Snapshot() {
		var out, inc int
		for _, a := range in.Assocs {
			switch a.Dir {
			case association.Outgoing.String():
				out++
			case association.Incoming.String():
				inc++
			}
		}
		t.metrics.SetPeer(in.Name, in.Queue, out, inc)
	}
}

// do runs fn on the event loop. It waits for Run to start.
func (t *Tunnel) do(ctx context.Context, fn func(*peer.Registry) error) error {
	c := call{fn: fn, err: make(chan error, 1)}
	select {
	case t.calls <- c:
	case <-t.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.err:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tunnel) lookup(r *peer.Registry, name string) (peer.ClientID, error) {
	id, ok := r.ByName(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", peer.ErrUnknownPeer, name)
	}
	return id, nil
}

// Send queues a payload for the named peer.
func (t *Tunnel) Send(ctx context.Context, peerName string, payload []byte) error {
	p := append([]byte(nil), payload...)
	return t.do(ctx, func(r *peer.Registry) error {
		id, err := t.lookup(r, peerName)
		if err != nil {
			return err
		}
		return r.Enqueue(id, p)
	})
}

// Snapshot describes every peer as seen by the event loop.
func (t *Tunnel) Snapshot(ctx context.Context) ([]peer.Info, error) {
	var out []peer.Info
	err := t.do(ctx, func(r *peer.Registry) error {
		out = r.Snapshot()
		return nil
	})
	return out, err
}

// Ready reports whether the named peer has an idle data association.
func (t *Tunnel) Ready(ctx context.Context, peerName string) (bool, error) {
	var ok bool
	err := t.do(ctx, func(r *peer.Registry) error {
		id, err := t.lookup(r, peerName)
		if err != nil {
			return err
		}
		ok = r.Ready(id)
		return nil
	})
	return ok, err
}

// Kill tears down outgoing associations of the named peer; replacements
// are requested with the same modes.
func (t *Tunnel) Kill(ctx context.Context, peerName string, ids []uint8) error {
	return t.do(ctx, func(r *peer.Registry) error {
		id, err := t.lookup(r, peerName)
		if err != nil {
			return err
		}
		return r.KillAssociations(id, ids)
	})
}

func (t *Tunnel) onDeliver(id peer.ClientID, payload []byte) {
	t.deliver(Delivery{Peer: t.names[id], Payload: payload})
}

func (t *Tunnel) onEvent(e peer.Event) {
	t.emit(e.Name, EventType(e.Type), e.Fields)
}

func (t *Tunnel) emit(peerName string, typ EventType, f map[string]any) {
	if t.metrics != nil {
		t.metrics.Event(string(typ), f)
	}
	if t.Events == nil {
		return
	}
	select {
	case t.Events <- Event{Time: t.clk.Now(), Tunnel: t.Name, Instance: t.ID.Short(), Peer: peerName, Type: typ, Fields: f}:
	default:
	}
}
