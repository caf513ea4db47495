// Package peer keeps the per-peer host state: the handshake, the control
// association, the tables of data associations and the host payload queue.
//
// A Registry is not safe for concurrent use. The tunnel event loop owns it
// and calls ProcessIncoming, DistributeQueuedPackets and HandleTimeouts
// sequentially.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/clock"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

// Sender transmits a frame to a peer.
type Sender interface {
	Send(id ClientID, frame []byte) error
}

// Deliverer receives authenticated application payloads.
type Deliverer func(id ClientID, payload []byte)

// Event reports protocol progress to observers.
type Event struct {
	Peer   ClientID
	Name   string
	Type   string
	Fields map[string]any
}

const (
	DefaultHandshakeTimeout = time.Second
	DefaultPacketTimeout    = 50 * time.Millisecond
	DefaultMaxHostQueue     = 4096
	// TimeslotSize bounds the validity of a connect address hash.
	TimeslotSize = 10 * time.Second
)

type Config struct {
	Params association.Params
	// Counts is the number of outgoing associations per mode requested
	// once the handshake completes.
	Counts           map[wire.Mode]int
	HandshakeTimeout time.Duration
	PacketTimeout    time.Duration
	MaxHostQueue     int
	// Secret keys the stateless connect address hash.
	Secret []byte
	Key    ed25519.PrivateKey
}

type Registry struct {
	cfg     Config
	clk     clock.Clock
	out     Sender
	deliver Deliverer
	onEvent func(Event)
	log     *slog.Logger

	peers  map[ClientID]*Peer
	byAddr map[string]ClientID
	nextID ClientID
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option   { return func(r *Registry) { r.clk = c } }
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }
func WithDeliverer(d Deliverer) Option { return func(r *Registry) { r.deliver = d } }
func WithEvents(fn func(Event)) Option { return func(r *Registry) { r.onEvent = fn } }

func NewRegistry(cfg Config, out Sender, opts ...Option) (*Registry, error) {
	if out == nil {
		return nil, fmt.Errorf("peer: nil sender")
	}
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("peer: signing key has %d bytes", len(cfg.Key))
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PacketTimeout <= 0 {
		cfg.PacketTimeout = DefaultPacketTimeout
	}
	if cfg.MaxHostQueue == 0 {
		cfg.MaxHostQueue = DefaultMaxHostQueue
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, 32)
		if _, err := rand.Read(cfg.Secret); err != nil {
			return nil, fmt.Errorf("peer: connect secret: %w", err)
		}
	}
	r := &Registry{
		cfg:     cfg,
		clk:     clock.System,
		out:     out,
		deliver: func(ClientID, []byte) {},
		log:     slog.Default(),
		peers:   map[ClientID]*Peer{},
		byAddr:  map[string]ClientID{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// AddPeer registers a remote endpoint.
func (r *Registry) AddPeer(s Spec) (ClientID, error) {
	if _, dup := r.byAddr[s.Addr]; dup {
		return 0, fmt.Errorf("peer: address %s already registered", s.Addr)
	}
	if s.Initiate && len(s.PublicKey) != ed25519.PublicKeySize {
		return 0, fmt.Errorf("peer: %s: initiator needs the peer public key", s.Name)
	}
	r.nextID++
	id := r.nextID
	r.peers[id] = newPeer(id, s)
	r.byAddr[s.Addr] = id
	return id, nil
}

// Lookup maps a transport address to a peer.
func (r *Registry) Lookup(addr string) (ClientID, bool) {
	id, ok := r.byAddr[addr]
	return id, ok
}

func (r *Registry) Peers() []ClientID {
	ids := make([]ClientID, 0, len(r.peers))
	for id := ClientID(1); id <= r.nextID; id++ {
		if _, ok := r.peers[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) ByName(name string) (ClientID, bool) {
	for id, p := range r.peers {
		if p.Name == name {
			return id, true
		}
	}
	return 0, false
}

func (r *Registry) peer(id ClientID) (*Peer, error) {
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	return p, nil
}

// Enqueue appends an application payload to the host queue of a peer.
func (r *Registry) Enqueue(id ClientID, payload []byte) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	if r.cfg.MaxHostQueue > 0 && len(p.queue) >= r.cfg.MaxHostQueue {
		return fmt.Errorf("%w: %s has %d queued", ErrQueueFull, p.Name, len(p.queue))
	}
	if len(p.queue) == 0 {
		p.queuedAt = r.clk.Now()
	}
	p.queue = append(p.queue, payload)
	return nil
}

// Ready reports whether an idle data association can take payloads.
func (r *Registry) Ready(id ClientID) bool {
	p, ok := r.peers[id]
	if !ok || p.hs != association.HandshakeReady {
		return false
	}
	for _, aid := range p.ready {
		if a := p.out[aid]; a != nil && a.Idle() {
			return true
		}
	}
	return false
}

// NextDeadline is the earliest time any peer needs HandleTimeouts or a
// queue flush. Zero means nothing is pending.
func (r *Registry) NextDeadline() time.Time {
	now := r.clk.Now()
	var best time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (best.IsZero() || t.Before(best)) {
			best = t
		}
	}
	for _, p := range r.peers {
		switch p.hs {
		case association.SentConnectWaitReturn, association.SentSynWaitAck, association.SentAckWaitAckAck:
			consider(p.hsDeadline)
		case association.HandshakeReady:
			for _, c := range p.controls() {
				consider(c.Deadline())
			}
			for _, a := range p.out {
				consider(a.Deadline())
			}
			for aid, exp := range p.bootstrap {
				if a := p.out[aid]; a != nil && a.Sending() == association.SendNew {
					consider(exp)
				}
			}
			if p.next != nil {
				consider(p.nextExpiry)
			}
			if len(p.orphans) > 0 {
				consider(p.orphanAfter)
			}
			if len(p.queue) > 0 {
				if flush := p.queuedAt.Add(r.cfg.PacketTimeout); flush.After(now) {
					consider(flush)
				}
			}
		}
	}
	return best
}

// Snapshot describes every peer.
func (r *Registry) Snapshot() []Info {
	var out []Info
	for _, id := range r.Peers() {
		out = append(out, r.peers[id].info())
	}
	return out
}

func (r *Registry) emit(p *Peer, typ string, f map[string]any) {
	if r.onEvent == nil {
		return
	}
	r.onEvent(Event{Peer: p.ID, Name: p.Name, Type: typ, Fields: f})
}

func (r *Registry) send(p *Peer, frames ...[]byte) error {
	for _, f := range frames {
		if err := r.out.Send(p.ID, f); err != nil {
			return fmt.Errorf("%w: %v", ErrSocket, err)
		}
	}
	return nil
}

func (r *Registry) params() association.Params { return r.cfg.Params }

func (r *Registry) maxRetries() int {
	if n := r.cfg.Params.MaxS1Retries; n > 0 {
		return n
	}
	return association.DefaultMaxRetries
}

func (r *Registry) handshakeTimeout() time.Duration {
	t := r.cfg.HandshakeTimeout
	return t + mrand.N(t)
}
