package peer

import (
	"crypto/ed25519"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/control"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

// ClientID identifies a peer inside a Registry.
type ClientID uint32

var (
	ErrNoMemory           = association.ErrNoMemory
	ErrSocket             = association.ErrSocket
	ErrInvalidMode        = association.ErrInvalidMode
	ErrInvalidState       = association.ErrInvalidState
	ErrUnknownAssociation = association.ErrUnknownAssociation
	ErrInvalidControlType = control.ErrInvalidControlType

	ErrUnknownPeer = errors.New("peer: unknown peer")
	ErrQueueFull   = errors.New("peer: host queue full")
)

// Spec describes a configured remote endpoint.
type Spec struct {
	Name      string
	Addr      string
	PublicKey ed25519.PublicKey
	// Initiate makes this side open the handshake. It also wins
	// concurrent control association swaps.
	Initiate bool
}

// Peer is the host side state for one remote endpoint.
type Peer struct {
	ID ClientID
	Spec

	hs         association.HandshakeState
	hsDeadline time.Time
	hsRetries  int
	challenge  uint32
	addrHash   []byte
	ackFrame   []byte
	ackackSent []byte
	peerSign   []byte

	ctrl        *association.Association
	next        *association.Association
	nextExpiry  time.Time
	dropped     []byte
	retiring    *association.Association
	retireAfter time.Time

	out   map[uint8]*association.Association
	in    map[uint8]*association.Association
	ready []uint8
	// bootstrap holds the answer deadline of announced associations.
	bootstrap map[uint8]time.Time
	// orphans are ids the peer still rounds on; one kill message covers
	// them all once orphanAfter passes.
	orphans     []uint8
	orphanAfter time.Time

	queue    [][]byte
	queuedAt time.Time
	lastID   uint8
}

func newPeer(id ClientID, s Spec) *Peer {
	return &Peer{
		ID:        id,
		Spec:      s,
		out:       map[uint8]*association.Association{},
		in:        map[uint8]*association.Association{},
		bootstrap: map[uint8]time.Time{},
		lastID:    uint8(rand.IntN(254)),
	}
}

// allocID hands out outgoing association ids round robin over 1..254.
func (p *Peer) allocID() (uint8, bool) {
	for i := 0; i < 254; i++ {
		p.lastID = p.lastID%254 + 1
		if _, used := p.out[p.lastID]; !used {
			return p.lastID, true
		}
	}
	return 0, false
}

func (p *Peer) markReady(id uint8) {
	if !slices.Contains(p.ready, id) {
		p.ready = append(p.ready, id)
	}
}

func (p *Peer) unready(id uint8) {
	p.ready = slices.DeleteFunc(p.ready, func(x uint8) bool { return x == id })
}

// controls lists the live control associations, newest first.
func (p *Peer) controls() []*association.Association {
	var out []*association.Association
	for _, c := range []*association.Association{p.ctrl, p.retiring} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// outIDs returns outgoing ids in ascending order.
func (p *Peer) outIDs() []uint8 {
	ids := make([]uint8, 0, len(p.out))
	for id := range p.out {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// requeue puts payloads back at the front of the host queue.
func (p *Peer) requeue(ps [][]byte, now time.Time) {
	if len(ps) == 0 {
		return
	}
	p.queue = append(ps, p.queue...)
	if p.queuedAt.IsZero() {
		p.queuedAt = now
	}
}

// reset drops every association, keeping undelivered data payloads.
func (p *Peer) reset(now time.Time) {
	for _, id := range p.outIDs() {
		p.requeue(p.out[id].DrainQueue(), now)
	}
	p.out = map[uint8]*association.Association{}
	p.in = map[uint8]*association.Association{}
	p.ready = nil
	p.bootstrap = map[uint8]time.Time{}
	p.orphans, p.orphanAfter = nil, time.Time{}
	p.ctrl, p.next, p.retiring = nil, nil, nil
	p.dropped = nil
	p.ackFrame, p.ackackSent, p.peerSign = nil, nil, nil
	p.hs = association.HandshakeNew
}

// AssocInfo is a read-only view of one association.
type AssocInfo struct {
	ID            uint8
	Dir           string
	Mode          string
	Sending       string
	Receiving     string
	SignRemaining int
	AckRemaining  int
	Queue         int
}

// Info is a read-only view of a peer.
type Info struct {
	ID        ClientID
	Name      string
	Addr      string
	Handshake string
	Queue     int
	Ready     int
	Assocs    []AssocInfo
}

func assocInfo(a *association.Association) AssocInfo {
	return AssocInfo{
		ID:            a.ID,
		Dir:           a.Dir.String(),
		Mode:          a.Mode.String(),
		Sending:       a.Sending().String(),
		Receiving:     a.Receiving().String(),
		SignRemaining: a.SignRemaining(),
		AckRemaining:  a.AckRemaining(),
		Queue:         a.QueueLen(),
	}
}

func (p *Peer) info() Info {
	in := Info{ID: p.ID, Name: p.Name, Addr: p.Addr, Handshake: p.hs.String(), Queue: len(p.queue), Ready: len(p.ready)}
	for _, c := range p.controls() {
		in.Assocs = append(in.Assocs, assocInfo(c))
	}
	for _, id := range p.outIDs() {
		in.Assocs = append(in.Assocs, assocInfo(p.out[id]))
	}
	ids := make([]uint8, 0, len(p.in))
	for id := range p.in {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		in.Assocs = append(in.Assocs, assocInfo(p.in[id]))
	}
	return in
}

// modeCounts tallies records per mode.
func modeCounts(as []*association.Association) map[wire.Mode]int {
	out := map[wire.Mode]int{}
	for _, a := range as {
		out[a.Mode]++
	}
	return out
}
