// Package association runs the per-channel authentication rounds.
//
// A round is S1 (anchor plus presignature), A1 (receiver anchor plus echo
// of the accepted S1 anchor) and S2 (payload plus the key the presignature
// was made with). The key is the sign chain element behind the S1 anchor,
// so it only becomes public once the receiver has committed to the
// presignature.
//
// Associations do no I/O. Handlers return the frames to send and the
// payloads to release; the caller owns transport and scheduling.
package association

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/hashchain"
	"github.com/juanpablocruz/alpha/pkg/hashtree"
	"github.com/juanpablocruz/alpha/pkg/ringbuf"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

const (
	// MinAnchors is the remaining chain length at which an association is
	// replaced.
	MinAnchors         = 10
	AnchorRingSize     = 10
	DefaultChainLength = 1000
	MaxMerkleBatch     = 1024
	DefaultS1Timeout   = time.Second
	DefaultMaxRetries  = 8

	anchorTolerance = 2
)

// Params are shared by every association of a peer.
type Params struct {
	Suite        digest.Suite
	ChainLength  int
	SecMode      cachetree.Mode
	S1Timeout    time.Duration
	MaxS1Retries int
}

func (p Params) withDefaults() Params {
	if p.ChainLength == 0 {
		p.ChainLength = DefaultChainLength
	}
	if p.SecMode == 0 {
		p.SecMode = cachetree.OneNode
	}
	if p.S1Timeout <= 0 {
		p.S1Timeout = DefaultS1Timeout
	}
	if p.MaxS1Retries == 0 {
		p.MaxS1Retries = DefaultMaxRetries
	}
	return p
}

// AckChainLength is the ack chain size for a sign chain of length l. The
// receiver pops its ack chain once per round, the sender twice.
func AckChainLength(l int) int { return l/2 + 10 }

// Outcome is what a handler asks the caller to do.
type Outcome struct {
	Frames    [][]byte
	Delivered [][]byte
	Valid     bool
	// Complete is set when the receive side finished a round.
	Complete   bool
	Abandoned  bool
	Duplicate  bool
	Retransmit bool
}

type Association struct {
	ID   uint8
	Dir  Direction
	Mode wire.Mode

	handshake HandshakeState
	sending   SendState
	receiving RecvState

	p           Params
	sign, ack   *hashchain.Chain
	signAnchors *ringbuf.Ring
	ackAnchors  *ringbuf.Ring

	queue    [][]byte
	inflight [][]byte
	s1       []byte
	deadline time.Time
	retries  int

	retAnchor []byte
	a1        []byte

	st modeState
}

// New creates an association with fresh chains for the directions it
// uses.
func New(p Params, id uint8, dir Direction, mode wire.Mode) (*Association, error) {
	p = p.withDefaults()
	st, err := newModeState(mode, p.SecMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, mode)
	}
	a := &Association{
		ID:          id,
		Dir:         dir,
		Mode:        mode,
		p:           p,
		signAnchors: ringbuf.New(AnchorRingSize, wire.H),
		ackAnchors:  ringbuf.New(AnchorRingSize, wire.H),
		st:          st,
	}
	if dir != Incoming {
		if a.sign, err = hashchain.New(p.Suite, p.ChainLength); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		_ = a.sign.Pop()
	}
	if dir != Outgoing {
		if a.ack, err = hashchain.New(p.Suite, AckChainLength(p.ChainLength)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		_ = a.ack.Pop()
	}
	return a, nil
}

func (a *Association) Handshake() HandshakeState { return a.handshake }
func (a *Association) Sending() SendState        { return a.sending }
func (a *Association) Receiving() RecvState      { return a.receiving }

func (a *Association) SetHandshake(s HandshakeState) { a.handshake = s }

// SetReady marks a bootstrapped association usable in every direction.
func (a *Association) SetReady() {
	a.handshake = HandshakeReady
	a.sending = SendReady
	a.receiving = RecvReady
}

// SignElement is the current sign chain element, nil without a sign chain.
func (a *Association) SignElement() []byte {
	if a.sign == nil {
		return nil
	}
	return a.sign.Current()
}

func (a *Association) AckElement() []byte {
	if a.ack == nil {
		return nil
	}
	return a.ack.Current()
}

func (a *Association) PopSign() error {
	if a.sign == nil {
		return ErrInvalidState
	}
	if err := a.sign.Pop(); err != nil {
		return fmt.Errorf("%w: sign", ErrChainDepleted)
	}
	return nil
}

func (a *Association) PopAck() error {
	if a.ack == nil {
		return ErrInvalidState
	}
	if err := a.ack.Pop(); err != nil {
		return fmt.Errorf("%w: ack", ErrChainDepleted)
	}
	return nil
}

// AddSignAnchor trusts a peer sign chain element.
func (a *Association) AddSignAnchor(b []byte) { a.signAnchors.Insert(b) }

// AddAckAnchor trusts a peer ack chain element.
func (a *Association) AddAckAnchor(b []byte) { a.ackAnchors.Insert(b) }

// AcceptAckAnchor checks b against the trusted ack anchors and, if it
// hashes onto one of them, makes it the newest trusted anchor.
func (a *Association) AcceptAckAnchor(b []byte) bool {
	return a.accept(a.ackAnchors, b)
}

func (a *Association) accept(r *ringbuf.Ring, b []byte) bool {
	if !r.FindAndMoveHashed(a.p.Suite, b, anchorTolerance) {
		return false
	}
	r.Read()
	r.Insert(b)
	return true
}

// SignRemaining is the number of sign pops left, -1 without a sign chain.
func (a *Association) SignRemaining() int {
	if a.sign == nil {
		return -1
	}
	return a.sign.Remaining()
}

func (a *Association) AckRemaining() int {
	if a.ack == nil {
		return -1
	}
	return a.ack.Remaining()
}

// NeedsReplacement reports whether a chain fell to MinAnchors.
func (a *Association) NeedsReplacement() bool {
	return (a.sign != nil && a.sign.Remaining() <= MinAnchors) ||
		(a.ack != nil && a.ack.Remaining() <= MinAnchors)
}

func (a *Association) Enqueue(p []byte) { a.queue = append(a.queue, p) }

func (a *Association) QueueLen() int { return len(a.queue) }

// Idle reports whether the association can take a new batch.
func (a *Association) Idle() bool {
	return a.sending == SendReady && len(a.queue) == 0
}

// Fill moves as many payloads from the front of host as one round of this
// mode takes. Merkle batches wait for two payloads unless flush is set.
func (a *Association) Fill(host *[][]byte, flush bool) int {
	avail := len(*host)
	take := 0
	switch a.st.(type) {
	case *nState:
		take = min(avail, 1-len(a.queue))
	case *zState:
		take = avail
	case *cState:
		take = min(avail, wire.MaxPresigCount-len(a.queue))
	case *mState:
		capped := min(avail, MaxMerkleBatch-len(a.queue))
		switch {
		case capped >= 2:
			take = 1
			for take*2 <= capped {
				take *= 2
			}
		case flush:
			take = capped
		}
	}
	if take <= 0 {
		return 0
	}
	a.queue = append(a.queue, (*host)[:take]...)
	*host = (*host)[take:]
	return take
}

// DrainQueue returns every payload not yet delivered by a finished round.
func (a *Association) DrainQueue() [][]byte {
	out := make([][]byte, 0, len(a.inflight)+len(a.queue))
	out = append(out, a.inflight...)
	out = append(out, a.queue...)
	a.inflight, a.queue = nil, nil
	return out
}

// TakeQueue removes the payloads no round has picked up yet.
func (a *Association) TakeQueue() [][]byte {
	q := a.queue
	a.queue = nil
	return q
}

func (a *Association) timeout() time.Duration {
	t := a.p.S1Timeout
	return t + mrand.N(t)
}

// Deadline is when the pending S1 is retransmitted, zero if none is.
func (a *Association) Deadline() time.Time {
	if a.sending != SentS1WaitA1 {
		return time.Time{}
	}
	return a.deadline
}

// SendS1 starts a round for the queued payloads. Mode Z sends its payloads
// directly and stays ready.
func (a *Association) SendS1(now time.Time) (Outcome, error) {
	if a.sign == nil || a.sending != SendReady {
		return Outcome{}, fmt.Errorf("%w: S1 while sending %s", ErrInvalidState, a.sending)
	}
	if len(a.queue) == 0 {
		return Outcome{}, nil
	}
	if _, ok := a.st.(*zState); ok {
		out := Outcome{Valid: true}
		for _, p := range a.queue {
			out.Frames = append(out.Frames, wire.Z{Assoc: a.ID, Payload: p}.Encode())
		}
		a.queue = nil
		return out, nil
	}
	if a.sign.Remaining() < 2 {
		return Outcome{}, fmt.Errorf("%w: sign", ErrChainDepleted)
	}
	key, _ := a.sign.Next()
	anchor := a.sign.Current()

	var batch [][]byte
	var frame []byte
	switch st := a.st.(type) {
	case *nState:
		batch = a.queue[:1]
		frame = wire.EncodeS1HMAC(a.ID, anchor, [][]byte{a.p.Suite.HMAC(batch[0], key)})
	case *cState:
		batch = a.queue[:min(len(a.queue), wire.MaxPresigCount)]
		sigs := make([][]byte, len(batch))
		for i, p := range batch {
			sigs[i] = a.p.Suite.HMAC(p, key)
		}
		frame = wire.EncodeS1HMAC(a.ID, anchor, sigs)
	case *mState:
		batch = a.queue[:min(len(a.queue), MaxMerkleBatch)]
		n := batchSize(len(batch))
		leaves := make([][]byte, n)
		copy(leaves, batch)
		for i := len(batch); i < n; i++ {
			leaves[i] = make([]byte, wire.H)
			if _, err := rand.Read(leaves[i]); err != nil {
				return Outcome{}, fmt.Errorf("%w: padding: %v", ErrNoMemory, err)
			}
		}
		tree, err := hashtree.Build(leaves, hashtree.LeafGen(a.p.Suite, key), hashtree.NodeGen(a.p.Suite))
		if err != nil {
			return Outcome{}, err
		}
		sched, err := st.schedule(n, st.secMode)
		if err != nil {
			return Outcome{}, err
		}
		st.tree, st.sched = tree, sched
		frame = wire.EncodeS1Merkle(a.ID, anchor, uint16(len(batch)), wire.MerkleS1{
			SecMode: uint8(st.secMode),
			Root:    tree.Root(),
			Nodes:   sched.TopNodes(tree),
		})
	}

	a.inflight = batch
	a.queue = a.queue[len(batch):]
	a.s1 = frame
	a.retries = 0
	a.deadline = now.Add(a.timeout())
	a.sending = SentS1WaitA1
	return Outcome{Frames: [][]byte{frame}, Valid: true}, nil
}

// HandleA1 releases the round key once the receiver echoed our anchor.
func (a *Association) HandleA1(p wire.A1) (Outcome, error) {
	if a.sign == nil || a.sending != SentS1WaitA1 {
		return Outcome{}, fmt.Errorf("%w: A1 while sending %s", ErrInvalidState, a.sending)
	}
	if !digest.Equal(p.ReturnAnchor, a.sign.Current()) || !a.accept(a.ackAnchors, p.Anchor) {
		return Outcome{}, nil
	}
	if err := a.PopSign(); err != nil {
		return Outcome{}, err
	}
	key := a.sign.Current()

	out := Outcome{Valid: true}
	switch st := a.st.(type) {
	case *mState:
		for i, pl := range a.inflight {
			out.Frames = append(out.Frames, wire.EncodeS2Merkle(a.ID, key, wire.MerkleS2{
				Index:   uint16(i),
				Nodes:   st.sched.SenderNodes(st.tree, i),
				Payload: pl,
			}))
		}
		st.tree = nil
	default:
		for _, pl := range a.inflight {
			out.Frames = append(out.Frames, wire.EncodeS2(a.ID, key, pl))
		}
	}
	// the revealed key must never sign again
	_ = a.sign.Pop()

	a.inflight = nil
	a.s1 = nil
	a.deadline = time.Time{}
	a.sending = SendReady
	return out, nil
}

// HandleS1 accepts a round announcement and answers with A1.
func (a *Association) HandleS1(p wire.S1) (Outcome, error) {
	if a.ack == nil || a.receiving == RecvNew {
		return Outcome{}, fmt.Errorf("%w: S1 while receiving %s", ErrInvalidState, a.receiving)
	}
	if a.receiving == SentA1WaitS2 && digest.Equal(p.Anchor, a.retAnchor) {
		return Outcome{Frames: [][]byte{a.a1}, Valid: true, Retransmit: true}, nil
	}

	var sigs [][]byte
	var merkle wire.MerkleS1
	var sched *cachetree.Schedule
	switch st := a.st.(type) {
	case *nState:
		s, err := p.HMACs()
		if err != nil {
			return Outcome{}, err
		}
		if len(s) != 1 {
			return Outcome{}, fmt.Errorf("%w: %d presignatures in mode N", wire.ErrMalformed, len(s))
		}
		sigs = s
	case *cState:
		s, err := p.HMACs()
		if err != nil {
			return Outcome{}, err
		}
		sigs = s
	case *mState:
		m, err := p.Merkle()
		if err != nil {
			return Outcome{}, err
		}
		count := int(p.Count)
		if count < 1 || count > MaxMerkleBatch {
			return Outcome{}, fmt.Errorf("%w: merkle count %d", wire.ErrMalformed, count)
		}
		sc, err := st.schedule(batchSize(count), cachetree.Mode(m.SecMode))
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
		}
		if len(m.Nodes) != len(sc.TopRefs()) {
			return Outcome{}, fmt.Errorf("%w: %d top nodes for %d leaves", wire.ErrMalformed, len(m.Nodes), sc.Leaves())
		}
		merkle, sched = m, sc
	case *zState:
		return Outcome{}, fmt.Errorf("%w: S1 in mode Z", ErrInvalidState)
	}

	if a.ack.Remaining() == 0 {
		return Outcome{}, fmt.Errorf("%w: ack", ErrChainDepleted)
	}
	if !a.accept(a.signAnchors, p.Anchor) {
		return Outcome{}, nil
	}

	out := Outcome{Valid: true}
	if a.receiving == SentA1WaitS2 {
		// the sender moved on; the unfinished round will not complete
		out.Abandoned = true
		if err := a.PopAck(); err != nil {
			return Outcome{}, err
		}
	}

	switch st := a.st.(type) {
	case *nState:
		st.presigs.Insert(sigs[0])
	case *cState:
		for _, s := range sigs {
			st.presigs.Insert(s)
		}
		st.expected = len(sigs)
	case *mState:
		v, err := cachetree.NewVerifier(sched, merkle.Root, merkle.Nodes, int(p.Count), hashtree.NodeGen(a.p.Suite), st.buf)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
		}
		st.verifier = v
	}

	a.retAnchor = append([]byte(nil), p.Anchor...)
	a.a1 = wire.A1{Assoc: a.ID, Anchor: a.ack.Current(), ReturnAnchor: a.retAnchor}.Encode()
	a.receiving = SentA1WaitS2
	out.Frames = [][]byte{a.a1}
	return out, nil
}

// HandleS2 verifies a payload against the presignature of the open round.
func (a *Association) HandleS2(p wire.S2) (Outcome, error) {
	if a.ack == nil || a.receiving != SentA1WaitS2 {
		return Outcome{}, fmt.Errorf("%w: S2 while receiving %s", ErrInvalidState, a.receiving)
	}
	if !digest.Equal(a.p.Suite.Hash(p.Anchor), a.retAnchor) {
		return Outcome{}, nil
	}
	key := p.Anchor

	var out Outcome
	var complete bool
	switch st := a.st.(type) {
	case *nState:
		if !st.presigs.Remove(a.p.Suite.HMAC(p.Payload(), key)) {
			return Outcome{}, nil
		}
		out.Delivered = [][]byte{p.Payload()}
		complete = true
	case *cState:
		if !st.presigs.Remove(a.p.Suite.HMAC(p.Payload(), key)) {
			return Outcome{}, nil
		}
		out.Delivered = [][]byte{p.Payload()}
		st.expected--
		complete = st.expected <= 0
	case *mState:
		m, err := p.Merkle()
		if err != nil {
			return Outcome{}, err
		}
		status, err := st.verifier.Verify(int(m.Index), m.Payload, m.Nodes, hashtree.LeafGen(a.p.Suite, key))
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
		}
		switch status {
		case cachetree.Verified:
			out.Delivered = [][]byte{m.Payload}
			complete = st.verifier.Complete()
		case cachetree.Duplicate:
			return Outcome{Duplicate: true}, nil
		default:
			return Outcome{}, nil
		}
	case *zState:
		return Outcome{}, fmt.Errorf("%w: S2 in mode Z", ErrInvalidState)
	}

	out.Valid = true
	if !a.signAnchors.Find(key) {
		a.signAnchors.Insert(key)
	}
	if complete {
		out.Complete = true
		a.receiving = RecvReady
		a.retAnchor, a.a1 = nil, nil
		if st, ok := a.st.(*mState); ok {
			st.verifier = nil
		}
		if err := a.PopAck(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// HandleZ releases an unauthenticated payload.
func (a *Association) HandleZ(p wire.Z) (Outcome, error) {
	if _, ok := a.st.(*zState); !ok {
		return Outcome{}, fmt.Errorf("%w: Z packet for mode %s", ErrInvalidMode, a.Mode)
	}
	if a.ack == nil {
		return Outcome{}, fmt.Errorf("%w: Z on sending side", ErrInvalidState)
	}
	return Outcome{Delivered: [][]byte{p.Payload}, Valid: true}, nil
}

// HandleTimeouts retransmits the pending S1 once its deadline passed.
func (a *Association) HandleTimeouts(now time.Time) (Outcome, error) {
	if a.sending != SentS1WaitA1 || now.Before(a.deadline) {
		return Outcome{}, nil
	}
	a.retries++
	if a.retries > a.p.MaxS1Retries {
		return Outcome{}, fmt.Errorf("%w: association %d", ErrRetriesExhausted, a.ID)
	}
	a.deadline = now.Add(a.timeout())
	return Outcome{Frames: [][]byte{a.s1}, Retransmit: true, Valid: true}, nil
}

// Retries is the number of S1 retransmissions of the pending round.
func (a *Association) Retries() int { return a.retries }
