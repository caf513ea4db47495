package peer

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

// Connect starts the handshake with a peer, dropping any previous state.
func (r *Registry) Connect(id ClientID) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	p.hsRetries = 0
	return r.connect(p)
}

func (r *Registry) connect(p *Peer) error {
	now := r.clk.Now()
	p.reset(now)
	p.hs = association.SentConnectWaitReturn
	p.hsDeadline = now.Add(r.handshakeTimeout())
	r.log.Debug("handshake_connect", "peer", p.Name, "attempt", p.hsRetries)
	return r.send(p, wire.Connect{}.Encode())
}

func timeslot(t time.Time) int64 { return t.Unix() / int64(TimeslotSize/time.Second) }

// addrHash binds a connect reply to the peer address and a time slot
// without keeping per-connect state.
func (r *Registry) addrHash(addr string, slot int64) []byte {
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], uint64(slot))
	return r.cfg.Params.Suite.Hash(r.cfg.Secret, []byte(addr), s[:])
}

func (r *Registry) challengeDigest(challenge uint32, sign, ack, retSign, retAck []byte) []byte {
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], challenge)
	return r.cfg.Params.Suite.Hash(c[:], sign, ack, retSign, retAck)
}

func (r *Registry) handleConnect(p *Peer, frame []byte) error {
	if _, err := wire.DecodeConnect(frame); err != nil {
		return err
	}
	rc := wire.ReturnConnect{AddrHash: r.addrHash(p.Addr, timeslot(r.clk.Now()))}
	return r.send(p, rc.Encode())
}

func (r *Registry) handleReturnConnect(p *Peer, frame []byte) error {
	if p.hs != association.SentConnectWaitReturn {
		return fmt.Errorf("%w: RETURN_CONNECT in %s", ErrInvalidState, p.hs)
	}
	rc, err := wire.DecodeReturnConnect(frame)
	if err != nil {
		return err
	}
	ctrl, err := association.New(r.params(), 0, association.Bidirectional, wire.ModeN)
	if err != nil {
		return err
	}
	p.ctrl = ctrl
	p.challenge = rand.Uint32()
	p.addrHash = rc.AddrHash
	p.hs = association.SentSynWaitAck
	p.hsDeadline = r.clk.Now().Add(r.handshakeTimeout())
	syn := wire.Syn{Challenge: p.challenge, AddrHash: p.addrHash, Sign: ctrl.SignElement(), Ack: ctrl.AckElement()}
	return r.send(p, syn.Encode())
}

func (r *Registry) handleSyn(p *Peer, frame []byte) error {
	syn, err := wire.DecodeSyn(frame)
	if err != nil {
		return err
	}
	now := r.clk.Now()
	slot := timeslot(now)
	if !digest.Equal(syn.AddrHash, r.addrHash(p.Addr, slot)) && !digest.Equal(syn.AddrHash, r.addrHash(p.Addr, slot-1)) {
		r.emit(p, "verify_fail", map[string]any{"packet": wire.MT_SYN.String()})
		return nil
	}
	switch p.hs {
	case association.SentConnectWaitReturn, association.SentSynWaitAck:
		if p.Initiate {
			return fmt.Errorf("%w: SYN while initiating", ErrInvalidState)
		}
	case association.SentAckWaitAckAck:
		if digest.Equal(syn.Sign, p.peerSign) {
			return r.send(p, p.ackFrame)
		}
	case association.HandshakeReady:
		r.log.Info("peer_restart", "peer", p.Name)
		r.emit(p, "peer_restart", nil)
	}
	p.reset(now)

	ctrl, err := association.New(r.params(), 0, association.Bidirectional, wire.ModeN)
	if err != nil {
		return err
	}
	ctrl.AddSignAnchor(syn.Sign)
	ctrl.AddAckAnchor(syn.Ack)
	sig := ed25519.Sign(r.cfg.Key, r.challengeDigest(syn.Challenge, ctrl.SignElement(), ctrl.AckElement(), syn.Sign, syn.Ack))
	p.ctrl = ctrl
	p.peerSign = append([]byte(nil), syn.Sign...)
	p.ackFrame = wire.Ack{Signature: sig, Sign: ctrl.SignElement(), Ack: ctrl.AckElement()}.Encode()
	p.hs = association.SentAckWaitAckAck
	p.hsRetries = 0
	p.hsDeadline = now.Add(r.handshakeTimeout())
	return r.send(p, p.ackFrame)
}

func (r *Registry) handleAck(p *Peer, frame []byte) error {
	ack, err := wire.DecodeAck(frame)
	if err != nil {
		return err
	}
	if p.hs == association.HandshakeReady && p.ackackSent != nil && digest.Equal(ack.Sign, p.peerSign) {
		// our ACKACK was lost
		return r.send(p, p.ackackSent)
	}
	if p.hs != association.SentSynWaitAck {
		return fmt.Errorf("%w: ACK in %s", ErrInvalidState, p.hs)
	}
	ctrl := p.ctrl
	d := r.challengeDigest(p.challenge, ack.Sign, ack.Ack, ctrl.SignElement(), ctrl.AckElement())
	if !ed25519.Verify(p.PublicKey, d, ack.Signature) {
		r.log.Warn("handshake_bad_signature", "peer", p.Name)
		r.emit(p, "verify_fail", map[string]any{"packet": wire.MT_ACK.String()})
		return nil
	}
	ctrl.AddSignAnchor(ack.Sign)
	ctrl.AddAckAnchor(ack.Ack)
	if err := ctrl.PopSign(); err != nil {
		return err
	}
	if err := ctrl.PopAck(); err != nil {
		return err
	}
	p.ackackSent = wire.AckAck{Ack: ctrl.AckElement()}.Encode()
	if err := ctrl.PopAck(); err != nil {
		return err
	}
	p.peerSign = append([]byte(nil), ack.Sign...)
	r.ready(p)
	return r.send(p, p.ackackSent)
}

func (r *Registry) handleAckAck(p *Peer, frame []byte) error {
	if p.hs != association.SentAckWaitAckAck {
		return fmt.Errorf("%w: ACKACK in %s", ErrInvalidState, p.hs)
	}
	aa, err := wire.DecodeAckAck(frame)
	if err != nil {
		return err
	}
	ctrl := p.ctrl
	if !ctrl.AcceptAckAnchor(aa.Ack) {
		r.emit(p, "verify_fail", map[string]any{"packet": wire.MT_ACKACK.String()})
		return nil
	}
	if err := ctrl.PopSign(); err != nil {
		return err
	}
	if err := ctrl.PopAck(); err != nil {
		return err
	}
	p.ackFrame = nil
	r.ready(p)
	return nil
}

// ready finishes the handshake and asks for the configured associations.
func (r *Registry) ready(p *Peer) {
	p.ctrl.SetReady()
	p.hs = association.HandshakeReady
	p.hsRetries = 0
	r.log.Info("handshake_ready", "peer", p.Name, "initiator", p.Initiate)
	r.emit(p, "handshake_ready", map[string]any{"initiator": p.Initiate})
	if err := r.requestNewAssociations(p, r.cfg.Counts); err != nil {
		r.log.Warn("assoc_request_failed", "peer", p.Name, "err", err)
	}
}

// handshakeTimeouts restarts or repeats a stalled handshake step.
func (r *Registry) handshakeTimeouts(p *Peer, now time.Time) error {
	if now.Before(p.hsDeadline) {
		return nil
	}
	p.hsRetries++
	switch p.hs {
	case association.SentConnectWaitReturn, association.SentSynWaitAck:
		r.emit(p, "retransmit", map[string]any{"packet": "CONNECT", "retries": p.hsRetries})
		return r.connect(p)
	case association.SentAckWaitAckAck:
		if p.hsRetries > r.maxRetries() {
			r.log.Warn("handshake_abandoned", "peer", p.Name)
			p.reset(now)
			return nil
		}
		p.hsDeadline = now.Add(r.handshakeTimeout())
		r.emit(p, "retransmit", map[string]any{"packet": wire.MT_ACK.String(), "retries": p.hsRetries})
		return r.send(p, p.ackFrame)
	}
	return nil
}
