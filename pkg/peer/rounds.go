package peer

import (
	"fmt"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

// ProcessIncoming handles one frame received from a peer. Frames that fail
// authentication are dropped without an error; protocol misuse returns
// one.
func (r *Registry) ProcessIncoming(id ClientID, frame []byte) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	h, err := wire.PeekHeader(frame)
	if err != nil {
		return err
	}
	switch h.Type {
	case wire.MT_CONNECT:
		return r.handleConnect(p, frame)
	case wire.MT_RETURN_CONNECT:
		return r.handleReturnConnect(p, frame)
	case wire.MT_SYN:
		return r.handleSyn(p, frame)
	case wire.MT_ACK:
		return r.handleAck(p, frame)
	case wire.MT_ACKACK:
		return r.handleAckAck(p, frame)
	}
	if p.hs != association.HandshakeReady {
		return fmt.Errorf("%w: %s before handshake", ErrInvalidState, h.Type)
	}
	switch h.Type {
	case wire.MT_S1:
		s1, err := wire.DecodeS1(frame)
		if err != nil {
			return err
		}
		return r.handleS1(p, s1)
	case wire.MT_A1:
		a1, err := wire.DecodeA1(frame)
		if err != nil {
			return err
		}
		return r.handleA1(p, a1)
	case wire.MT_S2:
		s2, err := wire.DecodeS2(frame)
		if err != nil {
			return err
		}
		return r.handleS2(p, s2)
	case wire.MT_Z:
		z, err := wire.DecodeZ(frame)
		if err != nil {
			return err
		}
		a := p.in[z.Assoc]
		if a == nil {
			return fmt.Errorf("%w: Z on %d", ErrUnknownAssociation, z.Assoc)
		}
		out, err := a.HandleZ(z)
		if err != nil {
			return err
		}
		r.release(p, a, out)
		return nil
	}
	return fmt.Errorf("%w: packet type %d", wire.ErrMalformed, uint8(h.Type))
}

// receivers lists the associations that may take an S1 or S2 for id.
func (p *Peer) receivers(id uint8) []*association.Association {
	if id == 0 {
		return p.controls()
	}
	if a := p.in[id]; a != nil {
		return []*association.Association{a}
	}
	return nil
}

func (r *Registry) handleS1(p *Peer, s1 wire.S1) error {
	cands := p.receivers(s1.Assoc)
	if len(cands) == 0 {
		return fmt.Errorf("%w: S1 on %d", ErrUnknownAssociation, s1.Assoc)
	}
	var lastErr error
	for _, a := range cands {
		out, err := a.HandleS1(s1)
		if err != nil {
			lastErr = err
			continue
		}
		if !out.Valid {
			continue
		}
		if out.Abandoned {
			r.emit(p, "round_abandoned", map[string]any{"assoc": a.ID})
		}
		return r.send(p, out.Frames...)
	}
	if lastErr != nil {
		return lastErr
	}
	r.emit(p, "verify_fail", map[string]any{"packet": wire.MT_S1.String(), "assoc": s1.Assoc})
	return nil
}

func (r *Registry) handleA1(p *Peer, a1 wire.A1) error {
	var cands []*association.Association
	if a1.Assoc == 0 {
		cands = p.controls()
	} else if a := p.out[a1.Assoc]; a != nil {
		cands = []*association.Association{a}
	}
	if len(cands) == 0 {
		// the peer still holds an incoming side we forgot about
		p.noteOrphan(a1.Assoc)
		return fmt.Errorf("%w: A1 on %d", ErrUnknownAssociation, a1.Assoc)
	}
	for _, a := range cands {
		if a.Sending() != association.SentS1WaitA1 {
			continue
		}
		out, err := a.HandleA1(a1)
		if err != nil {
			return err
		}
		if !out.Valid {
			continue
		}
		if a.ID != 0 && a.Idle() {
			p.markReady(a.ID)
		}
		r.emit(p, "round_sent", map[string]any{"assoc": a.ID, "mode": a.Mode.String(), "payloads": len(out.Frames)})
		return r.send(p, out.Frames...)
	}
	r.emit(p, "verify_fail", map[string]any{"packet": wire.MT_A1.String(), "assoc": a1.Assoc})
	return nil
}

func (r *Registry) handleS2(p *Peer, s2 wire.S2) error {
	cands := p.receivers(s2.Assoc)
	if len(cands) == 0 {
		return fmt.Errorf("%w: S2 on %d", ErrUnknownAssociation, s2.Assoc)
	}
	var lastErr error
	for _, a := range cands {
		if a.Receiving() != association.SentA1WaitS2 {
			continue
		}
		out, err := a.HandleS2(s2)
		if err != nil {
			lastErr = err
			if !out.Valid {
				continue
			}
		}
		if out.Duplicate {
			return nil
		}
		if !out.Valid {
			continue
		}
		r.release(p, a, out)
		return lastErr
	}
	if lastErr != nil {
		return lastErr
	}
	if len(cands) == 1 && cands[0].Receiving() != association.SentA1WaitS2 {
		return fmt.Errorf("%w: S2 while receiving %s", ErrInvalidState, cands[0].Receiving())
	}
	r.emit(p, "verify_fail", map[string]any{"packet": wire.MT_S2.String(), "assoc": s2.Assoc})
	return nil
}

// release hands verified payloads to the host, or to the control handler
// for association 0.
func (r *Registry) release(p *Peer, a *association.Association, out association.Outcome) {
	for _, pl := range out.Delivered {
		if a.ID == 0 {
			if err := r.handleControl(p, pl); err != nil {
				r.log.Warn("control_message_dropped", "peer", p.Name, "err", err)
			}
			continue
		}
		r.emit(p, "deliver", map[string]any{"assoc": a.ID, "mode": a.Mode.String(), "bytes": len(pl)})
		r.deliver(p.ID, pl)
	}
}
