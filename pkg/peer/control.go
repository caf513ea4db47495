package peer

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/control"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

func killMessage(ids []uint8) []byte { return control.AssDie{IDs: ids}.Encode() }

func (r *Registry) handleControl(p *Peer, payload []byte) error {
	msg, err := control.Decode(payload)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case control.NewAss:
		return r.handleNewAssociations(p, m)
	case control.NewAssAck:
		return r.handleNewAssociationsAck(p, m)
	case control.AssDie:
		r.handleKill(p, m)
	}
	return nil
}

// RequestNewAssociations creates outgoing associations and announces them
// on the control association.
func (r *Registry) RequestNewAssociations(id ClientID, counts map[wire.Mode]int) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	if p.hs != association.HandshakeReady {
		return fmt.Errorf("%w: handshake %s", ErrInvalidState, p.hs)
	}
	return r.requestNewAssociations(p, counts)
}

func (r *Registry) requestNewAssociations(p *Peer, counts map[wire.Mode]int) error {
	var recs []control.Record
	expiry := r.clk.Now().Add(r.bootstrapTimeout())
	for _, mode := range wire.Modes {
		for i := 0; i < counts[mode]; i++ {
			aid, ok := p.allocID()
			if !ok {
				return fmt.Errorf("%w: no free association id", ErrNoMemory)
			}
			a, err := association.New(r.params(), aid, association.Outgoing, mode)
			if err != nil {
				return err
			}
			p.out[aid] = a
			p.bootstrap[aid] = expiry
			recs = append(recs, control.Record{ID: aid, Mode: mode, Sign: a.SignElement()})
		}
	}
	if len(recs) == 0 {
		return nil
	}
	for _, chunk := range control.Chunk(recs) {
		p.ctrl.Enqueue(control.NewAss{Anchor: p.ctrl.SignElement(), Records: chunk}.Encode())
	}
	r.log.Debug("assoc_request", "peer", p.Name, "count", len(recs))
	r.emit(p, "assoc_request", map[string]any{"count": len(recs)})
	return nil
}

func (r *Registry) handleNewAssociations(p *Peer, m control.NewAss) error {
	var (
		reply []control.Record
		swap  *association.Association
	)
	for _, rec := range m.Records {
		if rec.ID == 0 {
			next, ok, err := r.acceptControlSwap(p, rec)
			if err != nil {
				return err
			}
			if ok {
				swap = next
				reply = append(reply, control.Record{ID: 0, Mode: wire.ModeN, Sign: next.SignElement(), Ack: next.AckElement()})
				// both sides start from the element after the announced one
				if err := next.PopSign(); err != nil {
					return err
				}
				if err := next.PopAck(); err != nil {
					return err
				}
			}
			continue
		}
		a, err := association.New(r.params(), rec.ID, association.Incoming, rec.Mode)
		if err != nil {
			r.log.Warn("assoc_rejected", "peer", p.Name, "assoc", rec.ID, "err", err)
			continue
		}
		a.AddSignAnchor(rec.Sign)
		reply = append(reply, control.Record{ID: rec.ID, Mode: rec.Mode, Ack: a.AckElement()})
		if err := a.PopAck(); err != nil {
			return err
		}
		a.SetReady()
		if _, replaced := p.in[rec.ID]; replaced {
			r.emit(p, "assoc_replaced", map[string]any{"assoc": rec.ID, "dir": "incoming"})
		}
		p.in[rec.ID] = a
	}
	carrier := p.ctrl
	if swap != nil {
		swap.SetReady()
		r.swapControl(p, swap)
		// the peer learns the new association through the old one
		carrier = p.retiring
	}
	if len(reply) > 0 {
		carrier.Enqueue(control.NewAssAck{Anchor: carrier.SignElement(), RetAnchor: m.Anchor, Records: reply}.Encode())
	}
	return nil
}

func (r *Registry) handleNewAssociationsAck(p *Peer, m control.NewAssAck) error {
	for _, rec := range m.Records {
		if rec.ID == 0 {
			next := p.next
			if next == nil {
				continue
			}
			next.AddSignAnchor(rec.Sign)
			next.AddAckAnchor(rec.Ack)
			if err := next.PopSign(); err != nil {
				return err
			}
			if err := next.PopAck(); err != nil {
				return err
			}
			next.SetReady()
			p.next, p.nextExpiry = nil, time.Time{}
			r.swapControl(p, next)
			continue
		}
		a := p.out[rec.ID]
		if a == nil || a.Sending() != association.SendNew {
			continue
		}
		a.AddAckAnchor(rec.Ack)
		if err := a.PopSign(); err != nil {
			return err
		}
		a.SetReady()
		delete(p.bootstrap, rec.ID)
		p.markReady(rec.ID)
		r.emit(p, "assoc_new", map[string]any{"assoc": rec.ID, "mode": a.Mode.String()})
	}
	return nil
}

// KillAssociations tears down outgoing associations, tells the peer and
// requests replacements with the same modes.
func (r *Registry) KillAssociations(id ClientID, ids []uint8) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	if p.hs != association.HandshakeReady {
		return fmt.Errorf("%w: handshake %s", ErrInvalidState, p.hs)
	}
	return r.killAssociations(p, ids)
}

func (r *Registry) killAssociations(p *Peer, ids []uint8) error {
	var dead []*association.Association
	var deadIDs []uint8
	for _, aid := range ids {
		a := p.out[aid]
		if a == nil || slices.Contains(deadIDs, aid) {
			continue
		}
		p.requeue(a.DrainQueue(), r.clk.Now())
		delete(p.out, aid)
		delete(p.bootstrap, aid)
		p.unready(aid)
		dead = append(dead, a)
		deadIDs = append(deadIDs, aid)
	}
	if len(dead) == 0 {
		return nil
	}
	p.ctrl.Enqueue(killMessage(deadIDs))
	r.log.Debug("assoc_die", "peer", p.Name, "ids", deadIDs)
	r.emit(p, "assoc_die", map[string]any{"ids": deadIDs})
	return r.requestNewAssociations(p, modeCounts(dead))
}

func (r *Registry) handleKill(p *Peer, m control.AssDie) {
	for _, aid := range m.IDs {
		if _, ok := p.in[aid]; ok {
			delete(p.in, aid)
			r.emit(p, "assoc_removed", map[string]any{"assoc": aid})
		}
	}
}

// startControlSwap announces a fresh control association as record 0.
func (r *Registry) startControlSwap(p *Peer) error {
	if p.next != nil {
		return nil
	}
	next, err := association.New(r.params(), 0, association.Bidirectional, wire.ModeN)
	if err != nil {
		return err
	}
	p.next = next
	p.nextExpiry = r.clk.Now().Add(r.bootstrapTimeout())
	rec := control.Record{ID: 0, Mode: wire.ModeN, Sign: next.SignElement(), Ack: next.AckElement()}
	p.ctrl.Enqueue(control.NewAss{Anchor: p.ctrl.SignElement(), Records: []control.Record{rec}}.Encode())
	r.log.Debug("control_swap_start", "peer", p.Name)
	return nil
}

// acceptControlSwap builds the peer's proposed control association. When
// both sides proposed one, the handshake initiator's proposal wins.
func (r *Registry) acceptControlSwap(p *Peer, rec control.Record) (*association.Association, bool, error) {
	if p.next != nil {
		if p.Initiate {
			return nil, false, nil
		}
		p.dropped = p.next.SignElement()
		p.next, p.nextExpiry = nil, time.Time{}
	}
	next, err := association.New(r.params(), 0, association.Bidirectional, wire.ModeN)
	if err != nil {
		return nil, false, err
	}
	next.AddSignAnchor(rec.Sign)
	next.AddAckAnchor(rec.Ack)
	return next, true, nil
}

// swapControl makes next the control association. Queued messages move
// over; the old one keeps finishing its open round until it retires.
func (r *Registry) swapControl(p *Peer, next *association.Association) {
	old := p.ctrl
	for _, m := range old.TakeQueue() {
		if p.isDroppedProposal(m) {
			continue
		}
		next.Enqueue(m)
	}
	p.dropped = nil
	p.retiring = old
	p.retireAfter = r.clk.Now().Add(r.retireGrace())
	p.ctrl = next
	r.log.Info("control_swap", "peer", p.Name)
	r.emit(p, "control_swap", nil)
}

// isDroppedProposal matches our own swap proposal that lost against the
// peer's. It must not reach the peer after the swap.
func (p *Peer) isDroppedProposal(msg []byte) bool {
	if p.dropped == nil {
		return false
	}
	m, err := control.Decode(msg)
	if err != nil {
		return false
	}
	na, ok := m.(control.NewAss)
	return ok && len(na.Records) == 1 && na.Records[0].ID == 0 && bytes.Equal(na.Records[0].Sign, p.dropped)
}

// expireBootstrap replaces outgoing associations whose announcement was
// never answered. Either the NEW_ASS or the NEW_ASS_ACK was lost; the kill
// clears whatever half the peer holds.
func (r *Registry) expireBootstrap(p *Peer, now time.Time) error {
	var stale []uint8
	for _, aid := range p.outIDs() {
		exp, ok := p.bootstrap[aid]
		if ok && p.out[aid].Sending() == association.SendNew && !now.Before(exp) {
			stale = append(stale, aid)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	r.log.Warn("assoc_bootstrap_timeout", "peer", p.Name, "ids", stale)
	r.emit(p, "warn", map[string]any{"reason": "assoc_bootstrap_timeout", "ids": stale})
	return r.killAssociations(p, stale)
}

// noteOrphan remembers an id the peer rounds on but we no longer own.
func (p *Peer) noteOrphan(id uint8) {
	if !slices.Contains(p.orphans, id) {
		p.orphans = append(p.orphans, id)
	}
}

// flushOrphans sends at most one kill message per grace period.
func (r *Registry) flushOrphans(p *Peer, now time.Time) {
	if len(p.orphans) == 0 || now.Before(p.orphanAfter) {
		return
	}
	ids := slices.DeleteFunc(p.orphans, func(id uint8) bool {
		_, ours := p.out[id]
		return ours
	})
	p.orphans = nil
	if len(ids) == 0 {
		return
	}
	p.ctrl.Enqueue(killMessage(ids))
	p.orphanAfter = now.Add(r.retireGrace())
	r.log.Debug("assoc_orphans_killed", "peer", p.Name, "ids", ids)
}
