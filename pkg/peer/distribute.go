package peer

import (
	"errors"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
)

func (r *Registry) retireGrace() time.Duration {
	t := r.cfg.Params.S1Timeout
	if t <= 0 {
		t = association.DefaultS1Timeout
	}
	return 2 * t * time.Duration(r.maxRetries()+1)
}

// bootstrapTimeout bounds the wait for a NEW_ASS answer. The announcement
// may queue behind one control round before its own.
func (r *Registry) bootstrapTimeout() time.Duration { return 2 * r.retireGrace() }

// DistributeQueuedPackets moves host payloads onto idle associations and
// starts rounds for every association with queued work.
func (r *Registry) DistributeQueuedPackets(id ClientID) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	if p.hs != association.HandshakeReady {
		return nil
	}
	now := r.clk.Now()
	var errs []error

	r.flushOrphans(p, now)
	if p.ctrl.NeedsReplacement() {
		if err := r.startControlSwap(p); err != nil {
			errs = append(errs, err)
		}
	}
	if c := p.retiring; c != nil && !now.Before(p.retireAfter) &&
		c.Sending() == association.SendReady && c.QueueLen() == 0 &&
		c.Receiving() != association.SentA1WaitS2 {
		p.retiring = nil
	}

	var worn []uint8
	for _, aid := range p.outIDs() {
		if a := p.out[aid]; a.Sending() == association.SendReady && a.NeedsReplacement() {
			worn = append(worn, aid)
		}
	}
	if len(worn) > 0 {
		r.emit(p, "assoc_worn", map[string]any{"ids": worn})
		if err := r.killAssociations(p, worn); err != nil {
			errs = append(errs, err)
		}
	}

	flush := len(p.queue) > 0 && !now.Before(p.queuedAt.Add(r.cfg.PacketTimeout))
	for n := len(p.ready); n > 0 && len(p.queue) > 0; n-- {
		aid := p.ready[0]
		p.ready = p.ready[1:]
		a := p.out[aid]
		if a == nil || !a.Idle() {
			continue
		}
		if a.Fill(&p.queue, flush) == 0 {
			p.ready = append(p.ready, aid)
		}
	}
	if len(p.queue) == 0 {
		p.queuedAt = time.Time{}
	}

	for _, c := range []*association.Association{p.retiring, p.ctrl} {
		if c != nil && c.Sending() == association.SendReady && c.QueueLen() > 0 {
			errs = append(errs, r.startRound(p, c, now))
		}
	}
	for _, aid := range p.outIDs() {
		a := p.out[aid]
		if a.Sending() == association.SendReady && a.QueueLen() > 0 {
			errs = append(errs, r.startRound(p, a, now))
			if a.Idle() {
				p.markReady(aid)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) startRound(p *Peer, a *association.Association, now time.Time) error {
	out, err := a.SendS1(now)
	if err != nil {
		return err
	}
	return r.send(p, out.Frames...)
}

// HandleTimeouts retransmits stalled handshake steps and S1 packets. An
// exhausted or never answered data association is replaced; an exhausted
// control association, or a swap proposal left unanswered, drops the peer
// back to a fresh handshake.
func (r *Registry) HandleTimeouts(id ClientID) error {
	p, err := r.peer(id)
	if err != nil {
		return err
	}
	now := r.clk.Now()
	if p.hs != association.HandshakeReady {
		if p.hs == association.HandshakeNew {
			return nil
		}
		return r.handshakeTimeouts(p, now)
	}

	var errs []error
	out, err := p.ctrl.HandleTimeouts(now)
	if errors.Is(err, association.ErrRetriesExhausted) {
		r.peerLost(p, now)
		return nil
	}
	if p.next != nil && !now.Before(p.nextExpiry) {
		// the swap proposal or its answer was lost; the two sides may no
		// longer agree on the control association
		r.log.Warn("control_swap_timeout", "peer", p.Name)
		r.peerLost(p, now)
		return nil
	}
	errs = append(errs, err, r.resend(p, out))

	if c := p.retiring; c != nil {
		out, err := c.HandleTimeouts(now)
		if err != nil {
			p.retiring = nil
		} else {
			errs = append(errs, r.resend(p, out))
		}
	}

	var dead []uint8
	for _, aid := range p.outIDs() {
		out, err := p.out[aid].HandleTimeouts(now)
		if errors.Is(err, association.ErrRetriesExhausted) {
			dead = append(dead, aid)
			continue
		}
		errs = append(errs, err, r.resend(p, out))
	}
	if len(dead) > 0 {
		r.log.Warn("assoc_retries_exhausted", "peer", p.Name, "ids", dead)
		errs = append(errs, r.killAssociations(p, dead))
	}
	errs = append(errs, r.expireBootstrap(p, now))
	return errors.Join(errs...)
}

func (r *Registry) resend(p *Peer, out association.Outcome) error {
	if len(out.Frames) == 0 {
		return nil
	}
	r.emit(p, "retransmit", map[string]any{"packet": "S1"})
	return r.send(p, out.Frames...)
}

// peerLost gives up on a peer whose control association stopped
// answering. The initiator starts over at once.
func (r *Registry) peerLost(p *Peer, now time.Time) {
	r.log.Warn("peer_lost", "peer", p.Name)
	r.emit(p, "peer_lost", nil)
	p.reset(now)
	if p.Initiate {
		if err := r.connect(p); err != nil {
			r.log.Warn("reconnect_failed", "peer", p.Name, "err", err)
		}
	}
}
