// Package metrics counts tunnel traffic and protocol outcomes, both as
// Prometheus collectors and as a plain Stats snapshot for tools without a
// scrape endpoint.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "alpha"

// Stats is a cumulative snapshot.
type Stats struct {
	FramesIn  int
	FramesOut int
	BytesIn   int64
	BytesOut  int64

	Delivered      int
	DeliveredBytes int64

	Rounds      int // sending rounds answered by an A1, S2s sent
	Retransmits int
	VerifyFails int
	Abandoned   int // incoming rounds cut short by the peer's next S1

	AssocNew   int
	AssocDie   int
	Swaps      int // control association swaps
	PeerLost   int
	Restarts   int
	SendErrors int
}

func (s Stats) String() string {
	return fmt.Sprintf("FramesIn: %d, FramesOut: %d, BytesIn: %d, BytesOut: %d, Delivered: %d, DeliveredBytes: %d, Rounds: %d, Retransmits: %d, VerifyFails: %d, Abandoned: %d, AssocNew: %d, AssocDie: %d, Swaps: %d, PeerLost: %d, Restarts: %d, SendErrors: %d",
		s.FramesIn, s.FramesOut, s.BytesIn, s.BytesOut, s.Delivered, s.DeliveredBytes, s.Rounds, s.Retransmits,
		s.VerifyFails, s.Abandoned, s.AssocNew, s.AssocDie, s.Swaps, s.PeerLost, s.Restarts, s.SendErrors)
}

// Collector records tunnel activity. The zero value is not usable; call New.
type Collector struct {
	frames     *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	events     *prometheus.CounterVec
	verifyFail *prometheus.CounterVec
	delivered  prometheus.Counter
	queue      *prometheus.GaugeVec
	assocs     *prometheus.GaugeVec

	mtx   sync.RWMutex
	stats Stats
}

// New creates the collectors and registers them with reg. A nil reg keeps
// them unregistered, which is what tests and the simulator want.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handled by the tunnel, by direction and packet type.",
		}, []string{"dir", "type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Frame bytes handled by the tunnel, by direction.",
		}, []string{"dir"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Protocol events by type.",
		}, []string{"type"}),
		verifyFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_failures_total",
			Help:      "Packets dropped because authentication failed.",
		}, []string{"packet"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_payloads_total",
			Help:      "Authenticated payloads handed to the application.",
		}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_queue_depth",
			Help:      "Payloads waiting for a free association.",
		}, []string{"peer"}),
		assocs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations",
			Help:      "Associations per peer and direction.",
		}, []string{"peer", "dir"}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.frames, c.bytes, c.events, c.verifyFail, c.delivered, c.queue, c.assocs} {
			if err := reg.Register(col); err != nil {
				return nil, fmt.Errorf("metrics: register: %w", err)
			}
		}
	}
	return c, nil
}

// FrameIn counts a received frame.
func (c *Collector) FrameIn(typ string, n int) {
	c.frames.WithLabelValues("in", typ).Inc()
	c.bytes.WithLabelValues("in").Add(float64(n))
	c.mtx.Lock()
	c.stats.FramesIn++
	c.stats.BytesIn += int64(n)
	c.mtx.Unlock()
}

// FrameOut counts a transmitted frame.
func (c *Collector) FrameOut(typ string, n int) {
	c.frames.WithLabelValues("out", typ).Inc()
	c.bytes.WithLabelValues("out").Add(float64(n))
	c.mtx.Lock()
	c.stats.FramesOut++
	c.stats.BytesOut += int64(n)
	c.mtx.Unlock()
}

func (c *Collector) SendError() {
	c.events.WithLabelValues("send_err").Inc()
	c.mtx.Lock()
	c.stats.SendErrors++
	c.mtx.Unlock()
}

// Event folds a protocol event into the counters.
func (c *Collector) Event(typ string, fields map[string]any) {
	c.events.WithLabelValues(typ).Inc()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	switch typ {
	case "deliver":
		c.delivered.Inc()
		c.stats.Delivered++
		if n, ok := fields["bytes"].(int); ok {
			c.stats.DeliveredBytes += int64(n)
		}
	case "round_sent":
		c.stats.Rounds++
	case "retransmit":
		c.stats.Retransmits++
	case "verify_fail":
		pkt, _ := fields["packet"].(string)
		c.verifyFail.WithLabelValues(pkt).Inc()
		c.stats.VerifyFails++
	case "round_abandoned":
		c.stats.Abandoned++
	case "assoc_new":
		c.stats.AssocNew++
	case "assoc_die":
		c.stats.AssocDie++
	case "control_swap":
		c.stats.Swaps++
	case "peer_lost":
		c.stats.PeerLost++
	case "peer_restart":
		c.stats.Restarts++
	}
}

// SetPeer publishes the gauges for one peer.
func (c *Collector) SetPeer(name string, queue, outgoing, incoming int) {
	c.queue.WithLabelValues(name).Set(float64(queue))
	c.assocs.WithLabelValues(name, "outgoing").Set(float64(outgoing))
	c.assocs.WithLabelValues(name, "incoming").Set(float64(incoming))
}

// Read returns the current Stats.
func (c *Collector) Read() Stats {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.stats
}
