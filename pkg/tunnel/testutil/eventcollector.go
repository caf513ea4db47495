package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/juanpablocruz/alpha/pkg/tunnel"
)

// EventCollector subscribes to a tunnel's event stream and buffers events
// for deterministic assertions in tests without racing on channel close.
type EventCollector struct {
	ch     chan tunnel.Event
	notify chan struct{}

	mu  sync.Mutex
	buf []tunnel.Event

	cancel context.CancelFunc
}

func NewEventCollector(buffer int) *EventCollector {
	return &EventCollector{
		ch:     make(chan tunnel.Event, buffer),
		notify: make(chan struct{}, 1),
	}
}

// Attach connects the collector to the tunnel and starts the buffering
// loop. Call it before the tunnel runs.
func (ec *EventCollector) Attach(t *tunnel.Tunnel) {
	ctx, cancel := context.WithCancel(context.Background())
	ec.cancel = cancel
	t.AttachEvents(ec.ch)
	go ec.loop(ctx)
}

// Detach stops the buffering loop. The tunnel keeps its channel and drops
// events once it fills.
func (ec *EventCollector) Detach() {
	if ec.cancel != nil {
		ec.cancel()
	}
}

func (ec *EventCollector) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ec.ch:
			ec.mu.Lock()
			ec.buf = append(ec.buf, e)
			select {
			case ec.notify <- struct{}{}:
			default:
			}
			ec.mu.Unlock()
		}
	}
}

// Snapshot returns a copy of buffered events.
func (ec *EventCollector) Snapshot() []tunnel.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]tunnel.Event, len(ec.buf))
	copy(out, ec.buf)
	return out
}

// Count returns how many buffered events have the given type.
func (ec *EventCollector) Count(typ tunnel.EventType) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	n := 0
	for _, e := range ec.buf {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// WaitFor waits up to timeout for pred to be satisfied by the buffered events.
func (ec *EventCollector) WaitFor(timeout time.Duration, pred func([]tunnel.Event) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		ec.mu.Lock()
		ok := pred(ec.buf)
		ec.mu.Unlock()
		if ok {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ec.notify:
			// new event, re-check
		case <-time.After(remaining):
			return false
		}
	}
}

// HasType is a WaitFor predicate matching at least n events of typ.
func HasType(typ tunnel.EventType, n int) func([]tunnel.Event) bool {
	return func(evs []tunnel.Event) bool {
		c := 0
		for _, e := range evs {
			if e.Type == typ {
				c++
			}
		}
		return c >= n
	}
}
