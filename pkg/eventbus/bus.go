// Package eventbus fans tunnel events out to independent consumers. Each
// subscriber has its own queue and worker, so a slow consumer delays only
// itself; subscribers marked lossy drop instead of pushing back.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Handler consumes one event.
type Handler[T any] func(T)

type subscriber[T any] struct {
	name    string
	ch      chan T
	fn      Handler[T]
	lossy   bool
	dropped atomic.Int64
}

// SubOption configures a subscription.
type SubOption func(*subOpts)

type subOpts struct {
	buf   int
	lossy bool
}

// WithBuffer sets the subscriber queue capacity.
func WithBuffer(n int) SubOption {
	return func(o *subOpts) {
		if n < 1 {
			n = 1
		}
		o.buf = n
	}
}

// Lossy drops events when the subscriber queue is full.
func Lossy() SubOption {
	return func(o *subOpts) { o.lossy = true }
}

// Bus delivers every published event to every subscriber registered
// before Start. Publish blocks on a full queue unless the subscriber is
// lossy.
type Bus[T any] struct {
	mu      sync.Mutex
	subs    []*subscriber[T]
	started atomic.Bool
	// pubMu is held shared by Publish and exclusively by Stop.
	pubMu   sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	proc    sync.WaitGroup
}

func New[T any]() *Bus[T] { return &Bus[T]{} }

// Subscribe registers fn under name. Subscriptions after Start are ignored
// and reported as false.
func (b *Bus[T]) Subscribe(name string, fn Handler[T], opts ...SubOption) bool {
	o := subOpts{buf: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started.Load() {
		return false
	}
	b.subs = append(b.subs, &subscriber[T]{name: name, ch: make(chan T, o.buf), fn: fn, lossy: o.lossy})
	return true
}

// Start launches one worker per subscriber. Idempotent.
func (b *Bus[T]) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	for _, s := range b.subs {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for ev := range s.ch {
				b.handle(s, ev)
			}
		}()
	}
}

func (b *Bus[T]) handle(s *subscriber[T], ev T) {
	defer b.proc.Done()
	defer func() {
		// a panicking handler must not wedge the bus
		_ = recover()
	}()
	s.fn(ev)
}

// Publish hands ev to every subscriber. It is a no-op before Start and
// after Stop.
func (b *Bus[T]) Publish(ev T) {
	if !b.started.Load() {
		return
	}
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.stopped {
		return
	}
	for _, s := range b.subs {
		b.proc.Add(1)
		if !s.lossy {
			s.ch <- ev
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.proc.Done()
			s.dropped.Add(1)
		}
	}
}

// Pump publishes everything received on in until it is closed or done
// is closed.
func (b *Bus[T]) Pump(done <-chan struct{}, in <-chan T) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}

// WaitForProcessing blocks until every event published so far has been
// handled or dropped.
func (b *Bus[T]) WaitForProcessing() { b.proc.Wait() }

// Dropped reports how many events a lossy subscriber discarded.
func (b *Bus[T]) Dropped(name string) int64 {
	for _, s := range b.subs {
		if s.name == name {
			return s.dropped.Load()
		}
	}
	return 0
}

// Stop drains the queues and waits for the workers. Idempotent.
func (b *Bus[T]) Stop() {
	if !b.started.Load() {
		return
	}
	b.pubMu.Lock()
	if b.stopped {
		b.pubMu.Unlock()
		return
	}
	b.stopped = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.pubMu.Unlock()
	b.wg.Wait()
}
