// Package clock provides the time source the tunnel schedules against, with
// a manually advanced fake for tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and creates timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// System is the wall clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time                 { return time.Now() }
func (systemClock) NewTimer(d time.Duration) Timer { return systemTimer{time.NewTimer(d)} }

type systemTimer struct{ t *time.Timer }

func (s systemTimer) C() <-chan time.Time { return s.t.C }
func (s systemTimer) Stop() bool          { return s.t.Stop() }

// Fake only moves when Advance or Set is called.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers map[int]*fakeTimer
	nextID int
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t, timers: map[int]*fakeTimer{}}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{f: f, id: f.nextID, when: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.nextID++
	if !t.fire(f.now) {
		f.timers[t.id] = t
	}
	return t
}

func (f *Fake) Advance(d time.Duration) { f.Set(f.Now().Add(d)) }

// Set moves the clock and fires every timer that is due.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	for id, tm := range f.timers {
		if tm.fire(t) {
			delete(f.timers, id)
		}
	}
}

type fakeTimer struct {
	f    *Fake
	id   int
	when time.Time
	ch   chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	_, ok := t.f.timers[t.id]
	delete(t.f.timers, t.id)
	return ok
}

func (t *fakeTimer) fire(now time.Time) bool {
	if now.Before(t.when) {
		return false
	}
	select {
	case t.ch <- now:
	default:
	}
	return true
}
