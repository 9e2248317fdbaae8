// Package throttle rate limits a callback while guaranteeing that the most
// recent trigger is never dropped.
package throttle

import (
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Throttle runs a callback at most once per interval. Triggers that arrive
// while the callback is cooling down are coalesced, and the callback runs
// once more with the arguments of the latest trigger when the interval
// elapses.
type Throttle[T any] struct {
	clock    clockwork.Clock
	interval time.Duration
	fn       func(T)

	lock    goSync.Mutex
	args    T
	dirty   bool
	armed   bool
	stopped bool
	lastRun time.Time
	stop    chan struct{}
}

// New creates a Throttle that calls `fn` at most once per `interval`.
func New[T any](clock clockwork.Clock, interval time.Duration, fn func(T)) *Throttle[T] {
	return &Throttle[T]{
		clock:    clock,
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
	}
}

// Trigger schedules a call with `args`. It never blocks on the callback.
func (t *Throttle[T]) Trigger(args T) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopped {
		return
	}

	t.args = args
	t.dirty = true
	if t.armed {
		return
	}

	t.armed = true
	wait := t.interval - t.clock.Since(t.lastRun)
	go t.run(wait)
}

// Stop cancels any pending call. Calls already in progress run to
// completion.
func (t *Throttle[T]) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
}

func (t *Throttle[T]) run(wait time.Duration) {
	for {
		if wait > 0 {
			select {
			case <-t.clock.After(wait):
			case <-t.stop:
				return
			}
		}

		t.lock.Lock()
		if t.stopped || !t.dirty {
			t.armed = false
			t.lock.Unlock()
			return
		}
		args := t.args
		t.dirty = false
		t.lastRun = t.clock.Now()
		t.lock.Unlock()

		t.fn(args)

		// Stay armed through the cooldown so that triggers during it are
		// folded into a single trailing call.
		wait = t.interval
	}
}
