// Package loop provides the single-threaded cooperative scheduler every core
// component runs on. Callbacks posted to a scheduler never overlap, so state
// owned by the flight controller, the transition coordinator and the
// reconciler needs no locking as long as it is only touched from callbacks.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer; false means it already ran or was stopped.
	Stop() bool
}

// Scheduler serialises callbacks onto one logical thread.
type Scheduler interface {
	Now() time.Time
	// Post queues fn to run after the current callback returns.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is the production scheduler backed by a goroutine and wall-clock timers.
type Loop struct {
	wake    chan struct{}
	done    chan struct{}
	queue   []func()
	mu      sync.Mutex
	timers  atomic.Int64
	running atomic.Bool
	closed  bool
}

// New creates a loop. Run must be called to start processing.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time { return time.Now() }

// Post implements Scheduler. Posting after the loop stopped is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{owner: l}
	l.timers.Add(1)
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.CompareAndSwap(false, true) {
				l.timers.Add(-1)
				fn()
			}
		})
	})
	return t
}

// Pending returns the number of armed timers.
func (l *Loop) Pending() int { return int(l.timers.Load()) }

// Run processes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		for {
			fn := l.next()
			if fn == nil {
				break
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Call runs fn on the loop and waits for it to return. If ctx ends or the
// loop stops before fn started, fn is skipped and the error is returned; a
// nil error means fn ran to completion.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	var claimed atomic.Bool
	finished := make(chan struct{})
	l.Post(func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		if claimed.CompareAndSwap(false, true) {
			return ErrStopped
		}
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
	}
	// fn already started
	<-finished
	return nil
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

type loopTimer struct {
	owner   *Loop
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.owner.timers.Add(-1)
	t.timer.Stop()
	return true
}
