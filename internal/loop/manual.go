package loop

import (
	"sort"
	"time"
)

// Manual is a virtual-time Scheduler. Nothing runs until the owner calls
// Flush or Advance, which makes timing-dependent behaviour deterministic.
// It must be driven from a single goroutine.
type Manual struct {
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    uint64
}

type manualTimer struct {
	at      time.Time
	fn      func()
	owner   *Manual
	seq     uint64
	stopped bool
}

// NewManual returns a scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time { return m.now }

// Post implements Scheduler.
func (m *Manual) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{at: m.now.Add(d), fn: fn, owner: m, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Flush runs queued callbacks, including those queued while flushing.
func (m *Manual) Flush() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// flushing the queue after each one.
func (m *Manual) Advance(d time.Duration) {
	m.Flush()
	target := m.now.Add(d)
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		t.stopped = true
		m.remove(t)
		t.fn()
		m.Flush()
	}
	m.now = target
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int { return len(m.timers) }

// Queued returns the number of callbacks waiting for Flush.
func (m *Manual) Queued() int { return len(m.queue) }

func (m *Manual) nextDue(limit time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if first := m.timers[0]; !first.at.After(limit) {
		return first
	}
	return nil
}

func (m *Manual) remove(t *manualTimer) {
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.owner.remove(t)
	return true
}
