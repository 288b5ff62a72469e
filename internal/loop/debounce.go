package loop

import "time"

// Debouncer collapses bursts of triggers. The first trigger after a quiet
// period runs immediately, triggers inside the window are folded into a
// single trailing run at the end of it.
type Debouncer struct {
	sched   Scheduler
	timer   Timer
	fn      func()
	window  time.Duration
	pending bool
}

// NewDebouncer creates a debouncer that calls fn on sched.
func NewDebouncer(sched Scheduler, window time.Duration, fn func()) *Debouncer {
	return &Debouncer{sched: sched, window: window, fn: fn}
}

// Trigger requests a run.
func (d *Debouncer) Trigger() {
	if d.timer != nil {
		d.pending = true
		return
	}
	// window opens before fn so re-entrant triggers become trailing
	d.open()
	d.fn()
}

// Pending reports whether a trailing run is scheduled.
func (d *Debouncer) Pending() bool { return d.pending }

// Active reports whether the debounce window is open.
func (d *Debouncer) Active() bool { return d.timer != nil }

// Cancel closes the window and drops any trailing run.
func (d *Debouncer) Cancel() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
}

func (d *Debouncer) open() {
	d.timer = d.sched.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.timer = nil
	if !d.pending {
		return
	}
	d.pending = false
	d.open()
	d.fn()
}
