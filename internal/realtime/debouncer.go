package realtime

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers per key into a single callback
// after a quiet window. The live-aggregate path uses it so a burst of
// submissions schedules one recomputation instead of one per write.
type Debouncer struct {
	window time.Duration
	fn     func(key string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer builds a debouncer invoking fn at most once per window per
// key. Windows at or below zero fire almost immediately but still coalesce.
func NewDebouncer(window time.Duration, fn func(key string)) *Debouncer {
	if window <= 0 {
		window = time.Millisecond
	}
	return &Debouncer{
		window: window,
		fn:     fn,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger schedules (or reschedules) the callback for key.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, ok := d.timers[key]; ok {
		timer.Reset(d.window)
		return
	}
	d.timers[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.fn(key)
		}
	})
}

// Stop cancels all pending callbacks and rejects further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
