// Package coalesce batches raw output chunks into periodic frames.
package coalesce

import (
	"sync"
	"time"
)

// TimerFactory schedules a function after a delay and returns a cancel
// function. Production code uses time.AfterFunc; tests inject a manual
// trigger so no test sleeps on the wall clock.
type TimerFactory func(d time.Duration, fn func()) (cancel func())

func defaultTimerFactory(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Coalescer accumulates raw output and emits it as one frame per interval.
// The flush timer is armed by the first chunk landing in an empty pending
// buffer and is not re-armed while a flush is already scheduled. FlushNow
// performs a synchronous flush; callers use it to guarantee the
// output-before-exit ordering.
type Coalescer struct {
	interval time.Duration
	emit     func(frame []byte)
	newTimer TimerFactory

	mu      sync.Mutex
	pending []byte
	cancel  func()
	stopped bool
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithTimerFactory replaces the flush scheduler. Test hook.
func WithTimerFactory(f TimerFactory) Option {
	return func(c *Coalescer) { c.newTimer = f }
}

// New creates a Coalescer that emits one coalesced frame per interval via
// emit. The emit callback receives the concatenation of all chunks written
// since the previous flush, in write order.
func New(interval time.Duration, emit func(frame []byte), opts ...Option) *Coalescer {
	c := &Coalescer{
		interval: interval,
		emit:     emit,
		newTimer: defaultTimerFactory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write appends a chunk to the pending buffer, arming the flush timer if
// this is the first chunk since the last flush.
func (c *Coalescer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	wasEmpty := len(c.pending) == 0
	c.pending = append(c.pending, chunk...)

	if wasEmpty && c.cancel == nil {
		c.cancel = c.newTimer(c.interval, c.fire)
	}
}

// fire is the timer callback.
func (c *Coalescer) fire() {
	c.flush()
}

// FlushNow synchronously emits any pending bytes and clears the armed
// timer. Safe to call when nothing is pending.
func (c *Coalescer) FlushNow() {
	c.flush()
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	frame := c.pending
	c.pending = nil
	stopped := c.stopped
	c.mu.Unlock()

	if len(frame) == 0 || stopped {
		return
	}
	c.emit(frame)
}

// Stop flushes pending output and prevents further emission.
func (c *Coalescer) Stop() {
	c.flush()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.pending = nil
}

// PendingLen reports the size of the unflushed buffer. Test hook.
func (c *Coalescer) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
