// Package flow implements watermark-based backpressure for per-connection
// output delivery.
package flow

import "sync"

// Signal is a pause or resume notification emitted when the pending frame
// count crosses a watermark.
type Signal int

const (
	// SignalPause asks the producer to stop delivering output frames.
	SignalPause Signal = iota
	// SignalResume asks the producer to continue.
	SignalResume
)

// Controller tracks frames queued toward a single connection and emits
// pause/resume signals at the configured watermarks. Pause fires when the
// pending count reaches the high watermark; resume fires once it drains
// below the low watermark. Signals never repeat without the opposite
// transition in between.
type Controller struct {
	high int
	low  int

	mu       sync.Mutex
	pending  int
	paused   bool
	onSignal func(Signal)
}

// NewController creates a Controller with the given watermarks. onSignal is
// invoked outside the lock, in transition order.
func NewController(high, low int, onSignal func(Signal)) *Controller {
	if onSignal == nil {
		onSignal = func(Signal) {}
	}
	return &Controller{high: high, low: low, onSignal: onSignal}
}

// FrameQueued records a frame handed to the connection's send queue. It
// returns true if output delivery should currently be suspended.
func (c *Controller) FrameQueued() bool {
	c.mu.Lock()
	c.pending++
	fire := false
	if !c.paused && c.pending >= c.high {
		c.paused = true
		fire = true
	}
	paused := c.paused
	c.mu.Unlock()

	if fire {
		c.onSignal(SignalPause)
	}
	return paused
}

// FrameSent records a frame actually written to the socket.
func (c *Controller) FrameSent() {
	c.mu.Lock()
	if c.pending > 0 {
		c.pending--
	}
	fire := false
	if c.paused && c.pending < c.low {
		c.paused = false
		fire = true
	}
	c.mu.Unlock()

	if fire {
		c.onSignal(SignalResume)
	}
}

// Paused reports whether delivery is currently suspended.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pending reports the current queued frame count.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Reset clears all state. Called when the connection re-establishes so a
// stale pause can never survive a reconnect.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.pending = 0
	c.paused = false
	c.mu.Unlock()
}
