// Package buffer provides the bounded replay buffer for session output.
package buffer

import (
	"sync"
)

// ReplayBuffer is a thread-safe bounded byte log holding the most recent
// session output up to a fixed capacity. When full, the oldest bytes are
// evicted to make room for new data.
//
// A snapshot of the buffer is handed to a client when it joins a session so
// the terminal can render recent history before live output resumes.
type ReplayBuffer struct {
	data     []byte
	capacity int
	mu       sync.RWMutex
}

// NewReplayBuffer creates a ReplayBuffer with the given capacity in bytes.
// A capacity below 1 is clamped to 1.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplayBuffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends data, evicting the oldest bytes once the total exceeds
// capacity. Implements io.Writer.
func (rb *ReplayBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	// A chunk at least as large as the capacity replaces everything.
	if len(p) >= rb.capacity {
		rb.data = make([]byte, rb.capacity)
		copy(rb.data, p[len(p)-rb.capacity:])
		return len(p), nil
	}

	newLen := len(rb.data) + len(p)
	if newLen <= rb.capacity {
		rb.data = append(rb.data, p...)
	} else {
		discard := newLen - rb.capacity
		newData := make([]byte, rb.capacity)
		copy(newData, rb.data[discard:])
		copy(newData[len(rb.data)-discard:], p)
		rb.data = newData
	}

	return len(p), nil
}

// Snapshot returns a copy of the buffered bytes, safe to use without locking.
func (rb *ReplayBuffer) Snapshot() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.data) == 0 {
		return nil
	}
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

// Clear discards all buffered bytes.
func (rb *ReplayBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}

// Len returns the current number of buffered bytes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.data)
}

// Cap returns the buffer capacity.
func (rb *ReplayBuffer) Cap() int {
	return rb.capacity
}
