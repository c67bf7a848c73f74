package audio

import (
	"sync"

	"meetscribe/internal/ports"
)

// FrameQueue is the hand-off between a device callback and the consumer. Push never blocks:
// when the queue is full the oldest frame is discarded.
type FrameQueue struct {
	ch     chan ports.Frame
	mu     sync.Mutex
	closed bool
	onDrop func()
}

// NewFrameQueue builds a queue; onDrop, if set, runs once per evicted frame.
func NewFrameQueue(capacity int, onDrop func()) *FrameQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &FrameQueue{ch: make(chan ports.Frame, capacity), onDrop: onDrop}
}

// Push delivers f, evicting the oldest queued frame if needed. It reports whether a frame
// was dropped.
func (q *FrameQueue) Push(f ports.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	select {
	case q.ch <- f:
		return false
	default:
	}

	dropped := false
	select {
	case <-q.ch:
		dropped = true
	default:
	}

	select {
	case q.ch <- f:
	default:
		dropped = true
	}

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	return dropped
}

// Frames returns the consumer side.
func (q *FrameQueue) Frames() <-chan ports.Frame {
	return q.ch
}

// Close ends the frame sequence. Safe to call more than once.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// TryPush delivers f only when there is room. It reports false when the queue is full
// or closed.
func (q *FrameQueue) TryPush(f ports.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- f:
		return true
	default:
		return false
	}
}
