// Package queue provides a bounded, thread-safe ring buffer that decouples
// event intake from storage writes. Producers get an immediate ErrQueueFull
// signal under backpressure instead of blocking the transport.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/schema"
)

// DefaultCapacity is used when no explicit queue size is configured.
const DefaultCapacity = 10000

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a fixed-capacity circular buffer of classified events.
type RingBuffer struct {
	buffer []*schema.Event
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
// Non-positive sizes fall back to DefaultCapacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultCapacity
	}

	rb := &RingBuffer{
		buffer: make([]*schema.Event, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an event to the queue.
// Returns ErrQueueFull if the queue is at capacity and ErrQueueClosed
// after Close; a full queue counts the event as dropped.
func (rb *RingBuffer) Push(event *schema.Event) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.pushed.Add(1)

	rb.cond.Signal()
	return nil
}

// popLocked removes the head element. Caller must hold mu and have
// verified count > 0.
func (rb *RingBuffer) popLocked() *schema.Event {
	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil // allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.popped.Add(1)
	return event
}

// Pop removes and returns the oldest event without blocking.
// Returns ErrQueueEmpty if nothing is queued.
func (rb *RingBuffer) Pop() (*schema.Event, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking removes and returns the oldest event, waiting until one
// is available or the queue is closed.
func (rb *RingBuffer) PopBlocking() (*schema.Event, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// PopWithTimeout removes and returns the oldest event, waiting up to
// timeout. Returns ErrQueueEmpty on timeout and ErrQueueClosed once the
// queue is closed and drained.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.Event, error) {
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}

		// cond.Wait has no deadline, so arm a timer that wakes
		// every waiter; each re-checks its own deadline.
		timer := time.AfterFunc(remaining, func() {
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})

		rb.cond.Wait()
		timer.Stop()
	}

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// Len returns the current number of queued events.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the queue capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// IsFull reports whether the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// IsEmpty reports whether the queue holds no events.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// Close marks the queue closed and wakes all blocked consumers.
// Queued events remain poppable until drained.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns a snapshot of queue counters.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds cumulative queue statistics.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
