package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is discarded.
// Sending after Close is a silent no-op, so late callbacks from a finished
// operation cannot panic the producer.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println("got:", v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Consumers can range over this until it's closed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest when full.
// Returns true if an element was dropped to make room.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.metrics.addOverwritten(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.metrics.addWritten(1)
	return dropped
}

// TrySend attempts to insert without dropping anything.
// Returns false if the buffer is full or the channel is closed.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Drain discards every buffered element and returns how many were dropped.
func (rc *RingChannel[T]) Drain() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	n := 0
	for {
		select {
		case _, ok := <-rc.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Buffered elements remain readable. Idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Closed reports whether Close was called
func (rc *RingChannel[T]) Closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// GetMetrics returns a snapshot of current metrics values.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics provides lock-free metrics tracking for RingChannel.
type Metrics struct {
	Written     int64
	Overwritten int64
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
