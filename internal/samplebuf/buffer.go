package samplebuf

import (
	"sync"
)

// DefaultCapacity is the number of samples retained for display
const DefaultCapacity = 7000

// Buffer holds the most recent ECG samples in arrival order.
// When an append would exceed capacity the oldest samples are evicted first.
//
// One writer, many readers. Readers only ever see copies.
type Buffer struct {
	data     []float64
	capacity int
	version  uint64
	mutex    sync.RWMutex
}

// New creates a buffer. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:     make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a batch, evicting from the front so that Len() <= Cap()
func (b *Buffer) Append(batch []float64) {
	if len(batch) == 0 {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	// A batch larger than capacity only contributes its tail
	if len(batch) > b.capacity {
		batch = batch[len(batch)-b.capacity:]
	}

	if overflow := len(b.data) + len(batch) - b.capacity; overflow > 0 {
		b.data = b.data[overflow:]
	}

	// Compact once the window has slid far enough that the backing array would keep growing
	if cap(b.data)-len(b.data) < len(batch) && len(b.data)+len(batch) <= b.capacity {
		compacted := make([]float64, len(b.data), 2*b.capacity)
		copy(compacted, b.data)
		b.data = compacted
	}

	b.data = append(b.data, batch...)
	b.version++
}

// Snapshot returns a copy of the current contents, oldest first
func (b *Buffer) Snapshot() []float64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	out := make([]float64, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered samples
func (b *Buffer) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.data)
}

// Cap returns the retention capacity
func (b *Buffer) Cap() int {
	return b.capacity
}

// Version increments on every mutation; readers can use it to skip redundant redraws
func (b *Buffer) Version() uint64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.version
}

// Clear empties the buffer
func (b *Buffer) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.data = make([]float64, 0, b.capacity)
	b.version++
}
