package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/getsentry/clientreport/internal/ratelimit"
)

const defaultCapacity = 100

// Buffer is a thread-safe ring buffer with overflow policies. Every item it
// evicts or refuses is handed to the dropped callback, so callers can account
// for it in a client report.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int
	tail     int
	size     int
	capacity int

	category       ratelimit.Category
	overflowPolicy OverflowPolicy

	offered   int64
	dropped   int64
	onDropped func(item T, policy OverflowPolicy)
}

func NewBuffer[T any](category ratelimit.Category, capacity int, overflowPolicy OverflowPolicy) *Buffer[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &Buffer[T]{
		items:          make([]T, capacity),
		capacity:       capacity,
		category:       category,
		overflowPolicy: overflowPolicy,
	}
}

// SetDroppedCallback registers fn to receive items lost to overflow. fn is
// called with the buffer lock held and must not call back into the buffer.
func (b *Buffer[T]) SetDroppedCallback(fn func(item T, policy OverflowPolicy)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDropped = fn
}

// Offer adds an item to the buffer, returns false if dropped due to overflow.
func (b *Buffer[T]) Offer(item T) bool {
	atomic.AddInt64(&b.offered, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < b.capacity {
		b.items[b.tail] = item
		b.tail = (b.tail + 1) % b.capacity
		b.size++
		return true
	}

	atomic.AddInt64(&b.dropped, 1)
	if b.overflowPolicy == OverflowPolicyDropOldest {
		oldItem := b.items[b.head]
		b.items[b.head] = item
		b.head = (b.head + 1) % b.capacity
		b.tail = (b.tail + 1) % b.capacity
		if b.onDropped != nil {
			b.onDropped(oldItem, b.overflowPolicy)
		}
		return true
	}

	if b.onDropped != nil {
		b.onDropped(item, b.overflowPolicy)
	}
	return false
}

// Poll removes and returns the oldest item, false if empty.
func (b *Buffer[T]) Poll() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}

	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % b.capacity
	b.size--

	return item, true
}

// Drain removes and returns all items
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}

	result := make([]T, b.size)
	var zero T

	for i := 0; i < b.size; i++ {
		pos := (b.head + i) % b.capacity
		result[i] = b.items[pos]
		b.items[pos] = zero
	}

	b.head = 0
	b.tail = 0
	b.size = 0

	return result
}

func (b *Buffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

func (b *Buffer[T]) Category() ratelimit.Category {
	return b.category
}

func (b *Buffer[T]) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size == 0
}

func (b *Buffer[T]) OfferedCount() int64 {
	return atomic.LoadInt64(&b.offered)
}

func (b *Buffer[T]) DroppedCount() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// GetMetrics returns a point-in-time view of the buffer counters.
func (b *Buffer[T]) GetMetrics() BufferMetrics {
	b.mu.RLock()
	size := b.size
	b.mu.RUnlock()

	offered := b.OfferedCount()
	dropped := b.DroppedCount()
	m := BufferMetrics{
		Category:      b.category,
		Capacity:      b.capacity,
		Size:          size,
		OfferedCount:  offered,
		DroppedCount:  dropped,
		AcceptedCount: offered - dropped,
	}
	if offered > 0 {
		m.DropRate = float64(dropped) / float64(offered)
	}
	return m
}

type BufferMetrics struct {
	Category      ratelimit.Category `json:"category"`
	Capacity      int                `json:"capacity"`
	Size          int                `json:"size"`
	OfferedCount  int64              `json:"offered_count"`
	DroppedCount  int64              `json:"dropped_count"`
	AcceptedCount int64              `json:"accepted_count"`
	DropRate      float64            `json:"drop_rate"`
}
