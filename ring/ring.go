// Package ring implements the bounded single-producer/single-consumer queues
// that connect the real-time capture and playback callbacks to the encoder
// workers. The rings are lock-free: two monotonically increasing atomic
// cursors index a power-of-two buffer, the producer alone advances the write
// cursor and the consumer alone advances the read cursor.
//
// Both sides use a split view so that a batch can be copied across the
// wrap-around point in at most two memcpy-style segment copies, without a
// temporary buffer. The producer reserves, writes into the view, then
// commits; the consumer acquires, reads, then releases. Cursor stores publish
// with release semantics and cursor loads observe with acquire semantics
// (Go's sync/atomic is sequentially consistent, which is strictly stronger).
package ring

import "sync/atomic"

// SplitView exposes up to two contiguous segments of the ring's backing
// array. Second is non-empty only when the range wraps.
type SplitView[T any] struct {
	First  []T
	Second []T
}

// Len returns the total number of elements spanned by the view.
func (v SplitView[T]) Len() int {
	return len(v.First) + len(v.Second)
}

// Ring is a bounded SPSC queue of trivially-copyable elements.
//
// Thread assignment is fixed at construction and unchecked at run time:
// TryReserve/ReserveUpTo/Commit/Write belong to the single producer,
// TryAcquire/AcquireUpTo/Release/Read to the single consumer.
// AvailableRead and AvailableWrite are safe from either side; their
// snapshots may underestimate but never overestimate.
type Ring[T any] struct {
	// Cursors live on separate cache lines so the producer and consumer
	// cores do not false-share.
	writePos atomic.Uint64
	_        [56]byte
	readPos  atomic.Uint64
	_        [56]byte

	buf  []T
	mask uint64
}

// New creates a ring holding at least capacity elements, rounded up to the
// next power of two. capacity must be > 0.
func New[T any](capacity int) *Ring[T] {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Ring[T]{
		buf:  make([]T, size),
		mask: uint64(size - 1),
	}
}

// Capacity returns the number of elements the ring can hold.
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// AvailableRead returns the number of elements ready for the consumer.
func (r *Ring[T]) AvailableRead() int {
	return int(r.writePos.Load() - r.readPos.Load())
}

// AvailableWrite returns the number of free slots for the producer.
func (r *Ring[T]) AvailableWrite() int {
	return len(r.buf) - r.AvailableRead()
}

func (r *Ring[T]) view(start uint64, n int) SplitView[T] {
	pos := start & r.mask
	first := uint64(len(r.buf)) - pos
	if first >= uint64(n) {
		return SplitView[T]{First: r.buf[pos : pos+uint64(n)]}
	}
	return SplitView[T]{
		First:  r.buf[pos:],
		Second: r.buf[:uint64(n)-first],
	}
}

// TryReserve returns a view of exactly n free slots, or ok=false when fewer
// than n are free. Never blocks. Producer only.
func (r *Ring[T]) TryReserve(n int) (SplitView[T], bool) {
	if r.AvailableWrite() < n {
		return SplitView[T]{}, false
	}
	return r.view(r.writePos.Load(), n), true
}

// ReserveUpTo returns a view of min(n, free) slots. The view may be empty.
// Producer only.
func (r *Ring[T]) ReserveUpTo(n int) SplitView[T] {
	if free := r.AvailableWrite(); free < n {
		n = free
	}
	return r.view(r.writePos.Load(), n)
}

// Commit publishes n elements previously written through a reserved view.
// n must not exceed the last reservation; this is not checked, because the
// producer may be a real-time callback that must never panic.
func (r *Ring[T]) Commit(n int) {
	r.writePos.Store(r.writePos.Load() + uint64(n))
}

// Write copies as many elements of src as fit and returns the count.
// Producer only.
func (r *Ring[T]) Write(src []T) int {
	v := r.ReserveUpTo(len(src))
	n := copy(v.First, src)
	n += copy(v.Second, src[n:])
	r.Commit(n)
	return n
}

// TryAcquire returns a view of exactly n readable elements, or ok=false when
// fewer than n are available. Never blocks. Consumer only.
func (r *Ring[T]) TryAcquire(n int) (SplitView[T], bool) {
	if r.AvailableRead() < n {
		return SplitView[T]{}, false
	}
	return r.view(r.readPos.Load(), n), true
}

// AcquireUpTo returns a view of min(n, available) readable elements.
// Consumer only.
func (r *Ring[T]) AcquireUpTo(n int) SplitView[T] {
	if avail := r.AvailableRead(); avail < n {
		n = avail
	}
	return r.view(r.readPos.Load(), n)
}

// Release frees n elements previously acquired. n must not exceed the last
// acquisition; unchecked for the same reason as Commit.
func (r *Ring[T]) Release(n int) {
	r.readPos.Store(r.readPos.Load() + uint64(n))
}

// Read copies up to len(dst) elements out of the ring and returns the count.
// Consumer only.
func (r *Ring[T]) Read(dst []T) int {
	v := r.AcquireUpTo(len(dst))
	n := copy(dst, v.First)
	n += copy(dst[n:], v.Second)
	r.Release(n)
	return n
}
