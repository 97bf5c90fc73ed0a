package txqueue

import "sync/atomic"

// SPSC is a lock-free single-producer/single-consumer ring buffer of pool
// handles, sized to the next power of two at or above the requested
// capacity (spec §4.7). It is safe for exactly one producer goroutine
// (which may be an ISR-equivalent callback) and one consumer goroutine to
// use concurrently, provided the consumer is not that same producer.
type SPSC struct {
	mask uint64
	buf  []spscSlot

	// head/tail are the next slot indices, mod len(buf). head is only
	// written by the producer, tail only by the consumer; both are atomic
	// so the other side's read of them (for diagnostics) is race-free.
	head atomic.Uint64
	tail atomic.Uint64

	highWater atomic.Uint64
}

type spscSlot struct {
	seq   atomic.Uint64
	value int
}

// NewSPSC builds a ring with capacity rounded up to the next power of two.
func NewSPSC(capacity int) *SPSC {
	n := nextPow2(capacity)
	r := &SPSC{
		mask: uint64(n - 1),
		buf:  make([]spscSlot, n),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Enqueue attempts to push value without blocking. ok is false if the ring
// is full. Only the designated producer may call this.
func (r *SPSC) Enqueue(value int) (ok bool) {
	head := r.head.Load()
	slot := &r.buf[head&r.mask]
	seq := slot.seq.Load()
	diff := int64(seq) - int64(head)
	if diff != 0 {
		return false // full
	}
	slot.value = value
	slot.seq.Store(head + 1)
	r.head.Store(head + 1)

	if used := (head + 1) - r.tail.Load(); used > r.highWater.Load() {
		r.highWater.Store(used)
	}
	return true
}

// Dequeue attempts to pop the oldest value without blocking. ok is false
// if the ring is empty. Only the designated consumer may call this.
func (r *SPSC) Dequeue() (value int, ok bool) {
	tail := r.tail.Load()
	slot := &r.buf[tail&r.mask]
	seq := slot.seq.Load()
	diff := int64(seq) - int64(tail+1)
	if diff != 0 {
		return 0, false // empty
	}
	value = slot.value
	slot.seq.Store(tail + uint64(len(r.buf)))
	r.tail.Store(tail + 1)
	return value, true
}

// HighWaterMark returns the largest occupancy observed so far.
func (r *SPSC) HighWaterMark() uint64 { return r.highWater.Load() }
