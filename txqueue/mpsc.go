package txqueue

import "sync/atomic"

// MPSC is a multi-producer, single-consumer ring buffer of pool handles,
// using a CAS-guarded tail for producers and a plain head for the single
// consumer (spec §4.7). Any number of producer goroutines may call
// Enqueue concurrently; only one goroutine may call Dequeue.
type MPSC struct {
	mask uint64
	buf  []mpscSlot

	enqueuePos atomic.Uint64 // contested by all producers
	dequeuePos uint64        // owned solely by the consumer

	highWater atomic.Uint64
}

type mpscSlot struct {
	seq   atomic.Uint64
	value int
}

// NewMPSC builds a ring with capacity rounded up to the next power of two.
func NewMPSC(capacity int) *MPSC {
	n := nextPow2(capacity)
	r := &MPSC{
		mask: uint64(n - 1),
		buf:  make([]mpscSlot, n),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// Enqueue attempts to push value without blocking, from any producer
// goroutine. ok is false if the ring is full.
func (r *MPSC) Enqueue(value int) (ok bool) {
	pos := r.enqueuePos.Load()
	for {
		slot := &r.buf[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				slot.value = value
				slot.seq.Store(pos + 1)
				if used := (pos + 1) - atomic.LoadUint64(&r.dequeuePos); used > r.highWater.Load() {
					r.highWater.Store(used)
				}
				return true
			}
			pos = r.enqueuePos.Load()
		case diff < 0:
			return false // full
		default:
			pos = r.enqueuePos.Load()
		}
	}
}

// Dequeue attempts to pop the oldest value without blocking. ok is false
// if the ring is empty. Only the single designated consumer may call this.
func (r *MPSC) Dequeue() (value int, ok bool) {
	pos := r.dequeuePos
	slot := &r.buf[pos&r.mask]
	seq := slot.seq.Load()
	diff := int64(seq) - int64(pos+1)
	if diff != 0 {
		return 0, false // empty
	}
	value = slot.value
	slot.seq.Store(pos + uint64(len(r.buf)))
	atomic.StoreUint64(&r.dequeuePos, pos+1)
	return value, true
}

// HighWaterMark returns the largest occupancy observed so far.
func (r *MPSC) HighWaterMark() uint64 { return r.highWater.Load() }
