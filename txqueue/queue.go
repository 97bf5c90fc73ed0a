package txqueue

import "errors"

// ErrFull is returned by Queue.Push when the queue is at capacity.
var ErrFull = errors.New("txqueue: queue full")

// Queue is a bounded FIFO of pool handles with an optional parallel
// high-priority sub-queue that is always drained before the FIFO (spec
// §4.5 "Ordering tie-breaks") and a single poison-pill slot that is
// capacity-exempt (spec §3).
type Queue struct {
	capacity int
	fifo     []int
	priority []int
	poison   bool
	poisonSet bool
}

// NewQueue builds a queue with the given capacity. Capacity bounds the
// FIFO and priority sub-queues independently is not required by the spec;
// here it bounds their combined pending count, matching "Max pending
// transactions/requests" in spec §6.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// SetCapacity changes the queue's capacity; it does not evict any already
// queued handle, even if the new capacity is smaller than the current
// pending count.
func (q *Queue) SetCapacity(n int) { q.capacity = n }

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Len returns the total number of pending handles, excluding the poison
// pill.
func (q *Queue) Len() int { return len(q.fifo) + len(q.priority) }

// Push enqueues handle into the FIFO (or the priority sub-queue when
// highPriority is set). It fails with ErrFull if the queue is at capacity.
func (q *Queue) Push(handle int, highPriority bool) error {
	if q.Len() >= q.capacity {
		return ErrFull
	}
	if highPriority {
		q.priority = append(q.priority, handle)
	} else {
		q.fifo = append(q.fifo, handle)
	}
	return nil
}

// PushPoison installs the poison-pill token. It is capacity-exempt and
// idempotent: a second call while one is pending is a no-op.
func (q *Queue) PushPoison() {
	q.poisonSet = true
	q.poison = true
}

// PoisonPending reports whether a poison pill is queued.
func (q *Queue) PoisonPending() bool { return q.poisonSet }

// Pop removes and returns the next handle to serve: the poison pill first
// (if queued), then the priority sub-queue (drained to empty), then the
// FIFO. ok is false if nothing is pending.
func (q *Queue) Pop() (handle int, isPoison bool, ok bool) {
	if q.poisonSet && q.poison {
		q.poisonSet = false
		q.poison = false
		return 0, true, true
	}
	if len(q.priority) > 0 {
		handle = q.priority[0]
		q.priority = q.priority[1:]
		return handle, false, true
	}
	if len(q.fifo) > 0 {
		handle = q.fifo[0]
		q.fifo = q.fifo[1:]
		return handle, false, true
	}
	return 0, false, false
}

// Drain removes and returns every pending handle (priority first, then
// FIFO) and clears any pending poison pill, leaving the queue empty. Used
// to flush to CANCELLED/DROPPED when a poison pill reaches the head (spec
// §3) or when the queue is reset.
func (q *Queue) Drain() []int {
	out := make([]int, 0, len(q.priority)+len(q.fifo))
	out = append(out, q.priority...)
	out = append(out, q.fifo...)
	q.priority = nil
	q.fifo = nil
	q.poison = false
	q.poisonSet = false
	return out
}

// Remove deletes handle from whichever sub-queue it is pending in (used by
// cancel()). ok reports whether it was found.
func (q *Queue) Remove(handle int) (ok bool) {
	if idx := indexOf(q.priority, handle); idx >= 0 {
		q.priority = append(q.priority[:idx], q.priority[idx+1:]...)
		return true
	}
	if idx := indexOf(q.fifo, handle); idx >= 0 {
		q.fifo = append(q.fifo[:idx], q.fifo[idx+1:]...)
		return true
	}
	return false
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
