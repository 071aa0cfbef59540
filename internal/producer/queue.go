package producer

import "sync/atomic"

// paramQueueCapacity bounds in-flight parameter writes. Generous for a
// metadata-only queue: each entry is an offset plus a small value, never
// a full parameter image.
const paramQueueCapacity = 256

// ParameterWrite is one pending WRITE verb result, queued by a session on
// the dispatcher thread and drained by the producer on its own tick loop.
type ParameterWrite struct {
	Principal string
	Offset    uint32
	Data      []byte
}

// ParameterQueue is the single-producer/single-consumer queue spec.md §9
// asks for in place of an ad-hoc semaphore: the dispatcher thread is the
// only pusher (every Session's WRITE handler runs serialized on it), the
// producer's tick loop is the only popper, and each side touches only the
// cursor it owns, so no lock is needed — the same acquire/release
// discipline as internal/ring, applied to a fixed slot array instead of
// raw bytes.
type ParameterQueue struct {
	slots [paramQueueCapacity]ParameterWrite
	head  atomic.Uint64
	tail  atomic.Uint64
}

// NewParameterQueue creates an empty queue.
func NewParameterQueue() *ParameterQueue {
	return &ParameterQueue{}
}

// TryPush enqueues w from the dispatcher thread. It returns false if the
// queue is full, which callers should surface to the client as
// backpressure (e.g. `-ERR parameter queue full`) rather than block.
func (q *ParameterQueue) TryPush(w ParameterWrite) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head >= paramQueueCapacity {
		return false
	}
	q.slots[tail%paramQueueCapacity] = w
	q.tail.Store(tail + 1)
	return true
}

// TryPop dequeues one write from the producer thread, or reports
// ok=false if the queue is currently empty.
func (q *ParameterQueue) TryPop() (ParameterWrite, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return ParameterWrite{}, false
	}
	w := q.slots[head%paramQueueCapacity]
	q.head.Store(head + 1)
	return w, true
}
