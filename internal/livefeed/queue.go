package livefeed

import "cas-player/internal/media"

// DefaultQueueCapacity bounds pending announcements when no capacity is set.
const DefaultQueueCapacity = 64

// Queue holds announced segment references in arrival order. It is bounded:
// pushing onto a full queue evicts the oldest entry. A Queue is owned by one
// goroutine and does no locking.
type Queue struct {
	buf     []media.Ref
	head    int
	size    int
	dropped uint64
}

// NewQueue returns an empty queue holding at most capacity references.
// capacity <= 0 selects DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{buf: make([]media.Ref, capacity)}
}

// Push appends ref at the tail. It reports whether an older entry was
// evicted to make room.
func (q *Queue) Push(ref media.Ref) (evicted bool) {
	if q.size == len(q.buf) {
		q.buf[q.head] = media.Ref{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ref
	q.size++
	return evicted
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (media.Ref, bool) {
	if q.size == 0 {
		return media.Ref{}, false
	}
	ref := q.buf[q.head]
	q.buf[q.head] = media.Ref{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return ref, true
}

// Len returns the number of pending references.
func (q *Queue) Len() int { return q.size }

// Cap returns the queue bound.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns how many references were evicted by overflow.
func (q *Queue) Dropped() uint64 { return q.dropped }
