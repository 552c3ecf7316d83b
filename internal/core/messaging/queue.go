package messaging

import (
	"sync"
	"time"
)

// DefaultBatch is the most messages a single drain hands out.
const DefaultBatch = 10

// Queue is a session's FIFO inbound queue.
type Queue struct {
	mu    sync.Mutex
	items []Message
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends msg to the tail of the queue.
func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
}

// Drain removes and returns up to max messages from the head of the queue.
func (q *Queue) Drain(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, len(q.items))
	if n <= 0 {
		return nil
	}

	out := make([]Message, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

// Expire removes every message whose deadline has passed at now and returns
// the removed messages in queue order.
func (q *Queue) Expire(now time.Time) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Message
	kept := q.items[:0]
	for _, m := range q.items {
		if m.Expired(now) {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
