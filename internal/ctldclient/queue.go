package ctldclient

import (
	"sync"

	"github.com/cranesched/craned/internal/structs"
)

// queue is the Controller Client's status-change FIFO: unbounded,
// at-least-once, with head-requeue on transport failure and
// before-delivery withdrawal by job id (spec.md §4.6).
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []structs.StatusChange
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue implements jobmanager.StatusSink.
func (q *queue) Enqueue(change structs.StatusChange) {
	q.mu.Lock()
	q.items = append(q.items, change)
	q.mu.Unlock()
	q.cond.Signal()
}

// Withdraw implements jobmanager.StatusSink: it removes every queued,
// not-yet-popped entry for jobID. An entry already handed to the
// sender by pop cannot be withdrawn.
func (q *queue) Withdraw(jobID structs.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items[:0]
	for _, it := range q.items {
		if it.JobID != jobID {
			out = append(out, it)
		}
	}
	q.items = out
}

// requeueFront puts change back at the head of the queue, used after
// a failed delivery attempt so retries preserve per-job order.
func (q *queue) requeueFront(change structs.StatusChange) {
	q.mu.Lock()
	q.items = append([]structs.StatusChange{change}, q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *queue) pop() (structs.StatusChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return structs.StatusChange{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
