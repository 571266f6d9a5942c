package hub

import (
	"sync"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
)

// outQueue is the bounded per-connection outbound buffer.
//
// When the queue is full the oldest droppable event is shed first. Critical
// events (artifact updates, phase changes, chat) are never shed: if no
// droppable event remains, push reports failure and the connection must be
// closed so the client resynchronizes from the session store.
type outQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []domain.Envelope
	limit  int
	closed bool
}

func newOutQueue(limit int) *outQueue {
	if limit <= 0 {
		limit = 1
	}
	q := &outQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues an envelope, applying the drop policy. It returns false when
// a critical event cannot be buffered and the connection must be closed.
func (q *outQueue) push(envelope domain.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.items) >= q.limit {
		if !q.shedOldestDroppable() {
			if envelope.Type.Droppable() {
				// The new event itself is the lowest-value item; drop it.
				return true
			}
			return false
		}
	}

	q.items = append(q.items, envelope)
	q.cond.Signal()
	return true
}

// shedOldestDroppable removes the oldest droppable event, oldest-first.
func (q *outQueue) shedOldestDroppable() bool {
	for i, item := range q.items {
		if item.Type.Droppable() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// pop blocks until an envelope is available or the queue closes.
func (q *outQueue) pop() (domain.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return domain.Envelope{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// close wakes the writer and discards anything still buffered.
func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// depth reports the buffered event count, for tests.
func (q *outQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
