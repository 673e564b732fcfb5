package registry

import (
	"context"
	"sync"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

// SendQueue is the unbounded per-session outbound queue for cortex→worker
// frames. The connection's writer goroutine pops; provisioning callers and
// the control-plane server push. Unbounded because a provisioning command
// must never be dropped while the session is up; backpressure comes from
// the session dying, not from the queue.
type SendQueue struct {
	mu     sync.Mutex
	items  []protocol.CortexMessage
	wake   chan struct{}
	closed bool
}

func NewSendQueue() *SendQueue {
	return &SendQueue{wake: make(chan struct{}, 1)}
}

// Push enqueues msg. Returns false if the queue has been closed.
func (q *SendQueue) Push(msg protocol.CortexMessage) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a frame is available, the queue is closed, or ctx is
// done. The second return is false once no further frames will arrive.
func (q *SendQueue) Pop(ctx context.Context) (protocol.CortexMessage, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return protocol.CortexMessage{}, false
		}

		select {
		case <-ctx.Done():
			return protocol.CortexMessage{}, false
		case <-q.wake:
		}
	}
}

// Close stops the queue; queued frames are still drained by Pop. Safe to
// call more than once.
func (q *SendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of queued frames.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
