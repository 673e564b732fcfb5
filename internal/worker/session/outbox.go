package session

import (
	"log"
	"sync"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

// outbox is the worker-side outbound queue. A single writer goroutine
// drains it in order; the heartbeat loop, the reader loop, and the
// shutdown watcher all enqueue. Closing it lets the writer flush what
// remains and then close the transport.
//
// Capacity bounds heartbeats only: a shed heartbeat is re-derived on the
// next tick. Every other frame kind (provisioning responses, shutdown
// notices) is always accepted — each command must end in exactly one
// response, and dropping it would leave the cortex waiting forever.
type outbox struct {
	mu       sync.Mutex
	items    []protocol.WorkerMessage
	capacity int
	closed   bool

	wake chan struct{}
}

func newOutbox(capacity int) *outbox {
	return &outbox{capacity: capacity, wake: make(chan struct{}, 1)}
}

// put enqueues msg. Returns false if the outbox is closed, or if msg is a
// heartbeat and the queue is at capacity.
func (o *outbox) put(msg protocol.WorkerMessage) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if msg.Kind == protocol.KindHeartbeat && len(o.items) >= o.capacity {
		o.mu.Unlock()
		log.Printf("session: outbound queue full, dropping heartbeat")
		return false
	}
	o.items = append(o.items, msg)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a frame is available or the outbox is closed and
// drained. The second return is false once no further frames will come.
func (o *outbox) pop() (protocol.WorkerMessage, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			msg := o.items[0]
			o.items = o.items[1:]
			o.mu.Unlock()
			return msg, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return protocol.WorkerMessage{}, false
		}
		<-o.wake
	}
}

// close marks the outbox finished; queued frames still drain through pop.
// Safe to call more than once.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}
