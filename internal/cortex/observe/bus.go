// Package observe publishes fleet lifecycle events to any number of
// subscribers. Each subscriber owns a fixed-capacity ring: a slow consumer
// loses the oldest events and is told exactly how many it missed, then
// resumes from what remains. Publishing never blocks on a subscriber.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

// EventType tags a fleet event.
type EventType string

const (
	EventWorkerRegistered     EventType = "worker_registered"
	EventWorkerRemoved        EventType = "worker_removed"
	EventHeartbeat            EventType = "heartbeat"
	EventProvisioningSent     EventType = "provisioning_sent"
	EventProvisioningResponse EventType = "provisioning_response"
	// EventEventsDropped is synthesized per subscriber when its ring
	// overflowed; Dropped carries the count.
	EventEventsDropped EventType = "events_dropped"
)

// Event is one fleet observation.
type Event struct {
	Type     EventType                      `json:"type"`
	WorkerID string                         `json:"worker_id,omitempty"`
	Command  *protocol.ProvisioningCommand  `json:"command,omitempty"`
	Response *protocol.ProvisioningResponse `json:"response,omitempty"`
	Dropped  uint64                         `json:"dropped,omitempty"`
	At       time.Time                      `json:"at"`
}

// ErrSubscriberClosed is returned by Next after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	capacity int
	now      func() time.Time
}

// NewBus builds a bus whose subscribers buffer up to capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{subs: make(map[*Subscriber]struct{}), capacity: capacity, now: time.Now}
}

// Publish delivers ev to every current subscriber. The timestamp is
// stamped here if the caller left it zero.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	for sub := range b.subs {
		sub.offer(ev)
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber receiving events from now on.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		bus:      b,
		capacity: b.capacity,
		wake:     make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) drop(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscriber is one consumer's view of the bus.
type Subscriber struct {
	bus      *Bus
	capacity int

	mu      sync.Mutex
	ring    []Event
	dropped uint64
	closed  bool

	wake chan struct{}
}

func (s *Subscriber) offer(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= s.capacity {
		// Lagging: shed the oldest and account for it.
		s.ring = s.ring[1:]
		s.dropped++
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the next event, blocking until one arrives, ctx is done,
// or the subscriber is closed. If events were shed since the last call,
// an events_dropped event is delivered first and the counter resets.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return Event{Type: EventEventsDropped, Dropped: n, At: s.bus.now()}, nil
		}
		if len(s.ring) > 0 {
			ev := s.ring[0]
			s.ring = s.ring[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSubscriberClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close detaches the subscriber from the bus. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.drop(s)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
