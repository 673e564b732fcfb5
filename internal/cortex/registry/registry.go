// Package registry tracks the connected worker fleet on the cortex:
// descriptors, heartbeat freshness, and the outbound queue of whichever
// session currently speaks for each worker.
package registry

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

var (
	// ErrUnknownWorker is returned when the target id has never
	// registered or has been pruned.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrNoSender is returned when the worker is known but no live
	// session is attached to deliver frames.
	ErrNoSender = errors.New("worker has no attached sender")
)

// Health classifies heartbeat freshness.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthStale    Health = "stale"
)

// WorkerView is a read-only snapshot of one fleet member.
type WorkerView struct {
	Descriptor    protocol.WorkerDescriptor `json:"descriptor"`
	LastHeartbeat time.Time                 `json:"last_heartbeat"`
	Health        Health                    `json:"health"`
	Metrics       json.RawMessage           `json:"metrics,omitempty"`
}

type entry struct {
	desc          protocol.WorkerDescriptor
	lastHeartbeat time.Time
	metrics       json.RawMessage
	queue         *SendQueue
}

// Registry is the concurrent fleet map, keyed by stable worker id. The
// one mutex guards the map and its entries; it is never held across I/O —
// Send resolves the queue under the lock and pushes outside it.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry

	healthyWithin  time.Duration
	degradedWithin time.Duration

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		workers:        make(map[string]*entry),
		healthyWithin:  30 * time.Second,
		degradedWithin: 90 * time.Second,
		now:            time.Now,
	}
}

// Upsert inserts or refreshes a worker. Re-registration is a metadata
// refresh: the descriptor is replaced, the heartbeat clock restarts, and
// any attached sender is kept. Empty ids are rejected; anonymous sessions
// never enter the registry.
func (r *Registry) Upsert(desc protocol.WorkerDescriptor) error {
	if desc.ID == "" {
		return errors.New("worker id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[desc.ID]
	if !ok {
		e = &entry{}
		r.workers[desc.ID] = e
	}
	e.desc = desc
	e.lastHeartbeat = r.now()
	return nil
}

// Seed inserts a worker with an explicit last-heartbeat time, used when
// warm-starting from a persisted fleet snapshot. Existing entries are
// left alone; live state always wins over cache.
func (r *Registry) Seed(desc protocol.WorkerDescriptor, lastHeartbeat time.Time) {
	if desc.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[desc.ID]; ok {
		return
	}
	r.workers[desc.ID] = &entry{desc: desc, lastHeartbeat: lastHeartbeat}
}

// AttachSender binds a session's outbound queue to the worker. A previous
// queue (a superseded session) is closed.
func (r *Registry) AttachSender(id string, q *SendQueue) error {
	r.mu.Lock()
	e, ok := r.workers[id]
	var old *SendQueue
	if ok {
		old = e.queue
		e.queue = q
	}
	r.mu.Unlock()

	if !ok {
		return ErrUnknownWorker
	}
	if old != nil && old != q {
		old.Close()
	}
	return nil
}

// DetachSender removes q from the worker if it is still the attached
// sender. A newer session's queue is never clobbered.
func (r *Registry) DetachSender(id string, q *SendQueue) {
	r.mu.Lock()
	if e, ok := r.workers[id]; ok && e.queue == q {
		e.queue = nil
	}
	r.mu.Unlock()
}

// Send queues a frame for delivery to the worker's live session.
func (r *Registry) Send(id string, msg protocol.CortexMessage) error {
	r.mu.RLock()
	e, ok := r.workers[id]
	var q *SendQueue
	if ok {
		q = e.queue
	}
	r.mu.RUnlock()

	if !ok {
		return ErrUnknownWorker
	}
	if q == nil {
		return ErrNoSender
	}
	if !q.Push(msg) {
		return ErrNoSender
	}
	return nil
}

// UpdateHeartbeat refreshes the worker's heartbeat clock and metrics.
// Returns false for unknown workers; the caller decides whether that is
// a protocol violation.
func (r *Registry) UpdateHeartbeat(id string, metrics json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return false
	}
	e.lastHeartbeat = r.now()
	if metrics != nil {
		e.metrics = metrics
	}
	return true
}

// Remove drops the worker and closes its attached sender, if any.
// Returns whether the worker was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()

	if ok && e.queue != nil {
		e.queue.Close()
	}
	return ok
}

// PruneStale removes every worker whose last heartbeat is older than
// timeout and returns the removed ids, so the caller can publish removal
// events and drop cached provisioning state. Eviction only drops the
// registry entry: an attached session transport is left untouched, its
// closure is detected independently through read errors.
func (r *Registry) PruneStale(timeout time.Duration) []string {
	cutoff := r.now().Add(-timeout)

	r.mu.Lock()
	var removed []string
	for id, e := range r.workers {
		if e.lastHeartbeat.Before(cutoff) {
			removed = append(removed, id)
			delete(r.workers, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		log.Printf("registry: pruned %d stale worker(s): %v", len(removed), removed)
	}
	return removed
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (WorkerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return WorkerView{}, false
	}
	return r.viewLocked(e), true
}

// List returns a snapshot of the fleet with health classification,
// sorted by worker id.
func (r *Registry) List() []WorkerView {
	r.mu.RLock()
	views := make([]WorkerView, 0, len(r.workers))
	for _, e := range r.workers {
		views = append(views, r.viewLocked(e))
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].Descriptor.ID < views[j].Descriptor.ID
	})
	return views
}

// Count reports the number of tracked workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *Registry) viewLocked(e *entry) WorkerView {
	since := r.now().Sub(e.lastHeartbeat)
	health := HealthStale
	switch {
	case since < r.healthyWithin:
		health = HealthHealthy
	case since < r.degradedWithin:
		health = HealthDegraded
	}
	return WorkerView{
		Descriptor:    e.desc,
		LastHeartbeat: e.lastHeartbeat,
		Health:        health,
		Metrics:       e.metrics,
	}
}
