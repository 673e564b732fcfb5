// Package fleetcache persists a best-effort snapshot of the fleet across
// cortex restarts. The cache pre-seeds the registry and the provisioning
// status cache at boot so operators see the last known fleet immediately;
// it is never authoritative — live registrations and prune always win.
package fleetcache

import (
	"fmt"
	"log"
	"time"

	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
	"github.com/synaptecs/neurofleet/internal/protocol"
	"github.com/synaptecs/neurofleet/internal/store"
)

const cacheKey = "cortex:fleet-cache"

// CachedWorker is one fleet member as persisted at shutdown.
type CachedWorker struct {
	Descriptor    protocol.WorkerDescriptor `json:"descriptor"`
	LastHeartbeat time.Time                 `json:"last_heartbeat"`
	ModelStatuses []provision.ModelStatus   `json:"model_statuses,omitempty"`
}

// CachedFleetState is the persisted snapshot.
type CachedFleetState struct {
	SavedAt time.Time      `json:"saved_at"`
	Workers []CachedWorker `json:"workers"`
}

// Save persists the current fleet for the next boot. Only workers with a
// heartbeat within freshWithin make it in; a worker that has already gone
// quiet is not worth resurrecting.
func Save(st *store.Store, reg *registry.Registry, tracker *provision.Tracker, freshWithin time.Duration) error {
	cutoff := time.Now().Add(-freshWithin)
	statuses := tracker.Snapshot()

	state := CachedFleetState{SavedAt: time.Now()}
	for _, v := range reg.List() {
		if v.LastHeartbeat.Before(cutoff) {
			continue
		}
		state.Workers = append(state.Workers, CachedWorker{
			Descriptor:    v.Descriptor,
			LastHeartbeat: v.LastHeartbeat,
			ModelStatuses: statuses[v.Descriptor.ID],
		})
	}

	if err := st.PutJSON(cacheKey, state); err != nil {
		return fmt.Errorf("persist fleet cache: %w", err)
	}
	log.Printf("fleetcache: persisted %d worker(s)", len(state.Workers))
	return nil
}

// Restore pre-seeds the registry and status cache from the persisted
// snapshot, if one exists. Returns the number of workers restored.
func Restore(st *store.Store, reg *registry.Registry, tracker *provision.Tracker) (int, error) {
	var state CachedFleetState
	found, err := st.GetJSON(cacheKey, &state)
	if err != nil {
		return 0, fmt.Errorf("load fleet cache: %w", err)
	}
	if !found {
		return 0, nil
	}

	for _, w := range state.Workers {
		reg.Seed(w.Descriptor, w.LastHeartbeat)
		tracker.Restore(w.Descriptor.ID, w.ModelStatuses)
	}
	log.Printf("fleetcache: restored %d worker(s) from snapshot saved at %s",
		len(state.Workers), state.SavedAt.Format(time.RFC3339))
	return len(state.Workers), nil
}
