// Package provision keeps the cortex-side cache of per-model provisioning
// outcomes, keyed by (worker id, model id). Workers own the truth; this
// cache only reflects the latest response each one reported.
package provision

import (
	"sort"
	"sync"
	"time"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

// ModelStatus is the last reported provisioning outcome for one model on
// one worker.
type ModelStatus struct {
	ModelID   string                  `json:"model_id"`
	Status    protocol.ResponseStatus `json:"status"`
	Message   string                  `json:"message,omitempty"`
	Error     string                  `json:"error,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Tracker is the concurrent status cache.
type Tracker struct {
	mu       sync.RWMutex
	byWorker map[string]map[string]ModelStatus

	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{byWorker: make(map[string]map[string]ModelStatus), now: time.Now}
}

// Record stores the outcome carried by a provisioning response. Responses
// without a model id have nothing to key on and are dropped.
func (t *Tracker) Record(workerID string, resp protocol.ProvisioningResponse) {
	if workerID == "" || resp.ModelID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	models, ok := t.byWorker[workerID]
	if !ok {
		models = make(map[string]ModelStatus)
		t.byWorker[workerID] = models
	}
	models[resp.ModelID] = ModelStatus{
		ModelID:   resp.ModelID,
		Status:    resp.Status,
		Message:   resp.Message,
		Error:     resp.Error,
		UpdatedAt: t.now(),
	}
}

// ListForWorker returns the worker's model statuses sorted by model id.
func (t *Tracker) ListForWorker(workerID string) []ModelStatus {
	t.mu.RLock()
	models := t.byWorker[workerID]
	out := make([]ModelStatus, 0, len(models))
	for _, st := range models {
		out = append(out, st)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Snapshot returns every worker's statuses, for the observe snapshot and
// the fleet cache.
func (t *Tracker) Snapshot() map[string][]ModelStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]ModelStatus, len(t.byWorker))
	for workerID, models := range t.byWorker {
		statuses := make([]ModelStatus, 0, len(models))
		for _, st := range models {
			statuses = append(statuses, st)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].ModelID < statuses[j].ModelID })
		out[workerID] = statuses
	}
	return out
}

// Restore pre-seeds a worker's statuses from a persisted snapshot without
// overwriting anything reported live since boot.
func (t *Tracker) Restore(workerID string, statuses []ModelStatus) {
	if workerID == "" || len(statuses) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	models, ok := t.byWorker[workerID]
	if !ok {
		models = make(map[string]ModelStatus)
		t.byWorker[workerID] = models
	}
	for _, st := range statuses {
		if st.ModelID == "" {
			continue
		}
		if _, live := models[st.ModelID]; live {
			continue
		}
		models[st.ModelID] = st
	}
}

// Forget drops everything cached for a worker, called when the registry
// prunes or removes it.
func (t *Tracker) Forget(workerID string) {
	t.mu.Lock()
	delete(t.byWorker, workerID)
	t.mu.Unlock()
}
