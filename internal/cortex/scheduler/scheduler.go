// Package scheduler decides which worker should serve a request. Routing
// policy is intentionally minimal: a single default strategy that prefers
// healthy workers already serving the model. Richer placement (VRAM
// scoring, queue depth) plugs in behind the Scheduler interface.
package scheduler

import (
	"fmt"

	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
	"github.com/synaptecs/neurofleet/internal/protocol"
)

// WorkloadClass coarsely describes a request's latency expectations.
type WorkloadClass string

const (
	WorkloadInteractive WorkloadClass = "interactive"
	WorkloadBatch       WorkloadClass = "batch"
)

// RoutingDecision names the worker chosen for a request.
type RoutingDecision struct {
	WorkerID string `json:"worker_id"`
	ModelID  string `json:"model_id"`
	Reason   string `json:"reason"`
}

// Scheduler picks a worker for a (workload class, model) pair.
type Scheduler interface {
	Route(class WorkloadClass, modelID string) (RoutingDecision, error)
}

// FirstHealthy is the default policy: the first healthy worker whose last
// provisioning outcome for the model was ok. Interactive workloads require
// healthy workers; batch workloads settle for degraded ones too.
type FirstHealthy struct {
	registry *registry.Registry
	tracker  *provision.Tracker
}

func NewFirstHealthy(reg *registry.Registry, tracker *provision.Tracker) *FirstHealthy {
	return &FirstHealthy{registry: reg, tracker: tracker}
}

func (s *FirstHealthy) Route(class WorkloadClass, modelID string) (RoutingDecision, error) {
	if modelID == "" {
		return RoutingDecision{}, fmt.Errorf("model id is required")
	}

	for _, v := range s.registry.List() {
		switch v.Health {
		case registry.HealthHealthy:
		case registry.HealthDegraded:
			if class != WorkloadBatch {
				continue
			}
		default:
			continue
		}
		if !s.serves(v.Descriptor.ID, modelID) {
			continue
		}
		return RoutingDecision{
			WorkerID: v.Descriptor.ID,
			ModelID:  modelID,
			Reason:   fmt.Sprintf("%s worker serving %s", v.Health, modelID),
		}, nil
	}
	return RoutingDecision{}, fmt.Errorf("no worker available for model %q", modelID)
}

func (s *FirstHealthy) serves(workerID, modelID string) bool {
	for _, st := range s.tracker.ListForWorker(workerID) {
		if st.ModelID == modelID && st.Status == protocol.StatusOk {
			return true
		}
	}
	return false
}
