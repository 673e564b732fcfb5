// Package runtime owns a worker's model state: the durable configuration
// map learned from the cortex, the runtime handles for loaded models, and
// the per-process port counter used to derive listen endpoints.
package runtime

import (
	"fmt"
	"log"
	"sync"

	"github.com/synaptecs/neurofleet/internal/modelruntime"
	"github.com/synaptecs/neurofleet/internal/protocol"
	"github.com/synaptecs/neurofleet/internal/store"
	"github.com/synaptecs/neurofleet/internal/worker/supervisor"
)

// modelConfigKey is the store key for the persisted configuration map.
const modelConfigKey = "worker:model-configs"

// basePort is where per-process port allocation starts. Ports are unique
// within one worker process lifetime, not across workers.
const basePort = 38000

// Handle binds a loaded model to its derived endpoint and backing process.
type Handle struct {
	ModelID string `json:"model_id"`
	BaseURL string `json:"base_url"`
	PID     int    `json:"pid"`
}

// configState is the persisted shape of the configuration map.
type configState struct {
	Configs map[string]protocol.ModelConfig `json:"configs"`
}

// Manager applies provisioning commands against the configuration store
// and the process supervisor. All handlers run synchronously: a command is
// not acknowledged until its effects are complete.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]protocol.ModelConfig
	handles  map[string]Handle
	nextPort int

	sup *supervisor.Supervisor
	st  *store.Store
}

// New builds a manager, hydrating the configuration map from the durable
// store. A load failure is returned to the caller; workers treat it as an
// unrecoverable startup error.
func New(st *store.Store, sup *supervisor.Supervisor) (*Manager, error) {
	state := configState{Configs: make(map[string]protocol.ModelConfig)}
	if _, err := st.GetJSON(modelConfigKey, &state); err != nil {
		return nil, fmt.Errorf("hydrate model configs: %w", err)
	}
	if state.Configs == nil {
		state.Configs = make(map[string]protocol.ModelConfig)
	}
	if n := len(state.Configs); n > 0 {
		log.Printf("runtime: hydrated %d model config(s) from store", n)
	}

	return &Manager{
		configs:  state.Configs,
		handles:  make(map[string]Handle),
		nextPort: basePort,
		sup:      sup,
		st:       st,
	}, nil
}

// Apply executes one provisioning command and returns its terminal
// response. Every command yields exactly one response; failures surface in
// the response, never as a crash.
func (m *Manager) Apply(cmd protocol.ProvisioningCommand) protocol.ProvisioningResponse {
	if err := cmd.Validate(); err != nil {
		return protocol.ErrorResponse(cmd.TargetModel(), err.Error())
	}

	switch cmd.Op {
	case protocol.OpUpsertModelConfig:
		return m.upsertConfig(*cmd.Config)
	case protocol.OpLoadModel:
		return m.loadModel(cmd.ModelID)
	case protocol.OpUnloadModel:
		return m.unloadModel(cmd.ModelID)
	default:
		return protocol.ErrorResponse(cmd.TargetModel(), fmt.Sprintf("unknown provisioning op %q", cmd.Op))
	}
}

func (m *Manager) upsertConfig(cfg protocol.ModelConfig) protocol.ProvisioningResponse {
	m.mu.Lock()
	m.configs[cfg.ID] = cfg
	err := m.persistConfigsLocked()
	m.mu.Unlock()

	if err != nil {
		log.Printf("runtime: persist config for model %s failed: %v", cfg.ID, err)
		return protocol.ErrorResponse(cfg.ID, fmt.Sprintf("persist configuration: %v", err))
	}
	log.Printf("runtime: configuration updated for model %s", cfg.ID)
	return protocol.OkResponse(cfg.ID, "configuration updated")
}

func (m *Manager) loadModel(modelID string) protocol.ProvisioningResponse {
	m.mu.Lock()
	cfg, configured := m.configs[modelID]
	if !configured {
		m.mu.Unlock()
		return protocol.ErrorResponse(modelID, "no configuration found for model; configure before load")
	}

	// Re-loading a running model is redundant success: report the existing
	// endpoint rather than spawning a second backend.
	if existing, running := m.handles[modelID]; running {
		m.mu.Unlock()
		return protocol.OkResponse(modelID, "already loaded at "+existing.BaseURL)
	}

	endpoint, err := m.deriveListenEndpointLocked(cfg)
	if err != nil {
		m.mu.Unlock()
		return protocol.ErrorResponse(modelID, err.Error())
	}
	m.mu.Unlock()

	// Spawn outside the lock; a slow spawn must not block other state reads.
	handle, err := m.sup.Spawn(cfg.Command, cfg.Args, modelID, cfg.Env)
	if err != nil {
		// State stays Configured.
		return protocol.ErrorResponse(modelID, fmt.Sprintf("spawn backend: %v", err))
	}

	m.mu.Lock()
	m.handles[modelID] = Handle{ModelID: modelID, BaseURL: endpoint, PID: handle.PID}
	m.mu.Unlock()

	log.Printf("runtime: model %s loaded, backend pid %d at %s", modelID, handle.PID, endpoint)
	return protocol.OkResponse(modelID, endpoint)
}

func (m *Manager) unloadModel(modelID string) protocol.ProvisioningResponse {
	// Unconditionally terminate and unregister; a model that was never
	// loaded degrades to a no-op with success semantics.
	m.sup.TerminateByModel(modelID)

	m.mu.Lock()
	delete(m.handles, modelID)
	m.mu.Unlock()

	log.Printf("runtime: model %s unloaded", modelID)
	return protocol.OkResponse(modelID, "unloaded")
}

// deriveListenEndpointLocked resolves where cfg's backend will listen. An
// explicit configured endpoint wins verbatim; otherwise the backend kind
// decides whether loopback port derivation applies. Callers hold m.mu.
func (m *Manager) deriveListenEndpointLocked(cfg protocol.ModelConfig) (string, error) {
	if cfg.ListenEndpoint != "" {
		return cfg.ListenEndpoint, nil
	}

	switch cfg.BackendKind {
	case "llama_cpp", "vllm":
		port := m.nextPort
		m.nextPort++
		return fmt.Sprintf("http://127.0.0.1:%d", port), nil
	default:
		return "", fmt.Errorf("unsupported backend kind %q: cannot derive listen endpoint", cfg.BackendKind)
	}
}

// ConfigFor returns the stored configuration for modelID.
func (m *Manager) ConfigFor(modelID string) (protocol.ModelConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[modelID]
	return cfg, ok
}

// LoadedCount reports how many models currently have a live backend.
func (m *Manager) LoadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// HandleFor returns the runtime handle for a loaded model.
func (m *Manager) HandleFor(modelID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[modelID]
	return h, ok
}

// ChatClientFor returns an OpenAI-style chat client bound to the loaded
// model's derived endpoint.
func (m *Manager) ChatClientFor(modelID string) (*modelruntime.Client, error) {
	h, ok := m.HandleFor(modelID)
	if !ok {
		return nil, fmt.Errorf("model %q is not loaded", modelID)
	}
	return modelruntime.NewClient(h.BaseURL, modelID), nil
}

// Shutdown terminates every tracked backend and persists the current
// configuration map. Persist failures are logged only; shutdown proceeds.
func (m *Manager) Shutdown() {
	m.sup.TerminateAll()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistConfigsLocked(); err != nil {
		log.Printf("runtime: persist model configs at shutdown failed: %v", err)
	}
}

// persistConfigsLocked writes the configuration map through the durable
// store. Callers hold m.mu.
func (m *Manager) persistConfigsLocked() error {
	return m.st.PutJSON(modelConfigKey, configState{Configs: m.configs})
}
