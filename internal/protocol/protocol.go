// Package protocol defines the control-plane message schema shared by the
// cortex (control node) and its workers. All messages travel as JSON text
// frames over the session websocket; free-form fields (metadata, metrics)
// are kept opaque so that either side can extend them without a schema
// change.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvVar is a single environment variable entry for backend processes.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ModelConfig is a model's run recipe as understood by workers. It is sent
// from the cortex over the control channel when provisioning or
// reconfiguring a model.
type ModelConfig struct {
	// ID is the logical model identifier, typically the external name or slug.
	ID string `json:"id"`
	// DisplayName is a human-readable name for operators.
	DisplayName string `json:"display_name,omitempty"`
	// BackendKind hints which runner applies (e.g. "vllm", "llama_cpp").
	BackendKind string `json:"backend_kind"`
	// Command and Args spawn the backend process, if applicable.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// Env holds additional environment variables for the backend process.
	Env []EnvVar `json:"env,omitempty"`
	// ListenEndpoint, when set, is used verbatim instead of deriving one.
	ListenEndpoint string `json:"listen_endpoint,omitempty"`
	// Metadata is free-form and reserved for forward-compatible extension.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// WorkerDescriptor is the self-reported identity a worker announces at
// registration. An empty ID means the worker is anonymous: it participates
// in the session but cannot be persisted or addressed directly.
type WorkerDescriptor struct {
	ID       string          `json:"id,omitempty"`
	Label    string          `json:"label,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CommandOp tags the variant of a ProvisioningCommand.
type CommandOp string

const (
	OpUpsertModelConfig CommandOp = "upsert_model_config"
	OpLoadModel         CommandOp = "load_model"
	OpUnloadModel       CommandOp = "unload_model"
)

// ProvisioningCommand is a cortex-to-worker directive. Exactly one variant
// is populated, selected by Op.
type ProvisioningCommand struct {
	Op CommandOp `json:"op"`
	// Config is set for OpUpsertModelConfig.
	Config *ModelConfig `json:"config,omitempty"`
	// ModelID is set for OpLoadModel and OpUnloadModel.
	ModelID string `json:"model_id,omitempty"`
}

// UpsertModelConfig builds a command that records cfg on the worker.
func UpsertModelConfig(cfg ModelConfig) ProvisioningCommand {
	return ProvisioningCommand{Op: OpUpsertModelConfig, Config: &cfg}
}

// LoadModel builds a command that brings a configured model into serving.
func LoadModel(modelID string) ProvisioningCommand {
	return ProvisioningCommand{Op: OpLoadModel, ModelID: modelID}
}

// UnloadModel builds a command that tears a model's backends down.
func UnloadModel(modelID string) ProvisioningCommand {
	return ProvisioningCommand{Op: OpUnloadModel, ModelID: modelID}
}

// TargetModel returns the model id the command acts on.
func (c ProvisioningCommand) TargetModel() string {
	if c.Op == OpUpsertModelConfig && c.Config != nil {
		return c.Config.ID
	}
	return c.ModelID
}

// Validate checks that the populated fields match the declared op.
func (c ProvisioningCommand) Validate() error {
	switch c.Op {
	case OpUpsertModelConfig:
		if c.Config == nil {
			return errors.New("upsert_model_config requires a config")
		}
		if c.Config.ID == "" {
			return errors.New("upsert_model_config requires a model id")
		}
	case OpLoadModel, OpUnloadModel:
		if c.ModelID == "" {
			return fmt.Errorf("%s requires a model id", c.Op)
		}
	default:
		return fmt.Errorf("unknown provisioning op %q", c.Op)
	}
	return nil
}

// ResponseStatus tags the variant of a ProvisioningResponse.
type ResponseStatus string

const (
	StatusOk    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// ProvisioningResponse is the worker's terminal acknowledgement for one
// provisioning command. Every command produces exactly one response.
type ProvisioningResponse struct {
	Status  ResponseStatus `json:"status"`
	ModelID string         `json:"model_id"`
	// Message carries optional detail on success (e.g. the derived endpoint).
	Message string `json:"message,omitempty"`
	// Error carries the human-readable cause on failure.
	Error string `json:"error,omitempty"`
}

// OkResponse builds a success response for modelID.
func OkResponse(modelID, message string) ProvisioningResponse {
	return ProvisioningResponse{Status: StatusOk, ModelID: modelID, Message: message}
}

// ErrorResponse builds a failure response for modelID.
func ErrorResponse(modelID, cause string) ProvisioningResponse {
	return ProvisioningResponse{Status: StatusError, ModelID: modelID, Error: cause}
}

// MessageKind tags a session frame.
type MessageKind string

const (
	// Worker → cortex.
	KindRegister             MessageKind = "register"
	KindHeartbeat            MessageKind = "heartbeat"
	KindProvisioningResponse MessageKind = "provisioning_response"
	KindShutdown             MessageKind = "shutdown"

	// Cortex → worker.
	KindProvisioning        MessageKind = "provisioning"
	KindRequestCapabilities MessageKind = "request_capabilities"
	KindShutdownNotice      MessageKind = "shutdown_notice"
)

// WorkerMessage is a worker-to-cortex session frame. Kind selects which of
// the optional fields are meaningful.
type WorkerMessage struct {
	Kind MessageKind `json:"kind"`
	// Worker is set for KindRegister.
	Worker *WorkerDescriptor `json:"worker,omitempty"`
	// WorkerID identifies the sender on every post-registration frame.
	WorkerID string `json:"worker_id,omitempty"`
	// Metrics is an opaque utilisation summary on KindHeartbeat frames.
	Metrics json.RawMessage `json:"metrics,omitempty"`
	// Response is set for KindProvisioningResponse.
	Response *ProvisioningResponse `json:"response,omitempty"`
	// Reason is optional detail on KindShutdown frames.
	Reason string `json:"reason,omitempty"`
}

// CortexMessage is a cortex-to-worker session frame.
type CortexMessage struct {
	Kind MessageKind `json:"kind"`
	// Command is set for KindProvisioning.
	Command *ProvisioningCommand `json:"command,omitempty"`
	// Reason is optional detail on KindShutdownNotice frames.
	Reason string `json:"reason,omitempty"`
}

// ParseWorkerMessage decodes one worker-to-cortex frame.
func ParseWorkerMessage(data []byte) (WorkerMessage, error) {
	var msg WorkerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return WorkerMessage{}, fmt.Errorf("parse worker message: %w", err)
	}
	if msg.Kind == "" {
		return WorkerMessage{}, errors.New("worker message missing kind")
	}
	return msg, nil
}

// ParseCortexMessage decodes one cortex-to-worker frame.
func ParseCortexMessage(data []byte) (CortexMessage, error) {
	var msg CortexMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return CortexMessage{}, fmt.Errorf("parse cortex message: %w", err)
	}
	if msg.Kind == "" {
		return CortexMessage{}, errors.New("cortex message missing kind")
	}
	return msg, nil
}
