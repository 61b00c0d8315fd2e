package interfaces

import (
	"context"
	"time"

	"nuggetfactory/internal/job"
)

// Payload backend-specific request body
type Payload map[string]interface{}

// BackendKind image generation backend flavour
type BackendKind string

const (
	// BackendComfyUI asynchronous job-queue backend (POST /prompt, history, websocket)
	BackendComfyUI BackendKind = "comfyui"
	// BackendSDAPI synchronous SD-WebUI style backend (POST /sdapi/v1/txt2img)
	BackendSDAPI BackendKind = "sdapi"
)

// Transport hides whether a backend is reached through one-shot HTTP calls
// or through a persistent connection that pushes progress events.
type Transport interface {
	// Name returns the backend kind
	Name() BackendKind

	// Endpoint returns the base URL the transport talks to
	Endpoint() string

	// Submit sends the payload and returns the backend job id. It never retries.
	Submit(ctx context.Context, payload Payload) (string, error)

	// AwaitCompletion blocks until the job leaves its active phase or the deadline passes
	AwaitCompletion(ctx context.Context, jobID string, deadline time.Time) (*TerminalState, error)

	// GetResult queries the output structure of a job
	GetResult(ctx context.Context, jobID string) (*JobResult, error)

	// FetchArtifact retrieves the raw bytes of one artifact
	FetchArtifact(ctx context.Context, ref job.Artifact) ([]byte, error)

	// Inventory lists what the backend can run
	Inventory(ctx context.Context) (*Inventory, error)
}

// TerminalState outcome of AwaitCompletion
type TerminalState struct {
	Status job.Status `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// JobResult output structure reported by the backend for one job
type JobResult struct {
	Stages    []OutputStage `json:"stages"`
	StatusStr string        `json:"status_str,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// OutputStage the artifacts produced by one named output stage, in backend order
type OutputStage struct {
	Name   string         `json:"name"`
	Images []job.Artifact `json:"images"`
}

// Inventory backend capabilities
type Inventory struct {
	Checkpoints []string `json:"checkpoints"`
	LoRAs       []string `json:"loras,omitempty"`
	Upscalers   []string `json:"upscalers,omitempty"`
	Scripts     []string `json:"scripts,omitempty"`
	NodeClasses []string `json:"node_classes,omitempty"`
}

// Prober checks that a candidate base URL serves the expected API
type Prober func(ctx context.Context, baseURL string) error
