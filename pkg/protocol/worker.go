// Package protocol defines the interfaces and contracts for pluggable stage workers.
package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/conveyor/pkg/models"
)

// Response is what a worker hands back for one invocation. Output is
// normalized by the runner; Pending declares that completion arrives later
// through the callback token carried in the envelope.
type Response struct {
	Output        any
	Pending       bool
	CallbackToken string
}

// Worker performs one stage invocation.
type Worker interface {
	Invoke(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*Response, error)
}

type PollState string

const (
	PollStateRunning   PollState = "RUNNING"
	PollStateSucceeded PollState = "SUCCEEDED"
	PollStateFailed    PollState = "FAILED"
)

// Job identifies work submitted to a long-running external system.
type Job struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

type PollStatus struct {
	State   PollState
	Output  any
	Message string
}

// PollableWorker submits work once and is then checked until it settles.
type PollableWorker interface {
	Submit(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*Job, error)
	Check(ctx context.Context, job *Job, logger *slog.Logger) (*PollStatus, error)
}

// WorkerFactory creates worker instances and provides metadata about the worker type.
type WorkerFactory interface {
	// Create creates a new worker with the given stage configuration
	Create(config map[string]any) (Worker, error)

	// ID returns the unique identifier stages use as their target
	ID() string

	// Name returns the human-readable name for this worker type
	Name() string

	// Description returns a description of what this worker does
	Description() string

	// Schema returns the JSON schema for configuring this worker
	Schema() map[string]any
}
