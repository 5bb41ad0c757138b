// Package models provides core data structures for pipeline executions, stages and tokens.
package models

import "time"

type ExecutionStatus string

const (
	ExecutionStatusPending          ExecutionStatus = "PENDING"
	ExecutionStatusRunning          ExecutionStatus = "RUNNING"
	ExecutionStatusAwaitingCallback ExecutionStatus = "AWAITING_CALLBACK"
	ExecutionStatusSucceeded        ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed           ExecutionStatus = "FAILED"
	ExecutionStatusTimedOut         ExecutionStatus = "TIMED_OUT"
)

// IsTerminal reports whether no further transition may leave the status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimedOut:
		return true
	default:
		return false
	}
}

type ErrorKind string

const (
	ErrorKindValidation       ErrorKind = "VALIDATION"
	ErrorKindStageTimeout     ErrorKind = "STAGE_TIMEOUT"
	ErrorKindStageError       ErrorKind = "STAGE_ERROR"
	ErrorKindExecutionTimeout ErrorKind = "EXECUTION_TIMEOUT"
	ErrorKindCancelled        ErrorKind = "CANCELLED"
)

// ExecutionFailure is the error recorded on a FAILED or TIMED_OUT execution.
type ExecutionFailure struct {
	Kind     ErrorKind `json:"kind"`
	StageID  string    `json:"stage_id,omitempty"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
}

// StageResult is appended once per successfully completed stage.
type StageResult struct {
	StageID     string         `json:"stage_id"`
	Output      map[string]any `json:"output"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

type Execution struct {
	ID                string            `json:"id"`
	Pipeline          string            `json:"pipeline"`
	Status            ExecutionStatus   `json:"status"`
	CurrentStageIndex int               `json:"current_stage_index"`
	Attempt           int               `json:"attempt"`
	Input             map[string]any    `json:"input"`
	StageResults      []StageResult     `json:"stage_results"`
	PendingToken      string            `json:"pending_token,omitempty"`
	PendingStageID    string            `json:"pending_stage_id,omitempty"`
	StageStartedAt    *time.Time        `json:"stage_started_at,omitempty"`
	DeadlineAt        *time.Time        `json:"deadline_at,omitempty"`
	Result            map[string]any    `json:"result,omitempty"`
	Error             *ExecutionFailure `json:"error,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// NewExecution returns a PENDING execution positioned at the first attempt of its first stage.
func NewExecution(id, pipeline string, input map[string]any, now time.Time) *Execution {
	if input == nil {
		input = map[string]any{}
	}

	return &Execution{
		ID:           id,
		Pipeline:     pipeline,
		Status:       ExecutionStatusPending,
		Attempt:      1,
		Input:        input,
		StageResults: []StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsAwaiting reports whether the execution is suspended on the given token.
func (e *Execution) IsAwaiting(token string) bool {
	return e.Status == ExecutionStatusAwaitingCallback && e.PendingToken != "" && e.PendingToken == token
}

// Outputs returns the outputs of the completed stages in order.
func (e *Execution) Outputs() []map[string]any {
	outputs := make([]map[string]any, 0, len(e.StageResults))
	for _, r := range e.StageResults {
		outputs = append(outputs, r.Output)
	}

	return outputs
}

// ClearPending drops the suspension bookkeeping.
func (e *Execution) ClearPending() {
	e.PendingToken = ""
	e.PendingStageID = ""
	e.DeadlineAt = nil
}

// Finish moves the execution into a terminal status.
func (e *Execution) Finish(status ExecutionStatus, failure *ExecutionFailure, now time.Time) {
	e.Status = status
	e.Error = failure
	e.ClearPending()
	e.StageStartedAt = nil
	e.UpdatedAt = now
	e.CompletedAt = &now
}
