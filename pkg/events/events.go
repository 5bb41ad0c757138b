// Package events defines event types and structures for execution lifecycle notifications.
package events

import (
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "conveyor.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionSucceededEvent EventType = "execution.succeeded"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionTimedOutEvent  EventType = "execution.timed_out"

	// Stage events.
	StageCompletedEvent  EventType = "stage.completed"
	StageRetryingEvent   EventType = "stage.retrying"
	StageDispatchedEvent EventType = "stage.dispatched"
	StageCallbackEvent   EventType = "stage.callback"

	ApprovalRequestedEvent EventType = "approval.requested"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// GetExecutionID is the partition key for the event.
func (e BaseEvent) GetExecutionID() string {
	return e.ExecutionID
}

// NewBaseEvent stamps a new event for an execution.
func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	Pipeline string         `json:"pipeline"`
	Input    map[string]any `json:"input,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionSuspended struct {
	BaseEvent

	StageID    string     `json:"stage_id"`
	Attempt    int        `json:"attempt"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

func (e ExecutionSuspended) GetType() EventType {
	return ExecutionSuspendedEvent
}

type ExecutionResumed struct {
	BaseEvent

	StageID string `json:"stage_id"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionSucceeded struct {
	BaseEvent

	Result map[string]any `json:"result,omitempty"`
}

func (e ExecutionSucceeded) GetType() EventType {
	return ExecutionSucceededEvent
}

type ExecutionFailed struct {
	BaseEvent

	Error *models.ExecutionFailure `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionTimedOut struct {
	BaseEvent

	StageID string `json:"stage_id,omitempty"`
}

func (e ExecutionTimedOut) GetType() EventType {
	return ExecutionTimedOutEvent
}

type StageCompleted struct {
	BaseEvent

	StageID  string `json:"stage_id"`
	Attempts int    `json:"attempts"`
}

func (e StageCompleted) GetType() EventType {
	return StageCompletedEvent
}

type StageRetrying struct {
	BaseEvent

	StageID string        `json:"stage_id"`
	Attempt int           `json:"attempt"`
	Error   string        `json:"error"`
	Backoff time.Duration `json:"backoff"`
}

func (e StageRetrying) GetType() EventType {
	return StageRetryingEvent
}

// StageDispatched hands an envelope to an external consumer that completes
// the stage by publishing a StageCallback.
type StageDispatched struct {
	BaseEvent

	StageID  string          `json:"stage_id"`
	Envelope models.Envelope `json:"envelope"`
	Queue    string          `json:"queue,omitempty"`
}

func (e StageDispatched) GetType() EventType {
	return StageDispatchedEvent
}

// StageCallback is an external completion delivered over the event bus.
type StageCallback struct {
	BaseEvent

	Token  string         `json:"token"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (e StageCallback) GetType() EventType {
	return StageCallbackEvent
}

type ApprovalRequested struct {
	BaseEvent

	StageID    string `json:"stage_id"`
	ApprovalID string `json:"approval_id"`
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	ApproveURL string `json:"approve_url"`
	RejectURL  string `json:"reject_url"`
}

func (e ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}
