// Package web provides HTTP request and response types for the execution API.
package web

import (
	"time"

	"github.com/dukex/conveyor/pkg/models"
)

// NotFoundStatus is reported in place of an execution status for unknown ids.
const NotFoundStatus = "NOT_FOUND"

// CallbackRequest is the body of a callback redemption. Either the generic
// output/error pair or the approval shorthand is accepted.
type CallbackRequest struct {
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"    validate:"omitempty,max=4096"`
	Decision string         `json:"decision,omitempty" validate:"omitempty,oneof=APPROVED REJECTED approved rejected"`
	Approver string         `json:"approver,omitempty"`
	Comments string         `json:"comments,omitempty"`
}

// ExecutionResponse is the public view of an execution.
type ExecutionResponse struct {
	ExecutionID       string                   `json:"executionId"`
	Pipeline          string                   `json:"pipeline,omitempty"`
	Status            string                   `json:"status"`
	CurrentStage      string                   `json:"currentStage,omitempty"`
	CurrentStageIndex int                      `json:"currentStageIndex"`
	Attempt           int                      `json:"attempt,omitempty"`
	Result            map[string]any           `json:"result,omitempty"`
	Error             *models.ExecutionFailure `json:"error,omitempty"`
	DeadlineAt        *time.Time               `json:"deadlineAt,omitempty"`
	CreatedAt         *time.Time               `json:"createdAt,omitempty"`
	UpdatedAt         *time.Time               `json:"updatedAt,omitempty"`
}

// CallbackResponse reports whether a redeemed outcome moved the execution.
type CallbackResponse struct {
	Applied   bool              `json:"applied"`
	Execution ExecutionResponse `json:"execution"`
}

// TransformExecutionResponse builds the public view. The current stage is the
// stage at the current index, or the last stage once every stage completed.
func TransformExecutionResponse(execution *models.Execution, pipeline *models.Pipeline) ExecutionResponse {
	response := ExecutionResponse{
		ExecutionID:       execution.ID,
		Pipeline:          execution.Pipeline,
		Status:            string(execution.Status),
		CurrentStageIndex: execution.CurrentStageIndex,
		Attempt:           execution.Attempt,
		Result:            execution.Result,
		Error:             execution.Error,
		DeadlineAt:        execution.DeadlineAt,
	}

	if !execution.CreatedAt.IsZero() {
		createdAt := execution.CreatedAt
		response.CreatedAt = &createdAt
	}

	if !execution.UpdatedAt.IsZero() {
		updatedAt := execution.UpdatedAt
		response.UpdatedAt = &updatedAt
	}

	if pipeline != nil {
		index := execution.CurrentStageIndex
		if index >= len(pipeline.Stages) {
			index = len(pipeline.Stages) - 1
		}

		if stage, ok := pipeline.Stage(index); ok {
			response.CurrentStage = stage.ID
		}
	}

	return response
}

// NotFoundResponse is the status body for an unknown execution id.
func NotFoundResponse(id string) ExecutionResponse {
	return ExecutionResponse{ExecutionID: id, Status: NotFoundStatus, CurrentStageIndex: -1}
}
