// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/google/uuid"
)

// CreateTestExecution creates a PENDING execution with default values that can be overridden.
func CreateTestExecution(overrides ...func(*models.Execution)) *models.Execution {
	execution := models.NewExecution(
		uuid.New().String(),
		"contract-review",
		map[string]any{
			"document": map[string]any{"bucket": "contracts", "key": "msa.pdf"},
			"metadata": map[string]any{"contract_type": "MSA"},
		},
		time.Now().UTC().Truncate(time.Millisecond),
	)

	for _, override := range overrides {
		override(execution)
	}

	return execution
}

// WithAwaiting places the execution in AWAITING_CALLBACK on the given token.
func WithAwaiting(token string, deadline time.Time) func(*models.Execution) {
	return func(e *models.Execution) {
		d := deadline
		e.Status = models.ExecutionStatusAwaitingCallback
		e.PendingToken = token
		e.PendingStageID = "approval"
		e.DeadlineAt = &d
		e.Attempt = 1
	}
}

// CreateTestPipeline creates a pipeline with the given stages, each defaulting
// to a one minute timeout and no retries.
func CreateTestPipeline(stages ...models.StageDescriptor) *models.Pipeline {
	for i := range stages {
		stages[i].Position = i
		if stages[i].Timeout == 0 {
			stages[i].Timeout = time.Minute
		}
	}

	return &models.Pipeline{
		Name:   "test-pipeline",
		Stages: stages,
	}
}

// CreateTestToken creates an unconsumed token for an execution.
func CreateTestToken(executionID string, expiresAt time.Time) *models.ResumptionToken {
	return &models.ResumptionToken{
		Value:       uuid.New().String(),
		ExecutionID: executionID,
		StageID:     "approval",
		IssuedAt:    time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:   expiresAt.UTC().Truncate(time.Millisecond),
	}
}
