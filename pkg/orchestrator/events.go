package orchestrator

import (
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
)

func executionStarted(e *models.Execution) events.ExecutionStarted {
	return events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, e.ID),
		Pipeline:  e.Pipeline,
		Input:     e.Input,
	}
}

func executionSuspended(e *models.Execution, stageID string) events.ExecutionSuspended {
	return events.ExecutionSuspended{
		BaseEvent:  events.NewBaseEvent(events.ExecutionSuspendedEvent, e.ID),
		StageID:    stageID,
		Attempt:    e.Attempt,
		DeadlineAt: e.DeadlineAt,
	}
}

func executionResumed(e *models.Execution, stageID string) events.ExecutionResumed {
	return events.ExecutionResumed{
		BaseEvent: events.NewBaseEvent(events.ExecutionResumedEvent, e.ID),
		StageID:   stageID,
	}
}

func executionSucceeded(e *models.Execution) events.ExecutionSucceeded {
	return events.ExecutionSucceeded{
		BaseEvent: events.NewBaseEvent(events.ExecutionSucceededEvent, e.ID),
		Result:    e.Result,
	}
}

func executionFailed(e *models.Execution) events.ExecutionFailed {
	return events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, e.ID),
		Error:     e.Error,
	}
}

func executionTimedOut(e *models.Execution, stageID string) events.ExecutionTimedOut {
	return events.ExecutionTimedOut{
		BaseEvent: events.NewBaseEvent(events.ExecutionTimedOutEvent, e.ID),
		StageID:   stageID,
	}
}

func stageCompleted(e *models.Execution, stageID string, attempts int) events.StageCompleted {
	return events.StageCompleted{
		BaseEvent: events.NewBaseEvent(events.StageCompletedEvent, e.ID),
		StageID:   stageID,
		Attempts:  attempts,
	}
}

func stageRetrying(e *models.Execution, stage models.StageDescriptor, cause error) events.StageRetrying {
	return events.StageRetrying{
		BaseEvent: events.NewBaseEvent(events.StageRetryingEvent, e.ID),
		StageID:   stage.ID,
		Attempt:   e.Attempt,
		Error:     cause.Error(),
		Backoff:   stage.Backoff(e.Attempt),
	}
}

