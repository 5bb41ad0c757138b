package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

type InvocationKind string

const (
	InvocationImmediate InvocationKind = "IMMEDIATE"
	InvocationPending   InvocationKind = "PENDING"
)

// Invocation is a successful stage call: either a normalized output or a
// suspension on the envelope's callback token.
type Invocation struct {
	Kind        InvocationKind
	Output      map[string]any
	StartedAt   time.Time
	CompletedAt time.Time
}

// Runner invokes a stage. Failures are returned as *StageError.
type Runner interface {
	Invoke(ctx context.Context, stage models.StageDescriptor, envelope models.Envelope) (*Invocation, error)
}

// WorkerProvider builds the worker a stage targets.
type WorkerProvider interface {
	CreateWorker(id string, config map[string]any) (protocol.Worker, error)
}

// DispatchRunner resolves stage targets through the worker registry and bounds
// every call by the stage timeout. Stages with a poll configuration are
// delegated to the PollingRunner.
type DispatchRunner struct {
	workers WorkerProvider
	poller  *PollingRunner
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewDispatchRunner(workers WorkerProvider, clock clockwork.Clock, logger *slog.Logger) *DispatchRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &DispatchRunner{
		workers: workers,
		poller:  NewPollingRunner(clock, logger),
		clock:   clock,
		logger:  logger.With("module", "stage_runner"),
	}
}

type workerResult struct {
	response *protocol.Response
	err      error
}

func (r *DispatchRunner) Invoke(ctx context.Context, stage models.StageDescriptor, envelope models.Envelope) (*Invocation, error) {
	logger := r.logger.With("execution_id", envelope.CorrelationID, "stage_id", stage.ID, "attempt", envelope.Attempt)

	worker, err := r.workers.CreateWorker(stage.Target, stage.Config)
	if err != nil {
		return nil, &StageError{StageID: stage.ID, Message: "failed to create worker", Err: err}
	}

	if stage.Poll != nil {
		pollable, ok := worker.(protocol.PollableWorker)
		if !ok {
			return nil, &StageError{StageID: stage.ID, Message: fmt.Sprintf("target %s does not support polling", stage.Target)}
		}

		return r.poller.Run(ctx, stage, envelope, pollable)
	}

	startedAt := r.clock.Now().UTC()

	callTimeout := stage.CallTimeout()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	results := make(chan workerResult, 1)

	go func() {
		response, err := worker.Invoke(callCtx, envelope, logger)
		results <- workerResult{response: response, err: err}
	}()

	var result workerResult

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			logger.WarnContext(ctx, "Stage timed out", "timeout", callTimeout)

			return nil, Timeout(stage.ID, fmt.Sprintf("no response within %s", callTimeout))
		}

		return nil, NewStageError(stage.ID, callCtx.Err())
	case result = <-results:
	}

	if result.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, Timeout(stage.ID, result.err.Error())
		}

		logger.WarnContext(ctx, "Stage failed", "error", result.err)

		return nil, NewStageError(stage.ID, result.err)
	}

	invocation, err := Interpret(stage, envelope, result.response)
	if err != nil {
		return nil, err
	}

	invocation.StartedAt = startedAt
	invocation.CompletedAt = r.clock.Now().UTC()

	return invocation, nil
}

// Interpret normalizes a worker response and decides between completion and
// suspension. A PENDING status in the output only declares suspension on async
// stages; synchronous stages keep it as ordinary output.
func Interpret(stage models.StageDescriptor, envelope models.Envelope, response *protocol.Response) (*Invocation, error) {
	if response == nil {
		response = &protocol.Response{}
	}

	output, err := models.NormalizeOutput(response.Output, envelope.CorrelationID)
	if err != nil {
		return nil, NewStageError(stage.ID, err)
	}

	if response.Pending || (stage.Async && models.IsPendingDeclaration(output)) {
		if !stage.Async || envelope.CallbackToken == "" {
			return nil, NewStageError(stage.ID, ErrUnexpectedPending)
		}

		declared := response.CallbackToken
		if declared == "" {
			declared, _ = output["callbackToken"].(string)
		}

		if declared != "" && declared != envelope.CallbackToken {
			return nil, NewStageError(stage.ID, ErrTokenMismatch)
		}

		return &Invocation{Kind: InvocationPending, Output: output}, nil
	}

	return Complete(stage, output)
}

// Complete validates a normalized output against the stage output schema.
func Complete(stage models.StageDescriptor, output map[string]any) (*Invocation, error) {
	err := models.ValidateSchema(stage.OutputSchema, output)
	if err != nil {
		return nil, &StageError{StageID: stage.ID, Message: "output rejected", Err: err}
	}

	return &Invocation{Kind: InvocationImmediate, Output: output}, nil
}
