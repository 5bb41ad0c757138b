// Package orchestrator drives executions through their pipeline stages.
//
// Every state change goes through ExecutionRepository.CompareAndUpdate with a
// guard on the stage position, the attempt and the outstanding token, so
// concurrent callers acting on one execution (a callback, a retry, the sweep,
// a cancellation) never apply the same transition twice. The orchestrator
// itself keeps no per-execution state.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultConflictRetries = 5
	defaultSweepBatch      = 100
	conflictBackoff        = 5 * time.Millisecond
)

type Orchestrator struct {
	executions persistence.ExecutionRepository
	broker     *tokens.Broker
	runner     stages.Runner
	pipelines  map[string]*models.Pipeline

	clock           clockwork.Clock
	logger          *slog.Logger
	tracer          trace.Tracer
	publisher       eventbus.EventPublisher
	conflictRetries int
	sweepBatch      int
}

type Option func(*Orchestrator)

func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithPublisher emits lifecycle events on the event bus.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

func WithConflictRetries(n int) Option {
	return func(o *Orchestrator) {
		o.conflictRetries = n
	}
}

func WithSweepBatch(n int) Option {
	return func(o *Orchestrator) {
		o.sweepBatch = n
	}
}

func New(
	executions persistence.ExecutionRepository,
	broker *tokens.Broker,
	runner stages.Runner,
	pipelines map[string]*models.Pipeline,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		executions:      executions,
		broker:          broker,
		runner:          runner,
		pipelines:       pipelines,
		clock:           clockwork.NewRealClock(),
		logger:          logger.With("module", "orchestrator"),
		tracer:          otelhelper.NoopTracer(),
		conflictRetries: defaultConflictRetries,
		sweepBatch:      defaultSweepBatch,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// StartResult tells a fresh execution apart from an idempotent replay.
type StartResult struct {
	Execution *models.Execution
	Created   bool
}

// Outcome is what an asynchronous worker reports when redeeming its token.
type Outcome struct {
	Output map[string]any
	Error  string
}

// ResumeResult reports whether the outcome changed the execution. A redeemed
// token whose execution already moved on is discarded, not an error.
type ResumeResult struct {
	Applied   bool
	Execution *models.Execution
}

func (o *Orchestrator) Pipeline(name string) (*models.Pipeline, bool) {
	p, ok := o.pipelines[name]

	return p, ok
}

// Get returns the stored execution.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Execution, error) {
	return o.executions.Get(ctx, id)
}

// Start creates an execution and runs it until it suspends or terminates.
// Reusing an execution id with the same input returns the existing execution.
func (o *Orchestrator) Start(ctx context.Context, pipelineName, executionID string, input map[string]any) (*StartResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.start",
		attribute.String(otelhelper.PipelineNameKey, pipelineName))
	defer span.End()

	pipeline, ok := o.pipelines[pipelineName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineName)
	}

	if input == nil {
		input = map[string]any{}
	}

	err := models.ValidateSchema(pipeline.Schema(), input)
	if err != nil {
		return nil, &ValidationError{Pipeline: pipelineName, Err: err}
	}

	if executionID == "" {
		executionID = uuid.NewString()
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, executionID))

	logger := o.logger.With("execution_id", executionID, "pipeline", pipelineName)

	execution := models.NewExecution(executionID, pipelineName, input, o.clock.Now().UTC())

	err = o.executions.Create(ctx, execution)
	if persistence.IsExecutionAlreadyExists(err) {
		return o.replay(ctx, pipelineName, executionID, input)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	logger.InfoContext(ctx, "Execution started")
	o.publish(ctx, executionStarted(execution))

	execution, err = o.advance(ctx, pipeline, execution)
	if err != nil {
		otelhelper.SetError(span, err)

		return &StartResult{Execution: execution, Created: true}, err
	}

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(execution.Status)))

	return &StartResult{Execution: execution, Created: true}, nil
}

func (o *Orchestrator) replay(ctx context.Context, pipelineName, executionID string, input map[string]any) (*StartResult, error) {
	existing, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	same, err := sameInput(existing.Input, input)
	if err != nil {
		return nil, err
	}

	if existing.Pipeline != pipelineName || !same {
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyConflict, executionID)
	}

	o.logger.InfoContext(ctx, "Duplicate start ignored", "execution_id", executionID)

	return &StartResult{Execution: existing, Created: false}, nil
}

// Resume redeems a callback token and applies the worker's outcome to the
// stage it was issued for. Token rejections are returned as *tokens.RejectedError.
// Failures after the token was consumed wrap ErrRedeemed: the token cannot be
// redeemed again, so retrying the same callback cannot succeed.
func (o *Orchestrator) Resume(ctx context.Context, token string, outcome Outcome) (*ResumeResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.resume")
	defer span.End()

	redeemed, err := o.broker.Redeem(ctx, token)
	if err != nil {
		reason, _ := tokens.Reason(err)
		o.logger.WarnContext(ctx, "Callback rejected", "reason", reason, "error", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	result, err := o.resume(ctx, redeemed, outcome)
	if err != nil {
		otelhelper.SetError(span, err)

		return result, fmt.Errorf("%w: %w", ErrRedeemed, err)
	}

	return result, nil
}

func (o *Orchestrator) resume(ctx context.Context, redeemed *models.ResumptionToken, outcome Outcome) (*ResumeResult, error) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(otelhelper.ExecutionIDKey, redeemed.ExecutionID),
		attribute.String(otelhelper.StageIDKey, redeemed.StageID),
	)

	logger := o.logger.With("execution_id", redeemed.ExecutionID, "stage_id", redeemed.StageID)

	execution, err := o.executions.Get(ctx, redeemed.ExecutionID)
	if err != nil {
		return nil, err
	}

	if !holdsToken(execution, redeemed) {
		logger.InfoContext(ctx, "Discarding callback for execution that moved on", "status", execution.Status)

		return &ResumeResult{Applied: false, Execution: execution}, nil
	}

	pipeline, ok := o.pipelines[execution.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, execution.Pipeline)
	}

	stage, ok := pipeline.Stage(execution.CurrentStageIndex)
	if !ok {
		return nil, fmt.Errorf("execution %s has no stage at index %d", execution.ID, execution.CurrentStageIndex)
	}

	o.publish(ctx, executionResumed(execution, stage.ID))

	var updated *models.Execution

	if outcome.Error != "" {
		updated, err = o.fail(ctx, execution, stage, &stages.StageError{StageID: stage.ID, Message: outcome.Error}, redeemed.Value)
	} else {
		updated, err = o.completeOutcome(ctx, pipeline, execution, stage, outcome, redeemed.Value)
	}

	if errors.Is(err, errStale) {
		logger.InfoContext(ctx, "Discarding callback after concurrent transition")

		return &ResumeResult{Applied: false, Execution: updated}, nil
	}

	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Callback applied", "status", updated.Status)

	updated, err = o.advance(ctx, pipeline, updated)
	if err != nil {
		return &ResumeResult{Applied: true, Execution: updated}, err
	}

	return &ResumeResult{Applied: true, Execution: updated}, nil
}

func (o *Orchestrator) completeOutcome(
	ctx context.Context,
	pipeline *models.Pipeline,
	execution *models.Execution,
	stage models.StageDescriptor,
	outcome Outcome,
	token string,
) (*models.Execution, error) {
	output, err := models.NormalizeOutput(outcome.Output, execution.ID)
	if err != nil {
		return o.fail(ctx, execution, stage, stages.NewStageError(stage.ID, err), token)
	}

	invocation, err := stages.Complete(stage, output)
	if err != nil {
		return o.fail(ctx, execution, stage, err, token)
	}

	invocation.CompletedAt = o.clock.Now().UTC()
	if execution.StageStartedAt != nil {
		invocation.StartedAt = *execution.StageStartedAt
	}

	return o.complete(ctx, pipeline, execution, stage, invocation, token)
}

// Cancel fails a non-terminal execution with kind CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.Execution, error) {
	execution, err := o.update(ctx, id, func(e *models.Execution) error {
		if e.Status.IsTerminal() {
			return errStale
		}

		e.Finish(models.ExecutionStatusFailed, &models.ExecutionFailure{
			Kind:     models.ErrorKindCancelled,
			StageID:  e.PendingStageID,
			Message:  "execution cancelled",
			Attempts: e.Attempt,
		}, o.clock.Now().UTC())

		return nil
	})
	if errors.Is(err, errStale) {
		return execution, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, execution.Status)
	}

	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "Execution cancelled", "execution_id", id)
	o.publish(ctx, executionFailed(execution))

	return execution, nil
}

// Sweep times out awaiting executions whose deadline has passed and returns
// how many it moved to TIMED_OUT.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.sweep")
	defer span.End()

	now := o.clock.Now().UTC()

	expired, err := o.executions.ListExpired(ctx, now, o.sweepBatch)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list expired executions: %w", err)
	}

	timedOut := 0

	for _, candidate := range expired {
		execution, err := o.update(ctx, candidate.ID, func(e *models.Execution) error {
			if !persistence.IsExpiredAwaiting(e, now) {
				return errStale
			}

			e.Finish(models.ExecutionStatusTimedOut, &models.ExecutionFailure{
				Kind:     models.ErrorKindExecutionTimeout,
				StageID:  e.PendingStageID,
				Message:  fmt.Sprintf("no callback before deadline %s", e.DeadlineAt.Format(time.RFC3339)),
				Attempts: e.Attempt,
			}, now)

			return nil
		})
		if errors.Is(err, errStale) {
			continue
		}

		if err != nil {
			o.logger.ErrorContext(ctx, "Failed to time out execution", "execution_id", candidate.ID, "error", err)

			continue
		}

		timedOut++

		o.logger.WarnContext(ctx, "Execution timed out", "execution_id", execution.ID, "stage_id", candidate.PendingStageID)
		o.publish(ctx, executionTimedOut(execution, candidate.PendingStageID))
	}

	span.SetAttributes(attribute.Int("conveyor.sweep.timed_out", timedOut))

	return timedOut, nil
}

// advance runs stages until the execution suspends or terminates.
func (o *Orchestrator) advance(ctx context.Context, pipeline *models.Pipeline, execution *models.Execution) (*models.Execution, error) {
	for {
		if execution.Status.IsTerminal() || execution.Status == models.ExecutionStatusAwaitingCallback {
			return execution, nil
		}

		stage, ok := pipeline.Stage(execution.CurrentStageIndex)
		if !ok {
			return execution, fmt.Errorf("execution %s has no stage at index %d", execution.ID, execution.CurrentStageIndex)
		}

		next, err := o.runAttempt(ctx, pipeline, execution, stage)
		if errors.Is(err, errStale) {
			// Another caller owns the execution now.
			return next, nil
		}

		if err != nil {
			return execution, err
		}

		execution = next
	}
}

func (o *Orchestrator) runAttempt(
	ctx context.Context,
	pipeline *models.Pipeline,
	execution *models.Execution,
	stage models.StageDescriptor,
) (*models.Execution, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.stage",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StageIDKey, stage.ID),
		attribute.Int(otelhelper.StageIndexKey, stage.Position),
		attribute.Int(otelhelper.AttemptKey, execution.Attempt),
		attribute.String(otelhelper.WorkerIDKey, stage.Target),
	)
	defer span.End()

	logger := o.logger.With("execution_id", execution.ID, "stage_id", stage.ID, "attempt", execution.Attempt)

	err := o.sleep(ctx, stage.Backoff(execution.Attempt))
	if err != nil {
		return execution, err
	}

	stageInput, err := models.BuildStageInput(execution.Input, execution.Outputs())
	if err != nil {
		return execution, err
	}

	envelope := models.Envelope{
		CorrelationID: execution.ID,
		StageID:       stage.ID,
		Attempt:       execution.Attempt,
		StageInput:    stageInput,
	}

	var tokenExpiresAt time.Time

	if stage.Async {
		token, err := o.broker.Issue(ctx, execution.ID, stage.ID, pipeline.CallbackTTL(stage))
		if err != nil {
			otelhelper.SetError(span, err)

			return execution, err
		}

		envelope.CallbackToken = token.Value
		tokenExpiresAt = token.ExpiresAt
	}

	execution, err = o.begin(ctx, execution, stage, envelope.CallbackToken)
	if err != nil {
		return execution, err
	}

	logger.DebugContext(ctx, "Invoking stage", "async", stage.Async)

	invocation, err := o.runner.Invoke(ctx, stage, envelope)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "Stage attempt failed", "error", err)

		return o.fail(ctx, execution, stage, err, envelope.CallbackToken)
	}

	if invocation.Kind == stages.InvocationPending {
		return o.suspend(ctx, pipeline, execution, stage, envelope.CallbackToken, tokenExpiresAt)
	}

	return o.complete(ctx, pipeline, execution, stage, invocation, envelope.CallbackToken)
}

// begin marks the attempt as running and records the token an asynchronous
// stage was given, so a callback racing the invocation itself is accepted.
func (o *Orchestrator) begin(ctx context.Context, execution *models.Execution, stage models.StageDescriptor, token string) (*models.Execution, error) {
	guard := stageGuard(execution.CurrentStageIndex, execution.Attempt, "")

	return o.update(ctx, execution.ID, func(e *models.Execution) error {
		if err := guard(e); err != nil || e.Status == models.ExecutionStatusAwaitingCallback {
			return errStale
		}

		now := o.clock.Now().UTC()

		e.Status = models.ExecutionStatusRunning
		e.StageStartedAt = &now
		e.UpdatedAt = now

		if token != "" {
			e.PendingToken = token
			e.PendingStageID = stage.ID
		}

		return nil
	})
}

func (o *Orchestrator) suspend(
	ctx context.Context,
	pipeline *models.Pipeline,
	execution *models.Execution,
	stage models.StageDescriptor,
	token string,
	tokenExpiresAt time.Time,
) (*models.Execution, error) {
	guard := stageGuard(execution.CurrentStageIndex, execution.Attempt, token)

	updated, err := o.update(ctx, execution.ID, func(e *models.Execution) error {
		if err := guard(e); err != nil || e.Status != models.ExecutionStatusRunning {
			return errStale
		}

		now := o.clock.Now().UTC()

		// Nothing can resume the execution once its only token has expired.
		deadline := pipeline.Deadline(e.CreatedAt, now, e.CurrentStageIndex)
		if !tokenExpiresAt.IsZero() && tokenExpiresAt.Before(deadline) {
			deadline = tokenExpiresAt
		}

		e.Status = models.ExecutionStatusAwaitingCallback
		e.DeadlineAt = &deadline
		e.UpdatedAt = now

		return nil
	})
	if err != nil {
		return updated, err
	}

	o.logger.InfoContext(ctx, "Execution awaiting callback",
		"execution_id", updated.ID, "stage_id", stage.ID, "deadline_at", updated.DeadlineAt)
	o.publish(ctx, executionSuspended(updated, stage.ID))

	return updated, nil
}

func (o *Orchestrator) complete(
	ctx context.Context,
	pipeline *models.Pipeline,
	execution *models.Execution,
	stage models.StageDescriptor,
	invocation *stages.Invocation,
	token string,
) (*models.Execution, error) {
	guard := stageGuard(execution.CurrentStageIndex, execution.Attempt, token)

	updated, err := o.update(ctx, execution.ID, func(e *models.Execution) error {
		if err := guard(e); err != nil {
			return err
		}

		now := o.clock.Now().UTC()

		startedAt := invocation.StartedAt
		if startedAt.IsZero() && e.StageStartedAt != nil {
			startedAt = *e.StageStartedAt
		}

		completedAt := invocation.CompletedAt
		if completedAt.IsZero() {
			completedAt = now
		}

		e.StageResults = append(e.StageResults, models.StageResult{
			StageID:     stage.ID,
			Output:      invocation.Output,
			Attempts:    e.Attempt,
			StartedAt:   startedAt,
			CompletedAt: completedAt,
		})
		e.CurrentStageIndex++
		e.Attempt = 1
		e.ClearPending()
		e.StageStartedAt = nil
		e.Status = models.ExecutionStatusRunning
		e.UpdatedAt = now

		if e.CurrentStageIndex < len(pipeline.Stages) {
			return nil
		}

		result, err := models.BuildStageInput(e.Input, e.Outputs())
		if err != nil {
			return err
		}

		result[models.CorrelationIDKey] = e.ID
		e.Result = result
		e.Finish(models.ExecutionStatusSucceeded, nil, now)

		return nil
	})
	if err != nil {
		return updated, err
	}

	o.logger.InfoContext(ctx, "Stage completed", "execution_id", updated.ID, "stage_id", stage.ID)
	o.publish(ctx, stageCompleted(updated, stage.ID, execution.Attempt))

	if updated.Status == models.ExecutionStatusSucceeded {
		o.logger.InfoContext(ctx, "Execution succeeded", "execution_id", updated.ID)
		o.publish(ctx, executionSucceeded(updated))
	}

	return updated, nil
}

// fail retries the stage while its budget lasts and otherwise fails the execution.
func (o *Orchestrator) fail(
	ctx context.Context,
	execution *models.Execution,
	stage models.StageDescriptor,
	cause error,
	token string,
) (*models.Execution, error) {
	guard := stageGuard(execution.CurrentStageIndex, execution.Attempt, token)
	retry := execution.Attempt < stage.MaxAttempts()

	updated, err := o.update(ctx, execution.ID, func(e *models.Execution) error {
		if err := guard(e); err != nil {
			return err
		}

		now := o.clock.Now().UTC()

		if retry {
			e.Attempt++
			e.ClearPending()
			e.StageStartedAt = nil
			e.Status = models.ExecutionStatusRunning
			e.UpdatedAt = now

			return nil
		}

		e.Finish(models.ExecutionStatusFailed, &models.ExecutionFailure{
			Kind:     stages.KindOf(cause),
			StageID:  stage.ID,
			Message:  cause.Error(),
			Attempts: e.Attempt,
		}, now)

		return nil
	})
	if err != nil {
		return updated, err
	}

	if retry {
		o.logger.InfoContext(ctx, "Retrying stage",
			"execution_id", updated.ID, "stage_id", stage.ID, "attempt", updated.Attempt, "error", cause)
		o.publish(ctx, stageRetrying(updated, stage, cause))

		return updated, nil
	}

	o.logger.ErrorContext(ctx, "Execution failed", "execution_id", updated.ID, "stage_id", stage.ID, "error", cause)
	o.publish(ctx, executionFailed(updated))

	return updated, nil
}

// update applies mutate through compare-and-update, retrying version
// conflicts a bounded number of times. When mutate returns errStale the
// execution as mutate saw it is returned with the error.
func (o *Orchestrator) update(ctx context.Context, id string, mutate persistence.MutateFunc) (*models.Execution, error) {
	var (
		updated *models.Execution
		seen    *models.Execution
	)

	guarded := func(e *models.Execution) error {
		err := mutate(e)
		if errors.Is(err, errStale) {
			seen = e
		}

		return err
	}

	operation := func() error {
		current, err := o.executions.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}

		updated, err = o.executions.CompareAndUpdate(ctx, id, current.Version, guarded)
		if err == nil || persistence.IsVersionConflict(err) {
			return err
		}

		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictBackoff), uint64(o.conflictRetries)),
		ctx,
	)

	err := backoff.Retry(operation, policy)
	if errors.Is(err, errStale) {
		return seen, err
	}

	if persistence.IsVersionConflict(err) {
		return nil, fmt.Errorf("%w: %s after %d retries", ErrConflict, id, o.conflictRetries)
	}

	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(d):
		return nil
	}
}

func (o *Orchestrator) publish(ctx context.Context, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	key := ""
	if e, ok := event.(interface{ GetExecutionID() string }); ok {
		key = e.GetExecutionID()
	}

	err := o.publisher.Publish(ctx, key, event)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// stageGuard requires the execution to still be at the given stage attempt and
// to hold the given token ("" for none).
func stageGuard(index, attempt int, token string) func(*models.Execution) error {
	return func(e *models.Execution) error {
		if e.Status.IsTerminal() || e.CurrentStageIndex != index || e.Attempt != attempt || e.PendingToken != token {
			return errStale
		}

		return nil
	}
}

// holdsToken reports whether the execution is still waiting on the redeemed token.
func holdsToken(execution *models.Execution, token *models.ResumptionToken) bool {
	if execution.Status.IsTerminal() || execution.ID != token.ExecutionID {
		return false
	}

	return execution.PendingToken == token.Value && execution.PendingStageID == token.StageID
}

func sameInput(a, b map[string]any) (bool, error) {
	left, err := json.Marshal(a)
	if err != nil {
		return false, err
	}

	right, err := json.Marshal(b)
	if err != nil {
		return false, err
	}

	return bytes.Equal(left, right), nil
}
