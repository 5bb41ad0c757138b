package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

const (
	pollMultiplier  = 1.5
	pollMaxInterval = 10
)

// PollingRunner submits work once and checks its status until it settles,
// the attempt ceiling is reached or the stage timeout elapses.
type PollingRunner struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewPollingRunner(clock clockwork.Clock, logger *slog.Logger) *PollingRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &PollingRunner{
		clock:  clock,
		logger: logger.With("module", "polling_runner"),
	}
}

func (p *PollingRunner) policy(poll models.PollConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = poll.Interval
	b.Multiplier = pollMultiplier
	b.MaxInterval = poll.Interval * pollMaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = p.clock
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(max(poll.MaxAttempts-1, 0)))
}

func (p *PollingRunner) Run(ctx context.Context, stage models.StageDescriptor, envelope models.Envelope, worker protocol.PollableWorker) (*Invocation, error) {
	logger := p.logger.With("execution_id", envelope.CorrelationID, "stage_id", stage.ID, "attempt", envelope.Attempt)
	startedAt := p.clock.Now().UTC()

	if stage.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	job, err := worker.Submit(ctx, envelope, logger)
	if err != nil {
		return nil, p.classify(ctx, stage, &StageError{StageID: stage.ID, Message: "submit failed", Err: err})
	}

	logger.InfoContext(ctx, "Submitted polling job", "job_id", job.ID)

	policy := p.policy(*stage.Poll)
	checks := 0

	for {
		checks++

		status, err := worker.Check(ctx, job, logger)
		if err != nil {
			return nil, p.classify(ctx, stage, &StageError{StageID: stage.ID, Message: "status check failed", Err: err})
		}

		switch status.State {
		case protocol.PollStateSucceeded:
			output, err := models.NormalizeOutput(status.Output, envelope.CorrelationID)
			if err != nil {
				return nil, NewStageError(stage.ID, err)
			}

			invocation, err := Complete(stage, output)
			if err != nil {
				return nil, err
			}

			invocation.StartedAt = startedAt
			invocation.CompletedAt = p.clock.Now().UTC()

			return invocation, nil
		case protocol.PollStateFailed:
			message := status.Message
			if message == "" {
				message = "job failed"
			}

			return nil, &StageError{StageID: stage.ID, Message: message}
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			logger.WarnContext(ctx, "Polling attempts exhausted", "checks", checks)

			return nil, Timeout(stage.ID, fmt.Sprintf("poll attempts exhausted after %d checks", checks))
		}

		logger.DebugContext(ctx, "Job still running", "job_id", job.ID, "wait", wait)

		select {
		case <-ctx.Done():
			return nil, p.classify(ctx, stage, NewStageError(stage.ID, ctx.Err()))
		case <-p.clock.After(wait):
		}
	}
}

func (p *PollingRunner) classify(ctx context.Context, stage models.StageDescriptor, err *StageError) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout(stage.ID, fmt.Sprintf("no result within %s", stage.Timeout))
	}

	return err
}
