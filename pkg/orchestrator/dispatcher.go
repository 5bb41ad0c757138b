package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/tokens"
)

// Resumer applies a redeemed outcome.
type Resumer interface {
	Resume(ctx context.Context, token string, outcome Outcome) (*ResumeResult, error)
}

// CallbackDispatcher turns stage.callback events into Resume calls.
// Rejected tokens and failures after the token was consumed are acknowledged,
// since a redelivery could only be rejected as AlreadyConsumed. Failures
// before consumption are redelivered.
type CallbackDispatcher struct {
	resumer    Resumer
	subscriber eventbus.EventSubscriber
	logger     *slog.Logger
}

func NewCallbackDispatcher(resumer Resumer, subscriber eventbus.EventSubscriber, logger *slog.Logger) *CallbackDispatcher {
	return &CallbackDispatcher{
		resumer:    resumer,
		subscriber: subscriber,
		logger:     logger.With("module", "callback_dispatcher"),
	}
}

func (d *CallbackDispatcher) Start(ctx context.Context) error {
	err := d.subscriber.Handle(events.StageCallbackEvent, d.handle)
	if err != nil {
		return fmt.Errorf("failed to register callback handler: %w", err)
	}

	err = d.subscriber.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	d.logger.InfoContext(ctx, "Callback dispatcher started")

	return nil
}

func (d *CallbackDispatcher) handle(ctx context.Context, event any) error {
	callback, ok := event.(*events.StageCallback)
	if !ok {
		d.logger.WarnContext(ctx, "Ignoring unexpected event", "type", fmt.Sprintf("%T", event))

		return nil
	}

	return d.Dispatch(ctx, callback)
}

// Dispatch resumes the execution bound to the callback token.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, callback *events.StageCallback) error {
	result, err := d.resumer.Resume(ctx, callback.Token, Outcome{Output: callback.Output, Error: callback.Error})
	if reason, rejected := tokens.Reason(err); rejected {
		d.logger.InfoContext(ctx, "Dropping rejected callback", "reason", reason, "execution_id", callback.ExecutionID)

		return nil
	}

	if errors.Is(err, ErrRedeemed) {
		d.logger.ErrorContext(ctx, "Callback outcome lost after token redemption",
			"execution_id", callback.ExecutionID, "error", err)

		return nil
	}

	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to resume execution", "execution_id", callback.ExecutionID, "error", err)

		return err
	}

	d.logger.InfoContext(ctx, "Callback dispatched",
		"execution_id", result.Execution.ID,
		"applied", result.Applied,
		"status", result.Execution.Status,
	)

	return nil
}
