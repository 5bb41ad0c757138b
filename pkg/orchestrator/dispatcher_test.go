package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conveyor/pkg/channels/gochannel"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resumerFunc func(ctx context.Context, token string, outcome orchestrator.Outcome) (*orchestrator.ResumeResult, error)

func (f resumerFunc) Resume(ctx context.Context, token string, outcome orchestrator.Outcome) (*orchestrator.ResumeResult, error) {
	return f(ctx, token, outcome)
}

func TestCallbackDispatcher_ResumesFromEventBus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, clockwork.NewRealClock(), twoStagePipeline())
	h.runner.on("ingest", immediate(map[string]any{"ok": true}))
	h.runner.on("risk", pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer func() { _ = bus.Close() }()

	dispatcher := orchestrator.NewCallbackDispatcher(h.orchestrator, bus, slog.Default())
	require.NoError(t, dispatcher.Start(ctx))

	started, err := h.orchestrator.Start(ctx, "test-pipeline", "exec-bus", validInput())
	require.NoError(t, err)

	err = bus.Publish(ctx, "exec-bus", events.StageCallback{
		BaseEvent: events.NewBaseEvent(events.StageCallbackEvent, "exec-bus"),
		Token:     started.Execution.PendingToken,
		Output:    map[string]any{"risk": "MEDIUM"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		execution, err := h.orchestrator.Get(ctx, "exec-bus")

		return err == nil && execution.Status == models.ExecutionStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	execution, err := h.orchestrator.Get(ctx, "exec-bus")
	require.NoError(t, err)
	assert.Equal(t, "MEDIUM", execution.Result["risk"])
}

func TestCallbackDispatcher_Dispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, clockwork.NewRealClock(), twoStagePipeline())

	dispatcher := orchestrator.NewCallbackDispatcher(h.orchestrator, nil, slog.Default())

	// Unknown tokens are dropped rather than redelivered.
	err := dispatcher.Dispatch(context.Background(), &events.StageCallback{Token: "unknown"})
	require.NoError(t, err)

	storeErr := errors.New("store unavailable")
	failing := orchestrator.NewCallbackDispatcher(resumerFunc(
		func(context.Context, string, orchestrator.Outcome) (*orchestrator.ResumeResult, error) {
			return nil, storeErr
		}), nil, slog.Default())

	err = failing.Dispatch(context.Background(), &events.StageCallback{Token: "tok"})
	require.ErrorIs(t, err, storeErr)

	// Once the token is consumed a redelivery could only be rejected, so the
	// message is acknowledged.
	consumed := orchestrator.NewCallbackDispatcher(resumerFunc(
		func(context.Context, string, orchestrator.Outcome) (*orchestrator.ResumeResult, error) {
			return nil, fmt.Errorf("%w: %w", orchestrator.ErrRedeemed, storeErr)
		}), nil, slog.Default())

	err = consumed.Dispatch(context.Background(), &events.StageCallback{Token: "tok"})
	require.NoError(t, err)
}
