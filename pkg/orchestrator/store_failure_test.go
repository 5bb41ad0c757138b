package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/dukex/conveyor/pkg/testutil"
	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockedOrchestrator(
	t *testing.T,
	repo *mocks.MockExecutionRepository,
	runner stages.Runner,
	opts ...orchestrator.Option,
) (*orchestrator.Orchestrator, *tokens.Broker) {
	t.Helper()

	clock := clockwork.NewRealClock()
	broker := tokens.NewBroker(file.NewPersistence(t.TempDir()).Tokens(), clock, slog.Default())
	pipeline := twoStagePipeline()

	opts = append([]orchestrator.Option{orchestrator.WithClock(clock)}, opts...)

	o := orchestrator.New(repo, broker, runner,
		map[string]*models.Pipeline{pipeline.Name: pipeline}, slog.Default(), opts...)

	return o, broker
}

func TestUpdate_ConflictRetriesExhausted(t *testing.T) {
	t.Parallel()

	execution := testutil.CreateTestExecution(
		testutil.WithAwaiting("tok-1", time.Now().Add(time.Hour)),
		func(e *models.Execution) {
			e.Pipeline = "test-pipeline"
			e.Version = 3
		},
	)

	repo := &mocks.MockExecutionRepository{}
	repo.On("Get", mock.Anything, execution.ID).Return(execution, nil)
	repo.On("CompareAndUpdate", mock.Anything, execution.ID, int64(3), mock.Anything).
		Return(nil, persistence.NewExecutionError("CompareAndUpdate", execution.ID, persistence.ErrVersionConflict))

	o, _ := newMockedOrchestrator(t, repo, &mocks.MockRunner{}, orchestrator.WithConflictRetries(2))

	_, err := o.Cancel(context.Background(), execution.ID)
	require.ErrorIs(t, err, orchestrator.ErrConflict)

	repo.AssertNumberOfCalls(t, "CompareAndUpdate", 3)
	repo.AssertNumberOfCalls(t, "Get", 3)
}

func TestResume_StoreFailureAfterRedemption(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("connection reset")

	repo := &mocks.MockExecutionRepository{}
	repo.On("Get", mock.Anything, "exec-1").Return(nil, storeErr)

	o, broker := newMockedOrchestrator(t, repo, &mocks.MockRunner{})
	ctx := context.Background()

	token, err := broker.Issue(ctx, "exec-1", "risk", time.Hour)
	require.NoError(t, err)

	_, err = o.Resume(ctx, token.Value, orchestrator.Outcome{Output: map[string]any{"risk": "LOW"}})
	require.ErrorIs(t, err, orchestrator.ErrRedeemed)
	require.ErrorIs(t, err, storeErr)

	_, err = o.Resume(ctx, token.Value, orchestrator.Outcome{})
	reason, ok := tokens.Reason(err)
	require.True(t, ok)
	assert.Equal(t, tokens.ReasonAlreadyConsumed, reason)

	// The dispatcher acknowledges the lost outcome instead of redelivering it.
	other, err := broker.Issue(ctx, "exec-1", "risk", time.Hour)
	require.NoError(t, err)

	dispatcher := orchestrator.NewCallbackDispatcher(o, nil, slog.Default())
	err = dispatcher.Dispatch(ctx, &events.StageCallback{Token: other.Value, BaseEvent: events.BaseEvent{ExecutionID: "exec-1"}})
	require.NoError(t, err)
}

func TestStart_RunnerReceivesEnvelopes(t *testing.T) {
	t.Parallel()

	store := file.NewPersistence(t.TempDir())
	clock := clockwork.NewRealClock()
	broker := tokens.NewBroker(store.Tokens(), clock, slog.Default())
	pipeline := twoStagePipeline()

	runner := &mocks.MockRunner{}
	runner.On("Invoke", mock.Anything,
		mock.MatchedBy(func(s models.StageDescriptor) bool { return s.ID == "ingest" }),
		mock.MatchedBy(func(e models.Envelope) bool {
			return e.CorrelationID == "exec-m" && e.Attempt == 1 && e.CallbackToken == "" && e.StageInput["document"] != nil
		}),
	).Return(&stages.Invocation{
		Kind:   stages.InvocationImmediate,
		Output: map[string]any{"ok": true, models.CorrelationIDKey: "exec-m"},
	}, nil).Once()
	runner.On("Invoke", mock.Anything,
		mock.MatchedBy(func(s models.StageDescriptor) bool { return s.ID == "risk" }),
		mock.MatchedBy(func(e models.Envelope) bool {
			return e.CorrelationID == "exec-m" && e.CallbackToken != "" && e.StageInput["ok"] == true
		}),
	).Return(&stages.Invocation{Kind: stages.InvocationPending}, nil).Once()

	o := orchestrator.New(store.Executions(), broker, runner,
		map[string]*models.Pipeline{pipeline.Name: pipeline}, slog.Default(), orchestrator.WithClock(clock))

	started, err := o.Start(context.Background(), "test-pipeline", "exec-m", validInput())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusAwaitingCallback, started.Execution.Status)

	runner.AssertExpectations(t)
}
