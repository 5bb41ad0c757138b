package stages_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFunc func(ctx context.Context, envelope models.Envelope) (*protocol.Response, error)

func (f workerFunc) Invoke(ctx context.Context, envelope models.Envelope, _ *slog.Logger) (*protocol.Response, error) {
	return f(ctx, envelope)
}

type pollWorker struct {
	workerFunc
	states    []protocol.PollStatus
	checks    atomic.Int32
	submitErr error
}

func (w *pollWorker) Submit(_ context.Context, _ models.Envelope, _ *slog.Logger) (*protocol.Job, error) {
	if w.submitErr != nil {
		return nil, w.submitErr
	}

	return &protocol.Job{ID: "job-1"}, nil
}

func (w *pollWorker) Check(_ context.Context, _ *protocol.Job, _ *slog.Logger) (*protocol.PollStatus, error) {
	i := int(w.checks.Add(1)) - 1
	if i >= len(w.states) {
		i = len(w.states) - 1
	}

	status := w.states[i]

	return &status, nil
}

type providerFunc func(id string, config map[string]any) (protocol.Worker, error)

func (f providerFunc) CreateWorker(id string, config map[string]any) (protocol.Worker, error) {
	return f(id, config)
}

func staticProvider(worker protocol.Worker) providerFunc {
	return func(string, map[string]any) (protocol.Worker, error) {
		return worker, nil
	}
}

func stage(id string) models.StageDescriptor {
	return models.StageDescriptor{ID: id, Target: "test", Timeout: time.Second}
}

func envelope(token string) models.Envelope {
	return models.Envelope{
		CorrelationID: "exec-1",
		StageID:       "s1",
		Attempt:       1,
		StageInput:    map[string]any{"document": map[string]any{"key": "a.pdf"}},
		CallbackToken: token,
	}
}

func TestDispatchRunner_Immediate(t *testing.T) {
	t.Parallel()

	worker := workerFunc(func(_ context.Context, env models.Envelope) (*protocol.Response, error) {
		return &protocol.Response{Output: map[string]any{"payload": `{"score": 4}`, "seen": env.StageID}}, nil
	})

	runner := stages.NewDispatchRunner(staticProvider(worker), nil, slog.Default())

	invocation, err := runner.Invoke(context.Background(), stage("s1"), envelope(""))
	require.NoError(t, err)

	assert.Equal(t, stages.InvocationImmediate, invocation.Kind)
	assert.InDelta(t, 4.0, invocation.Output["score"], 0.0001)
	assert.Equal(t, "exec-1", invocation.Output[models.CorrelationIDKey])
	assert.False(t, invocation.StartedAt.IsZero())
}

func TestDispatchRunner_Timeout(t *testing.T) {
	t.Parallel()

	worker := workerFunc(func(ctx context.Context, _ models.Envelope) (*protocol.Response, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	runner := stages.NewDispatchRunner(staticProvider(worker), nil, slog.Default())

	s := stage("slow")
	s.Timeout = 20 * time.Millisecond

	_, err := runner.Invoke(context.Background(), s, envelope(""))
	require.Error(t, err)
	require.ErrorIs(t, err, stages.ErrStageTimeout)
	assert.Equal(t, models.ErrorKindStageTimeout, stages.KindOf(err))
}

func TestDispatchRunner_InvokeTimeoutBoundsHandoff(t *testing.T) {
	t.Parallel()

	worker := workerFunc(func(ctx context.Context, _ models.Envelope) (*protocol.Response, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})

	runner := stages.NewDispatchRunner(staticProvider(worker), nil, slog.Default())

	s := stage("review")
	s.Async = true
	s.Timeout = 24 * time.Hour
	s.InvokeTimeout = 20 * time.Millisecond

	started := time.Now()

	_, err := runner.Invoke(context.Background(), s, envelope("tok-1"))
	require.ErrorIs(t, err, stages.ErrStageTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Contains(t, err.Error(), "20ms")
}

func TestDispatchRunner_WorkerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	worker := workerFunc(func(context.Context, models.Envelope) (*protocol.Response, error) {
		return nil, boom
	})

	runner := stages.NewDispatchRunner(staticProvider(worker), nil, slog.Default())

	_, err := runner.Invoke(context.Background(), stage("s1"), envelope(""))
	require.ErrorIs(t, err, boom)

	var stageErr *stages.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "s1", stageErr.StageID)
	assert.Equal(t, models.ErrorKindStageError, stageErr.Kind())
}

func TestDispatchRunner_UnknownTarget(t *testing.T) {
	t.Parallel()

	notFound := errors.New("not registered")
	provider := providerFunc(func(string, map[string]any) (protocol.Worker, error) {
		return nil, notFound
	})

	runner := stages.NewDispatchRunner(provider, nil, slog.Default())

	_, err := runner.Invoke(context.Background(), stage("s1"), envelope(""))
	require.ErrorIs(t, err, notFound)
}

func TestInterpret_Pending(t *testing.T) {
	t.Parallel()

	async := stage("approve")
	async.Async = true

	tests := []struct {
		name     string
		stage    models.StageDescriptor
		token    string
		response *protocol.Response
		wantKind stages.InvocationKind
		wantErr  error
	}{
		{
			name:     "pending flag",
			stage:    async,
			token:    "tok-1",
			response: &protocol.Response{Pending: true},
			wantKind: stages.InvocationPending,
		},
		{
			name:     "pending status in output",
			stage:    async,
			token:    "tok-1",
			response: &protocol.Response{Output: map[string]any{"status": "pending"}},
			wantKind: stages.InvocationPending,
		},
		{
			name:     "matching declared token",
			stage:    async,
			token:    "tok-1",
			response: &protocol.Response{Pending: true, CallbackToken: "tok-1"},
			wantKind: stages.InvocationPending,
		},
		{
			name:     "foreign declared token",
			stage:    async,
			token:    "tok-1",
			response: &protocol.Response{Output: map[string]any{"status": "PENDING", "callbackToken": "tok-2"}},
			wantErr:  stages.ErrTokenMismatch,
		},
		{
			name:     "pending on sync stage",
			stage:    stage("sync"),
			response: &protocol.Response{Pending: true},
			wantErr:  stages.ErrUnexpectedPending,
		},
		{
			name:     "pending status on sync stage is plain output",
			stage:    stage("sync"),
			response: &protocol.Response{Output: map[string]any{"status": "Pending", "invoice": "INV-7"}},
			wantKind: stages.InvocationImmediate,
		},
		{
			name:     "nil response completes empty",
			stage:    stage("sync"),
			response: nil,
			wantKind: stages.InvocationImmediate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			invocation, err := stages.Interpret(tt.stage, envelope(tt.token), tt.response)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, invocation.Kind)
		})
	}
}

func TestComplete_OutputSchema(t *testing.T) {
	t.Parallel()

	s := stage("score")
	s.OutputSchema = map[string]any{
		"type":     "object",
		"required": []any{"score"},
	}

	_, err := stages.Complete(s, map[string]any{"other": 1})
	require.Error(t, err)

	var schemaErr *models.SchemaError
	require.ErrorAs(t, err, &schemaErr)

	invocation, err := stages.Complete(s, map[string]any{"score": 1})
	require.NoError(t, err)
	assert.Equal(t, stages.InvocationImmediate, invocation.Kind)
}

func pollStage(maxAttempts int) models.StageDescriptor {
	s := stage("extract")
	s.Poll = &models.PollConfig{Interval: time.Millisecond, MaxAttempts: maxAttempts}

	return s
}

func TestPollingRunner_Succeeds(t *testing.T) {
	t.Parallel()

	worker := &pollWorker{states: []protocol.PollStatus{
		{State: protocol.PollStateRunning},
		{State: protocol.PollStateRunning},
		{State: protocol.PollStateSucceeded, Output: map[string]any{"pages": 3}},
	}}

	runner := stages.NewDispatchRunner(staticProvider(worker), nil, slog.Default())

	invocation, err := runner.Invoke(context.Background(), pollStage(5), envelope(""))
	require.NoError(t, err)

	assert.Equal(t, stages.InvocationImmediate, invocation.Kind)
	assert.InDelta(t, 3.0, invocation.Output["pages"], 0.0001)
	assert.Equal(t, int32(3), worker.checks.Load())
}

func TestPollingRunner_Failed(t *testing.T) {
	t.Parallel()

	worker := &pollWorker{states: []protocol.PollStatus{
		{State: protocol.PollStateFailed, Message: "unreadable document"},
	}}

	runner := stages.NewPollingRunner(nil, slog.Default())

	_, err := runner.Run(context.Background(), pollStage(5), envelope(""), worker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable document")
	assert.Equal(t, models.ErrorKindStageError, stages.KindOf(err))
}

func TestPollingRunner_AttemptCeiling(t *testing.T) {
	t.Parallel()

	worker := &pollWorker{states: []protocol.PollStatus{{State: protocol.PollStateRunning}}}

	runner := stages.NewPollingRunner(nil, slog.Default())

	_, err := runner.Run(context.Background(), pollStage(3), envelope(""), worker)
	require.ErrorIs(t, err, stages.ErrStageTimeout)
	assert.Equal(t, int32(3), worker.checks.Load())
}

func TestPollingRunner_SubmitError(t *testing.T) {
	t.Parallel()

	submitErr := errors.New("rejected")
	worker := &pollWorker{submitErr: submitErr, states: []protocol.PollStatus{{State: protocol.PollStateRunning}}}

	runner := stages.NewPollingRunner(nil, slog.Default())

	_, err := runner.Run(context.Background(), pollStage(3), envelope(""), worker)
	require.ErrorIs(t, err, submitErr)
	assert.Equal(t, int32(0), worker.checks.Load())
}

func TestDispatchRunner_PollRequiresPollableWorker(t *testing.T) {
	t.Parallel()

	worker := workerFunc(func(context.Context, models.Envelope) (*protocol.Response, error) {
		return &protocol.Response{}, nil
	})

	runner := stages.NewDispatchRunner(staticProvider(worker), nil, slog.Default())

	_, err := runner.Invoke(context.Background(), pollStage(3), envelope(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support polling")
}
