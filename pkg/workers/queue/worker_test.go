package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/workers/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWorker_Invoke(t *testing.T) {
	t.Parallel()

	envelope := models.Envelope{CorrelationID: "exec-1", StageID: "ocr", Attempt: 1, CallbackToken: "tok-1"}

	publisher := &mocks.MockEventBus{}
	publisher.On("Publish", mock.Anything, "exec-1", mock.MatchedBy(func(e events.StageDispatched) bool {
		return e.Queue == "ocr-jobs" && e.Envelope.CallbackToken == "tok-1" && e.ExecutionID == "exec-1"
	})).Return(nil)

	worker, err := queue.NewWorkerFactory(publisher).Create(map[string]any{"queue": "ocr-jobs"})
	require.NoError(t, err)

	resp, err := worker.Invoke(context.Background(), envelope, slog.Default())
	require.NoError(t, err)
	assert.True(t, resp.Pending)

	publisher.AssertExpectations(t)
}

func TestWorker_PublishError(t *testing.T) {
	t.Parallel()

	publisher := &mocks.MockEventBus{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	worker, err := queue.NewWorkerFactory(publisher).Create(nil)
	require.NoError(t, err)

	_, err = worker.Invoke(context.Background(), models.Envelope{CorrelationID: "exec-1", CallbackToken: "tok-1"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestWorkerFactory_RequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := queue.NewWorkerFactory(nil).Create(nil)
	require.ErrorIs(t, err, queue.ErrNoPublisher)
}
