// Package queue provides a worker that hands the envelope to external
// consumers over the event bus. Consumers complete the stage by publishing
// a stage.callback event carrying the envelope's token.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/workers"
)

var (
	ErrNoPublisher     = errors.New("queue worker requires an event bus")
	ErrNoCallbackToken = errors.New("queue stages must be asynchronous")
)

type WorkerFactory struct {
	publisher eventbus.EventPublisher
}

func NewWorkerFactory(publisher eventbus.EventPublisher) *WorkerFactory {
	return &WorkerFactory{publisher: publisher}
}

func (*WorkerFactory) ID() string {
	return "queue"
}

func (*WorkerFactory) Name() string {
	return "Queue"
}

func (*WorkerFactory) Description() string {
	return "Publishes the envelope as a stage.dispatched event and waits for a stage.callback."
}

func (f *WorkerFactory) Create(config map[string]any) (protocol.Worker, error) {
	if f.publisher == nil {
		return nil, ErrNoPublisher
	}

	return &Worker{Queue: workers.String(config, "queue", ""), publisher: f.publisher}, nil
}

func (*WorkerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queue": map[string]any{
				"type":        "string",
				"description": "Logical queue name consumers filter on",
			},
		},
	}
}

type Worker struct {
	Queue     string
	publisher eventbus.EventPublisher
}

func (w *Worker) Invoke(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*protocol.Response, error) {
	if envelope.CallbackToken == "" {
		return nil, ErrNoCallbackToken
	}

	err := w.publisher.Publish(ctx, envelope.CorrelationID, events.StageDispatched{
		BaseEvent: events.NewBaseEvent(events.StageDispatchedEvent, envelope.CorrelationID),
		StageID:   envelope.StageID,
		Envelope:  envelope,
		Queue:     w.Queue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch envelope: %w", err)
	}

	logger.InfoContext(ctx, "Envelope dispatched", "worker", "queue", "queue", w.Queue)

	return &protocol.Response{Pending: true}, nil
}
