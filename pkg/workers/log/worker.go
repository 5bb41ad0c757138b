// Package log provides a worker that logs a templated message and passes the stage through.
package log

import (
	"context"
	"fmt"
	"log/slog"

	logging "github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/template"
	"github.com/dukex/conveyor/pkg/workers"
)

// WorkerFactory is the factory for creating log workers.
type WorkerFactory struct{}

func NewWorkerFactory() *WorkerFactory {
	return &WorkerFactory{}
}

func (*WorkerFactory) ID() string {
	return "log"
}

func (*WorkerFactory) Name() string {
	return "Log"
}

func (*WorkerFactory) Description() string {
	return "Logs a message at a specified level. Supports templating for dynamic content."
}

func (f *WorkerFactory) Create(config map[string]any) (protocol.Worker, error) {
	message := workers.String(config, "message", "Stage {{.stage.id}} of execution {{.execution.id}}")

	_, err := template.Parse(message)
	if err != nil {
		return nil, err
	}

	return &Worker{
		Message: message,
		Level:   logging.ParseLevel(workers.String(config, "level", "info")),
	}, nil
}

func (f *WorkerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log. Supports templating for dynamic content.",
				"examples": []string{
					"Contract {{.input.contract_id}} ingested",
					"Stage {{.stage.id}} attempt {{.stage.attempt}} at {{now}}",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"default":     "info",
				"enum":        []string{"debug", "info", "warn", "warning", "error"},
			},
		},
	}
}

type Worker struct {
	Message string
	Level   slog.Level
}

func (w *Worker) Invoke(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*protocol.Response, error) {
	logger = logger.With("worker", "log")

	message, err := template.RenderString(w.Message, template.EnvelopeData(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	logger.Log(ctx, w.Level, message)

	return &protocol.Response{Output: map[string]any{"message": message}}, nil
}
