// Package http provides a worker that posts the stage envelope to an HTTP endpoint.
//
// A 200/201 response completes the stage with the response body. A 202
// response declares the stage pending; the endpoint later redeems the
// envelope's callback token.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/template"
	"github.com/dukex/conveyor/pkg/workers"
)

var ErrURLRequired = errors.New("missing 'url' in configuration")

type WorkerFactory struct {
	client *http.Client
}

func NewWorkerFactory(client *http.Client) *WorkerFactory {
	if client == nil {
		client = &http.Client{}
	}

	return &WorkerFactory{client: client}
}

func (*WorkerFactory) ID() string {
	return "http"
}

func (*WorkerFactory) Name() string {
	return "HTTP"
}

func (*WorkerFactory) Description() string {
	return "Posts the stage envelope as JSON. 2xx completes the stage, 202 waits for a callback."
}

func (f *WorkerFactory) Create(config map[string]any) (protocol.Worker, error) {
	url := workers.String(config, "url", "")
	if url == "" {
		return nil, ErrURLRequired
	}

	_, err := template.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("invalid url template: %w", err)
	}

	return &Worker{
		URL:     url,
		Method:  strings.ToUpper(workers.String(config, "method", http.MethodPost)),
		Headers: workers.Headers(config, "headers"),
		client:  f.client,
	}, nil
}

func (*WorkerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Endpoint receiving the envelope. Supports templating.",
				"examples": []string{
					"https://ingestion.internal/contracts",
					"https://risk.internal/contracts/{{.input.contract_id}}",
				},
			},
			"method": map[string]any{
				"type":    "string",
				"default": "POST",
				"enum":    []string{"POST", "PUT", "PATCH"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"url"},
	}
}

type Worker struct {
	URL     string
	Method  string
	Headers map[string]string
	client  *http.Client
}

func (w *Worker) Invoke(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*protocol.Response, error) {
	data := template.EnvelopeData(envelope)

	url, err := template.RenderString(w.URL, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render url: %w", err)
	}

	headers := make(map[string]string, len(w.Headers))

	for k, v := range w.Headers {
		headers[k], err = template.RenderString(v, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render header '%s': %w", k, err)
		}
	}

	logger = logger.With("worker", "http", "url", url)
	logger.DebugContext(ctx, "Posting envelope", "method", w.Method)

	status, body, err := workers.DoJSON(ctx, w.client, w.Method, url, headers, envelope)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Endpoint responded", "status", status)

	switch {
	case status == http.StatusAccepted:
		return &protocol.Response{Output: body, Pending: true}, nil
	case status >= 200 && status < 300:
		return &protocol.Response{Output: body}, nil
	default:
		return nil, &workers.HTTPError{StatusCode: status, Body: body}
	}
}
