// Package httppoll provides a pollable worker for long-running HTTP jobs.
// The envelope is submitted once and a status endpoint is checked until the
// job reports a terminal state.
package httppoll

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

var (
	ErrPollingRequired = errors.New("httppoll stages need a poll configuration")
	ErrMissingJobID    = errors.New("submit response has no job id")
	ErrConfigInvalid   = errors.New("'submit_url' and 'status_url' are required")
)

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
	return "httppoll"
}

func (*WorkerFactory) Name() string {
	return "HTTP Poll"
}

func (*WorkerFactory) Description() string {
	return "Submits a job over HTTP and polls its status endpoint until it settles."
}

func (f *WorkerFactory) Create(config map[string]any) (protocol.Worker, error) {
	w := &Worker{
		SubmitURL:    workers.String(config, "submit_url", ""),
		StatusURL:    workers.String(config, "status_url", ""),
		JobIDField:   workers.String(config, "job_id_field", "job_id"),
		StatusField:  workers.String(config, "status_field", "status"),
		ResultField:  workers.String(config, "result_field", ""),
		MessageField: workers.String(config, "message_field", "message"),
		Headers:      workers.Headers(config, "headers"),
		client:       f.client,
	}

	if w.SubmitURL == "" || w.StatusURL == "" {
		return nil, ErrConfigInvalid
	}

	for _, tmpl := range []string{w.SubmitURL, w.StatusURL} {
		_, err := template.Parse(tmpl)
		if err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (*WorkerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"submit_url": map[string]any{
				"type":        "string",
				"description": "Endpoint receiving the envelope (POST). Supports templating.",
			},
			"status_url": map[string]any{
				"type":        "string",
				"description": "Status endpoint (GET). The job id is available as {{.job_id}}.",
				"examples":    []string{"https://ocr.internal/jobs/{{.job_id}}"},
			},
			"job_id_field":  map[string]any{"type": "string", "default": "job_id"},
			"status_field":  map[string]any{"type": "string", "default": "status"},
			"result_field":  map[string]any{"type": "string", "description": "Field holding the result; the whole body when empty"},
			"message_field": map[string]any{"type": "string", "default": "message"},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"submit_url", "status_url"},
	}
}

type Worker struct {
	SubmitURL    string
	StatusURL    string
	JobIDField   string
	StatusField  string
	ResultField  string
	MessageField string
	Headers      map[string]string
	client       *http.Client
}

func (w *Worker) Invoke(context.Context, models.Envelope, *slog.Logger) (*protocol.Response, error) {
	return nil, ErrPollingRequired
}

func (w *Worker) Submit(ctx context.Context, envelope models.Envelope, logger *slog.Logger) (*protocol.Job, error) {
	data := template.EnvelopeData(envelope)

	url, err := template.RenderString(w.SubmitURL, data)
	if err != nil {
		return nil, err
	}

	status, body, err := workers.DoJSON(ctx, w.client, http.MethodPost, url, w.Headers, envelope)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		return nil, &workers.HTTPError{StatusCode: status, Body: body}
	}

	fields, _ := body.(map[string]any)

	jobID := fmt.Sprint(fields[w.JobIDField])
	if fields[w.JobIDField] == nil || jobID == "" {
		return nil, ErrMissingJobID
	}

	logger.DebugContext(ctx, "Job submitted", "worker", "httppoll", "job_id", jobID)

	data["job_id"] = jobID

	return &protocol.Job{ID: jobID, Data: data}, nil
}

func (w *Worker) Check(ctx context.Context, job *protocol.Job, logger *slog.Logger) (*protocol.PollStatus, error) {
	data := job.Data
	if data == nil {
		data = map[string]any{}
	}

	data["job_id"] = job.ID

	url, err := template.RenderString(w.StatusURL, data)
	if err != nil {
		return nil, err
	}

	status, body, err := workers.DoJSON(ctx, w.client, http.MethodGet, url, w.Headers, nil)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		return nil, &workers.HTTPError{StatusCode: status, Body: body}
	}

	fields, _ := body.(map[string]any)
	state, _ := fields[w.StatusField].(string)

	logger.DebugContext(ctx, "Job status", "worker", "httppoll", "job_id", job.ID, "state", state)

	switch strings.ToUpper(state) {
	case "SUCCEEDED", "PARTIAL_SUCCESS", "COMPLETED":
		var output any = fields
		if w.ResultField != "" {
			output = fields[w.ResultField]
		}

		return &protocol.PollStatus{State: protocol.PollStateSucceeded, Output: output}, nil
	case "FAILED", "ERROR":
		message, _ := fields[w.MessageField].(string)

		return &protocol.PollStatus{State: protocol.PollStateFailed, Message: message}, nil
	default:
		return &protocol.PollStatus{State: protocol.PollStateRunning}, nil
	}
}
