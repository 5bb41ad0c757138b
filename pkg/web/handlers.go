// Package web provides HTTP handlers for starting, inspecting and resuming executions.
package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/workers/approval"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
)

const (
	MaxWait             = 5 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
)

var errInvalidWait = errors.New("wait must be a duration such as 30s or a number of seconds")

// Executions is the orchestrator surface the API drives.
type Executions interface {
	Pipeline(name string) (*models.Pipeline, bool)
	Get(ctx context.Context, id string) (*models.Execution, error)
	Start(ctx context.Context, pipelineName, executionID string, input map[string]any) (*orchestrator.StartResult, error)
	Resume(ctx context.Context, token string, outcome orchestrator.Outcome) (*orchestrator.ResumeResult, error)
	Cancel(ctx context.Context, id string) (*models.Execution, error)
}

// HealthChecker reports backend health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	executions      Executions
	health          HealthChecker
	registry        *registry.Registry
	validator       *validator.Validate
	defaultPipeline string
	clock           clockwork.Clock
	pollInterval    time.Duration
}

type HandlerOption func(*APIHandlers)

func WithClock(clock clockwork.Clock) HandlerOption {
	return func(h *APIHandlers) {
		h.clock = clock
	}
}

// WithPollInterval sets how often a waiting status request re-reads the store.
func WithPollInterval(interval time.Duration) HandlerOption {
	return func(h *APIHandlers) {
		if interval > 0 {
			h.pollInterval = interval
		}
	}
}

func NewAPIHandlers(
	executions Executions,
	health HealthChecker,
	registry *registry.Registry,
	validator *validator.Validate,
	defaultPipeline string,
	opts ...HandlerOption,
) *APIHandlers {
	h := &APIHandlers{
		executions:      executions,
		health:          health,
		registry:        registry,
		validator:       validator,
		defaultPipeline: defaultPipeline,
		clock:           clockwork.NewRealClock(),
		pollInterval:    DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// StartExecution accepts any supported trigger shape. The pipeline is chosen by
// the "pipeline" query parameter or body field, falling back to the default.
func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var raw map[string]any
	if err := c.Bind().JSON(&raw); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	pipelineName := c.Query("pipeline")
	if name, ok := raw["pipeline"].(string); ok {
		if pipelineName == "" {
			pipelineName = name
		}

		delete(raw, "pipeline")
	}

	if pipelineName == "" {
		pipelineName = h.defaultPipeline
	}

	trigger, err := models.NormalizeTrigger(raw)
	if err != nil {
		return handleExecutionError(c, err)
	}

	result, err := h.executions.Start(c.Context(), pipelineName, trigger.ExecutionID, trigger.Input)
	if err != nil {
		return handleExecutionError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(h.view(result.Execution))
}

// GetExecution returns the status of an execution. With ?wait it holds the
// request until the execution is terminal or the wait elapses.
func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.awaitTerminal(c.Context(), id, wait)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(NotFoundResponse(id))
		}

		return internalError(c, err)
	}

	return c.JSON(h.view(execution))
}

func (h *APIHandlers) awaitTerminal(ctx context.Context, id string, wait time.Duration) (*models.Execution, error) {
	execution, err := h.executions.Get(ctx, id)
	if err != nil || wait <= 0 || execution.Status.IsTerminal() {
		return execution, err
	}

	deadline := h.clock.After(wait)
	ticker := h.clock.NewTicker(h.pollInterval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			execution, err = h.executions.Get(ctx, id)
			if err != nil || execution.Status.IsTerminal() {
				return execution, err
			}
		case <-deadline:
			return execution, nil
		case <-ctx.Done():
			return execution, nil
		}
	}
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}

	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errInvalidWait
		}

		wait = time.Duration(seconds) * time.Second
	}

	if wait < 0 {
		return 0, errInvalidWait
	}

	return min(wait, MaxWait), nil
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.executions.Cancel(c.Context(), id)
	if err != nil {
		return handleExecutionError(c, err)
	}

	return c.JSON(h.view(execution))
}

// RedeemCallback resumes the execution bound to the token in the path. A
// discarded outcome is still a successful redemption.
func (h *APIHandlers) RedeemCallback(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Callback token is required")
	}

	var req CallbackRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if req.Decision == "" {
		req.Decision = c.Query("decision")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	outcome, err := h.outcome(req)
	if err != nil {
		return handleExecutionError(c, err)
	}

	result, err := h.executions.Resume(c.Context(), token, outcome)
	if err != nil {
		return handleExecutionError(c, err)
	}

	return c.JSON(CallbackResponse{
		Applied:   result.Applied,
		Execution: h.view(result.Execution),
	})
}

func (h *APIHandlers) outcome(req CallbackRequest) (orchestrator.Outcome, error) {
	if req.Error != "" {
		return orchestrator.Outcome{Error: req.Error}, nil
	}

	if req.Decision == "" {
		return orchestrator.Outcome{Output: req.Output}, nil
	}

	decision, err := approval.Decision(strings.ToUpper(req.Decision), req.Approver, req.Comments, h.clock.Now())
	if err != nil {
		return orchestrator.Outcome{}, err
	}

	for k, v := range req.Output {
		if _, ok := decision[k]; !ok {
			decision[k] = v
		}
	}

	return orchestrator.Outcome{Output: decision}, nil
}

func (h *APIHandlers) GetWorkers(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"workers": h.registry.GetAvailableWorkers()})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	workers := h.registry.GetAvailableWorkers()
	registryOk := len(workers) > 0
	registryCheck := strconv.Itoa(len(workers)) + " workers registered"

	repositoryCheck := "ok"
	repositoryOk := true

	if err := h.health.HealthCheck(c.Context()); err != nil {
		repositoryCheck = err.Error()
		repositoryOk = false
	}

	status := "unhealthy"
	message := "Conveyor API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if registryOk && repositoryOk {
		status = "healthy"
		message = "Conveyor API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": h.clock.Now().UTC(),
	})
}

func (h *APIHandlers) view(execution *models.Execution) ExecutionResponse {
	pipeline, _ := h.executions.Pipeline(execution.Pipeline)

	return TransformExecutionResponse(execution, pipeline)
}
