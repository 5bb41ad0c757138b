package web

import (
	"errors"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/dukex/conveyor/pkg/workers/approval"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func statusProblem(c fiber.Ctx, status int, kind, detail string) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleExecutionError maps orchestrator, store and broker errors to problems.
func handleExecutionError(c fiber.Ctx, err error) error {
	if reason, ok := tokens.Reason(err); ok {
		return handleRejection(c, reason)
	}

	switch {
	case orchestrator.IsValidation(err),
		errors.Is(err, models.ErrUnrecognizedTrigger),
		errors.Is(err, approval.ErrInvalidDecision):
		return badRequest(c, err.Error())

	case errors.Is(err, orchestrator.ErrUnknownPipeline):
		return statusProblem(c, fiber.StatusNotFound, "pipeline_not_found", err.Error())

	case errors.Is(err, orchestrator.ErrIdempotencyConflict):
		return statusProblem(c, fiber.StatusConflict, "idempotency_conflict", err.Error())

	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		return statusProblem(c, fiber.StatusConflict, "already_terminal", err.Error())

	case errors.Is(err, orchestrator.ErrConflict):
		return statusProblem(c, fiber.StatusConflict, "conflict", err.Error())

	case persistence.IsExecutionNotFound(err):
		return statusProblem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	default:
		// Unexpected errors are reported without details.
		return internalError(c, err)
	}
}

func handleRejection(c fiber.Ctx, reason tokens.RejectionReason) error {
	switch reason {
	case tokens.ReasonExpired:
		return statusProblem(c, fiber.StatusGone, "token_expired", "callback token expired")
	case tokens.ReasonAlreadyConsumed:
		return statusProblem(c, fiber.StatusConflict, "token_consumed", "callback token already used")
	default:
		return statusProblem(c, fiber.StatusNotFound, "token_unknown", "callback token not found")
	}
}
