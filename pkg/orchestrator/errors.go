package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPipeline     = errors.New("unknown pipeline")
	ErrIdempotencyConflict = errors.New("execution id already used with a different input")
	ErrConflict            = errors.New("execution changed concurrently")
	ErrAlreadyTerminal     = errors.New("execution already finished")
	ErrRedeemed            = errors.New("callback token redeemed but outcome not applied")

	// errStale marks a transition whose precondition no longer holds. The
	// outcome that triggered it is discarded.
	errStale = errors.New("stale transition")
)

// ValidationError rejects a Start request before any execution is created.
type ValidationError struct {
	Pipeline string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for pipeline %s: %v", e.Pipeline, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}
