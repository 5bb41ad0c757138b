package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates no execution exists with the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates Create was called with an id already in use.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrVersionConflict indicates the stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("execution version conflict")

	// ErrTokenNotFound indicates the token value was never issued.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenConsumed indicates the token was already redeemed.
	ErrTokenConsumed = errors.New("token already consumed")

	ErrInvalidID = errors.New("invalid identifier")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Get", "Create", "CompareAndUpdate")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// TokenError wraps token-related errors with additional context.
type TokenError struct {
	Op    string
	Token string
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s operation failed for token %s: %v", e.Op, e.Token, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func (e *TokenError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTokenError(op, token string, err error) *TokenError {
	return &TokenError{Op: op, Token: token, Err: err}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsExecutionAlreadyExists(err error) bool {
	return errors.Is(err, ErrExecutionAlreadyExists)
}

// IsVersionConflict checks if an error indicates a lost compare-and-update race.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
