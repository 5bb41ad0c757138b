// Package stages invokes pipeline stages and interprets their responses.
package stages

import (
	"errors"
	"fmt"

	"github.com/dukex/conveyor/pkg/models"
)

var (
	ErrStageTimeout      = errors.New("stage timed out")
	ErrUnexpectedPending = errors.New("stage declared pending but is not asynchronous")
	ErrTokenMismatch     = errors.New("declared callback token does not match the issued token")
)

// StageError is a failed stage attempt. Timeouts wrap ErrStageTimeout.
type StageError struct {
	StageID string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("stage %s: %s: %v", e.StageID, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("stage %s: %v", e.StageID, e.Err)
	default:
		return fmt.Sprintf("stage %s: %s", e.StageID, e.Message)
	}
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind maps the failure onto the execution error taxonomy.
func (e *StageError) Kind() models.ErrorKind {
	if errors.Is(e.Err, ErrStageTimeout) {
		return models.ErrorKindStageTimeout
	}

	return models.ErrorKindStageError
}

func NewStageError(stageID string, err error) *StageError {
	return &StageError{StageID: stageID, Err: err}
}

func Timeout(stageID, message string) *StageError {
	return &StageError{StageID: stageID, Message: message, Err: ErrStageTimeout}
}

// KindOf classifies any error returned by a runner.
func KindOf(err error) models.ErrorKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind()
	}

	if errors.Is(err, ErrStageTimeout) {
		return models.ErrorKindStageTimeout
	}

	return models.ErrorKindStageError
}
