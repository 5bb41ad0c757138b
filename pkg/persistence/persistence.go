// Package persistence provides the storage abstraction for executions and resumption tokens.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/conveyor/pkg/models"
)

// MutateFunc edits a copy of the stored execution. Returning an error aborts
// the update without writing.
type MutateFunc func(execution *models.Execution) error

// ExecutionRepository stores executions. CompareAndUpdate is the only way an
// execution changes after creation.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	Get(ctx context.Context, id string) (*models.Execution, error)
	CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate MutateFunc) (*models.Execution, error)
	// ListExpired returns awaiting executions whose deadline is before now, oldest deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
}

// TokenRepository stores resumption tokens. Consume is atomic across callers.
type TokenRepository interface {
	Save(ctx context.Context, token *models.ResumptionToken) error
	Get(ctx context.Context, value string) (*models.ResumptionToken, error)
	Consume(ctx context.Context, value string, now time.Time) (*models.ResumptionToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

type Persistence interface {
	Executions() ExecutionRepository
	Tokens() TokenRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// ApplyMutation runs mutate against current when its version matches and
// returns the next version of the execution. Identity and version are owned by
// the store and cannot be changed by the mutator.
func ApplyMutation(current *models.Execution, expectedVersion int64, mutate MutateFunc) (*models.Execution, error) {
	if current.Version != expectedVersion {
		return nil, NewExecutionError("CompareAndUpdate", current.ID, ErrVersionConflict)
	}

	id := current.ID

	err := mutate(current)
	if err != nil {
		return nil, err
	}

	current.ID = id
	current.Version = expectedVersion + 1

	return current, nil
}

// ConsumeToken applies the redemption rules to a loaded token. An already
// consumed token is reported as consumed even when it has since expired.
func ConsumeToken(token *models.ResumptionToken, now time.Time) error {
	if token.IsConsumed() {
		return NewTokenError("Consume", token.Value, ErrTokenConsumed)
	}

	if token.IsExpired(now) {
		return NewTokenError("Consume", token.Value, ErrTokenExpired)
	}

	consumedAt := now
	token.ConsumedAt = &consumedAt

	return nil
}

// IsExpiredAwaiting reports whether the sweep should time out the execution.
func IsExpiredAwaiting(execution *models.Execution, now time.Time) bool {
	return execution.Status == models.ExecutionStatusAwaitingCallback &&
		execution.DeadlineAt != nil &&
		execution.DeadlineAt.Before(now)
}
