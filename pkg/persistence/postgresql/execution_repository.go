package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (er *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to marshal execution: %w", err))
	}

	query := `
		INSERT INTO executions (id, pipeline, status, version, deadline_at, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.Pipeline,
		execution.Status,
		execution.Version,
		execution.DeadlineAt,
		data,
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to insert execution: %w", err))
	}

	return nil
}

func (er *ExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	return er.get(ctx, "Get", id)
}

func (er *ExecutionRepository) get(ctx context.Context, op, id string) (*models.Execution, error) {
	var data []byte

	err := er.db.QueryRowContext(ctx, "SELECT data FROM executions WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError(op, id, fmt.Errorf("failed to query execution: %w", err))
	}

	var execution models.Execution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError(op, id, fmt.Errorf("failed to unmarshal execution: %w", err))
	}

	return &execution, nil
}

// CompareAndUpdate writes the mutated execution only while the row still
// carries expectedVersion.
func (er *ExecutionRepository) CompareAndUpdate(
	ctx context.Context,
	id string,
	expectedVersion int64,
	mutate persistence.MutateFunc,
) (*models.Execution, error) {
	current, err := er.get(ctx, "CompareAndUpdate", id)
	if err != nil {
		return nil, err
	}

	next, err := persistence.ApplyMutation(current, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndUpdate", id, fmt.Errorf("failed to marshal execution: %w", err))
	}

	query := `
		UPDATE executions
		SET status = $3, version = $4, deadline_at = $5, data = $6, updated_at = $7
		WHERE id = $1 AND version = $2
	`

	result, err := er.db.ExecContext(ctx, query,
		id,
		expectedVersion,
		next.Status,
		next.Version,
		next.DeadlineAt,
		data,
		next.UpdatedAt,
	)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndUpdate", id, fmt.Errorf("failed to update execution: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndUpdate", id, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rows == 0 {
		return nil, persistence.NewExecutionError("CompareAndUpdate", id, persistence.ErrVersionConflict)
	}

	return next, nil
}

func (er *ExecutionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT data FROM executions
		WHERE status = $1 AND deadline_at < $2
		ORDER BY deadline_at ASC
		LIMIT $3
	`

	rows, err := er.db.QueryContext(ctx, query, models.ExecutionStatusAwaitingCallback, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired executions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			er.logger.ErrorContext(ctx, "Failed to close rows", "error", err)
		}
	}()

	expired := make([]*models.Execution, 0)

	for rows.Next() {
		var data []byte

		err := rows.Scan(&data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		var execution models.Execution

		err = json.Unmarshal(data, &execution)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}

		expired = append(expired, &execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate expired executions: %w", err)
	}

	return expired, nil
}
