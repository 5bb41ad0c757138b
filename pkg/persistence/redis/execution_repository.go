package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// ExecutionRepository stores executions as JSON strings. Awaiting executions
// are indexed in a sorted set scored by deadline.
type ExecutionRepository struct {
	client *redis.Client
	logger *slog.Logger
}

func NewExecutionRepository(client *redis.Client, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{client: client, logger: logger}
}

func (er *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to marshal execution: %w", err))
	}

	created, err := er.client.SetNX(ctx, executionKey+execution.ID, data, 0).Result()
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	if !created {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	err = er.index(ctx, er.client, execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	return er.get(ctx, er.client, "Get", id)
}

func (er *ExecutionRepository) get(ctx context.Context, cmd redis.Cmdable, op, id string) (*models.Execution, error) {
	data, err := cmd.Get(ctx, executionKey+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError(op, id, err)
	}

	var execution models.Execution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError(op, id, fmt.Errorf("failed to unmarshal execution: %w", err))
	}

	return &execution, nil
}

// CompareAndUpdate watches the execution key; a concurrent write aborts the
// transaction and is reported as a version conflict.
func (er *ExecutionRepository) CompareAndUpdate(
	ctx context.Context,
	id string,
	expectedVersion int64,
	mutate persistence.MutateFunc,
) (*models.Execution, error) {
	key := executionKey + id

	var next *models.Execution

	err := er.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := er.get(ctx, tx, "CompareAndUpdate", id)
		if err != nil {
			return err
		}

		next, err = persistence.ApplyMutation(current, expectedVersion, mutate)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return er.index(ctx, pipe, next)
		})

		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, persistence.NewExecutionError("CompareAndUpdate", id, persistence.ErrVersionConflict)
		}

		return nil, err
	}

	return next, nil
}

func (er *ExecutionRepository) index(ctx context.Context, cmd redis.Cmdable, execution *models.Execution) error {
	if execution.Status == models.ExecutionStatusAwaitingCallback && execution.DeadlineAt != nil {
		return cmd.ZAdd(ctx, awaitingKey, redis.Z{
			Score:  float64(execution.DeadlineAt.UnixMilli()),
			Member: execution.ID,
		}).Err()
	}

	return cmd.ZRem(ctx, awaitingKey, execution.ID).Err()
}

func (er *ExecutionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := er.client.ZRangeByScore(ctx, awaitingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query awaiting index: %w", err)
	}

	expired := make([]*models.Execution, 0, len(ids))

	for _, id := range ids {
		execution, err := er.Get(ctx, id)
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				continue
			}

			return nil, err
		}

		if persistence.IsExpiredAwaiting(execution, now) {
			expired = append(expired, execution)
		}
	}

	return expired, nil
}
