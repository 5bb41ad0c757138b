package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// ExecutionRepository handles execution-related file operations.
type ExecutionRepository struct {
	root  string
	locks keyedMutex
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: filepath.Join(root, "executions")}
}

func (er *ExecutionRepository) path(id string) string {
	return filepath.Join(er.root, id+".json")
}

func (er *ExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	err := validateID(execution.ID)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	unlock := er.locks.lock(execution.ID)
	defer unlock()

	_, err = os.Stat(er.path(execution.ID))
	if err == nil {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	err = writeJSON(er.path(execution.ID), execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) Get(_ context.Context, id string) (*models.Execution, error) {
	return er.load("Get", id)
}

func (er *ExecutionRepository) load(op, id string) (*models.Execution, error) {
	err := validateID(id)
	if err != nil {
		return nil, persistence.NewExecutionError(op, id, err)
	}

	var execution models.Execution

	err = readJSON(er.path(id), &execution)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError(op, id, err)
	}

	return &execution, nil
}

func (er *ExecutionRepository) CompareAndUpdate(
	_ context.Context,
	id string,
	expectedVersion int64,
	mutate persistence.MutateFunc,
) (*models.Execution, error) {
	err := validateID(id)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndUpdate", id, err)
	}

	unlock := er.locks.lock(id)
	defer unlock()

	current, err := er.load("CompareAndUpdate", id)
	if err != nil {
		return nil, err
	}

	next, err := persistence.ApplyMutation(current, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}

	err = writeJSON(er.path(id), next)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndUpdate", id, err)
	}

	return next, nil
}

func (er *ExecutionRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	paths, err := listJSON(er.root)
	if err != nil {
		return nil, err
	}

	expired := make([]*models.Execution, 0)

	for _, path := range paths {
		var execution models.Execution

		err := readJSON(path, &execution)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to list expired executions: %w", err)
		}

		if persistence.IsExpiredAwaiting(&execution, now) {
			expired = append(expired, &execution)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].DeadlineAt.Before(*expired[j].DeadlineAt)
	})

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	return expired, nil
}
