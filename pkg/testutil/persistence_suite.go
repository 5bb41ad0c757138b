package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceSuite exercises the repository contracts every backend must honor.
func RunPersistenceSuite(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()

		execution := CreateTestExecution()
		require.NoError(t, repo.Create(ctx, execution))

		got, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.ID, got.ID)
		assert.Equal(t, models.ExecutionStatusPending, got.Status)
		assert.Equal(t, execution.Input, got.Input)
		assert.Equal(t, int64(0), got.Version)
		assert.WithinDuration(t, execution.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("create rejects duplicate id", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()

		execution := CreateTestExecution()
		require.NoError(t, repo.Create(ctx, execution))

		err := repo.Create(ctx, CreateTestExecution(func(e *models.Execution) { e.ID = execution.ID }))
		require.ErrorIs(t, err, persistence.ErrExecutionAlreadyExists)
	})

	t.Run("get unknown", func(t *testing.T) {
		p := newPersistence(t)

		_, err := p.Executions().Get(context.Background(), "missing")
		require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
	})

	t.Run("compare and update", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()

		execution := CreateTestExecution()
		require.NoError(t, repo.Create(ctx, execution))

		updated, err := repo.CompareAndUpdate(ctx, execution.ID, 0, func(e *models.Execution) error {
			e.Status = models.ExecutionStatusRunning
			e.CurrentStageIndex = 1
			e.StageResults = append(e.StageResults, models.StageResult{StageID: "ingest", Output: map[string]any{"ok": true}, Attempts: 1})

			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.Version)

		got, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, models.ExecutionStatusRunning, got.Status)
		assert.Equal(t, 1, got.CurrentStageIndex)
		require.Len(t, got.StageResults, 1)
		assert.Equal(t, true, got.StageResults[0].Output["ok"])
	})

	t.Run("compare and update rejects stale version", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()

		execution := CreateTestExecution()
		require.NoError(t, repo.Create(ctx, execution))

		_, err := repo.CompareAndUpdate(ctx, execution.ID, 0, func(e *models.Execution) error {
			e.Status = models.ExecutionStatusRunning

			return nil
		})
		require.NoError(t, err)

		_, err = repo.CompareAndUpdate(ctx, execution.ID, 0, func(e *models.Execution) error {
			e.Status = models.ExecutionStatusFailed

			return nil
		})
		require.ErrorIs(t, err, persistence.ErrVersionConflict)

		got, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusRunning, got.Status)
	})

	t.Run("compare and update aborts on mutator error", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()

		execution := CreateTestExecution()
		require.NoError(t, repo.Create(ctx, execution))

		abort := errors.New("abort")
		_, err := repo.CompareAndUpdate(ctx, execution.ID, 0, func(e *models.Execution) error {
			e.Status = models.ExecutionStatusFailed

			return abort
		})
		require.ErrorIs(t, err, abort)

		got, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusPending, got.Status)
		assert.Equal(t, int64(0), got.Version)
	})

	t.Run("compare and update unknown", func(t *testing.T) {
		p := newPersistence(t)

		_, err := p.Executions().CompareAndUpdate(context.Background(), "missing", 0, func(*models.Execution) error { return nil })
		require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
	})

	t.Run("concurrent compare and update has one winner", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()

		execution := CreateTestExecution()
		require.NoError(t, repo.Create(ctx, execution))

		const writers = 16

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)

		for i := range writers {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				_, err := repo.CompareAndUpdate(ctx, execution.ID, 0, func(e *models.Execution) error {
					e.Attempt = i + 1

					return nil
				})

				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, persistence.ErrVersionConflict):
					conflicts.Add(1)
				}
			}(i)
		}

		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		got, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("list expired", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Executions()
		now := time.Now().UTC().Truncate(time.Millisecond)

		expired := CreateTestExecution(WithAwaiting("t1", now.Add(-time.Minute)))
		older := CreateTestExecution(WithAwaiting("t2", now.Add(-time.Hour)))
		future := CreateTestExecution(WithAwaiting("t3", now.Add(time.Hour)))
		running := CreateTestExecution(func(e *models.Execution) {
			past := now.Add(-time.Hour)
			e.Status = models.ExecutionStatusRunning
			e.DeadlineAt = &past
		})

		for _, e := range []*models.Execution{expired, older, future, running} {
			require.NoError(t, repo.Create(ctx, e))
		}

		list, err := repo.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, older.ID, list[0].ID)
		assert.Equal(t, expired.ID, list[1].ID)

		limited, err := repo.ListExpired(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)

		_, err = repo.CompareAndUpdate(ctx, older.ID, 0, func(e *models.Execution) error {
			e.Finish(models.ExecutionStatusTimedOut, &models.ExecutionFailure{Kind: models.ErrorKindExecutionTimeout}, now)

			return nil
		})
		require.NoError(t, err)

		list, err = repo.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, expired.ID, list[0].ID)
	})

	t.Run("token save and get", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Tokens()

		token := CreateTestToken("exec-1", time.Now().Add(time.Hour))
		require.NoError(t, repo.Save(ctx, token))

		got, err := repo.Get(ctx, token.Value)
		require.NoError(t, err)
		assert.Equal(t, token.ExecutionID, got.ExecutionID)
		assert.Equal(t, token.StageID, got.StageID)
		assert.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, time.Millisecond)
		assert.Nil(t, got.ConsumedAt)

		_, err = repo.Get(ctx, "missing")
		require.ErrorIs(t, err, persistence.ErrTokenNotFound)
	})

	t.Run("token consume", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Tokens()
		now := time.Now().UTC()

		token := CreateTestToken("exec-1", now.Add(time.Hour))
		require.NoError(t, repo.Save(ctx, token))

		consumed, err := repo.Consume(ctx, token.Value, now)
		require.NoError(t, err)
		assert.Equal(t, "exec-1", consumed.ExecutionID)
		require.NotNil(t, consumed.ConsumedAt)

		_, err = repo.Consume(ctx, token.Value, now)
		require.ErrorIs(t, err, persistence.ErrTokenConsumed)

		_, err = repo.Consume(ctx, token.Value, now.Add(2*time.Hour))
		require.ErrorIs(t, err, persistence.ErrTokenConsumed, "consumed wins over expired")

		_, err = repo.Consume(ctx, "missing", now)
		require.ErrorIs(t, err, persistence.ErrTokenNotFound)
	})

	t.Run("token consume expired", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Tokens()
		now := time.Now().UTC()

		token := CreateTestToken("exec-1", now.Add(-time.Second))
		require.NoError(t, repo.Save(ctx, token))

		_, err := repo.Consume(ctx, token.Value, now)
		require.ErrorIs(t, err, persistence.ErrTokenExpired)

		got, err := repo.Get(ctx, token.Value)
		require.NoError(t, err)
		assert.Nil(t, got.ConsumedAt)
	})

	t.Run("concurrent token consume has one winner", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Tokens()
		now := time.Now().UTC()

		token := CreateTestToken("exec-1", now.Add(time.Hour))
		require.NoError(t, repo.Save(ctx, token))

		const redeemers = 16

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			consumed  atomic.Int32
		)

		for range redeemers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := repo.Consume(ctx, token.Value, now)

				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, persistence.ErrTokenConsumed):
					consumed.Add(1)
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(redeemers-1), consumed.Load())
	})

	t.Run("token delete expired", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		repo := p.Tokens()
		now := time.Now().UTC()

		old := CreateTestToken("exec-1", now.Add(-48*time.Hour))
		fresh := CreateTestToken("exec-2", now.Add(time.Hour))
		require.NoError(t, repo.Save(ctx, old))
		require.NoError(t, repo.Save(ctx, fresh))

		deleted, err := repo.DeleteExpired(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = repo.Get(ctx, old.Value)
		require.ErrorIs(t, err, persistence.ErrTokenNotFound)

		_, err = repo.Get(ctx, fresh.Value)
		require.NoError(t, err)
	})

	t.Run("health check", func(t *testing.T) {
		p := newPersistence(t)

		require.NoError(t, p.HealthCheck(context.Background()))
	})
}
