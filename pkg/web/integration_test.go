//go:build integration

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/dukex/conveyor/pkg/persistence/postgresql"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/dukex/conveyor/pkg/web"
	logworker "github.com/dukex/conveyor/pkg/workers/log"
	"github.com/dukex/conveyor/pkg/workers/queue"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "test_conveyor",
				"POSTGRES_USER":     "test_user",
				"POSTGRES_PASSWORD": "test_pass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbURL := fmt.Sprintf("postgres://test_user:test_pass@%s:%s/test_conveyor?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dbURL, cleanup
}

func setupIntegrationApp(t *testing.T, dbURL string) (*fiber.App, *postgresql.Persistence) {
	t.Helper()

	ctx := context.Background()

	store, err := postgresql.NewPersistence(ctx, slog.Default(), dbURL)
	require.NoError(t, err)

	publisher := &mocks.MockEventBus{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	reg := registry.NewRegistry(slog.Default())
	reg.RegisterWorker(logworker.NewWorkerFactory())
	reg.RegisterWorker(queue.NewWorkerFactory(publisher))

	clock := clockwork.NewRealClock()

	orch := orchestrator.New(
		store.Executions(),
		tokens.NewBroker(store.Tokens(), clock, slog.Default()),
		stages.NewDispatchRunner(reg, clock, slog.Default()),
		map[string]*models.Pipeline{"review": reviewPipeline()},
		slog.Default(),
	)

	handlers := web.NewAPIHandlers(orch, store, reg, validator.New(validator.WithRequiredStructEnabled()), "review")

	app := fiber.New()
	app.Post("/executions", handlers.StartExecution)
	app.Get("/executions/:id", handlers.GetExecution)
	app.Post("/callbacks/:token", handlers.RedeemCallback)

	return app, store
}

func TestIntegration_PostgresExecutionFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dbURL, cleanup := setupTestDB(t)
	defer cleanup()

	app, store := setupIntegrationApp(t, dbURL)

	defer func() {
		_ = store.Close(context.Background())
	}()

	env := &testEnv{app: app, persistence: store}

	status, body := env.do(t, http.MethodPost, "/executions", startBody("pg-exec-1"))
	require.Equal(t, http.StatusCreated, status, string(body))

	token := env.pendingToken(t, "pg-exec-1")

	const callers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []int
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			req := httptest.NewRequest(http.MethodPost, "/callbacks/"+token,
				bytes.NewReader([]byte(`{"output":{"risk":"LOW"}}`)))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			if err != nil {
				return
			}

			_ = resp.Body.Close()

			mu.Lock()
			statuses = append(statuses, resp.StatusCode)
			mu.Unlock()
		}()
	}

	wg.Wait()

	ok := 0
	conflicts := 0

	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflicts++
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)

	status, body = env.do(t, http.MethodGet, "/executions/pg-exec-1", nil)
	require.Equal(t, http.StatusOK, status)

	var response web.ExecutionResponse
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, string(models.ExecutionStatusSucceeded), response.Status)
	assert.Equal(t, "LOW", response.Result["risk"])
}
