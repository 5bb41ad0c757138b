package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/dukex/conveyor/pkg/testutil"
	"github.com/dukex/conveyor/pkg/tokens"
	logworker "github.com/dukex/conveyor/pkg/workers/log"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(slog.Default())
	reg.RegisterWorker(logworker.NewWorkerFactory())

	clock := clockwork.NewRealClock()
	pipeline := testutil.CreateTestPipeline(models.StageDescriptor{ID: "notify", Target: "log"})

	orch := orchestrator.New(
		store.Executions(),
		tokens.NewBroker(store.Tokens(), clock, slog.Default()),
		stages.NewDispatchRunner(reg, clock, slog.Default()),
		map[string]*models.Pipeline{pipeline.Name: pipeline},
		slog.Default(),
	)

	return NewAPI(slog.Default(), orch, store, reg, pipeline.Name).App()
}

func get(t *testing.T, app *fiber.App, target string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Conveyor API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, _ = get(t, app, "/readyz")
	assert.Equal(t, http.StatusOK, status)

	status, body = get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)
}

func TestAPI_UnknownExecution(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/executions/missing")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "NOT_FOUND")
}

func TestAPI_Workers(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/workers")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"id":"log"`)
}
