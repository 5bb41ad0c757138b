package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"file:///var/lib/conveyor":            "file",
		"./data":                              "file",
		"postgres://u:p@localhost/conveyor":   "postgres",
		"postgresql://u:p@localhost/conveyor": "postgresql",
		"redis://localhost:6379/0":            "redis",
		"rediss://cache:6380":                 "rediss",
		"mysql://localhost/conveyor":          "file",
	}

	for input, want := range tests {
		assert.Equal(t, want, parsePersistenceProvider(input), input)
	}
}

func TestNewPersistence_File(t *testing.T) {
	t.Parallel()

	p, err := NewPersistence(context.Background(), slog.Default(), "file://"+t.TempDir())
	require.NoError(t, err)

	assert.IsType(t, &file.Persistence{}, p)
	require.NoError(t, p.HealthCheck(context.Background()))
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	bus, err := NewEventBus(EventBusConfig{Provider: "gochannel"}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus(EventBusConfig{Provider: "kafka"}, slog.Default())
	require.Error(t, err)

	_, err = NewEventBus(EventBusConfig{Provider: "rabbitmq"}, slog.Default())
	require.Error(t, err)
}

func TestNewRegistry_NativeWorkers(t *testing.T) {
	t.Parallel()

	bus, err := NewEventBus(EventBusConfig{Provider: "gochannel"}, slog.Default())
	require.NoError(t, err)

	defer func() { _ = bus.Close() }()

	reg, err := NewRegistry(slog.Default(), filepath.Join(t.TempDir(), "plugins"), bus, clockwork.NewRealClock())
	require.NoError(t, err)

	for _, id := range []string{"log", "http", "httppoll", "risk", "approval", "queue"} {
		assert.True(t, reg.HasWorker(id), id)
	}

	withoutBus, err := NewRegistry(slog.Default(), "", nil, clockwork.NewRealClock())
	require.NoError(t, err)
	assert.False(t, withoutBus.HasWorker("queue"))
}

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, shutdown, err := NewTracer(context.Background(), false, "conveyor-test")
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestNewRuntime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	rt, err := NewRuntime(ctx, slog.Default(), RuntimeConfig{
		ServiceName:  "conveyor-test",
		DatabaseURL:  "file://" + t.TempDir(),
		PipelineFile: filepath.Join("..", "..", "config", "pipelines.yaml"),
		EventBus:     EventBusConfig{Provider: "gochannel"},
	})
	require.NoError(t, err)

	pipeline, ok := rt.Orchestrator.Pipeline("contract-review")
	require.True(t, ok)
	assert.Len(t, pipeline.Stages, 4)

	require.NoError(t, rt.Close(ctx))
}

func TestNewRuntime_MissingPipelineFile(t *testing.T) {
	t.Parallel()

	_, err := NewRuntime(context.Background(), slog.Default(), RuntimeConfig{
		ServiceName:  "conveyor-test",
		DatabaseURL:  t.TempDir(),
		PipelineFile: filepath.Join(t.TempDir(), "missing.yaml"),
		EventBus:     EventBusConfig{Provider: "gochannel"},
	})
	require.Error(t, err)
}
