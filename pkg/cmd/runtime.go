package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conveyor/pkg/config"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/orchestrator"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/stages"
	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

type RuntimeConfig struct {
	ServiceName  string
	DatabaseURL  string
	PipelineFile string
	PluginsPath  string
	EventBus     EventBusConfig
	OTELEnabled  bool
}

// Runtime holds the components every binary wires together.
type Runtime struct {
	Persistence  persistence.Persistence
	EventBus     eventbus.EventBus
	Registry     *registry.Registry
	Pipelines    *config.PipelineFile
	Broker       *tokens.Broker
	Orchestrator *orchestrator.Orchestrator
	Clock        clockwork.Clock

	closers []func(ctx context.Context) error
}

// NewTracer returns the noop tracer unless tracing is enabled.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, enabled bool, serviceName string) (trace.Tracer, otelhelper.ShutdownFunc, error) {
	if !enabled {
		return otelhelper.NoopTracer(), func(context.Context) error { return nil }, nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	return tracer, shutdown, nil
}

// NewRuntime builds persistence, event bus, registry, pipelines and the
// orchestrator. On error everything already opened is closed.
func NewRuntime(ctx context.Context, logger *slog.Logger, cfg RuntimeConfig) (_ *Runtime, err error) {
	rt := &Runtime{Clock: clockwork.NewRealClock()}

	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	tracer, shutdown, err := NewTracer(ctx, cfg.OTELEnabled, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	rt.closers = append(rt.closers, shutdown)

	rt.Persistence, err = NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rt.closers = append(rt.closers, rt.Persistence.Close)

	if cfg.EventBus.ServiceName == "" {
		cfg.EventBus.ServiceName = cfg.ServiceName
	}

	cfg.EventBus.OTELEnabled = cfg.OTELEnabled

	rt.EventBus, err = NewEventBus(cfg.EventBus, logger)
	if err != nil {
		return nil, err
	}

	rt.closers = append(rt.closers, func(context.Context) error { return rt.EventBus.Close() })

	rt.Registry, err = NewRegistry(logger, cfg.PluginsPath, rt.EventBus, rt.Clock)
	if err != nil {
		return nil, err
	}

	rt.Pipelines, err = config.LoadPipelines(cfg.PipelineFile, rt.Registry)
	if err != nil {
		return nil, err
	}

	rt.Broker = tokens.NewBroker(rt.Persistence.Tokens(), rt.Clock, logger)

	rt.Orchestrator = orchestrator.New(
		rt.Persistence.Executions(),
		rt.Broker,
		stages.NewDispatchRunner(rt.Registry, rt.Clock, logger),
		rt.Pipelines.Index(),
		logger,
		orchestrator.WithClock(rt.Clock),
		orchestrator.WithTracer(tracer),
		orchestrator.WithPublisher(rt.EventBus),
	)

	logger.InfoContext(ctx, "Runtime initialized",
		"pipelines", len(rt.Pipelines.Pipelines),
		"default_pipeline", rt.Pipelines.DefaultPipeline,
		"workers", len(rt.Registry.GetAvailableWorkers()),
	)

	return rt, nil
}

// Close releases components in reverse order of creation.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	r.closers = nil

	return errors.Join(errs...)
}
