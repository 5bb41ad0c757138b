package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/conveyor/pkg/cmd"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/orchestrator"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 10 * time.Second
)

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "conveyor-api",
		Usage:                 "Start, inspect and resume pipeline executions over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (file://, postgres://, redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "pipeline-file",
				Usage:   "Path to the pipeline definitions",
				Value:   "./config/pipelines.yaml",
				Sources: cli.EnvVars("PIPELINE_FILE"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing worker plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.BoolFlag{
				Name:    "embedded-sweeper",
				Usage:   "Run the deadline sweeper inside the API process",
				Value:   true,
				Sources: cli.EnvVars("EMBEDDED_SWEEPER"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the embedded sweeper",
				Value:   orchestrator.DefaultSweepSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Conveyor API")

			rt, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				ServiceName:  "conveyor-api",
				DatabaseURL:  command.String("database-url"),
				PipelineFile: command.String("pipeline-file"),
				PluginsPath:  command.String("plugins-path"),
				OTELEnabled:  command.Bool("otel-enabled"),
				EventBus: cmd.EventBusConfig{
					Provider:     command.String("event-bus"),
					KafkaBrokers: command.String("kafka-brokers"),
				},
			})
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// With the in-memory bus, queue callbacks can only be consumed here.
			if command.String("event-bus") == "gochannel" {
				dispatcher := orchestrator.NewCallbackDispatcher(rt.Orchestrator, rt.EventBus, logger)
				if err := dispatcher.Start(ctx); err != nil {
					return err
				}
			}

			if command.Bool("embedded-sweeper") {
				sweeper, err := orchestrator.NewSweeper(
					rt.Orchestrator, rt.Broker, command.String("sweep-schedule"), orchestrator.DefaultTokenRetention, logger,
				)
				if err != nil {
					return err
				}

				if err := sweeper.Start(ctx); err != nil {
					return err
				}

				defer func() {
					stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
					defer cancel()

					if err := sweeper.Stop(stopCtx); err != nil {
						logger.ErrorContext(ctx, "Failed to stop sweeper", "error", err)
					}
				}()
			}

			api := NewAPI(logger, rt.Orchestrator, rt.Persistence, rt.Registry, rt.Pipelines.DefaultPipeline)

			if err := api.Start(ctx, command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API", "error", err)

				return err
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("conveyor-api exited", "error", err)
		os.Exit(1)
	}
}
