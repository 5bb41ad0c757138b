package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/conveyor/pkg/cmd"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/orchestrator"
	cli "github.com/urfave/cli/v3"
)

var errInMemoryBus = errors.New("the dispatcher needs a shared event bus; gochannel only delivers within one process")

func main() {
	logger := log.WithModule("dispatcher")

	command := &cli.Command{
		Name:                  "conveyor-dispatcher",
		Usage:                 "Resume executions from stage callbacks published on the event bus",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (file://, postgres://, redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka)",
				Value:   "kafka",
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

			if command.String("event-bus") == "gochannel" {
				return errInMemoryBus
			}

			rt, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				ServiceName:  "conveyor-dispatcher",
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

			dispatcher := orchestrator.NewCallbackDispatcher(rt.Orchestrator, rt.EventBus, logger)
			if err := dispatcher.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("Shutting down gracefully...")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("conveyor-dispatcher exited", "error", err)
		os.Exit(1)
	}
}
