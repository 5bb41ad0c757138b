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

const stopTimeout = 30 * time.Second

func main() {
	logger := log.WithModule("sweeper")

	command := &cli.Command{
		Name:                  "conveyor-sweeper",
		Usage:                 "Time out executions past their deadline and purge expired tokens",
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
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the sweep",
				Value:   orchestrator.DefaultSweepSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "token-retention",
				Usage:   "How long expired tokens are kept before deletion",
				Value:   orchestrator.DefaultTokenRetention,
				Sources: cli.EnvVars("TOKEN_RETENTION"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single sweep and exit",
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

			rt, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				ServiceName:  "conveyor-sweeper",
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

			sweeper, err := orchestrator.NewSweeper(
				rt.Orchestrator, rt.Broker, command.String("sweep-schedule"), command.Duration("token-retention"), logger,
			)
			if err != nil {
				return err
			}

			if command.Bool("once") {
				timedOut, deleted, err := sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}

				logger.InfoContext(ctx, "Sweep finished", "timed_out", timedOut, "tokens_deleted", deleted)

				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sweeper.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("Shutting down gracefully...")

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()

			return sweeper.Stop(stopCtx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("conveyor-sweeper exited", "error", err)
		os.Exit(1)
	}
}
