package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/conveyor/pkg/tokens"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepSchedule  = "@every 10s"
	DefaultTokenRetention = 24 * time.Hour
)

// Sweeper periodically times out executions stuck past their deadline and
// purges tokens that expired longer than the retention window ago.
type Sweeper struct {
	orchestrator *Orchestrator
	broker       *tokens.Broker
	schedule     string
	retention    time.Duration
	logger       *slog.Logger

	mutex  sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSweeper(orchestrator *Orchestrator, broker *tokens.Broker, schedule string, retention time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return &Sweeper{
		orchestrator: orchestrator,
		broker:       broker,
		schedule:     schedule,
		retention:    retention,
		logger:       logger.With("module", "sweeper"),
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		_, _, _ = s.RunOnce(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Sweeper started", "schedule", s.schedule, "entry_id", entryID)

	return nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, int, error) {
	timedOut, err := s.orchestrator.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Sweep failed", "error", err)

		return 0, 0, err
	}

	deleted := 0

	if s.broker != nil && s.retention > 0 {
		deleted, err = s.broker.Cleanup(ctx, s.retention)
		if err != nil {
			s.logger.ErrorContext(ctx, "Token cleanup failed", "error", err)

			return timedOut, 0, err
		}
	}

	if timedOut > 0 {
		s.logger.InfoContext(ctx, "Sweep completed", "timed_out", timedOut, "tokens_deleted", deleted)
	}

	return timedOut, deleted, nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cron == nil {
		return nil
	}

	done := s.cron.Stop().Done()

	if s.cancel != nil {
		defer s.cancel()
	}

	select {
	case <-done:
		s.logger.Info("Sweeper stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
