package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

const runTimeout = 5 * time.Minute

// Scheduler runs the sweep and the janitor on their cron schedules. Runs of
// the same job never overlap.
type Scheduler struct {
	cron   *rcron.Cron
	logger *slog.Logger
}

// NewScheduler registers rec's sweep and purge under the schedules in cfg.
// Schedules accept standard five-field cron expressions and descriptors
// such as "@every 30s".
func NewScheduler(rec *Recovery, cfg config.RecoverySettings, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger.With("component", "cron")}
	s := &Scheduler{
		cron: rcron.New(
			rcron.WithParser(rcron.NewParser(
				rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
			)),
			rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
			rcron.WithLogger(cl),
		),
		logger: logger,
	}

	if _, err := s.cron.AddJob(cfg.SweepSchedule, s.job("sweep", func(ctx context.Context) error {
		_, err := rec.Sweep(ctx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", cfg.SweepSchedule, err)
	}
	if _, err := s.cron.AddJob(cfg.JanitorSchedule, s.job("janitor", rec.Purge)); err != nil {
		return nil, fmt.Errorf("schedule janitor %q: %w", cfg.JanitorSchedule, err)
	}
	return s, nil
}

func (s *Scheduler) job(name string, run func(context.Context) error) rcron.Job {
	return rcron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Error("scheduled run failed", "job", name, "error", err)
		}
	})
}

// Run starts the schedule and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts slog to the cron package's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
