package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the periodic sync sweeper.
type SweeperConfig struct {
	Engine   *Engine
	Logger   *slog.Logger
	Schedule string        // cron expression for full sweeps
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Sweeper runs a full sync of every annotated task on a cron schedule,
// picking up anything a dropped or failed per-update sync left behind.
type Sweeper struct {
	engine   *Engine
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. The schedule must be a valid 5-field cron
// expression.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   cfg.Engine,
		logger:   logger,
		schedule: sched,
		interval: interval,
	}, nil
}

// Start begins the sweeper loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sync sweeper started", "interval", s.interval)
}

// Stop cancels the sweeper loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sync sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	next := s.schedule.Next(time.Now())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = s.schedule.Next(now)
			s.logger.Info("sweep fired", "next", next)
			s.engine.SyncAll(ctx)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time. Used to validate schedules at config load.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}
