package cards

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically calls Queue.Sweep to expire pending cards whose TTL
// has elapsed. It runs on a plain ticker by default (matching the session
// pruner's ticker shape) or, when a cron expression is configured, uses
// github.com/robfig/cron/v3's parser to compute each next run the same way
// the teacher's internal/cron/schedule.go does.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	schedule cron.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewSweeper creates a Sweeper. If cronExpr is non-empty it takes priority
// over interval; otherwise the sweeper ticks every interval (defaulting to
// one minute).
func NewSweeper(queue *Queue, interval time.Duration, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		queue:    queue,
		interval: interval,
		logger:   logger.With("component", "cards.sweeper"),
	}
	if cronExpr != "" {
		schedule, err := cronParser.Parse(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse sweep cron expression: %w", err)
		}
		s.schedule = schedule
	}
	return s, nil
}

// Start begins the sweep loop until the context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.schedule != nil {
			s.runCron(ctx)
			return
		}
		s.runTicker(ctx)
	}()
}

func (s *Sweeper) runTicker(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) runCron(ctx context.Context) {
	next := s.schedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweepOnce(ctx)
			next = s.schedule.Next(time.Now())
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	count, err := s.queue.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("expired pending cards", "count", count)
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
