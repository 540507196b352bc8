package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes audit rows created before cutoff.
type Pruner interface {
	PruneAudit(ctx context.Context, cutoff time.Time) (store.PruneResult, error)
}

// Config configures the retention service.
type Config struct {
	// Schedule is a five-field cron expression.
	Schedule string
	MaxAge   time.Duration
	Logger   zerolog.Logger
	// Now overrides the clock, mainly in tests.
	Now func() time.Time
}

// Service runs the prune job on its schedule.
type Service struct {
	pruner   Pruner
	schedule cron.Schedule
	maxAge   time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

func New(p Pruner, cfg Config) (*Service, error) {
	if p == nil {
		return nil, fmt.Errorf("pruner is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()

	return &Service{
		pruner:   p,
		schedule: sched,
		maxAge:   cfg.MaxAge,
		now:      cfg.Now,
		logger:   cfg.Logger.With().Str("component", "retention").Logger(),
	}, nil
}

// Next returns the next scheduled run after now.
func (s *Service) Next() time.Time {
	return s.schedule.Next(s.now())
}

// RunOnce prunes rows older than the retention age.
func (s *Service) RunOnce(ctx context.Context) (res store.PruneResult, err error) {
	cutoff := s.now().Add(-s.maxAge)
	ctx, span := tracing.StartSpan(ctx, "keel.retention", "retention.prune")
	defer func() { tracing.EndSpan(span, err) }()

	res, err = s.pruner.PruneAudit(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune audit rows: %w", err)
	}
	observability.RecordRetentionPruned("errors", res.Errors)
	observability.RecordRetentionPruned("checkpoints", res.Checkpoints)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Time("cutoff", cutoff).
		Int64("errors", res.Errors).
		Int64("checkpoints", res.Checkpoints).
		Msg("Audit rows pruned")
	return res, nil
}

// Start schedules the job. It is a no-op when already started.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Retention run failed")
		}
	}))
	c.Start()
	s.cron = c

	s.logger.Info().Time("next_run", s.Next()).Msg("Retention scheduled")
}

// Stop unschedules the job and waits for a running prune or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
