package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/rs/zerolog"
)

// Policy bounds the attempts of one operation.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Attempts is the total number of tries, at least one.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the sleep after the failed zero-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

// Recorder persists one failed attempt. Errors it returns are only logged.
type Recorder interface {
	RecordError(ctx context.Context, turn int, tag string, cause error, attempt int) error
}

// Status describes a failed attempt for progress observers.
type Status struct {
	Turn        int
	Tag         string
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
	// Final is set when no retry follows.
	Final bool
}

func (s Status) String() string {
	if s.Final {
		return fmt.Sprintf("%s: attempt %d/%d failed: %v, giving up", s.Tag, s.Attempt+1, s.MaxAttempts, s.Err)
	}
	return fmt.Sprintf("%s: attempt %d/%d failed: %v, retrying in %s", s.Tag, s.Attempt+1, s.MaxAttempts, s.Err, s.Delay)
}

// StatusFunc receives retry notifications. It must not block.
type StatusFunc func(Status)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config configures an Executor.
type Config struct {
	Policy   Policy
	Recorder Recorder
	OnStatus StatusFunc
	Sleep    Sleeper
	// Kind labels metrics, e.g. "model" or "tool".
	Kind   string
	Logger zerolog.Logger
}

// Executor retries operations under one Policy.
type Executor struct {
	policy   Policy
	recorder Recorder
	onStatus StatusFunc
	sleep    Sleeper
	kind     string
	logger   zerolog.Logger
}

func NewExecutor(cfg Config) *Executor {
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.Kind == "" {
		cfg.Kind = "model"
	}
	observability.EnsureRegistered()
	return &Executor{
		policy:   cfg.Policy,
		recorder: cfg.Recorder,
		onStatus: cfg.OnStatus,
		sleep:    cfg.Sleep,
		kind:     cfg.Kind,
		logger:   cfg.Logger.With().Str("component", "retry").Str("kind", cfg.Kind).Logger(),
	}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op until it succeeds or the attempts are exhausted. The last error is
// returned wrapped with tag.
func (e *Executor) Do(ctx context.Context, turn int, tag string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, turn, tag, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Executor.Do.
func Do[T any](ctx context.Context, e *Executor, turn int, tag string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := e.policy.Attempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		e.record(ctx, turn, tag, err, attempt)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		final := attempt == attempts-1
		if !e.failed(ctx, turn, tag, err, attempt, final) {
			break
		}
		if err := e.sleep(ctx, e.policy.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", tag, attempts, lastErr)
}

// failed notifies observers about a failed attempt and reports whether a retry follows.
func (e *Executor) failed(ctx context.Context, turn int, tag string, err error, attempt int, final bool) bool {
	status := Status{
		Turn:        turn,
		Tag:         tag,
		Attempt:     attempt,
		MaxAttempts: e.policy.Attempts(),
		Err:         err,
		Final:       final,
	}
	if !final {
		status.Delay = e.policy.Delay(attempt)
		observability.RecordRetry(e.kind)
	}

	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Warn().
		Err(err).
		Str("tag", tag).
		Int("attempt", attempt+1).
		Int("max_attempts", status.MaxAttempts).
		Dur("delay", status.Delay).
		Msg("Attempt failed")

	if e.onStatus != nil {
		e.onStatus(status)
	}
	return !final
}

func (e *Executor) record(ctx context.Context, turn int, tag string, cause error, attempt int) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordError(ctx, turn, tag, cause, attempt); err != nil {
		observability.RecordPersistWarning("error")
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Str("tag", tag).Int("attempt", attempt).Msg("Failed to record error")
	}
}

// IsCanceled reports whether err came from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
