package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAllProfilesFailed is returned when every profile failed or is cooling down.
var ErrAllProfilesFailed = errors.New("all provider profiles failed")

// CooldownStep is the cooldown added per consecutive failure of a profile.
const CooldownStep = 60 * time.Second

// Profile binds a provider to its failover priority. Lower priority is tried first.
type Profile struct {
	ID       string
	Priority int
	Provider llm.Provider
}

type profileState struct {
	Profile
	failures      int
	cooldownUntil time.Time
}

// Failover is an llm.Provider that walks its profiles in priority order.
type Failover struct {
	mu       sync.Mutex
	profiles []*profileState
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFailover orders profiles by priority, keeping declaration order for ties.
func NewFailover(logger zerolog.Logger, profiles ...Profile) *Failover {
	states := make([]*profileState, 0, len(profiles))
	for _, p := range profiles {
		states = append(states, &profileState{Profile: p})
	}
	sort.SliceStable(states, func(i, j int) bool { return states[i].Priority < states[j].Priority })

	return &Failover{
		profiles: states,
		logger:   logger.With().Str("component", "provider").Logger(),
		now:      time.Now,
	}
}

// Name reports the first profile's provider name.
func (f *Failover) Name() string {
	if len(f.profiles) == 0 {
		return "none"
	}
	return f.profiles[0].Provider.Name()
}

func (f *Failover) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Response, error) {
	return f.execute(ctx, "complete", func(p llm.Provider) (*llm.Response, error) {
		return p.Complete(ctx, messages, tools)
	})
}

func (f *Failover) StreamComplete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, sink llm.Sink) (*llm.Response, error) {
	return f.execute(ctx, "stream_complete", func(p llm.Provider) (*llm.Response, error) {
		return p.StreamComplete(ctx, messages, tools, sink)
	})
}

func (f *Failover) execute(ctx context.Context, op string, call func(llm.Provider) (*llm.Response, error)) (*llm.Response, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)
	var lastErr error

	for _, state := range f.snapshot() {
		if f.inCooldown(state) {
			observability.SetProviderCooldown(state.Provider.Name(), true)
			logger.Debug().Str("profile_id", state.ID).Msg("Skipping profile in cooldown")
			continue
		}

		_, span := tracing.StartSpan(ctx, "keel.provider", "provider."+op,
			attribute.String("profile_id", state.ID),
			attribute.String("provider", state.Provider.Name()),
		)
		start := time.Now()
		resp, err := call(state.Provider)
		observability.RecordModelCall(state.Provider.Name(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)

		if err == nil {
			f.markSuccess(state)
			return resp, nil
		}

		lastErr = err
		f.markFailure(state)
		logger.Warn().Err(err).Str("profile_id", state.ID).Msg("Provider profile failed")

		if !IsRetryable(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: every profile is cooling down", ErrAllProfilesFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProfilesFailed, lastErr)
}

func (f *Failover) snapshot() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*profileState, len(f.profiles))
	copy(out, f.profiles)
	return out
}

func (f *Failover) inCooldown(s *profileState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Before(s.cooldownUntil)
}

func (f *Failover) markSuccess(s *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.failures = 0
	s.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(s.Provider.Name(), false)
}

func (f *Failover) markFailure(s *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.failures++
	s.cooldownUntil = f.now().Add(time.Duration(s.failures) * CooldownStep)
	observability.SetProviderCooldown(s.Provider.Name(), true)
}
