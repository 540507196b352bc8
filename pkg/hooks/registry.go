package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/rs/zerolog"
)

// Registry holds hooks in registration order.
type Registry struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	hooks []Hook
}

func NewRegistry(logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()
	return &Registry{logger: logger.With().Str("component", "hooks").Logger()}
}

// Register appends h. Hooks fire in registration order.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Fire runs every matching hook and returns the resolved outcome. A nil
// Registry always returns Continue.
func (r *Registry) Fire(ctx context.Context, ev Event) Outcome {
	if r == nil {
		return Continue()
	}

	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.RUnlock()

	outcomes := make([]Outcome, 0, len(hooks))
	for _, h := range hooks {
		if ev.Kind.IsTool() && !h.Matches(ev.ToolName) {
			continue
		}
		out, err := r.invoke(ctx, h, ev)
		if err != nil {
			observability.RecordHookError(h.Name())
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Warn().
				Err(err).
				Str("hook", h.Name()).
				Str("event", string(ev.Kind)).
				Str("tool", ev.ToolName).
				Msg("Hook failed, continuing")
			continue
		}
		outcomes = append(outcomes, out)
	}

	var resolved Outcome
	if ev.Kind == PreToolUse {
		resolved = resolvePreToolUse(outcomes)
	} else {
		resolved = resolveGeneral(outcomes)
	}
	observability.RecordHookOutcome(string(ev.Kind), string(resolved.Kind))
	return resolved
}

func (r *Registry) invoke(ctx context.Context, h Hook, ev Event) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.Name(), p)
		}
	}()
	return h.Handle(ctx, ev)
}

// resolvePreToolUse: Deny > ModifyArgs > Continue.
func resolvePreToolUse(outcomes []Outcome) Outcome {
	var modify *Outcome
	for i := range outcomes {
		switch outcomes[i].Kind {
		case OutcomeDeny:
			return outcomes[i]
		case OutcomeModifyArgs:
			if modify == nil {
				modify = &outcomes[i]
			}
		}
	}
	if modify != nil {
		return *modify
	}
	return Continue()
}

// resolveGeneral: Stop > SystemMessage > AppendContext > Continue.
func resolveGeneral(outcomes []Outcome) Outcome {
	var system, appendCtx *Outcome
	for i := range outcomes {
		switch outcomes[i].Kind {
		case OutcomeStop:
			return outcomes[i]
		case OutcomeSystemMessage:
			if system == nil {
				system = &outcomes[i]
			}
		case OutcomeAppendContext:
			if appendCtx == nil {
				appendCtx = &outcomes[i]
			}
		}
	}
	switch {
	case system != nil:
		return *system
	case appendCtx != nil:
		return *appendCtx
	}
	return Continue()
}
