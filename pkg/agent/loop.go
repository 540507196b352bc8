package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/hooks"
	"github.com/harun/keel/pkg/llm"
	"github.com/harun/keel/pkg/progress"
	"github.com/harun/keel/pkg/resume"
	"github.com/harun/keel/pkg/retry"
	"github.com/harun/keel/pkg/store"
	"github.com/harun/keel/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrMaxTurns is wrapped by MaxTurnsError.
	ErrMaxTurns = errors.New("max turns exceeded")
	// ErrStopped is returned by a closed Session.
	ErrStopped = errors.New("agent session stopped")
)

// MaxTurnsError ends a run that used up its turn budget.
type MaxTurnsError struct {
	MaxTurns int
}

func (e *MaxTurnsError) Error() string {
	return fmt.Sprintf("max turns (%d) exceeded", e.MaxTurns)
}

func (e *MaxTurnsError) Unwrap() error { return ErrMaxTurns }

// Stop reasons reported in Output.
const (
	StopCompleted = "completed"
	StopHook      = "hook_stop"
	StopMaxTurns  = "max_turns"
	StopError     = "error"
)

// Capabilities is a hot-reloadable capability set pulled at every turn start.
type Capabilities interface {
	Sync(ctx context.Context) error
	PromptSection() string
}

// Config wires a Loop. Store, Provider and Tools are required.
type Config struct {
	Store        *store.Store
	Provider     llm.Provider
	Tools        *tools.Registry
	Hooks        *hooks.Registry
	Permissions  *tools.PermissionGuard
	Capabilities Capabilities
	Observer     progress.Observer
	Logger       zerolog.Logger

	AgentID      string
	Model        string
	SystemPrompt string

	MaxTurns         int
	MaxContextTokens int
	// TrimThreshold is the fraction of MaxContextTokens that triggers trimming.
	TrimThreshold float64

	ModelRetry      retry.Policy
	ToolRetry       retry.Policy
	ToolConcurrency int
	Streaming       bool
	// Sleep overrides the backoff sleeper, mainly in tests.
	Sleep retry.Sleeper
}

// Output is the result of one Run or Resume invocation.
type Output struct {
	SessionID     string
	Result        string
	Turns         int
	ToolCallsMade int
	Usage         llm.Usage
	StopReason    string
}

// Loop runs agent turns against the store.
type Loop struct {
	cfg      Config
	resumer  *resume.Controller
	observer progress.Observer
	logger   zerolog.Logger
}

func New(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "keel"
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 128000
	}
	if cfg.TrimThreshold <= 0 || cfg.TrimThreshold > 1 {
		cfg.TrimThreshold = 0.8
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 4
	}

	observer := cfg.Observer
	if observer == nil {
		observer = progress.Nop
	}

	logger := cfg.Logger.With().Str("component", "agent").Logger()
	return &Loop{
		cfg:      cfg,
		resumer:  resume.NewController(cfg.Store, cfg.Logger),
		observer: progress.Fanout{observer},
		logger:   logger,
	}, nil
}

// runState is the loop-owned projection of one session during an invocation.
type runState struct {
	log      *store.SessionLog
	messages []llm.Message
	turn     int
	task     string

	modelRetry *retry.Executor
	toolRetry  *retry.ToolExecutor

	// pending holds hook-injected system text for the next turn.
	pending []string
	// unsafe is set once a persist fails; later turns skip checkpoints.
	unsafe bool

	out Output
}

// Run starts a new session for task and drives it to completion.
// The returned Output carries the session id even when err is non-nil.
func (l *Loop) Run(ctx context.Context, task string) (*Output, error) {
	sess, err := l.cfg.Store.NewSession(ctx, l.cfg.AgentID, l.cfg.Model, l.cfg.Provider.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	rs := l.newRunState(l.cfg.Store.Log(sess), 1)

	if l.cfg.SystemPrompt != "" {
		l.append(ctx, rs, 0, llm.System(l.cfg.SystemPrompt))
	}
	return l.execute(ctx, rs, task)
}

// Resume runs the resume protocol for sessionID and continues the loop. A
// non-empty task is added as a new user message. Without a task, a session
// whose history already ends in a final answer returns that answer.
func (l *Loop) Resume(ctx context.Context, sessionID, task string) (*Output, error) {
	state, err := l.resumer.Resume(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session %s: %w", sessionID, err)
	}
	rs := l.newRunState(state.Log, state.NextTurn)
	rs.messages = state.Messages

	if task == "" {
		if answer, ok := finalAnswer(rs.messages); ok {
			rs.out.Result = answer
			rs.out.StopReason = StopCompleted
			return &rs.out, nil
		}
	}
	return l.execute(ctx, rs, task)
}

// Load runs the resume protocol without starting a turn.
func (l *Loop) Load(ctx context.Context, sessionID string) (*resume.State, error) {
	return l.resumer.Resume(ctx, sessionID)
}

func (l *Loop) newRunState(log *store.SessionLog, turn int) *runState {
	sessionID := log.Session().ID
	rs := &runState{
		log:  log,
		turn: turn,
		out:  Output{SessionID: sessionID},
	}
	onStatus := func(s retry.Status) {
		l.observer.Notify(progress.Event{
			Kind:      progress.KindRetry,
			SessionID: sessionID,
			Turn:      s.Turn,
			Text:      s.String(),
			Data: map[string]any{
				"tag":          s.Tag,
				"attempt":      s.Attempt,
				"max_attempts": s.MaxAttempts,
				"final":        s.Final,
			},
		})
	}
	rs.modelRetry = retry.NewExecutor(retry.Config{
		Policy:   l.cfg.ModelRetry,
		Recorder: log,
		OnStatus: onStatus,
		Sleep:    l.cfg.Sleep,
		Kind:     "model",
		Logger:   l.cfg.Logger,
	})
	rs.toolRetry = retry.NewToolExecutor(retry.Config{
		Policy:   l.cfg.ToolRetry,
		Recorder: log,
		OnStatus: onStatus,
		Sleep:    l.cfg.Sleep,
		Kind:     "tool",
		Logger:   l.cfg.Logger,
	})
	return rs
}

func (l *Loop) execute(ctx context.Context, rs *runState, task string) (out *Output, err error) {
	sessionID := rs.out.SessionID
	ctx = tracing.NewAgentRunContext(ctx, l.cfg.AgentID)
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "keel.agent", "agent.run",
		attribute.String("session_id", sessionID),
		attribute.Int("start_turn", rs.turn),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	start := time.Now()
	rs.task = task
	if task != "" {
		l.append(ctx, rs, rs.turn, llm.User(task))
	}

	l.observer.Notify(progress.Event{Kind: progress.KindRunStart, SessionID: sessionID, Turn: rs.turn, Text: task})
	l.cfg.Hooks.Fire(ctx, hooks.Event{Kind: hooks.AgentStart, SessionID: sessionID, Turn: rs.turn, Task: task})

	logger.Info().Int("turn", rs.turn).Int("history", len(rs.messages)).Msg("Agent run started")

	err = l.loop(ctx, rs)

	stop := hooks.Event{Kind: hooks.AgentStop, SessionID: sessionID, Turn: rs.turn, Task: task, Result: rs.out.Result}
	if err != nil {
		stop.Error = err.Error()
	}
	l.cfg.Hooks.Fire(ctx, stop)

	observability.RecordRun(rs.out.StopReason, time.Since(start))
	l.observer.Notify(progress.Event{
		Kind:      progress.KindRunEnd,
		SessionID: sessionID,
		Turn:      rs.turn,
		Text:      rs.out.Result,
		IsError:   err != nil,
		Data:      map[string]any{"stop_reason": rs.out.StopReason, "turns": rs.out.Turns},
	})

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("stop_reason", rs.out.StopReason).
		Int("turns", rs.out.Turns).
		Int("tool_calls", rs.out.ToolCallsMade).
		Int("input_tokens", rs.out.Usage.InputTokens).
		Int("output_tokens", rs.out.Usage.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("Agent run finished")

	return &rs.out, err
}

func (l *Loop) loop(ctx context.Context, rs *runState) error {
	for i := 0; i < l.cfg.MaxTurns; i++ {
		done, err := l.runTurn(ctx, rs)
		rs.out.Turns++
		if err != nil {
			observability.RecordTurn("error")
			rs.out.StopReason = StopError
			return err
		}
		if done {
			observability.RecordTurn("final")
			return nil
		}
		observability.RecordTurn("tool_calls")
		rs.turn++
	}

	err := &MaxTurnsError{MaxTurns: l.cfg.MaxTurns}
	l.warnPersist(ctx, "error", rs.log.PersistError(ctx, rs.turn, "max_turns", err, 0))
	rs.out.StopReason = StopMaxTurns
	return err
}

// append persists msg under turn and adds it to the in-memory history. A failed
// persist marks the run unsafe for checkpointing but never aborts the turn.
func (l *Loop) append(ctx context.Context, rs *runState, turn int, msg llm.Message) {
	if _, err := rs.log.PersistMessage(ctx, turn, msg); err != nil {
		rs.unsafe = true
		l.warnPersist(ctx, "message", err)
	}
	rs.messages = append(rs.messages, msg)
}

// checkpoint marks the turn complete when every message so far was persisted.
func (l *Loop) checkpoint(ctx context.Context, rs *runState) {
	logger := tracing.LoggerFromContext(ctx, l.logger)
	if rs.unsafe {
		observability.RecordPersistWarning("checkpoint")
		logger.Warn().Int("turn", rs.turn).Msg("Checkpoint skipped after failed persist")
		return
	}
	cp, err := rs.log.WriteCheckpoint(ctx, rs.turn)
	if err != nil {
		l.warnPersist(ctx, "checkpoint", err)
		return
	}
	l.observer.Notify(progress.Event{
		Kind:      progress.KindCheckpoint,
		SessionID: rs.out.SessionID,
		Turn:      cp.Turn,
		Data:      map[string]any{"last_msg_id": cp.LastMsgID},
	})
	logger.Debug().Int("turn", cp.Turn).Int64("last_msg_id", cp.LastMsgID).Msg("Checkpoint written")
}

func (l *Loop) warnPersist(ctx context.Context, kind string, err error) {
	if err == nil {
		return
	}
	observability.RecordPersistWarning(kind)
	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Warn().Err(err).Str("kind", kind).Msg("Persistence failed")
	l.observer.Notify(progress.Event{
		Kind:      progress.KindWarning,
		SessionID: tracing.GetSessionID(ctx),
		Turn:      tracing.GetTurn(ctx),
		Text:      fmt.Sprintf("failed to persist %s: %v", kind, err),
	})
}

// finalAnswer returns the last message when it is an assistant answer without tool calls.
func finalAnswer(messages []llm.Message) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}
	last := messages[len(messages)-1]
	if last.Role != llm.RoleAssistant || last.HasToolCalls() {
		return "", false
	}
	return last.Content, true
}
