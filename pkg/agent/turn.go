package agent

import (
	"context"
	"strings"
	"time"

	"github.com/harun/keel/internal/observability"
	"github.com/harun/keel/internal/tracing"
	"github.com/harun/keel/pkg/hooks"
	"github.com/harun/keel/pkg/llm"
	"github.com/harun/keel/pkg/progress"
	"github.com/harun/keel/pkg/retry"
	"github.com/harun/keel/pkg/tools"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// runTurn executes one turn and reports whether the run reached a terminal state.
func (l *Loop) runTurn(ctx context.Context, rs *runState) (done bool, err error) {
	ctx = tracing.WithTurn(ctx, rs.turn)
	ctx, span := tracing.StartSpan(ctx, "keel.agent", "agent.turn", attribute.Int("turn", rs.turn))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, l.logger).With().Int("turn", rs.turn).Logger()

	sessionID := rs.out.SessionID
	l.observer.Notify(progress.Event{Kind: progress.KindTurnStart, SessionID: sessionID, Turn: rs.turn})

	if stop := l.turnStart(ctx, rs); stop != "" {
		rs.out.Result = stop
		rs.out.StopReason = StopHook
		logger.Info().Str("reason", stop).Msg("Stopped by hook at turn start")
		return true, nil
	}

	resp, err := l.complete(ctx, rs)
	if err != nil {
		return false, err
	}
	rs.out.Usage = rs.out.Usage.Add(resp.Usage)
	l.warnPersist(ctx, "token_usage", rs.log.PersistTokenUsage(ctx, rs.turn, resp.Usage))

	if len(resp.ToolCalls) == 0 {
		l.append(ctx, rs, rs.turn, llm.Assistant(resp.Content))
		l.checkpoint(ctx, rs)
		l.turnEnd(ctx, rs, resp.Content)
		rs.out.Result = resp.Content
		rs.out.StopReason = StopCompleted
		return true, nil
	}

	l.append(ctx, rs, rs.turn, llm.Assistant(resp.Content, resp.ToolCalls...))
	results := l.dispatch(ctx, rs, resp.ToolCalls)
	rs.out.ToolCallsMade += len(resp.ToolCalls)

	for i, call := range resp.ToolCalls {
		l.append(ctx, rs, rs.turn, llm.ToolResult(call.ID, call.Name, results[i].Content))
	}
	l.checkpoint(ctx, rs)

	if stop := l.turnEnd(ctx, rs, resp.Content); stop != "" {
		rs.out.Result = stop
		rs.out.StopReason = StopHook
		logger.Info().Str("reason", stop).Msg("Stopped by hook at turn end")
		return true, nil
	}
	return false, nil
}

// turnStart syncs capabilities, trims the context and fires TurnStart. It
// returns a non-empty reason when a hook stops the run.
func (l *Loop) turnStart(ctx context.Context, rs *runState) string {
	logger := tracing.LoggerFromContext(ctx, l.logger)

	if l.cfg.Capabilities != nil {
		if err := l.cfg.Capabilities.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to sync capabilities")
		}
	}

	limit := int(float64(l.cfg.MaxContextTokens) * l.cfg.TrimThreshold)
	if trimmed, dropped := trimContext(rs.messages, limit); dropped > 0 {
		rs.messages = trimmed
		observability.RecordContextTrim()
		logger.Info().Int("dropped", dropped).Int("limit", limit).Msg("Context trimmed")
	}

	for _, text := range rs.pending {
		l.append(ctx, rs, rs.turn, llm.System(text))
	}
	rs.pending = nil

	out := l.cfg.Hooks.Fire(ctx, hooks.Event{
		Kind:      hooks.TurnStart,
		SessionID: rs.out.SessionID,
		Turn:      rs.turn,
		Task:      rs.task,
	})
	switch out.Kind {
	case hooks.OutcomeStop:
		return stopReason(out)
	case hooks.OutcomeSystemMessage, hooks.OutcomeAppendContext:
		l.append(ctx, rs, rs.turn, llm.System(out.Text))
	}
	return ""
}

// turnEnd fires TurnEnd. Injected text is carried into the next turn.
func (l *Loop) turnEnd(ctx context.Context, rs *runState, content string) string {
	out := l.cfg.Hooks.Fire(ctx, hooks.Event{
		Kind:      hooks.TurnEnd,
		SessionID: rs.out.SessionID,
		Turn:      rs.turn,
		Task:      rs.task,
		Result:    content,
	})
	l.observer.Notify(progress.Event{Kind: progress.KindTurnEnd, SessionID: rs.out.SessionID, Turn: rs.turn})

	switch out.Kind {
	case hooks.OutcomeStop:
		return stopReason(out)
	case hooks.OutcomeSystemMessage, hooks.OutcomeAppendContext:
		rs.pending = append(rs.pending, out.Text)
	}
	return ""
}

func stopReason(out hooks.Outcome) string {
	if out.Reason != "" {
		return out.Reason
	}
	return "stopped by hook"
}

// complete calls the model through the retry executor.
func (l *Loop) complete(ctx context.Context, rs *runState) (*llm.Response, error) {
	messages := l.request(rs.messages)
	defs := l.cfg.Tools.Defs()
	provider := l.cfg.Provider

	tag := "llm_complete"
	if l.cfg.Streaming {
		tag = "llm_stream"
	}

	return retry.Do(ctx, rs.modelRetry, rs.turn, tag, func(ctx context.Context) (*llm.Response, error) {
		start := time.Now()
		var (
			resp *llm.Response
			err  error
		)
		if l.cfg.Streaming {
			resp, err = provider.StreamComplete(ctx, messages, defs, l.sink(rs))
		} else {
			resp, err = provider.Complete(ctx, messages, defs)
		}
		observability.RecordModelCall(provider.Name(), time.Since(start), err == nil)
		return resp, err
	})
}

// request builds the model input. The skills section is appended to the
// system prompt per call and never persisted.
func (l *Loop) request(messages []llm.Message) []llm.Message {
	section := ""
	if l.cfg.Capabilities != nil {
		section = l.cfg.Capabilities.PromptSection()
	}
	if section == "" {
		return messages
	}

	out := make([]llm.Message, len(messages), len(messages)+1)
	copy(out, messages)
	for i, m := range out {
		if m.Role == llm.RoleSystem {
			out[i].Content = m.Content + "\n\n" + section
			return out
		}
	}
	return append([]llm.Message{llm.System(section)}, out...)
}

func (l *Loop) sink(rs *runState) llm.Sink {
	sessionID := rs.out.SessionID
	turn := rs.turn
	return func(c llm.Chunk) {
		switch c.Kind {
		case llm.ChunkDelta:
			l.observer.Notify(progress.Event{Kind: progress.KindTextDelta, SessionID: sessionID, Turn: turn, Text: c.Text})
		case llm.ChunkStatus:
			l.observer.Notify(progress.Event{Kind: progress.KindRetry, SessionID: sessionID, Turn: turn, Text: c.Text})
		}
	}
}

// dispatch runs the tool calls of one model response concurrently and returns
// their results in call order.
func (l *Loop) dispatch(ctx context.Context, rs *runState, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))

	var g errgroup.Group
	g.SetLimit(l.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = l.callTool(ctx, rs, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// callTool applies the permission guard, the sandbox gate and the tool hooks
// around one retried tool call.
func (l *Loop) callTool(ctx context.Context, rs *runState, call llm.ToolCall) (res tools.Result) {
	ctx, span := tracing.StartSpan(ctx, "keel.agent", "agent.tool",
		attribute.String("tool", call.Name),
		attribute.String("tool_use_id", call.ID),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("is_error", res.IsError))
		tracing.EndSpan(span, nil)
	}()
	logger := tracing.LoggerFromContext(ctx, l.logger).With().Str("tool", call.Name).Str("tool_use_id", call.ID).Logger()

	sessionID := rs.out.SessionID
	l.observer.Notify(progress.Event{
		Kind:      progress.KindToolStart,
		SessionID: sessionID,
		Turn:      rs.turn,
		ToolName:  call.Name,
		ToolUseID: call.ID,
		Data:      map[string]any{"args": call.Args},
	})
	defer func() {
		l.observer.Notify(progress.Event{
			Kind:      progress.KindToolEnd,
			SessionID: sessionID,
			Turn:      rs.turn,
			ToolName:  call.Name,
			ToolUseID: call.ID,
			IsError:   res.IsError,
			Text:      res.Content,
		})
	}()

	if !l.cfg.Permissions.Allowed(call.Name) {
		logger.Info().Msg("Tool call blocked by permissions")
		return tools.Errorf("Permission denied for tool: %s", call.Name)
	}

	tool, ok := l.cfg.Tools.Get(call.Name)
	if !ok {
		l.warnPersist(ctx, "error", rs.log.PersistError(ctx, rs.turn, call.Name, tools.ErrToolNotFound, 0))
		logger.Warn().Msg("Model requested unknown tool")
		return tools.Errorf("Tool not found: %s", call.Name)
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if gate, ok := tool.(tools.Admitter); ok {
		if denied, ok := gate.Admit(args); !ok {
			logger.Info().Str("reason", denied.Content).Msg("Tool call rejected by sandbox")
			return denied
		}
	}

	pre := l.cfg.Hooks.Fire(ctx, hooks.Event{
		Kind:      hooks.PreToolUse,
		SessionID: sessionID,
		Turn:      rs.turn,
		ToolName:  call.Name,
		ToolUseID: call.ID,
		Args:      args,
	})
	switch pre.Kind {
	case hooks.OutcomeDeny:
		logger.Info().Str("reason", pre.Reason).Msg("Tool call denied by hook")
		return tools.Errorf("Tool call denied by hook: %s", pre.Reason)
	case hooks.OutcomeModifyArgs:
		args = pre.Args
	}

	res = rs.toolRetry.Call(ctx, rs.turn, call.Name, func(ctx context.Context) (tools.Result, error) {
		return l.cfg.Tools.Call(ctx, call.Name, args)
	})

	post := hooks.Event{
		Kind:      hooks.PostToolUse,
		SessionID: sessionID,
		Turn:      rs.turn,
		ToolName:  call.Name,
		ToolUseID: call.ID,
		Args:      args,
		Result:    res.Content,
	}
	if res.IsError {
		post.Kind = hooks.PostToolUseFailure
		post.Result = ""
		post.Error = res.Content
	}
	if out := l.cfg.Hooks.Fire(ctx, post); out.Kind == hooks.OutcomeAppendContext && out.Text != "" {
		res.Content = strings.Join([]string{res.Content, out.Text}, "\n")
	}
	return res
}
