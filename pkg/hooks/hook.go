package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// EventKind names a lifecycle point.
type EventKind string

const (
	AgentStart         EventKind = "agent_start"
	AgentStop          EventKind = "agent_stop"
	TurnStart          EventKind = "turn_start"
	TurnEnd            EventKind = "turn_end"
	PreToolUse         EventKind = "pre_tool_use"
	PostToolUse        EventKind = "post_tool_use"
	PostToolUseFailure EventKind = "post_tool_use_failure"
)

var eventKinds = []EventKind{AgentStart, AgentStop, TurnStart, TurnEnd, PreToolUse, PostToolUse, PostToolUseFailure}

// ParseEventKind accepts snake_case or CamelCase names ("pre_tool_use", "PreToolUse").
func ParseEventKind(s string) (EventKind, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, k := range eventKinds {
		if strings.ReplaceAll(string(k), "_", "") == norm {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown hook event %q", s)
}

// IsTool reports whether the event concerns a single tool call.
func (k EventKind) IsTool() bool {
	return k == PreToolUse || k == PostToolUse || k == PostToolUseFailure
}

// Event is the payload handed to hooks. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string
	Turn      int

	// Task is set for agent_start, Result for agent_stop and post_tool_use.
	Task   string
	Result string

	ToolName  string
	ToolUseID string
	Args      map[string]any
	// Error is the failure text for post_tool_use_failure.
	Error string
}

// Data flattens the event for scripts and telemetry.
func (e Event) Data() map[string]any {
	data := map[string]any{
		"session_id": e.SessionID,
		"turn":       e.Turn,
	}
	switch e.Kind {
	case AgentStart:
		data["task"] = e.Task
	case AgentStop:
		data["result"] = e.Result
	case PreToolUse, PostToolUse, PostToolUseFailure:
		data["tool_name"] = e.ToolName
		data["tool_use_id"] = e.ToolUseID
		data["args"] = e.Args
		if e.Kind == PostToolUse {
			data["result"] = e.Result
		}
		if e.Kind == PostToolUseFailure {
			data["error"] = e.Error
		}
	}
	return data
}

// OutcomeKind is a hook's disposition.
type OutcomeKind string

const (
	OutcomeContinue      OutcomeKind = "continue"
	OutcomeDeny          OutcomeKind = "deny"
	OutcomeModifyArgs    OutcomeKind = "modify_args"
	OutcomeSystemMessage OutcomeKind = "system_message"
	OutcomeAppendContext OutcomeKind = "append_context"
	OutcomeStop          OutcomeKind = "stop"
)

// Outcome is what a hook asks the loop to do.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Args   map[string]any
	Text   string
}

func Continue() Outcome { return Outcome{Kind: OutcomeContinue} }
func Deny(reason string) Outcome { return Outcome{Kind: OutcomeDeny, Reason: reason} }
func ModifyArgs(args map[string]any) Outcome { return Outcome{Kind: OutcomeModifyArgs, Args: args} }
func SystemMessage(text string) Outcome { return Outcome{Kind: OutcomeSystemMessage, Text: text} }
func AppendContext(text string) Outcome { return Outcome{Kind: OutcomeAppendContext, Text: text} }
func Stop(reason string) Outcome { return Outcome{Kind: OutcomeStop, Reason: reason} }

// Hook observes lifecycle events.
type Hook interface {
	Name() string
	// Matches filters tool events by tool name.
	Matches(toolName string) bool
	Handle(ctx context.Context, ev Event) (Outcome, error)
}

// Matcher is a compiled tool-name pattern. A nil Matcher matches everything.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher compiles pattern; an empty pattern yields a nil Matcher.
func NewMatcher(pattern string) (*Matcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid hook matcher %q: %w", pattern, err)
	}
	return &Matcher{re: re}, nil
}

func (m *Matcher) Match(name string) bool {
	if m == nil {
		return true
	}
	return m.re.MatchString(name)
}

func (m *Matcher) String() string {
	if m == nil {
		return ""
	}
	return m.re.String()
}

// HandlerFunc handles an event.
type HandlerFunc func(ctx context.Context, ev Event) (Outcome, error)

type funcHook struct {
	name    string
	matcher *Matcher
	fn      HandlerFunc
}

// New builds a Hook from a function and an optional tool-name pattern.
func New(name, pattern string, fn HandlerFunc) (Hook, error) {
	m, err := NewMatcher(pattern)
	if err != nil {
		return nil, err
	}
	return &funcHook{name: name, matcher: m, fn: fn}, nil
}

func (h *funcHook) Name() string { return h.name }
func (h *funcHook) Matches(toolName string) bool { return h.matcher.Match(toolName) }
func (h *funcHook) Handle(ctx context.Context, ev Event) (Outcome, error) {
	return h.fn(ctx, ev)
}
