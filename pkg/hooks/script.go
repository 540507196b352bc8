package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/harun/keel/internal/tracing"
	"github.com/rs/zerolog"
)

// Script is a shell hook definition.
type Script struct {
	ID      string
	Event   EventKind
	Matcher string
	Script  string
	Timeout time.Duration
}

// ScriptHook runs a shell command for one event kind. The event is passed in
// KEEL_HOOK_EVENT and KEEL_HOOK_DATA_<KEY> variables. A JSON object printed on
// stdout becomes the outcome; anything else is logged and ignored.
type ScriptHook struct {
	script  Script
	matcher *Matcher
	logger  zerolog.Logger
}

// scriptReply is the JSON a script may print.
type scriptReply struct {
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason"`
	Args          map[string]any `json:"args"`
	SystemMessage string         `json:"system_message"`
	AppendContext string         `json:"append_context"`
}

func NewScriptHook(s Script, logger zerolog.Logger) (*ScriptHook, error) {
	if strings.TrimSpace(s.Script) == "" {
		return nil, fmt.Errorf("hook script is required for event %q", s.Event)
	}
	event, err := ParseEventKind(string(s.Event))
	if err != nil {
		return nil, err
	}
	s.Event = event
	if s.ID == "" {
		s.ID = string(s.Event)
	}
	m, err := NewMatcher(s.Matcher)
	if err != nil {
		return nil, err
	}
	return &ScriptHook{
		script:  s,
		matcher: m,
		logger:  logger.With().Str("component", "hooks").Str("hook", s.ID).Logger(),
	}, nil
}

func (h *ScriptHook) Name() string { return h.script.ID }

func (h *ScriptHook) Matches(toolName string) bool { return h.matcher.Match(toolName) }

func (h *ScriptHook) Handle(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Kind != h.script.Event {
		return Continue(), nil
	}

	runCtx := ctx
	cancel := func() {}
	if h.script.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.script.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", h.script.Script)
	cmd.Env = buildHookEnvironment(ev.Kind, ev.Data())
	cmd.WaitDelay = time.Second

	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if errText := strings.TrimSpace(stderr.String()); errText != "" {
			return Continue(), fmt.Errorf("hook %s failed: %w: %s", h.script.ID, err, errText)
		}
		return Continue(), fmt.Errorf("hook %s failed: %w", h.script.ID, err)
	}
	if outputText == "" {
		return Continue(), nil
	}

	var reply scriptReply
	if !strings.HasPrefix(outputText, "{") || json.Unmarshal([]byte(outputText), &reply) != nil {
		logger := tracing.LoggerFromContext(ctx, h.logger)
		logger.Debug().
			Str("event", string(ev.Kind)).
			Str("output", outputText).
			Msg("Hook executed")
		return Continue(), nil
	}
	return reply.outcome(), nil
}

func (r scriptReply) outcome() Outcome {
	switch strings.ToLower(r.Decision) {
	case "deny", "block":
		return Deny(r.Reason)
	case "modify":
		return ModifyArgs(r.Args)
	case "stop":
		return Stop(r.Reason)
	}
	if r.SystemMessage != "" {
		return SystemMessage(r.SystemMessage)
	}
	if r.AppendContext != "" {
		return AppendContext(r.AppendContext)
	}
	return Continue()
}

func buildHookEnvironment(event EventKind, data map[string]any) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "KEEL_HOOK_EVENT="+string(event))

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "KEEL_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+envValue(data[key]))
	}
	return env
}

func envValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
