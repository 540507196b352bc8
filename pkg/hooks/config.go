package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/keel/internal/tracing"
	"github.com/rs/zerolog"
)

// Declarative actions in hooks.json.
const (
	ActionDeny          = "deny"
	ActionStop          = "stop"
	ActionLog           = "log"
	ActionSystemMessage = "system_message"
	ActionAppendContext = "append_context"
)

// Entry is one declarative hook.
type Entry struct {
	Name    string `json:"name"`
	Event   string `json:"event"`
	Matcher string `json:"matcher,omitempty"`
	Action  string `json:"action"`
	// Reason is the deny/stop reason, or the text for system_message and append_context.
	Reason string `json:"reason,omitempty"`
}

// File is the hooks.json document.
type File struct {
	Hooks []Entry `json:"hooks"`
}

// LoadFile reads path. A missing file yields an empty File.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse hooks file %s: %w", path, err)
	}
	return &f, nil
}

// Save writes the file, creating parent directories.
func (f *File) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode hooks file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Add appends e, or replaces the entry with the same name in place so its
// registration order is kept.
func (f *File) Add(e Entry) {
	for i := range f.Hooks {
		if f.Hooks[i].Name == e.Name {
			f.Hooks[i] = e
			return
		}
	}
	f.Hooks = append(f.Hooks, e)
}

// Remove deletes the named entry and reports whether it existed.
func (f *File) Remove(name string) bool {
	kept := f.Hooks[:0]
	for _, h := range f.Hooks {
		if h.Name != name {
			kept = append(kept, h)
		}
	}
	removed := len(kept) < len(f.Hooks)
	f.Hooks = kept
	return removed
}

// Build compiles every entry into a Hook.
func (f *File) Build(logger zerolog.Logger) ([]Hook, error) {
	out := make([]Hook, 0, len(f.Hooks))
	for _, e := range f.Hooks {
		h, err := NewConfigHook(e, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// ConfigHook applies a fixed action to one event kind.
type ConfigHook struct {
	entry   Entry
	event   EventKind
	matcher *Matcher
	logger  zerolog.Logger
}

func NewConfigHook(e Entry, logger zerolog.Logger) (*ConfigHook, error) {
	if strings.TrimSpace(e.Name) == "" {
		return nil, fmt.Errorf("hook name is required")
	}
	event, err := ParseEventKind(e.Event)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", e.Name, err)
	}
	switch e.Action {
	case ActionDeny:
		if event != PreToolUse {
			return nil, fmt.Errorf("hook %s: deny only applies to %s", e.Name, PreToolUse)
		}
	case ActionStop, ActionLog, ActionSystemMessage, ActionAppendContext:
	default:
		return nil, fmt.Errorf("hook %s: unknown action %q", e.Name, e.Action)
	}
	m, err := NewMatcher(e.Matcher)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", e.Name, err)
	}
	return &ConfigHook{
		entry:   e,
		event:   event,
		matcher: m,
		logger:  logger.With().Str("component", "hooks").Str("hook", e.Name).Logger(),
	}, nil
}

func (h *ConfigHook) Name() string { return h.entry.Name }

func (h *ConfigHook) Matches(toolName string) bool { return h.matcher.Match(toolName) }

func (h *ConfigHook) Handle(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Kind != h.event {
		return Continue(), nil
	}
	switch h.entry.Action {
	case ActionDeny:
		reason := h.entry.Reason
		if reason == "" {
			reason = "blocked by hook " + h.entry.Name
		}
		return Deny(reason), nil
	case ActionStop:
		return Stop(h.entry.Reason), nil
	case ActionSystemMessage:
		return SystemMessage(h.entry.Reason), nil
	case ActionAppendContext:
		return AppendContext(h.entry.Reason), nil
	}
	logger := tracing.LoggerFromContext(ctx, h.logger)
	logger.Info().
		Str("event", string(ev.Kind)).
		Str("tool", ev.ToolName).
		Msg("Hook event")
	return Continue(), nil
}
