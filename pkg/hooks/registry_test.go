package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(t *testing.T, name, pattern string, out Outcome) Hook {
	t.Helper()
	h, err := New(name, pattern, func(context.Context, Event) (Outcome, error) { return out, nil })
	require.NoError(t, err)
	return h
}

func preTool(name string) Event {
	return Event{Kind: PreToolUse, ToolName: name, ToolUseID: "id-1", Args: map[string]any{"cmd": "ls"}}
}

func TestRegistryFire(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		event Event
		hooks []Outcome
		want  Outcome
	}{
		{
			name:  "should continue with no hooks",
			event: preTool("exec"),
			want:  Continue(),
		},
		{
			name:  "should block when deny and modify both match",
			event: preTool("exec"),
			hooks: []Outcome{ModifyArgs(map[string]any{"cmd": "echo"}), Deny("blocked")},
			want:  Deny("blocked"),
		},
		{
			name:  "should prefer modify over continue",
			event: preTool("exec"),
			hooks: []Outcome{Continue(), ModifyArgs(map[string]any{"cmd": "echo hello"})},
			want:  ModifyArgs(map[string]any{"cmd": "echo hello"}),
		},
		{
			name:  "should keep the first modify",
			event: preTool("exec"),
			hooks: []Outcome{ModifyArgs(map[string]any{"cmd": "first"}), ModifyArgs(map[string]any{"cmd": "second"})},
			want:  ModifyArgs(map[string]any{"cmd": "first"}),
		},
		{
			name:  "should ignore stop on pre tool use",
			event: preTool("exec"),
			hooks: []Outcome{Stop("halt")},
			want:  Continue(),
		},
		{
			name:  "should let stop win on other events",
			event: Event{Kind: PostToolUse, ToolName: "exec"},
			hooks: []Outcome{SystemMessage("msg"), Stop("halt")},
			want:  Stop("halt"),
		},
		{
			name:  "should prefer system message over append context",
			event: Event{Kind: TurnStart, Turn: 1},
			hooks: []Outcome{AppendContext("ctx"), SystemMessage("sys")},
			want:  SystemMessage("sys"),
		},
		{
			name:  "should return append context when nothing stronger",
			event: Event{Kind: PostToolUse, ToolName: "exec"},
			hooks: []Outcome{Continue(), AppendContext("extra")},
			want:  AppendContext("extra"),
		},
		{
			name:  "should ignore deny on non tool events",
			event: Event{Kind: TurnEnd},
			hooks: []Outcome{Deny("nope")},
			want:  Continue(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(zerolog.Nop())
			for i, out := range tt.hooks {
				reg.Register(fixed(t, string(rune('a'+i)), "", out))
			}
			assert.Equal(t, tt.want, reg.Fire(ctx, tt.event))
		})
	}
}

func TestRegistryMatching(t *testing.T) {
	ctx := context.Background()

	t.Run("should filter tool events by tool name", func(t *testing.T) {
		reg := NewRegistry(zerolog.Nop())
		reg.Register(fixed(t, "no-writes", "^write", Deny("no writes")))

		assert.Equal(t, Continue(), reg.Fire(ctx, preTool("exec")))
		assert.Equal(t, Deny("no writes"), reg.Fire(ctx, preTool("write_file")))
	})

	t.Run("should ignore the matcher for non tool events", func(t *testing.T) {
		reg := NewRegistry(zerolog.Nop())
		reg.Register(fixed(t, "stopper", "^never$", Stop("done")))

		assert.Equal(t, Stop("done"), reg.Fire(ctx, Event{Kind: TurnStart}))
	})

	t.Run("should reject invalid patterns", func(t *testing.T) {
		_, err := New("bad", "([", func(context.Context, Event) (Outcome, error) { return Continue(), nil })
		assert.Error(t, err)
	})
}

func TestRegistryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("should treat a failing hook as continue", func(t *testing.T) {
		reg := NewRegistry(zerolog.Nop())
		h, err := New("broken", "", func(context.Context, Event) (Outcome, error) {
			return Deny("ignored"), errors.New("hook exploded")
		})
		require.NoError(t, err)
		reg.Register(h)

		assert.Equal(t, Continue(), reg.Fire(ctx, preTool("exec")))
	})

	t.Run("should survive a panicking hook and use the others", func(t *testing.T) {
		reg := NewRegistry(zerolog.Nop())
		h, err := New("panics", "", func(context.Context, Event) (Outcome, error) {
			panic("boom")
		})
		require.NoError(t, err)
		reg.Register(h)
		reg.Register(fixed(t, "modifier", "", ModifyArgs(map[string]any{"x": 1})))

		assert.Equal(t, ModifyArgs(map[string]any{"x": 1}), reg.Fire(ctx, preTool("exec")))
	})

	t.Run("should continue on a nil registry", func(t *testing.T) {
		var reg *Registry
		assert.Equal(t, Continue(), reg.Fire(ctx, preTool("exec")))
		assert.Zero(t, reg.Len())
	})
}

func TestParseEventKind(t *testing.T) {
	for _, in := range []string{"pre_tool_use", "PreToolUse", " preToolUse "} {
		k, err := ParseEventKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, PreToolUse, k)
	}
	k, err := ParseEventKind("PostToolUseFailure")
	require.NoError(t, err)
	assert.Equal(t, PostToolUseFailure, k)

	_, err = ParseEventKind("on_boot")
	assert.Error(t, err)
}

func TestEventData(t *testing.T) {
	ev := Event{Kind: PostToolUseFailure, SessionID: "s", Turn: 2, ToolName: "exec", ToolUseID: "c1", Error: "exit 1"}
	data := ev.Data()
	assert.Equal(t, "exec", data["tool_name"])
	assert.Equal(t, "exit 1", data["error"])
	assert.NotContains(t, data, "result")

	start := Event{Kind: AgentStart, Task: "fix it"}.Data()
	assert.Equal(t, "fix it", start["task"])
	assert.NotContains(t, start, "tool_name")
}
