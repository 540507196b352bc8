package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Tool {
	return New(Spec{
		Name:        "echo",
		Description: "Echo input",
		Parameters:  []Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
	}, func(_ context.Context, args map[string]any) (Result, error) {
		return OK(args["text"].(string)), nil
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 0)

	t.Run("should register and describe a tool", func(t *testing.T) {
		require.NoError(t, reg.Register(echoTool()))
		_, ok := reg.Get("echo")
		assert.True(t, ok)

		defs := reg.Defs()
		require.Len(t, defs, 1)
		assert.Equal(t, "echo", defs[0].Name)
		assert.Equal(t, []string{"text"}, defs[0].Parameters["required"])
		assert.Equal(t, false, defs[0].Parameters["additionalProperties"])
	})

	tests := []struct {
		name string
		spec Spec
	}{
		{name: "empty name", spec: Spec{Description: "d"}},
		{name: "empty description", spec: Spec{Name: "x"}},
		{name: "bad parameter type", spec: Spec{Name: "x", Description: "d", Parameters: []Parameter{{Name: "p", Type: "date"}}}},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			err := reg.Register(New(tt.spec, nil))
			assert.Error(t, err)
		})
	}

	t.Run("should list names sorted", func(t *testing.T) {
		require.NoError(t, reg.Register(New(Spec{Name: "alpha", Description: "a"}, nil)))
		assert.Equal(t, []string{"alpha", "echo"}, reg.Names())
		reg.Unregister("alpha")
		assert.Equal(t, []string{"echo"}, reg.Names())
	})
}

func TestRegistry_Call(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(zerolog.Nop(), 50*time.Millisecond)
	require.NoError(t, reg.Register(echoTool()))

	t.Run("should run the tool", func(t *testing.T) {
		res, err := reg.Call(ctx, "echo", map[string]any{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, OK("hi"), res)
	})

	t.Run("should return ErrToolNotFound for unknown names", func(t *testing.T) {
		_, err := reg.Call(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("should turn schema mismatches into soft errors", func(t *testing.T) {
		res, err := reg.Call(ctx, "echo", map[string]any{"text": 5})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "parameter validation failed")

		res, err = reg.Call(ctx, "echo", map[string]any{"text": "a", "extra": true})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("should surface handler errors as hard errors", func(t *testing.T) {
		boom := errors.New("boom")
		require.NoError(t, reg.Register(New(Spec{Name: "fail", Description: "fails"}, func(context.Context, map[string]any) (Result, error) {
			return Result{}, boom
		})))
		_, err := reg.Call(ctx, "fail", nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		require.NoError(t, reg.Register(New(Spec{Name: "slow", Description: "slow"}, func(ctx context.Context, _ map[string]any) (Result, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return OK("late"), nil
		})))
		_, err := reg.Call(ctx, "slow", nil)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("should truncate large output", func(t *testing.T) {
		require.NoError(t, reg.Register(New(Spec{Name: "big", Description: "big"}, func(context.Context, map[string]any) (Result, error) {
			return OK(strings.Repeat("x", MaxOutputSize+100)), nil
		})))
		res, err := reg.Call(ctx, "big", nil)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(res.Content, "[output truncated]"))
		assert.Less(t, len(res.Content), MaxOutputSize+100)
	})

	t.Run("should not split multi-byte characters when truncating", func(t *testing.T) {
		// odd offset puts every two-byte rune across the size boundary
		out := truncate("x" + strings.Repeat("é", MaxOutputSize))
		assert.True(t, utf8.ValidString(out))
		body, _, found := strings.Cut(out, "\n... [output truncated]")
		require.True(t, found)
		assert.Len(t, body, MaxOutputSize-1)
	})
}

func TestPermissionGuard(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		deny  []string
		tool  string
		want  bool
	}{
		{name: "nil allow permits all", tool: "read_file", want: true},
		{name: "deny wins", allow: []string{"*"}, deny: []string{"exec"}, tool: "exec", want: false},
		{name: "empty allow permits none", allow: []string{}, tool: "read_file", want: false},
		{name: "explicit allow", allow: []string{"read_file"}, tool: "read_file", want: true},
		{name: "deny all", deny: []string{"*"}, tool: "read_file", want: false},
	}
	for _, tt := range tests {
		t.Run("should handle "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewPermissionGuard(tt.allow, tt.deny).Allowed(tt.tool))
		})
	}

	var nilGuard *PermissionGuard
	assert.True(t, nilGuard.Allowed("anything"))
}
