package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harun/keel/pkg/store"
	"github.com/harun/keel/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "keel.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	mem, err := New(ctx, st.DB(), "keel", zerolog.Nop())
	require.NoError(t, err)
	other, err := New(ctx, st.DB(), "other", zerolog.Nop())
	require.NoError(t, err)

	t.Run("should set get and overwrite", func(t *testing.T) {
		require.NoError(t, mem.Set(ctx, "target", "staging"))
		require.NoError(t, mem.Set(ctx, "target", "prod"))

		v, ok, err := mem.Get(ctx, "target")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "prod", v)
	})

	t.Run("should scope keys per agent", func(t *testing.T) {
		_, ok, err := other.Get(ctx, "target")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should list sorted keys and delete", func(t *testing.T) {
		require.NoError(t, mem.Set(ctx, "alpha", "1"))
		keys, err := mem.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "target"}, keys)

		require.NoError(t, mem.Delete(ctx, "alpha"))
		require.NoError(t, mem.Delete(ctx, "alpha"))
		keys, err = mem.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"target"}, keys)
	})

	t.Run("should reject empty keys", func(t *testing.T) {
		assert.Error(t, mem.Set(ctx, "  ", "x"))
	})
}

func TestTools(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	mem, err := New(ctx, st.DB(), "keel", zerolog.Nop())
	require.NoError(t, err)

	reg := tools.NewRegistry(zerolog.Nop(), 0)
	for _, tool := range mem.Tools() {
		require.NoError(t, reg.Register(tool))
	}
	assert.Equal(t, []string{"memory_delete", "memory_get", "memory_keys", "memory_set"}, reg.Names())

	res, err := reg.Call(ctx, "memory_keys", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "(no memories)", res.Content)

	res, err = reg.Call(ctx, "memory_set", map[string]any{"key": "lang", "value": "go"})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = reg.Call(ctx, "memory_get", map[string]any{"key": "lang"})
	require.NoError(t, err)
	assert.Equal(t, tools.OK("go"), res)

	res, err = reg.Call(ctx, "memory_delete", map[string]any{"key": "lang"})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = reg.Call(ctx, "memory_get", map[string]any{"key": "lang"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
