package agent

import (
	"context"
	"testing"

	"github.com/harun/keel/pkg/commandqueue"
	"github.com/harun/keel/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession(t *testing.T) {
	ctx := context.Background()

	newSession := func(t *testing.T, f *fixture, id string) *Session {
		t.Helper()
		q := commandqueue.New(zerolog.Nop())
		t.Cleanup(func() { q.Close() })
		return NewSession(f.loop(t), q, id)
	}

	t.Run("should run queued messages as new turns of the same session", func(t *testing.T) {
		f := newFixture(t, answer("first"), answer("second"))
		s := newSession(t, f, "")

		first, err := s.SubmitAsync(ctx, "one")
		require.NoError(t, err)
		second, err := s.SubmitAsync(ctx, "two")
		require.NoError(t, err)

		r1 := <-first
		require.NoError(t, r1.Err)
		r2 := <-second
		require.NoError(t, r2.Err)

		out1 := r1.Value.(*Output)
		out2 := r2.Value.(*Output)
		assert.Equal(t, "first", out1.Result)
		assert.Equal(t, "second", out2.Result)
		assert.Equal(t, out1.SessionID, out2.SessionID)
		assert.Equal(t, out1.SessionID, s.ID())

		msgs, err := f.log(t, s.ID()).AllMessages(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		assert.Equal(t, "two", msgs[3].Content)
		assert.Equal(t, 2, msgs[3].Turn)
	})

	t.Run("should keep the session after a failed turn", func(t *testing.T) {
		f := newFixture(t, answer("ok"))
		f.cfg.MaxTurns = 1
		f.provider.steps = []step{callTools(echoCall("c", "x"))}
		s := newSession(t, f, "")

		out, err := s.Submit(ctx, "loop")
		assert.ErrorIs(t, err, ErrMaxTurns)
		require.NotNil(t, out)
		id := s.ID()
		require.NotEmpty(t, id)

		f.provider.steps = []step{answer("done")}
		out, err = s.Submit(ctx, "stop now")
		require.NoError(t, err)
		assert.Equal(t, id, out.SessionID)
	})

	t.Run("should switch to another session mid conversation", func(t *testing.T) {
		f := newFixture(t, answer("a"), answer("b"), answer("c"))
		other, err := f.loop(t).Run(ctx, "other task")
		require.NoError(t, err)

		s := newSession(t, f, "")
		_, err = s.Submit(ctx, "mine")
		require.NoError(t, err)
		require.NotEqual(t, other.SessionID, s.ID())

		state, err := s.SwitchTo(ctx, other.SessionID)
		require.NoError(t, err)
		assert.Equal(t, other.SessionID, s.ID())
		assert.Len(t, state.Messages, 3)

		out, err := s.Submit(ctx, "continue")
		require.NoError(t, err)
		assert.Equal(t, other.SessionID, out.SessionID)
		last := f.provider.lastCall()
		assert.Equal(t, llm.User("continue"), last[len(last)-1])
	})

	t.Run("should start fresh after reset and refuse work once closed", func(t *testing.T) {
		f := newFixture(t, answer("x"))
		s := newSession(t, f, "")

		out1, err := s.Submit(ctx, "one")
		require.NoError(t, err)
		s.Reset()
		out2, err := s.Submit(ctx, "two")
		require.NoError(t, err)
		assert.NotEqual(t, out1.SessionID, out2.SessionID)

		s.Close()
		_, err = s.Submit(ctx, "three")
		assert.ErrorIs(t, err, ErrStopped)
		_, err = s.SwitchTo(ctx, out1.SessionID)
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("should report unknown sessions on switch", func(t *testing.T) {
		f := newFixture(t, answer("x"))
		s := newSession(t, f, "")
		_, err := s.SwitchTo(ctx, "missing")
		assert.Error(t, err)
		assert.Empty(t, s.ID())
	})
}
