package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/keel/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	turn    int
	tag     string
	msg     string
	attempt int
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []recorded
	err  error
}

func (r *fakeRecorder) RecordError(_ context.Context, turn int, tag string, cause error, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, recorded{turn: turn, tag: tag, msg: cause.Error(), attempt: attempt})
	return r.err
}

type fakeSleeper struct {
	delays []time.Duration
}

func (s *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newExecutor(policy Policy, rec Recorder, sl *fakeSleeper, statuses *[]Status) *Executor {
	return NewExecutor(Config{
		Policy:   policy,
		Recorder: rec,
		Sleep:    sl.sleep,
		OnStatus: func(s Status) { *statuses = append(*statuses, s) },
		Logger:   zerolog.Nop(),
	})
}

func TestPolicy(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}

	assert.Equal(t, 4, p.Attempts())
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, 1000*time.Millisecond, p.Delay(1))
	assert.Equal(t, 2000*time.Millisecond, p.Delay(2))
	assert.Equal(t, 1, Policy{MaxRetries: -1}.Attempts())
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	policy := Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}

	t.Run("should back off 500ms 1s 2s and not sleep after the last failure", func(t *testing.T) {
		rec := &fakeRecorder{}
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newExecutor(policy, rec, sl, &statuses)

		calls := 0
		boom := errors.New("rate limited")
		_, err := Do(ctx, exec, 2, "llm_complete", func(context.Context) (string, error) {
			calls++
			return "", boom
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, calls)
		assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, sl.delays)

		require.Len(t, rec.rows, 4)
		for i, row := range rec.rows {
			assert.Equal(t, i, row.attempt)
			assert.Equal(t, "llm_complete", row.tag)
			assert.Equal(t, 2, row.turn)
			assert.Equal(t, "rate limited", row.msg)
		}

		require.Len(t, statuses, 4)
		assert.False(t, statuses[0].Final)
		assert.True(t, statuses[3].Final)
		assert.Contains(t, statuses[0].String(), "attempt 1/4")
		assert.Contains(t, statuses[0].String(), "retrying in 500ms")
		assert.Contains(t, statuses[3].String(), "giving up")
	})

	t.Run("should return the value once an attempt succeeds", func(t *testing.T) {
		rec := &fakeRecorder{}
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newExecutor(policy, rec, sl, &statuses)

		calls := 0
		v, err := Do(ctx, exec, 1, "llm_complete", func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Len(t, rec.rows, 2)
		assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sl.delays)
		assert.Len(t, statuses, 2)
	})

	t.Run("should keep going when the recorder fails", func(t *testing.T) {
		rec := &fakeRecorder{err: errors.New("disk full")}
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newExecutor(Policy{MaxRetries: 1}, rec, sl, &statuses)

		calls := 0
		err := exec.Do(ctx, 1, "op", func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("first")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("should stop when the context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newExecutor(policy, nil, sl, &statuses)

		calls := 0
		err := exec.Do(cctx, 1, "op", func(context.Context) error {
			calls++
			cancel()
			return errors.New("interrupted")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, IsCanceled(err))
		assert.Equal(t, 1, calls)
		assert.Empty(t, sl.delays)
	})

	t.Run("should wait with the real sleeper", func(t *testing.T) {
		exec := NewExecutor(Config{Policy: Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, Logger: zerolog.Nop()})
		start := time.Now()
		err := exec.Do(ctx, 1, "op", func(context.Context) error { return errors.New("x") })
		assert.Error(t, err)
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
	})
}

func TestToolExecutor(t *testing.T) {
	ctx := context.Background()
	policy := Policy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond}

	newTool := func(rec Recorder, sl *fakeSleeper, statuses *[]Status) *ToolExecutor {
		return NewToolExecutor(Config{
			Policy:   policy,
			Recorder: rec,
			Sleep:    sl.sleep,
			OnStatus: func(s Status) { *statuses = append(*statuses, s) },
			Logger:   zerolog.Nop(),
		})
	}

	t.Run("should record hard errors and convert exhaustion into a soft result", func(t *testing.T) {
		rec := &fakeRecorder{}
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newTool(rec, sl, &statuses)

		res := exec.Call(ctx, 3, "exec", func(context.Context) (tools.Result, error) {
			return tools.Result{}, errors.New("spawn failed")
		})

		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "spawn failed")
		require.Len(t, rec.rows, 3)
		assert.Equal(t, "exec", rec.rows[0].tag)
		assert.Equal(t, 2, rec.rows[2].attempt)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sl.delays)
		assert.Len(t, statuses, 3)
	})

	t.Run("should retry soft results without recording them", func(t *testing.T) {
		rec := &fakeRecorder{}
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newTool(rec, sl, &statuses)

		calls := 0
		res := exec.Call(ctx, 1, "web_fetch", func(context.Context) (tools.Result, error) {
			calls++
			return tools.Errorf("HTTP 404"), nil
		})

		assert.Equal(t, 3, calls)
		assert.Equal(t, tools.Errorf("HTTP 404"), res)
		assert.Empty(t, rec.rows)
		assert.Len(t, statuses, 3)
	})

	t.Run("should return the first successful result", func(t *testing.T) {
		rec := &fakeRecorder{}
		sl := &fakeSleeper{}
		var statuses []Status
		exec := newTool(rec, sl, &statuses)

		calls := 0
		res := exec.Call(ctx, 1, "read_file", func(context.Context) (tools.Result, error) {
			calls++
			if calls == 1 {
				return tools.Result{}, errors.New("EAGAIN")
			}
			return tools.OK("content"), nil
		})

		assert.Equal(t, tools.OK("content"), res)
		assert.Len(t, rec.rows, 1)
		assert.Len(t, sl.delays, 1)
	})
}
