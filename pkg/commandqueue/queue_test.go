package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the task value", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()

		v, err := q.Enqueue(ctx, "main", func(context.Context) (any, error) { return 42, nil })
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("should propagate task errors and panics", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()

		boom := errors.New("boom")
		_, err := q.Enqueue(ctx, "main", func(context.Context) (any, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)

		_, err = q.Enqueue(ctx, "main", func(context.Context) (any, error) { panic("oops") })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
	})

	t.Run("should run one lane in fifo order one at a time", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()

		var (
			mu      sync.Mutex
			order   []int
			running int
			maxSeen int
		)
		var chans []<-chan Result
		for i := 0; i < 5; i++ {
			i := i
			ch, err := q.EnqueueAsync(ctx, "session:a", func(context.Context) (any, error) {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				order = append(order, i)
				running--
				mu.Unlock()
				return i, nil
			})
			require.NoError(t, err)
			chans = append(chans, ch)
		}
		for i, ch := range chans {
			res := <-ch
			require.NoError(t, res.Err)
			assert.Equal(t, i, res.Value)
		}

		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("should run different lanes concurrently", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()

		release := make(chan struct{})
		started := make(chan string, 2)
		var chans []<-chan Result
		for _, lane := range []string{"a", "b"} {
			lane := lane
			ch, err := q.EnqueueAsync(ctx, lane, func(context.Context) (any, error) {
				started <- lane
				<-release
				return nil, nil
			})
			require.NoError(t, err)
			chans = append(chans, ch)
		}

		got := map[string]bool{}
		for i := 0; i < 2; i++ {
			select {
			case lane := <-started:
				got[lane] = true
			case <-time.After(2 * time.Second):
				t.Fatal("lanes did not run concurrently")
			}
		}
		close(release)
		for _, ch := range chans {
			<-ch
		}
		assert.Len(t, got, 2)
	})
}

func TestClearAndReset(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		drop func(q *CommandQueue) int
		want error
	}{
		{"should clear queued tasks", func(q *CommandQueue) int { return q.ClearLane("s") }, ErrLaneCleared},
		{"should reset queued tasks", func(q *CommandQueue) int { return q.ResetLane("s") }, ErrLaneReset},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := New(zerolog.Nop())
			defer q.Close()

			release := make(chan struct{})
			first, err := q.EnqueueAsync(ctx, "s", func(context.Context) (any, error) {
				<-release
				return "first", nil
			})
			require.NoError(t, err)
			require.Eventually(t, func() bool { return q.Running("s") }, 2*time.Second, 5*time.Millisecond)

			ran := false
			second, err := q.EnqueueAsync(ctx, "s", func(context.Context) (any, error) {
				ran = true
				return nil, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, q.QueueSize("s"))

			assert.Equal(t, 1, tc.drop(q))
			res := <-second
			assert.ErrorIs(t, res.Err, tc.want)

			close(release)
			res = <-first
			require.NoError(t, res.Err)
			assert.Equal(t, "first", res.Value)
			assert.False(t, ran)
		})
	}

	t.Run("should ignore unknown lanes", func(t *testing.T) {
		q := New(zerolog.Nop())
		defer q.Close()
		assert.Zero(t, q.ClearLane("nope"))
		assert.Zero(t, q.QueueSize("nope"))
		assert.False(t, q.Running("nope"))
	})
}

func TestClose(t *testing.T) {
	q := New(zerolog.Nop())

	started := make(chan struct{})
	ch, err := q.EnqueueAsync(context.Background(), "s", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Close())
	res := <-ch
	assert.ErrorIs(t, res.Err, context.Canceled)

	_, err = q.Enqueue(context.Background(), "s", func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, q.Close())
}

func TestEnqueueContextCancel(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Enqueue(ctx, "s", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}
