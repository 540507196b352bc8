package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/keel/pkg/llm"
	"github.com/harun/keel/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	cutoff time.Time
	res    store.PruneResult
	err    error
}

func (f *fakePruner) PruneAudit(_ context.Context, cutoff time.Time) (store.PruneResult, error) {
	f.cutoff = cutoff
	return f.res, f.err
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		p    Pruner
		cfg  Config
	}{
		{"missing pruner", nil, Config{Schedule: "0 3 * * *", MaxAge: time.Hour}},
		{"missing schedule", &fakePruner{}, Config{MaxAge: time.Hour}},
		{"bad schedule", &fakePruner{}, Config{Schedule: "every day", MaxAge: time.Hour}},
		{"zero max age", &fakePruner{}, Config{Schedule: "0 3 * * *"}},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := New(tt.p, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestService_RunOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("should prune with the configured age", func(t *testing.T) {
		p := &fakePruner{res: store.PruneResult{Errors: 4, Checkpoints: 2}}
		s, err := New(p, Config{Schedule: "0 3 * * *", MaxAge: 48 * time.Hour, Logger: zerolog.Nop(), Now: clock})
		require.NoError(t, err)

		res, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, store.PruneResult{Errors: 4, Checkpoints: 2}, res)
		assert.Equal(t, now.Add(-48*time.Hour), p.cutoff)
	})

	t.Run("should wrap prune failures", func(t *testing.T) {
		p := &fakePruner{err: errors.New("locked")}
		s, err := New(p, Config{Schedule: "0 3 * * *", MaxAge: time.Hour, Logger: zerolog.Nop(), Now: clock})
		require.NoError(t, err)

		_, err = s.RunOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "locked")
	})

	t.Run("should compute the next run from the schedule", func(t *testing.T) {
		s, err := New(&fakePruner{}, Config{Schedule: "0 3 * * *", MaxAge: time.Hour, Now: clock})
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), s.Next())
	})

	t.Run("should keep messages and the latest checkpoint of a real store", func(t *testing.T) {
		ctx := context.Background()
		st, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "keel.db"), Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer st.Close()

		sess, err := st.NewSession(ctx, "keel", "m", "p")
		require.NoError(t, err)
		log := st.Log(sess)
		_, err = log.PersistMessage(ctx, 1, llm.User("hi"))
		require.NoError(t, err)
		_, err = log.WriteCheckpoint(ctx, 1)
		require.NoError(t, err)
		_, err = log.WriteCheckpoint(ctx, 2)
		require.NoError(t, err)
		require.NoError(t, log.PersistError(ctx, 1, "llm_complete", errors.New("boom"), 0))

		future := func() time.Time { return time.Now().Add(time.Hour) }
		s, err := New(st, Config{Schedule: "0 3 * * *", MaxAge: time.Minute, Logger: zerolog.Nop(), Now: future})
		require.NoError(t, err)

		res, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Errors)
		assert.Equal(t, int64(1), res.Checkpoints)

		cp, err := log.LatestCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, cp.Turn)
		msgs, err := log.AllMessages(ctx)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})
}

func TestService_StartStop(t *testing.T) {
	s, err := New(&fakePruner{}, Config{Schedule: "* * * * *", MaxAge: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	s.Start()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
