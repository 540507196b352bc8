package progress

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	var got []Kind
	var other int
	f := Fanout{
		ObserverFunc(func(ev Event) {
			got = append(got, ev.Kind)
			assert.False(t, ev.Time.IsZero())
		}),
		nil,
		ObserverFunc(func(Event) { other++ }),
	}

	f.Notify(Event{Kind: KindTurnStart})
	f.Notify(Event{Kind: KindRetry})
	Nop.Notify(Event{Kind: KindRunEnd})

	assert.Equal(t, []Kind{KindTurnStart, KindRetry}, got)
	assert.Equal(t, 2, other)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(ServerConfig{SharedSecret: "s3cret", Logger: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestServer(t *testing.T) {
	t.Run("should require a shared secret", func(t *testing.T) {
		_, err := NewServer(ServerConfig{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should reject unauthenticated clients", func(t *testing.T) {
		_, ts := newTestServer(t)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=wrong", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should broadcast events with increasing sequence numbers", func(t *testing.T) {
		srv, ts := newTestServer(t)

		header := http.Header{}
		header.Set("Authorization", "Bearer s3cret")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

		srv.Notify(Event{Kind: KindRetry, SessionID: "s-1", Turn: 2, Text: "attempt 1/4 failed"})
		srv.Notify(Event{Kind: KindTurnEnd, SessionID: "s-1", Turn: 2})

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var first, second Message
		require.NoError(t, conn.ReadJSON(&first))
		require.NoError(t, conn.ReadJSON(&second))

		assert.Equal(t, "event", first.Type)
		assert.Equal(t, KindRetry, first.Event.Kind)
		assert.Equal(t, "attempt 1/4 failed", first.Event.Text)
		assert.Equal(t, 2, first.Event.Turn)
		assert.Equal(t, first.Seq+1, second.Seq)
		assert.Equal(t, KindTurnEnd, second.Event.Kind)
	})

	t.Run("should drop clients that disconnect", func(t *testing.T) {
		srv, ts := newTestServer(t)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=s3cret", nil)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

		conn.Close()
		assert.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should serve healthz and metrics", func(t *testing.T) {
		_, ts := newTestServer(t)

		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))

		resp, err = http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should start and stop on a real listener", func(t *testing.T) {
		srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", SharedSecret: "x", Logger: zerolog.Nop()})
		require.NoError(t, err)
		require.NoError(t, srv.Start())
		assert.NotEqual(t, "127.0.0.1:0", srv.Addr())

		resp, err := http.Get("http://" + srv.Addr() + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
	})
}
