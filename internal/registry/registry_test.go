package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerratar/RavenNest-sub002/internal/dispatch"
	"github.com/zerratar/RavenNest-sub002/internal/orchestrator"
	"github.com/zerratar/RavenNest-sub002/internal/packet"
	"github.com/zerratar/RavenNest-sub002/internal/ratelimit"
	"github.com/zerratar/RavenNest-sub002/internal/token"
	"github.com/zerratar/RavenNest-sub002/internal/wsconn"
)

type recordingNotifier struct {
	mu      sync.Mutex
	started []uuid.UUID
	stopped []uuid.UUID
}

func (n *recordingNotifier) SessionStarted(sessionID, _ uuid.UUID) {
	n.mu.Lock()
	n.started = append(n.started, sessionID)
	n.mu.Unlock()
}

func (n *recordingNotifier) SessionStopped(sessionID, _ uuid.UUID) {
	n.mu.Lock()
	n.stopped = append(n.stopped, sessionID)
	n.mu.Unlock()
}

func (n *recordingNotifier) stoppedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.stopped)
}

type testEnv struct {
	registry *Registry
	store    *token.MemoryStore
	notifier *recordingNotifier
	url      string
}

func newTestEnv(t *testing.T, limiter *ratelimit.ConnectionLimiter) *testEnv {
	t.Helper()

	store := token.NewMemoryStore()
	notifier := &recordingNotifier{}
	processor := orchestrator.SessionProcessorFunc(func(context.Context, uuid.UUID) error {
		return nil
	})
	codec := packet.NewCodec(packet.NewTypeRegistry())

	reg := New(store, codec, dispatch.NewTable(nil), processor, notifier, limiter, nil, wsconn.Config{
		MaxMessageSize:     64 * 1024,
		SendQueueCapacity:  64,
		TickInterval:       5 * time.Millisecond,
		TickFailureBackoff: 5 * time.Millisecond,
	})

	srv := httptest.NewServer(http.HandlerFunc(reg.Accept))
	t.Cleanup(func() {
		reg.KillAll()
		srv.Close()
	})

	return &testEnv{
		registry: reg,
		store:    store,
		notifier: notifier,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *testEnv) putToken(raw string) *token.SessionToken {
	tok := &token.SessionToken{
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		UserName:  "zerratar",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	e.store.Put(raw, tok)
	return tok
}

func (e *testEnv) dial(t *testing.T, raw string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if raw != "" {
		header.Set(SessionTokenHeader, raw)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(e.url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func TestRegistryRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := env.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.registry.Count())
}

func TestRegistryRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := env.dial(t, "never-issued")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegistryRejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.putToken("stale")
	tok.ExpiresAt = time.Now().Add(-time.Minute)

	_, resp, err := env.dial(t, "stale")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegistryAcceptsValidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.putToken("good")

	_, _, err := env.dial(t, "good")
	require.NoError(t, err)

	assert.Equal(t, 1, env.registry.Count())
	conn, ok := env.registry.TryGet(tok.SessionID)
	require.True(t, ok)
	assert.Equal(t, tok.SessionID, conn.SessionID())
	assert.Equal(t, tok.UserID, conn.UserID())

	env.notifier.mu.Lock()
	started := append([]uuid.UUID(nil), env.notifier.started...)
	env.notifier.mu.Unlock()
	assert.Equal(t, []uuid.UUID{tok.SessionID}, started)
}

func TestRegistryReplacesLiveConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.putToken("good")

	first, _, err := env.dial(t, "good")
	require.NoError(t, err)
	firstConn, ok := env.registry.TryGet(tok.SessionID)
	require.True(t, ok)

	_, _, err = env.dial(t, "good")
	require.NoError(t, err)

	// The old actor is disposed; the session maps to the replacement.
	require.Eventually(t, func() bool {
		conn, ok := env.registry.TryGet(tok.SessionID)
		return ok && conn != firstConn
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.registry.Count())

	// The first client observes its socket closing.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = first.ReadMessage()
	assert.Error(t, err)
}

func TestRegistryTryGetAfterClose(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.putToken("good")

	client, _, err := env.dial(t, "good")
	require.NoError(t, err)

	conn, ok := env.registry.TryGet(tok.SessionID)
	require.True(t, ok)

	client.Close()
	<-conn.Closed()

	require.Eventually(t, func() bool {
		_, ok := env.registry.TryGet(tok.SessionID)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, env.notifier.stoppedCount(), 1)
}

func TestRegistryConnectionLimit(t *testing.T) {
	limiter := ratelimit.NewConnectionLimiter(1)
	env := newTestEnv(t, limiter)
	env.putToken("first")
	env.putToken("second")

	_, _, err := env.dial(t, "first")
	require.NoError(t, err)

	_, resp, err := env.dial(t, "second")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRegistryKillAll(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, raw := range []string{"a", "b", "c"} {
		env.putToken(raw)
		_, _, err := env.dial(t, raw)
		require.NoError(t, err)
	}
	require.Equal(t, 3, env.registry.Count())

	env.registry.KillAll()

	require.Eventually(t, func() bool {
		return env.registry.Count() == 0
	}, 5*time.Second, 5*time.Millisecond)
}
