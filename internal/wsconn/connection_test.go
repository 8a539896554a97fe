package wsconn

import (
	"context"
	"fmt"
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
	"github.com/zerratar/RavenNest-sub002/internal/token"
)

type echoPayload struct {
	Text string `json:"text"`
}

func testCodec() *packet.Codec {
	reg := packet.NewTypeRegistry()
	reg.RegisterType(echoPayload{})
	return packet.NewCodec(reg)
}

func testConnConfig() Config {
	return Config{
		MaxMessageSize:     64 * 1024,
		SendQueueCapacity:  64,
		TickInterval:       5 * time.Millisecond,
		TickFailureBackoff: 5 * time.Millisecond,
	}
}

type wsPair struct {
	server *Connection
	client *websocket.Conn
}

// newWSPair upgrades a real WebSocket through an httptest server and binds
// the server end to a connection actor.
func newWSPair(t *testing.T, tok *token.SessionToken, handlers *dispatch.Table,
	processor orchestrator.SessionProcessor, cfg Config) *wsPair {
	t.Helper()

	if tok == nil {
		tok = &token.SessionToken{
			SessionID: uuid.New(),
			UserID:    uuid.New(),
			UserName:  "zerratar",
			ExpiresAt: time.Now().Add(time.Hour),
		}
	}
	if handlers == nil {
		handlers = dispatch.NewTable(nil)
	}
	if processor == nil {
		processor = orchestrator.SessionProcessorFunc(func(context.Context, uuid.UUID) error {
			return nil
		})
	}

	upgrader := websocket.Upgrader{}
	conns := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := New(sock, tok, testCodec(), handlers, processor, nil, cfg)
		conn.Start()
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() {
			conn.Dispose()
			<-conn.Closed()
		})
		return &wsPair{server: conn, client: client}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the server connection to be established")
		return nil
	}
}

func (p *wsPair) clientWrite(t *testing.T, env *packet.Envelope) {
	t.Helper()
	data, err := testCodec().Serialize(env)
	require.NoError(t, err)
	require.NoError(t, p.client.WriteMessage(websocket.BinaryMessage, data))
}

func (p *wsPair) clientRead(t *testing.T) *packet.Envelope {
	t.Helper()
	require.NoError(t, p.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := p.client.ReadMessage()
	require.NoError(t, err)
	env, err := testCodec().Deserialize(data, len(data))
	require.NoError(t, err)
	return env
}

func TestConnectionDispatchAndReply(t *testing.T) {
	handlers := dispatch.NewTable(nil)
	handlers.Register("echo", dispatch.HandlerFunc(
		func(_ context.Context, conn dispatch.Conn, env *packet.Envelope) {
			require.NoError(t, conn.Reply(env.CorrelationID, "echo", env.Payload))
		}))

	pair := newWSPair(t, nil, handlers, nil, testConnConfig())

	corrID := uuid.New()
	pair.clientWrite(t, &packet.Envelope{
		ID:            "echo",
		Type:          "echoPayload",
		CorrelationID: corrID,
		Payload:       &echoPayload{Text: "hello there"},
	})

	reply := pair.clientRead(t)
	assert.Equal(t, "echo", reply.ID)
	assert.Equal(t, corrID, reply.CorrelationID)
	require.IsType(t, &echoPayload{}, reply.Payload)
	assert.Equal(t, "hello there", reply.Payload.(*echoPayload).Text)
}

func TestConnectionPushOrdering(t *testing.T) {
	pair := newWSPair(t, nil, nil, nil, testConnConfig())

	const n = 20
	for i := 0; i < n; i++ {
		require.True(t, pair.server.Push("notify", &echoPayload{Text: fmt.Sprintf("msg-%d", i)}))
	}

	for i := 0; i < n; i++ {
		env := pair.clientRead(t)
		assert.Equal(t, "notify", env.ID)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), env.Payload.(*echoPayload).Text)
	}
}

func TestConnectionFragmentedInbound(t *testing.T) {
	received := make(chan *packet.Envelope, 1)
	handlers := dispatch.NewTable(dispatch.HandlerFunc(
		func(_ context.Context, _ dispatch.Conn, env *packet.Envelope) {
			received <- env
		}))

	pair := newWSPair(t, nil, handlers, nil, testConnConfig())

	// A payload well past the 8 KiB scratch size forces multi-chunk
	// reassembly on the receive side.
	big := strings.Repeat("x", 20*1024)
	pair.clientWrite(t, &packet.Envelope{
		ID:      "bulk",
		Type:    "echoPayload",
		Payload: &echoPayload{Text: big},
	})

	select {
	case env := <-received:
		assert.Equal(t, "bulk", env.ID)
		assert.Equal(t, big, env.Payload.(*echoPayload).Text)
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the reassembled message to be dispatched")
	}
}

func TestConnectionServerInitiatedRequest(t *testing.T) {
	pair := newWSPair(t, nil, nil, nil, testConnConfig())

	type result struct {
		payload any
		err     error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, err := pair.server.Send(ctx, "confirm", &echoPayload{Text: "ok?"})
		results <- result{payload, err}
	}()

	req := pair.clientRead(t)
	require.Equal(t, "confirm", req.ID)
	require.NotEqual(t, uuid.Nil, req.CorrelationID)

	pair.clientWrite(t, &packet.Envelope{
		ID:            "confirm",
		Type:          "echoPayload",
		CorrelationID: req.CorrelationID,
		Payload:       &echoPayload{Text: "ok!"},
	})

	res := <-results
	require.NoError(t, res.err)
	require.IsType(t, &echoPayload{}, res.payload)
	assert.Equal(t, "ok!", res.payload.(*echoPayload).Text)
}

func TestConnectionDisposeOnExpiredToken(t *testing.T) {
	tok := &token.SessionToken{
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		ExpiresAt: time.Now().Add(30 * time.Millisecond),
	}
	pair := newWSPair(t, tok, nil, nil, testConnConfig())

	select {
	case <-pair.server.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the connection to close once the token expired")
	}
	assert.True(t, pair.server.Disposed())
}

func TestConnectionRejectsTextFrames(t *testing.T) {
	pair := newWSPair(t, nil, nil, nil, testConnConfig())

	require.NoError(t, pair.client.WriteMessage(websocket.TextMessage, []byte("nope")))

	select {
	case <-pair.server.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a text frame to dispose the connection")
	}
}

func TestConnectionDisposeIdempotent(t *testing.T) {
	pair := newWSPair(t, nil, nil, nil, testConnConfig())

	pair.server.Dispose()
	pair.server.Dispose()
	<-pair.server.Closed()

	assert.False(t, pair.server.Push("late", nil))
	assert.ErrorIs(t, pair.server.Reply(uuid.New(), "late", nil), ErrDisposed)

	payload, err := pair.server.Send(context.Background(), "late", nil)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestConnectionConcurrentDispose(t *testing.T) {
	pair := newWSPair(t, nil, nil, nil, testConnConfig())

	// Every loop plus external callers may race to tear the connection down.
	const callers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			pair.server.Dispose()
		}()
	}
	close(start)
	wg.Wait()

	select {
	case <-pair.server.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the teardown to complete")
	}
	assert.True(t, pair.server.Disposed())
}

func TestConnectionTickFailureKeepsSessionAlive(t *testing.T) {
	processor := orchestrator.SessionProcessorFunc(func(context.Context, uuid.UUID) error {
		return fmt.Errorf("simulation hiccup")
	})
	pair := newWSPair(t, nil, nil, processor, testConnConfig())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, pair.server.Disposed(), "tick failures must not kill the session")
}
