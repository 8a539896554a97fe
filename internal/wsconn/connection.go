// Package wsconn implements the per-connection WebSocket actor. Each
// connection owns one socket and runs three independent loops: receive, send
// and simulation tick. No loop may block another connection's loops.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zerratar/RavenNest-sub002/internal/buffer"
	"github.com/zerratar/RavenNest-sub002/internal/correlation"
	"github.com/zerratar/RavenNest-sub002/internal/dispatch"
	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/metrics"
	"github.com/zerratar/RavenNest-sub002/internal/orchestrator"
	"github.com/zerratar/RavenNest-sub002/internal/packet"
	"github.com/zerratar/RavenNest-sub002/internal/token"
)

const transportName = "websocket"

// ErrDisposed is returned by operations on a connection that has been torn down.
var ErrDisposed = errors.New("connection disposed")

// Config carries the per-connection tunables.
type Config struct {
	MaxMessageSize     int
	SendQueueCapacity  int
	TickInterval       time.Duration
	TickFailureBackoff time.Duration
}

// Connection binds one WebSocket to a session. Constructed by the registry
// after token validation; Start launches the loops.
type Connection struct {
	conn      *websocket.Conn
	tok       *token.SessionToken
	codec     *packet.Codec
	handlers  *dispatch.Table
	processor orchestrator.SessionProcessor
	tracker   *correlation.Tracker
	sink      metrics.Sink
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	outbound    chan *packet.Envelope
	done        chan struct{}
	closed      chan struct{}
	disposed    chan struct{} // closed once teardown begins
	disposeOnce sync.Once
	onClosed    func(*Connection)
}

// New creates a connection actor for an upgraded socket and a validated token.
func New(conn *websocket.Conn, tok *token.SessionToken, codec *packet.Codec,
	handlers *dispatch.Table, processor orchestrator.SessionProcessor,
	sink metrics.Sink, cfg Config) *Connection {

	if sink == nil {
		sink = metrics.NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:      conn,
		tok:       tok,
		codec:     codec,
		handlers:  handlers,
		processor: processor,
		tracker:   correlation.NewTracker(),
		sink:      sink,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan *packet.Envelope, cfg.SendQueueCapacity),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		disposed:  make(chan struct{}),
	}
}

// SessionID returns the bound session id.
func (c *Connection) SessionID() uuid.UUID { return c.tok.SessionID }

// UserID returns the owning user id.
func (c *Connection) UserID() uuid.UUID { return c.tok.UserID }

// Token returns the bound session token.
func (c *Connection) Token() *token.SessionToken { return c.tok }

// OnClosed registers the callback invoked once after all loops have joined.
// Must be called before Start.
func (c *Connection) OnClosed(fn func(*Connection)) { c.onClosed = fn }

// Closed is closed once every loop has terminated and the connection has
// been deregistered; callers use it to join the teardown.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// Disposed reports whether teardown has begun.
func (c *Connection) Disposed() bool {
	select {
	case <-c.disposed:
		return true
	default:
		return false
	}
}

// Start launches the receive, send and tick loops plus a janitor that joins
// them, releases pending correlations and reports closure.
func (c *Connection) Start() {
	c.conn.SetReadLimit(int64(c.cfg.MaxMessageSize))

	var g errgroup.Group
	g.Go(c.receiveLoop)
	g.Go(c.sendLoop)
	g.Go(c.tickLoop)

	go func() {
		_ = g.Wait()
		c.tracker.ReleaseAll()
		c.sink.ConnectionClosed(transportName)
		if c.onClosed != nil {
			c.onClosed(c)
		}
		close(c.closed)
	}()
}

// Dispose tears the connection down: closes the socket gracefully, unblocks
// awaiting callers and stops all three loops. Idempotent and safe to call
// concurrently from any loop or caller; use Closed to join.
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		close(c.disposed)

		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()

		c.cancel()
		close(c.done)
		c.tracker.ReleaseAll()
	})
}

// Send enqueues a request and awaits the correlated reply, returning its
// payload. Send failure or token invalidity yields a nil payload rather than
// an error; callers bound their own wait through ctx.
func (c *Connection) Send(ctx context.Context, id string, payload any) (any, error) {
	if c.Disposed() || !c.tok.Valid() {
		return nil, nil
	}

	corrID := uuid.New()
	ch, err := c.tracker.Await(corrID)
	if err != nil {
		return nil, err
	}

	env := &packet.Envelope{
		ID:            id,
		Type:          packet.TypeNameOf(payload),
		CorrelationID: corrID,
		Payload:       payload,
	}
	if !c.enqueue(env) {
		c.tracker.Abandon(corrID)
		return nil, nil
	}

	select {
	case <-ctx.Done():
		c.tracker.Abandon(corrID)
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return nil, nil
		}
		return reply.Payload, nil
	}
}

// Request is the typed convenience wrapper over Send.
func Request[T any](ctx context.Context, c *Connection, id string, payload any) (T, error) {
	var zero T
	res, err := c.Send(ctx, id, payload)
	if err != nil || res == nil {
		return zero, err
	}
	switch v := res.(type) {
	case T:
		return v, nil
	case *T:
		return *v, nil
	default:
		return zero, fmt.Errorf("unexpected reply payload type %T", res)
	}
}

// Push enqueues a fire-and-forget packet. Returns false when the queue is
// full or the connection is disposed.
func (c *Connection) Push(id string, payload any) bool {
	return c.enqueue(&packet.Envelope{
		ID:      id,
		Type:    packet.TypeNameOf(payload),
		Payload: payload,
	})
}

// Reply enqueues a reply reusing the correlation id of the inbound request.
func (c *Connection) Reply(correlationID uuid.UUID, id string, payload any) error {
	if correlationID == uuid.Nil {
		return fmt.Errorf("reply requires a correlation id")
	}
	if !c.enqueue(&packet.Envelope{
		ID:            id,
		Type:          packet.TypeNameOf(payload),
		CorrelationID: correlationID,
		Payload:       payload,
	}) {
		return ErrDisposed
	}
	return nil
}

func (c *Connection) enqueue(env *packet.Envelope) bool {
	if c.Disposed() {
		return false
	}
	select {
	case c.outbound <- env:
		return true
	default:
		return false
	}
}

// receiveLoop blocks on the socket for the next message, reassembles
// fragmented envelopes and routes them. Socket errors never escape the loop;
// they are logged and trigger disposal.
func (c *Connection) receiveLoop() error {
	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			if !c.Disposed() {
				logger.L.Debug("socket read ended",
					zap.String("session_id", c.tok.SessionID.String()),
					zap.Error(err),
				)
			}
			c.Dispose()
			return nil
		}

		if msgType != websocket.BinaryMessage {
			c.sink.ProtocolViolation(transportName, "non_binary_frame")
			logger.L.Warn("non-binary frame received",
				zap.String("session_id", c.tok.SessionID.String()),
			)
			c.Dispose()
			return nil
		}

		env, size, err := c.readEnvelope(r)
		if err != nil {
			c.sink.ProtocolViolation(transportName, "bad_envelope")
			logger.L.Warn("dropping connection on bad envelope",
				zap.String("session_id", c.tok.SessionID.String()),
				zap.Error(err),
			)
			c.Dispose()
			return nil
		}
		c.sink.MessageReceived(transportName, size)

		if env.CorrelationID != uuid.Nil && c.tracker.Resolve(env.CorrelationID, env) {
			continue
		}
		c.handlers.Dispatch(c.ctx, c, env)
	}
}

// readEnvelope accumulates one logical message from r chunk by chunk. The
// reader's EOF marks the final frame of the message.
func (c *Connection) readEnvelope(r io.Reader) (*packet.Envelope, int, error) {
	partial := packet.NewPartialBuffer()
	scratch := buffer.Get()
	defer buffer.Put(scratch)

	for !partial.Closed() {
		n, err := r.Read(scratch)
		switch {
		case err == io.EOF:
			if appendErr := partial.Append(scratch[:n], true); appendErr != nil {
				return nil, 0, appendErr
			}
		case err != nil:
			return nil, 0, err
		default:
			if appendErr := partial.Append(scratch[:n], false); appendErr != nil {
				return nil, 0, appendErr
			}
			if partial.Len() > c.cfg.MaxMessageSize {
				return nil, 0, fmt.Errorf("message exceeds %d bytes", c.cfg.MaxMessageSize)
			}
		}
	}

	env, err := partial.Build(c.codec)
	if err != nil {
		return nil, 0, err
	}
	return env, partial.Len(), nil
}

// sendLoop drains the bounded outbound queue one envelope at a time. A failed
// serialization or write drops the item, never the loop.
func (c *Connection) sendLoop() error {
	for {
		select {
		case <-c.done:
			return nil
		case env := <-c.outbound:
			data, err := c.codec.Serialize(env)
			if err != nil {
				logger.L.Warn("failed to serialize outbound packet",
					zap.String("session_id", c.tok.SessionID.String()),
					zap.String("packet_id", env.ID),
					zap.Error(err),
				)
				continue
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				logger.L.Debug("failed to write outbound packet",
					zap.String("session_id", c.tok.SessionID.String()),
					zap.String("packet_id", env.ID),
					zap.Error(err),
				)
				continue
			}
			c.sink.MessageSent(transportName, len(data))
		}
	}
}

// tickLoop drives the per-session simulation step at a fixed cadence. Token
// expiry is checked on every iteration; a failed step is logged and the
// session survives with a short backoff.
func (c *Connection) tickLoop() error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case <-ticker.C:
			if !c.tok.Valid() {
				logger.L.Info("session token no longer valid, closing connection",
					zap.String("session_id", c.tok.SessionID.String()),
					zap.String("user", c.tok.UserName),
				)
				c.Dispose()
				return nil
			}
			if err := c.processor.Process(c.ctx, c.tok.UserID); err != nil {
				c.sink.SessionTickFailed()
				logger.L.Warn("session step failed",
					zap.String("session_id", c.tok.SessionID.String()),
					zap.Error(err),
				)
				select {
				case <-c.done:
					return nil
				case <-time.After(c.cfg.TickFailureBackoff):
				}
			}
		}
	}
}

var _ dispatch.Conn = (*Connection)(nil)
