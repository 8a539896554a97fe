// Package registry owns the session-id to live-connection map and the
// WebSocket accept path. At most one live connection exists per session id.
package registry

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zerratar/RavenNest-sub002/internal/dispatch"
	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/metrics"
	"github.com/zerratar/RavenNest-sub002/internal/orchestrator"
	"github.com/zerratar/RavenNest-sub002/internal/packet"
	"github.com/zerratar/RavenNest-sub002/internal/ratelimit"
	"github.com/zerratar/RavenNest-sub002/internal/token"
	"github.com/zerratar/RavenNest-sub002/internal/tracing"
	"github.com/zerratar/RavenNest-sub002/internal/wsconn"
)

const (
	// SessionTokenHeader is the handshake header carrying the raw session token.
	SessionTokenHeader = "session-token"

	transportName = "websocket"
	shardCount    = 16
)

// Notifier receives connection lifecycle notifications, fanned out to the
// session-processing orchestrator.
type Notifier interface {
	SessionStarted(sessionID, userID uuid.UUID)
	SessionStopped(sessionID, userID uuid.UUID)
}

type shard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*wsconn.Connection
}

// Registry validates session tokens at accept time, constructs connection
// actors and tracks them by session id.
type Registry struct {
	validator token.Validator
	codec     *packet.Codec
	handlers  *dispatch.Table
	processor orchestrator.SessionProcessor
	notifier  Notifier
	limiter   *ratelimit.ConnectionLimiter
	sink      metrics.Sink
	connCfg   wsconn.Config
	upgrader  websocket.Upgrader

	shards [shardCount]*shard
}

// New creates a connection registry.
func New(validator token.Validator, codec *packet.Codec, handlers *dispatch.Table,
	processor orchestrator.SessionProcessor, notifier Notifier,
	limiter *ratelimit.ConnectionLimiter, sink metrics.Sink, connCfg wsconn.Config) *Registry {

	if sink == nil {
		sink = metrics.NopSink{}
	}
	r := &Registry{
		validator: validator,
		codec:     codec,
		handlers:  handlers,
		processor: processor,
		notifier:  notifier,
		limiter:   limiter,
		sink:      sink,
		connCfg:   connCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token validation is the admission check; origin policy is
			// enforced by the fronting HTTP server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[uuid.UUID]*wsconn.Connection)}
	}
	return r
}

func (r *Registry) shardFor(sessionID uuid.UUID) *shard {
	return r.shards[sessionID[0]&(shardCount-1)]
}

// Accept is the WebSocket handshake handler. The session token header is
// validated before the upgrade completes; absence or invalidity refuses the
// connection.
func (r *Registry) Accept(w http.ResponseWriter, req *http.Request) {
	ctx, span := tracing.StartSpan(req.Context(), "registry.accept")
	defer span.End()

	raw := req.Header.Get(SessionTokenHeader)
	if raw == "" {
		r.sink.ConnectionRejected(transportName, "missing_token")
		logger.DebugWithTrace(ctx, "handshake without session token",
			zap.String("remote_addr", req.RemoteAddr),
		)
		http.Error(w, "session token required", http.StatusUnauthorized)
		return
	}

	tok, err := r.validator.Validate(ctx, raw)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, token.ErrTokenNotFound) {
			reason = "unknown_token"
		}
		r.sink.ConnectionRejected(transportName, reason)
		logger.DebugWithTrace(ctx, "handshake token rejected",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, "session token invalid", http.StatusUnauthorized)
		return
	}

	if r.limiter != nil && !r.limiter.Allow() {
		r.sink.ConnectionRejected(transportName, "server_full")
		logger.WarnWithTrace(ctx, "connection limit reached",
			zap.Int64("max_connections", r.limiter.Max()),
		)
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		if r.limiter != nil {
			r.limiter.Release()
		}
		logger.DebugWithTrace(ctx, "websocket upgrade failed",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := wsconn.New(sock, tok, r.codec, r.handlers, r.processor, r.sink, r.connCfg)
	conn.OnClosed(r.onConnectionClosed)

	if old := r.store(tok.SessionID, conn); old != nil {
		logger.InfoWithTrace(ctx, "replacing live connection for session",
			zap.String("session_id", tok.SessionID.String()),
		)
		old.Dispose()
	}

	conn.Start()
	r.sink.ConnectionOpened(transportName)
	if r.notifier != nil {
		r.notifier.SessionStarted(tok.SessionID, tok.UserID)
	}

	logger.InfoWithTrace(ctx, "connection accepted",
		zap.String("session_id", tok.SessionID.String()),
		zap.String("user", tok.UserName),
		zap.String("remote_addr", req.RemoteAddr),
	)
}

// store inserts conn, returning any previous live connection for the session.
func (r *Registry) store(sessionID uuid.UUID, conn *wsconn.Connection) *wsconn.Connection {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	old := s.conns[sessionID]
	s.conns[sessionID] = conn
	s.mu.Unlock()
	return old
}

// onConnectionClosed removes conn from the map once its loops have joined.
// Removal is idempotent and identity-checked so a replacement connection for
// the same session is never evicted by its predecessor's teardown.
func (r *Registry) onConnectionClosed(conn *wsconn.Connection) {
	s := r.shardFor(conn.SessionID())
	s.mu.Lock()
	if s.conns[conn.SessionID()] == conn {
		delete(s.conns, conn.SessionID())
	}
	s.mu.Unlock()

	if r.limiter != nil {
		r.limiter.Release()
	}
	if r.notifier != nil {
		r.notifier.SessionStopped(conn.SessionID(), conn.UserID())
	}
}

// TryGet returns the live connection for sessionID. Disposed connections are
// never returned.
func (r *Registry) TryGet(sessionID uuid.UUID) (*wsconn.Connection, bool) {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	conn, ok := s.conns[sessionID]
	s.mu.RUnlock()
	if !ok || conn.Disposed() {
		return nil, false
	}
	return conn, true
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

// KillAll disposes every live connection and waits for their teardown.
// Individual failures are isolated and logged; KillAll itself never fails.
func (r *Registry) KillAll() {
	var conns []*wsconn.Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.RUnlock()
	}

	for _, conn := range conns {
		func(c *wsconn.Connection) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.L.Error("connection disposal panicked",
						zap.String("session_id", c.SessionID().String()),
						zap.Any("panic", rec),
					)
				}
			}()
			c.Dispose()
		}(conn)
	}
	for _, conn := range conns {
		<-conn.Closed()
	}
}
