// Package tcpserver is the legacy TCP game transport. Clients send
// length-prefixed untagged JSON messages that are recognized by trial
// decoding; outbound domain events are queued per connection and drained
// into batched sends.
package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zerratar/RavenNest-sub002/internal/config"
	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/metrics"
	"github.com/zerratar/RavenNest-sub002/internal/orchestrator"
	"github.com/zerratar/RavenNest-sub002/internal/ratelimit"
	"github.com/zerratar/RavenNest-sub002/internal/token"
	"github.com/zerratar/RavenNest-sub002/internal/tracing"
)

const transportName = "tcp"

type ioEventKind int

const (
	evConnected ioEventKind = iota
	evData
	evDisconnected
)

// ioEvent is one unit of connection I/O. Read pumps only move bytes; every
// decode, validation and dispatch happens on the single process loop that
// consumes these events, so no handler state needs locking.
type ioEvent struct {
	kind    ioEventKind
	wrapper *Wrapper
	data    []byte
	err     error
}

// Server accepts legacy TCP game clients and pumps their messages through
// one process loop. Repeated processing failures shut the whole transport
// down rather than limping on.
type Server struct {
	cfg       *config.Config
	validator token.Validator
	handler   GameHandler
	orch      *orchestrator.Orchestrator
	limiter   *ratelimit.ConnectionLimiter
	sink      metrics.Sink

	listener   net.Listener
	events     chan ioEvent
	wrappers   sync.Map // int64 -> *Wrapper
	nextConnID atomic.Int64

	draining atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates the TCP transport.
func NewServer(cfg *config.Config, validator token.Validator, handler GameHandler,
	orch *orchestrator.Orchestrator, limiter *ratelimit.ConnectionLimiter, sink metrics.Sink) *Server {

	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Server{
		cfg:       cfg,
		validator: validator,
		handler:   handler,
		orch:      orch,
		limiter:   limiter,
		sink:      sink,
		events:    make(chan ioEvent, 1024),
		stopped:   make(chan struct{}),
	}
}

// Start begins listening and returns once the accept and process loops are
// running.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.TCPListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.processLoop()

	logger.L.Info("tcp transport listening",
		zap.String("addr", s.cfg.Server.TCPListenAddr),
	)
	return nil
}

// Running reports whether the transport is accepting and processing.
func (s *Server) Running() bool { return s.running.Load() }

// Addr returns the bound listen address, useful when configured with port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stopped is closed once the transport has fully shut down.
func (s *Server) Stopped() <-chan struct{} { return s.stopped }

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		if s.draining.Load() {
			return
		}
		// Deadline so drain requests are noticed without a stray accept.
		if tl, ok := s.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.draining.Load() {
				return
			}
			logger.L.Error("tcp accept failed", zap.Error(err))
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.sink.ConnectionRejected(transportName, "server_full")
			_ = conn.Close()
			continue
		}

		id := s.nextConnID.Add(1)
		w := NewWrapper(id, conn, s.cfg.Transport.SendQueueCapacity,
			s.cfg.Transport.MaxMessageSize, s.sink)
		s.wrappers.Store(id, w)
		s.sink.ConnectionOpened(transportName)

		s.postEvent(ioEvent{kind: evConnected, wrapper: w})

		s.wg.Add(2)
		go s.readPump(w)
		go s.drainLoop(w)
	}
}

// readPump moves frames off the socket onto the event channel. It owns no
// protocol logic.
func (s *Server) readPump(w *Wrapper) {
	defer s.wg.Done()

	for {
		data, err := readFrame(w.conn, s.cfg.Transport.MaxMessageSize)
		if err != nil {
			s.postEvent(ioEvent{kind: evDisconnected, wrapper: w, err: err})
			return
		}
		if data == nil {
			continue
		}
		s.sink.MessageReceived(transportName, framePrefixSize+len(data))
		s.postEvent(ioEvent{kind: evData, wrapper: w, data: data})
	}
}

// drainLoop periodically flushes the wrapper's outbound queue.
func (s *Server) drainLoop(w *Wrapper) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Transport.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			w.ProcessSendQueue(s.cfg.Transport.ThrottledQueueCapacity)
		}
	}
}

func (s *Server) postEvent(ev ioEvent) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// processLoop is the single consumer of connection events. Consecutive
// processing failures across all connections are counted here; hitting the
// configured threshold stops the transport so the supervisor can restart it
// in a known state.
func (s *Server) processLoop() {
	defer s.wg.Done()

	failures := 0
	for {
		select {
		case <-s.stopped:
			return
		case ev := <-s.events:
			switch ev.kind {
			case evConnected:
				logger.L.Debug("tcp client connected",
					zap.Int64("connection_id", ev.wrapper.ConnectionID()),
					zap.String("remote_addr", ev.wrapper.conn.RemoteAddr().String()),
				)

			case evData:
				if err := s.handleData(ev.wrapper, ev.data); err != nil {
					failures++
					logger.L.Warn("tcp message processing failed",
						zap.Int64("connection_id", ev.wrapper.ConnectionID()),
						zap.Int("consecutive_failures", failures),
						zap.Error(err),
					)
					if failures >= s.cfg.Transport.MaxConsecutiveFailures {
						logger.L.Error("tcp transport failure threshold reached, shutting down",
							zap.Int("failures", failures),
						)
						go s.beginShutdown()
						return
					}
				} else {
					failures = 0
				}

			case evDisconnected:
				s.dropConnection(ev.wrapper, ev.err)
			}
		}
	}
}

// handleData decodes and dispatches one inbound message. A nil return means
// the message was fully processed. Decode failures and handler errors both
// count toward the failure threshold: a burst of unparseable frames across
// connections is the systemic-corruption signal the self-shutdown exists for.
func (s *Server) handleData(w *Wrapper, data []byte) error {
	ctx, span := tracing.StartSpan(context.Background(), "tcpserver.message")
	defer span.End()

	msg, name, ok := tryDecode(data)
	if !ok {
		s.sink.ProtocolViolation(transportName, "unrecognized_message")
		logger.DebugWithTrace(ctx, "unrecognized tcp message, dropping connection",
			zap.Int64("connection_id", w.ConnectionID()),
			zap.Int("size", len(data)),
		)
		w.Close()
		return errors.New("unrecognized message")
	}

	tok := w.Token()
	if tok != nil && !tok.Valid() {
		// Expiry is re-checked on every message, not only at bind time.
		logger.InfoWithTrace(ctx, "session token expired, dropping connection",
			zap.Int64("connection_id", w.ConnectionID()),
			zap.String("session_id", tok.SessionID.String()),
		)
		w.Close()
		return nil
	}
	if tok == nil {
		validated, err := s.validator.Validate(ctx, msg.rawToken())
		if err != nil {
			s.sink.ConnectionRejected(transportName, "invalid_token")
			logger.DebugWithTrace(ctx, "tcp session token rejected",
				zap.Int64("connection_id", w.ConnectionID()),
				zap.Error(err),
			)
			if _, isAuth := msg.(*AuthenticationRequest); isAuth {
				w.Send(&AuthenticationResponse{Succeeded: false})
			}
			w.Close()
			return nil
		}
		if err := w.BindToken(validated); err != nil {
			return err
		}
		tok = validated
		s.orch.StartLoop(tok.UserID)
		logger.InfoWithTrace(ctx, "tcp session bound",
			zap.Int64("connection_id", w.ConnectionID()),
			zap.String("session_id", tok.SessionID.String()),
			zap.String("user", tok.UserName),
		)
	}

	switch m := msg.(type) {
	case *AuthenticationRequest:
		w.Send(&AuthenticationResponse{Succeeded: true, UserName: tok.UserName})
		return nil
	case *SaveExperienceRequest:
		return s.handler.SaveExperience(ctx, tok, m)
	case *SaveStateRequest:
		return s.handler.SaveState(ctx, tok, m)
	case *GameStateRequest:
		resp, err := s.handler.GameState(ctx, tok, m)
		if err != nil {
			return err
		}
		w.Send(resp)
		return nil
	case *PlayerUpdatesBatch:
		return s.handler.PlayerUpdates(ctx, tok, m)
	default:
		// Unreachable while decoders and this switch stay in sync.
		s.sink.ProtocolViolation(transportName, "unhandled_"+name)
		w.Close()
		return nil
	}
}

// dropConnection tears down one client after its read pump exits.
func (s *Server) dropConnection(w *Wrapper, cause error) {
	if _, tracked := s.wrappers.LoadAndDelete(w.ConnectionID()); !tracked {
		return
	}
	w.Close()
	s.sink.ConnectionClosed(transportName)
	if s.limiter != nil {
		s.limiter.Release()
	}
	if tok := w.Token(); tok != nil {
		s.orch.StopLoop(tok.UserID)
	}

	if cause != nil && errors.Is(cause, ErrMessageTooLarge) {
		s.sink.ProtocolViolation(transportName, "oversized_frame")
	}
	logger.L.Debug("tcp client disconnected",
		zap.Int64("connection_id", w.ConnectionID()),
		zap.Error(cause),
	)
}

// EnqueueFor queues an outbound event for the connection bound to userID.
// When a reconnect overlaps the old pump's teardown the user briefly has two
// bound connections; the newest one (highest connection id) receives the event.
func (s *Server) EnqueueFor(userID uuid.UUID, ev Event) bool {
	var newest *Wrapper
	s.wrappers.Range(func(_, v any) bool {
		w := v.(*Wrapper)
		if tok := w.Token(); tok != nil && tok.UserID == userID {
			if newest == nil || w.ConnectionID() > newest.ConnectionID() {
				newest = w
			}
		}
		return true
	})
	if newest == nil {
		return false
	}
	newest.Enqueue(ev)
	return true
}

// Broadcast queues an outbound event on every bound connection.
func (s *Server) Broadcast(ev Event) {
	s.wrappers.Range(func(_, v any) bool {
		w := v.(*Wrapper)
		if w.Token() != nil {
			w.Enqueue(ev)
		}
		return true
	})
}

// ConnectionCount returns the number of tracked connections.
func (s *Server) ConnectionCount() int {
	n := 0
	s.wrappers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) beginShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	defer cancel()
	_ = s.Shutdown(ctx)
}

// Shutdown stops accepting, closes every connection and waits for the loops
// to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.draining.Store(true)
		s.running.Store(false)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		close(s.stopped)

		s.wrappers.Range(func(_, v any) bool {
			v.(*Wrapper).Close()
			return true
		})

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		logger.L.Info("tcp transport stopped")
	})
	return err
}
