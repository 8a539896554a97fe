// Package orchestrator starts and stops per-user simulation loops as
// connections attach and detach. The loop body itself is an external
// collaborator behind the SessionProcessor interface.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/metrics"
)

// SessionProcessor executes one simulation step for a user's session.
// A failing step must not kill the session; callers log, back off and retry
// on the next tick.
type SessionProcessor interface {
	Process(ctx context.Context, userID uuid.UUID) error
}

// SessionProcessorFunc adapts a function to SessionProcessor.
type SessionProcessorFunc func(ctx context.Context, userID uuid.UUID) error

func (f SessionProcessorFunc) Process(ctx context.Context, userID uuid.UUID) error {
	return f(ctx, userID)
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns the per-user loops driven on behalf of connections that
// do not tick themselves (the TCP transport). WebSocket actors run their own
// tick loop and only share the processor.
type Orchestrator struct {
	processor SessionProcessor
	interval  time.Duration
	backoff   time.Duration
	sink      metrics.Sink

	mu    sync.Mutex
	loops map[uuid.UUID]*loop
}

// New creates an orchestrator ticking each user's loop at interval, backing
// off after a failed step.
func New(processor SessionProcessor, interval, backoff time.Duration, sink metrics.Sink) *Orchestrator {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Orchestrator{
		processor: processor,
		interval:  interval,
		backoff:   backoff,
		sink:      sink,
		loops:     make(map[uuid.UUID]*loop),
	}
}

// Processor returns the shared session processor, used by connections that
// drive their own tick loop.
func (o *Orchestrator) Processor() SessionProcessor {
	return o.processor
}

// StartLoop spawns the simulation loop for userID. Starting an already
// running loop is a no-op.
func (o *Orchestrator) StartLoop(userID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.loops[userID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	o.loops[userID] = l

	go o.run(ctx, userID, l)

	logger.L.Debug("session loop started", zap.String("user_id", userID.String()))
}

// StopLoop cancels and joins the loop for userID, if one is running.
func (o *Orchestrator) StopLoop(userID uuid.UUID) {
	o.mu.Lock()
	l, ok := o.loops[userID]
	if ok {
		delete(o.loops, userID)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	l.cancel()
	<-l.done

	logger.L.Debug("session loop stopped", zap.String("user_id", userID.String()))
}

// StopAll stops every running loop; used at shutdown.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	loops := make(map[uuid.UUID]*loop, len(o.loops))
	for id, l := range o.loops {
		loops[id] = l
	}
	o.loops = make(map[uuid.UUID]*loop)
	o.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
	for _, l := range loops {
		<-l.done
	}
}

// SessionStarted records a new connection for userID. WebSocket actors tick
// themselves, so no loop is spawned here.
func (o *Orchestrator) SessionStarted(sessionID, userID uuid.UUID) {
	logger.L.Debug("session attached",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", userID.String()),
	)
}

// SessionStopped stops any loop still running for userID.
func (o *Orchestrator) SessionStopped(sessionID, userID uuid.UUID) {
	o.StopLoop(userID)
	logger.L.Debug("session detached",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", userID.String()),
	)
}

// Running returns the number of live loops.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loops)
}

func (o *Orchestrator) run(ctx context.Context, userID uuid.UUID, l *loop) {
	defer close(l.done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.processor.Process(ctx, userID); err != nil {
				o.sink.SessionTickFailed()
				logger.L.Warn("session step failed",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.backoff):
				}
			}
		}
	}
}
