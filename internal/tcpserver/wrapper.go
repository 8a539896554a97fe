package tcpserver

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/metrics"
	"github.com/zerratar/RavenNest-sub002/internal/token"
)

// Wrapper holds one TCP client's session binding and outbound send queue.
// The queue is drained periodically into batched messages; a connection that
// cannot accept a full batch is throttled to a smaller capacity for the rest
// of its life.
type Wrapper struct {
	id             int64
	conn           net.Conn
	created        time.Time
	maxMessageSize int
	sink           metrics.Sink

	mu       sync.Mutex
	tok      *token.SessionToken
	queue    []Event
	capacity int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWrapper creates a wrapper for an accepted connection.
func NewWrapper(id int64, conn net.Conn, capacity, maxMessageSize int, sink metrics.Sink) *Wrapper {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Wrapper{
		id:             id,
		conn:           conn,
		created:        time.Now(),
		maxMessageSize: maxMessageSize,
		sink:           sink,
		capacity:       capacity,
		closed:         make(chan struct{}),
	}
}

// ConnectionID returns the transport-assigned connection id.
func (w *Wrapper) ConnectionID() int64 { return w.id }

// Created returns when the connection was accepted.
func (w *Wrapper) Created() time.Time { return w.created }

// Token returns the bound session token, nil before the first validated
// inbound message.
func (w *Wrapper) Token() *token.SessionToken {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tok
}

// BindToken binds the session token exactly once. Rebinding while bound is
// not permitted.
func (w *Wrapper) BindToken(tok *token.SessionToken) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tok != nil {
		return errors.New("session token already bound")
	}
	w.tok = tok
	return nil
}

// Capacity returns the current drain batch capacity.
func (w *Wrapper) Capacity() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capacity
}

// QueueLen returns the number of queued events.
func (w *Wrapper) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Send serializes model and writes it as one frame. Messages whose encoded
// size exceeds the maximum are rejected, never fragmented.
func (w *Wrapper) Send(model any) bool {
	err := w.trySend(model)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrMessageTooLarge) {
		w.sink.SendRejected("tcp")
	}
	logger.L.Debug("tcp send failed",
		zap.Int64("connection_id", w.id),
		zap.Error(err),
	)
	return false
}

func (w *Wrapper) trySend(model any) error {
	data, err := json.Marshal(model)
	if err != nil {
		return err
	}
	if w.maxMessageSize > 0 && len(data) > w.maxMessageSize {
		return ErrMessageTooLarge
	}
	if err := writeFrame(w.conn, data, w.maxMessageSize); err != nil {
		return err
	}
	w.sink.MessageSent("tcp", framePrefixSize+len(data))
	return nil
}

// Enqueue appends an outbound domain event for the next drain.
func (w *Wrapper) Enqueue(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
}

// ProcessSendQueue drains up to the current capacity into one batched
// message. A batch rejected as oversize is the backpressure signal: capacity
// drops permanently to throttledCapacity and the items are re-enqueued at
// the front, none dropped. The capacity change is observed by the next
// drain, never mid-drain.
func (w *Wrapper) ProcessSendQueue(throttledCapacity int) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	n := w.capacity
	if n > len(w.queue) {
		n = len(w.queue)
	}
	batch := make([]Event, n)
	copy(batch, w.queue[:n])
	w.queue = w.queue[n:]
	w.mu.Unlock()

	err := w.trySend(&EventBatch{Events: batch})
	if err == nil {
		return
	}

	if errors.Is(err, ErrMessageTooLarge) {
		w.mu.Lock()
		if w.capacity > throttledCapacity {
			w.capacity = throttledCapacity
			w.sink.QueueThrottled()
			logger.L.Info("throttling slow consumer",
				zap.Int64("connection_id", w.id),
				zap.Int("capacity", throttledCapacity),
			)
		}
		w.queue = append(batch, w.queue...)
		w.mu.Unlock()
		return
	}

	// Transport fault; the read pump will observe it and tear the
	// connection down. The batch stays queued in case the socket recovers
	// before then.
	w.mu.Lock()
	w.queue = append(batch, w.queue...)
	w.mu.Unlock()
	logger.L.Debug("batched send failed",
		zap.Int64("connection_id", w.id),
		zap.Error(err),
	)
}

// Close closes the underlying socket. Idempotent.
func (w *Wrapper) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		_ = w.conn.Close()
	})
}

// Done is closed when the wrapper has been shut down.
func (w *Wrapper) Done() <-chan struct{} { return w.closed }
