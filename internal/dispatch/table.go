// Package dispatch routes decoded application packets to their handlers.
// The transport layer never interprets packet payloads itself.
package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/zerratar/RavenNest-sub002/internal/packet"
)

// Conn is the view of a connection a packet handler gets to answer with.
type Conn interface {
	SessionID() uuid.UUID
	UserID() uuid.UUID
	// Push enqueues a fire-and-forget packet.
	Push(id string, payload any) bool
	// Reply enqueues a reply reusing the inbound correlation id.
	Reply(correlationID uuid.UUID, id string, payload any) error
}

// Handler processes one decoded packet.
type Handler interface {
	Handle(ctx context.Context, conn Conn, env *packet.Envelope)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn Conn, env *packet.Envelope)

func (f HandlerFunc) Handle(ctx context.Context, conn Conn, env *packet.Envelope) {
	f(ctx, conn, env)
}

// Table maps packet ids to handlers, with a default for unknown ids.
// Registration happens at startup; lookups are concurrent with traffic.
type Table struct {
	handlers map[string]Handler
	fallback Handler
}

// NewTable creates a dispatch table. fallback handles packets whose id has no
// registered handler; a nil fallback drops them.
func NewTable(fallback Handler) *Table {
	if fallback == nil {
		fallback = HandlerFunc(func(context.Context, Conn, *packet.Envelope) {})
	}
	return &Table{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Register associates a packet id with a handler.
func (t *Table) Register(id string, h Handler) {
	t.handlers[id] = h
}

// Dispatch routes env to its handler, falling back to the default.
func (t *Table) Dispatch(ctx context.Context, conn Conn, env *packet.Envelope) {
	if h, ok := t.handlers[env.ID]; ok {
		h.Handle(ctx, conn, env)
		return
	}
	t.fallback.Handle(ctx, conn, env)
}
