package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/zerratar/RavenNest-sub002/internal/packet"
)

type fakeConn struct {
	sessionID uuid.UUID
	userID    uuid.UUID
	pushed    []string
}

func (c *fakeConn) SessionID() uuid.UUID { return c.sessionID }
func (c *fakeConn) UserID() uuid.UUID    { return c.userID }
func (c *fakeConn) Push(id string, _ any) bool {
	c.pushed = append(c.pushed, id)
	return true
}
func (c *fakeConn) Reply(_ uuid.UUID, id string, _ any) error {
	c.pushed = append(c.pushed, id)
	return nil
}

func TestTableDispatch(t *testing.T) {
	var handled []string
	table := NewTable(nil)
	table.Register("ping", HandlerFunc(func(_ context.Context, _ Conn, env *packet.Envelope) {
		handled = append(handled, env.ID)
	}))

	conn := &fakeConn{sessionID: uuid.New(), userID: uuid.New()}
	table.Dispatch(context.Background(), conn, &packet.Envelope{ID: "ping"})
	assert.Equal(t, []string{"ping"}, handled)
}

func TestTableFallback(t *testing.T) {
	var fallback []string
	table := NewTable(HandlerFunc(func(_ context.Context, _ Conn, env *packet.Envelope) {
		fallback = append(fallback, env.ID)
	}))
	table.Register("known", HandlerFunc(func(context.Context, Conn, *packet.Envelope) {}))

	conn := &fakeConn{}
	table.Dispatch(context.Background(), conn, &packet.Envelope{ID: "mystery"})
	assert.Equal(t, []string{"mystery"}, fallback)
}

func TestTableNilFallbackDrops(t *testing.T) {
	table := NewTable(nil)
	// Must not panic.
	table.Dispatch(context.Background(), &fakeConn{}, &packet.Envelope{ID: "unknown"})
}
