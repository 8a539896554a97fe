// Package correlation pairs asynchronous requests with their eventual replies.
package correlation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zerratar/RavenNest-sub002/internal/packet"
)

// Tracker maps a correlation id to a pending reply. Entries are removed when
// a reply arrives or the caller abandons the wait; connection disposal
// releases every remaining entry so no caller hangs on a dead connection.
type Tracker struct {
	mu       sync.Mutex
	pending  map[uuid.UUID]chan *packet.Envelope
	released bool
}

// NewTracker creates an empty correlation tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uuid.UUID]chan *packet.Envelope)}
}

// Await registers a pending reply for id and returns the channel the reply
// will be delivered on. The channel is closed without a value when the
// connection is disposed before a reply arrives.
func (t *Tracker) Await(id uuid.UUID) (<-chan *packet.Envelope, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("cannot await the nil correlation id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		ch := make(chan *packet.Envelope)
		close(ch)
		return ch, nil
	}
	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("correlation id %s already awaited", id)
	}
	ch := make(chan *packet.Envelope, 1)
	t.pending[id] = ch
	return ch, nil
}

// Resolve completes the pending reply for id, if any. Resolving an unknown id
// is a no-op; late or duplicate replies are not an error.
func (t *Tracker) Resolve(id uuid.UUID, env *packet.Envelope) bool {
	if id == uuid.Nil {
		return false
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	close(ch)
	return true
}

// Abandon removes a pending entry without completing it, used when the caller
// gives up waiting.
func (t *Tracker) Abandon(id uuid.UUID) {
	t.mu.Lock()
	if ch, ok := t.pending[id]; ok {
		delete(t.pending, id)
		close(ch)
	}
	t.mu.Unlock()
}

// Pending returns the number of unresolved entries.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ReleaseAll completes every pending entry with an absent value and rejects
// future Await calls. Called exactly once, on connection disposal.
func (t *Tracker) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
}
