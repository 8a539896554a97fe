package packet

import "errors"

var (
	// ErrBufferClosed is returned when a chunk is appended after the final frame.
	ErrBufferClosed = errors.New("partial buffer already closed")
	// ErrBufferOpen is returned when Build is called before the final frame arrived.
	ErrBufferOpen = errors.New("partial buffer still accumulating")
)

// PartialBuffer accumulates one logical envelope delivered across multiple
// frames. It moves Empty -> Accumulating -> Closed; Build finalizes a Closed
// buffer and the buffer is discarded afterwards. At most one buffer may be
// open per connection at a time; interleaving a second message is a protocol
// violation enforced by the connection's receive loop.
type PartialBuffer struct {
	data   []byte
	frames int
	closed bool
}

// NewPartialBuffer creates an empty accumulation buffer.
func NewPartialBuffer() *PartialBuffer {
	return &PartialBuffer{}
}

// Append copies the next chunk into the buffer. endOfMessage marks the final
// frame and transitions the buffer to Closed.
func (b *PartialBuffer) Append(chunk []byte, endOfMessage bool) error {
	if b.closed {
		return ErrBufferClosed
	}
	b.data = append(b.data, chunk...)
	b.frames++
	if endOfMessage {
		b.closed = true
	}
	return nil
}

// Open reports whether the buffer has received frames but not yet the final one.
func (b *PartialBuffer) Open() bool {
	return b.frames > 0 && !b.closed
}

// Closed reports whether the final frame has arrived.
func (b *PartialBuffer) Closed() bool {
	return b.closed
}

// Frames returns the number of frames appended so far.
func (b *PartialBuffer) Frames() int {
	return b.frames
}

// Len returns the number of buffered bytes.
func (b *PartialBuffer) Len() int {
	return len(b.data)
}

// Build decodes the accumulated bytes into an envelope. It may only be called
// once the final frame has arrived; the buffer must not be reused afterwards.
func (b *PartialBuffer) Build(codec *Codec) (*Envelope, error) {
	if !b.closed {
		return nil, ErrBufferOpen
	}
	return codec.Deserialize(b.data, len(b.data))
}
