package tcpserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// framePrefixSize is the length prefix in front of every TCP message.
const framePrefixSize = 4

// ErrMessageTooLarge is returned when a frame exceeds the configured maximum.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed")

// readFrame reads one length-prefixed message. The prefix is a little-endian
// int32 counting payload bytes only.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [framePrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := int(int32(binary.LittleEndian.Uint32(prefix[:])))
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrMessageTooLarge)
	}
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, length, maxSize)
	}
	if length == 0 {
		return nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame writes one length-prefixed message in a single Write call.
func writeFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(payload), maxSize)
	}

	buf := make([]byte, framePrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:framePrefixSize], uint32(len(payload)))
	copy(buf[framePrefixSize:], payload)
	_, err := w.Write(buf)
	return err
}
