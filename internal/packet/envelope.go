package packet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

const (
	// correlationIDSize is the size of the correlation id on the wire (16 bytes).
	correlationIDSize = 16

	// minEnvelopeSize is the smallest possible encoded envelope:
	// two empty length-prefixed strings, the correlation id and a zero payload length.
	minEnvelopeSize = 2 + 2 + correlationIDSize + 4
)

// Envelope is the wire unit exchanged with game clients. ID names the logical
// operation, Type names the payload's concrete shape for decode dispatch, and
// CorrelationID pairs a request with its eventual reply (uuid.Nil means no
// reply is expected).
type Envelope struct {
	ID            string
	Type          string
	CorrelationID uuid.UUID
	Payload       any
}

// DecodeError describes a payload that could not be decoded. Callers treat it
// as a protocol violation and disconnect the offending client.
type DecodeError struct {
	Reason   string
	TypeName string
}

func (e *DecodeError) Error() string {
	if e.TypeName != "" {
		return fmt.Sprintf("packet decode failed: %s (type %q)", e.Reason, e.TypeName)
	}
	return fmt.Sprintf("packet decode failed: %s", e.Reason)
}

// TypeRegistry resolves payload type names to concrete Go types at decode time.
// Registration happens at startup; lookups are concurrent with traffic.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry creates an empty payload type table.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register associates a payload type name with a prototype value. The
// prototype may be a struct or a pointer to one; decode always produces a
// pointer to a fresh instance.
func (r *TypeRegistry) Register(name string, prototype any) {
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.Lock()
	r.types[name] = t
	r.mu.Unlock()
}

// RegisterType registers prototype under its Go type name, the convention
// used for outbound packets built from typed payloads.
func (r *TypeRegistry) RegisterType(prototype any) {
	r.Register(TypeNameOf(prototype), prototype)
}

// Lookup returns the registered type for name.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	return t, ok
}

// Codec serializes and deserializes envelopes.
//
// Wire layout (little endian):
//
//	[IdLen:uint16][Id][TypeLen:uint16][Type][CorrelationId:16][PayloadLen:int32][Payload]
type Codec struct {
	registry *TypeRegistry
}

// NewCodec creates a codec resolving payload types against registry.
func NewCodec(registry *TypeRegistry) *Codec {
	return &Codec{registry: registry}
}

// Serialize encodes env into a single binary message. Payloads that are
// already raw bytes are written as-is; anything else is JSON encoded.
func (c *Codec) Serialize(env *Envelope) ([]byte, error) {
	var payload []byte
	switch p := env.Payload.(type) {
	case nil:
	case []byte:
		payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for %q: %w", env.ID, err)
		}
		payload = data
	}

	if len(env.ID) > math.MaxUint16 || len(env.Type) > math.MaxUint16 {
		return nil, &DecodeError{Reason: "id or type name too long", TypeName: env.Type}
	}
	if len(payload) > math.MaxInt32 {
		return nil, &DecodeError{Reason: "payload too large", TypeName: env.Type}
	}

	buf := make([]byte, 0, minEnvelopeSize+len(env.ID)+len(env.Type)+len(payload))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(env.ID)))
	buf = append(buf, env.ID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(env.Type)))
	buf = append(buf, env.Type...)
	buf = append(buf, env.CorrelationID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// Deserialize decodes exactly length bytes from buf. Callers reuse fixed-size
// scratch buffers, so buf may be longer than the message; bytes past length
// are never touched. A message shorter than its declared contents, carrying
// trailing garbage, or naming an unregistered payload type yields *DecodeError.
func (c *Codec) Deserialize(buf []byte, length int) (*Envelope, error) {
	if length < 0 || length > len(buf) {
		return nil, &DecodeError{Reason: "declared length exceeds buffer"}
	}
	data := buf[:length]
	if len(data) < minEnvelopeSize {
		return nil, &DecodeError{Reason: "truncated envelope header"}
	}

	off := 0
	id, n, err := readString(data[off:])
	if err != nil {
		return nil, err
	}
	off += n

	typeName, n, err := readString(data[off:])
	if err != nil {
		return nil, err
	}
	off += n

	if len(data)-off < correlationIDSize+4 {
		return nil, &DecodeError{Reason: "truncated envelope header", TypeName: typeName}
	}
	var corrID uuid.UUID
	copy(corrID[:], data[off:off+correlationIDSize])
	off += correlationIDSize

	payloadLen := int(int32(binary.LittleEndian.Uint32(data[off : off+4])))
	off += 4
	if payloadLen < 0 || payloadLen > len(data)-off {
		return nil, &DecodeError{Reason: "truncated payload", TypeName: typeName}
	}
	if off+payloadLen != length {
		return nil, &DecodeError{Reason: "trailing bytes after payload", TypeName: typeName}
	}

	env := &Envelope{
		ID:            id,
		Type:          typeName,
		CorrelationID: corrID,
	}
	if payloadLen == 0 {
		return env, nil
	}

	payload := data[off : off+payloadLen]
	if typeName == "" {
		// Untyped payload, delivered as raw bytes.
		raw := make([]byte, payloadLen)
		copy(raw, payload)
		env.Payload = raw
		return env, nil
	}
	t, ok := c.registry.Lookup(typeName)
	if !ok {
		return nil, &DecodeError{Reason: "unknown payload type", TypeName: typeName}
	}
	instance := reflect.New(t).Interface()
	if err := json.Unmarshal(payload, instance); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed payload: %v", err), TypeName: typeName}
	}
	env.Payload = instance
	return env, nil
}

// TypeNameOf derives the wire type name for a payload value: the Go type
// name with pointers stripped. Raw byte and nil payloads have no type name.
func TypeNameOf(payload any) string {
	switch payload.(type) {
	case nil, []byte:
		return ""
	}
	t := reflect.TypeOf(payload)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func readString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, &DecodeError{Reason: "truncated string length"}
	}
	strLen := int(binary.LittleEndian.Uint16(data[:2]))
	if len(data)-2 < strLen {
		return "", 0, &DecodeError{Reason: "truncated string"}
	}
	return string(data[2 : 2+strLen]), 2 + strLen, nil
}
