// Package event defines the fixed-shape record submitted by producers on every
// captured occurrence, and its wire encoding inside buffer strategies.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Size is the encoded size of an Event in bytes
const Size = 24

var (
	// ErrShortBuffer is returned when a buffer is too small to hold an encoded event
	ErrShortBuffer = errors.New("buffer too small for event")
	// ErrUnknownType is returned when parsing an unrecognized event type name
	ErrUnknownType = errors.New("unknown event type")
)

// Type identifies the kind of hook that produced an event
type Type uint32

const (
	// TypeProbe is a function-entry probe
	TypeProbe Type = 1
	// TypeTracepoint is a static tracepoint
	TypeTracepoint Type = 2
	// TypeRawTracepoint is a raw tracepoint
	TypeRawTracepoint Type = 3
	// TypeXDP is an XDP hook
	TypeXDP Type = 4
	// TypeTC is a traffic control hook
	TypeTC Type = 5
)

var typeNames = map[Type]string{
	TypeProbe:         "probe",
	TypeTracepoint:    "tracepoint",
	TypeRawTracepoint: "raw_tracepoint",
	TypeXDP:           "xdp",
	TypeTC:            "tc",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ParseType returns the Type with the given name
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Event is a timestamped occurrence recorded by a producer
type Event struct {
	Timestamp  uint64 // monotonic nanoseconds
	ProducerID uint32
	CPU        uint32
	Type       Type
	Payload    uint32
}

// Encode writes the little-endian encoding of e into dst
func (e *Event) Encode(dst []byte) error {
	if len(dst) < Size {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst[0:8], e.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:12], e.ProducerID)
	binary.LittleEndian.PutUint32(dst[12:16], e.CPU)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(e.Type))
	binary.LittleEndian.PutUint32(dst[20:24], e.Payload)
	return nil
}

// Decode parses an event previously written by Encode
func Decode(src []byte) (Event, error) {
	if len(src) < Size {
		return Event{}, ErrShortBuffer
	}
	return Event{
		Timestamp:  binary.LittleEndian.Uint64(src[0:8]),
		ProducerID: binary.LittleEndian.Uint32(src[8:12]),
		CPU:        binary.LittleEndian.Uint32(src[12:16]),
		Type:       Type(binary.LittleEndian.Uint32(src[16:20])),
		Payload:    binary.LittleEndian.Uint32(src[20:24]),
	}, nil
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Timestamp:%d, Producer:%d, CPU:%d, Type:%s, Payload:%d}",
		e.Timestamp, e.ProducerID, e.CPU, e.Type, e.Payload)
}
