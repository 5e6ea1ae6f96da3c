package event

import (
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	e := Event{
		Timestamp:  1_500_000,
		ProducerID: 42,
		CPU:        3,
		Type:       TypeTracepoint,
		Payload:    0xdeadbeef,
	}

	buf := make([]byte, Size)
	if err := e.Encode(buf); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	// timestamp is the first field so perf-style readers can peek it
	if buf[0] != 0x60 || buf[1] != 0xe3 || buf[2] != 0x16 {
		t.Errorf("unexpected timestamp bytes %x", buf[:8])
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if got != e {
		t.Errorf("expected %v, got %v", e, got)
	}
}

func TestShortBuffer(t *testing.T) {
	var e Event
	if err := e.Encode(make([]byte, Size-1)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
	if _, err := Decode(make([]byte, 8)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		name    string
		want    Type
		wantErr bool
	}{
		{name: "probe", want: TypeProbe},
		{name: "Tracepoint", want: TypeTracepoint},
		{name: " raw_tracepoint ", want: TypeRawTracepoint},
		{name: "xdp", want: TypeXDP},
		{name: "tc", want: TypeTC},
		{name: "uprobe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseType(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownType) {
					t.Errorf("expected ErrUnknownType, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if got.String() == "" {
				t.Error("expected non-empty name")
			}
		})
	}

	if s := Type(99).String(); s != "type(99)" {
		t.Errorf("unexpected name for unknown type: %q", s)
	}
}
