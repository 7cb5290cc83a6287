// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

func TestParse_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 65535, 65536}
	opcodes := []Opcode{OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong}

	for _, op := range opcodes {
		for _, size := range sizes {
			if op.IsControl() && size > 125 {
				continue
			}
			t.Run(fmt.Sprintf("%s_%d", op, size), func(t *testing.T) {
				payload := make([]byte, size)
				for i := range payload {
					payload[i] = byte(i)
				}
				if op == OpText {
					// Keep text payloads ASCII so UTF-8 checks stay out of the way.
					for i := range payload {
						payload[i] = 'a' + byte(i%26)
					}
				}
				if op == OpClose && size > 0 {
					if size == 1 {
						t.Skip("close frames cannot carry a single payload byte")
					}
					payload[0] = 0x03
					payload[1] = 0xE8 // code 1000
					for i := 2; i < size; i++ {
						payload[i] = 'x'
					}
				}

				in := Frame{FIN: true, Opcode: op, Payload: payload}
				wire, err := Encode(&in)
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}

				out, n, err := Parse(wire)
				if err != nil {
					t.Fatalf("Parse() error = %v", err)
				}
				if n != len(wire) {
					t.Errorf("Expected %d bytes consumed, got %d", len(wire), n)
				}
				if !out.FIN || out.Opcode != op || out.Masked {
					t.Errorf("Header mismatch: got FIN=%v opcode=%v masked=%v", out.FIN, out.Opcode, out.Masked)
				}
				if !bytes.Equal(out.Payload, payload) {
					t.Errorf("Payload mismatch for size %d", size)
				}

				// Re-encoding the parsed frame must reproduce the original bytes.
				wire2, err := Encode(&Frame{FIN: out.FIN, Opcode: out.Opcode, Payload: out.Payload})
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				if !bytes.Equal(wire, wire2) {
					t.Error("Re-encoded frame differs from original bytes")
				}
			})
		}
	}
}

func TestParse_MaskedRoundTrip(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	payload := []byte("Hello, tunnel")

	in := Frame{FIN: true, Opcode: OpText, Payload: payload}
	wire, err := AppendMaskedFrame(nil, &in, key)
	if err != nil {
		t.Fatalf("AppendMaskedFrame() error = %v", err)
	}

	// The wire bytes must not contain the cleartext payload.
	if bytes.Contains(wire, payload) {
		t.Error("Masked frame contains cleartext payload")
	}
	// The source frame must be untouched.
	if !bytes.Equal(in.Payload, payload) {
		t.Error("AppendMaskedFrame modified the source payload")
	}

	out, n, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n != len(wire) {
		t.Errorf("Expected %d bytes consumed, got %d", len(wire), n)
	}
	if !out.Masked {
		t.Error("Expected parsed frame to report Masked")
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Errorf("Expected payload %q after unmasking, got %q", payload, out.Payload)
	}
}

func TestParse_Incomplete(t *testing.T) {
	in := Frame{FIN: true, Opcode: OpBinary, Payload: make([]byte, 300)}
	wire, err := AppendMaskedFrame(nil, &in, [4]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("AppendMaskedFrame() error = %v", err)
	}

	// Every strict prefix must yield ErrIncomplete without consuming bytes.
	for i := 0; i < len(wire); i++ {
		_, n, err := Parse(wire[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("Parse(prefix %d) error = %v, want ErrIncomplete", i, err)
		}
		if n != 0 {
			t.Fatalf("Parse(prefix %d) consumed %d bytes", i, n)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
	}{
		{
			name: "reserved bits set",
			wire: []byte{0xC1, 0x00},
		},
		{
			name: "invalid opcode",
			wire: []byte{0x83, 0x00},
		},
		{
			name: "fragmented control frame",
			wire: []byte{0x09, 0x00},
		},
		{
			name: "oversized control frame",
			wire: []byte{0x89, 0xFE, 0x00, 0x80},
		},
		{
			name: "16-bit length not minimal",
			wire: []byte{0x82, 0xFE, 0x00, 0x7D},
		},
		{
			name: "64-bit length not minimal",
			wire: []byte{0x82, 0xFF, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF},
		},
		{
			name: "64-bit length high bit set",
			wire: []byte{0x82, 0xFF, 0x80, 0, 0, 0, 0, 0, 0, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.wire)
			if !errors.Is(err, mterrors.ErrFrameMalformed) {
				t.Errorf("Parse() error = %v, want ErrFrameMalformed", err)
			}
		})
	}
}

func TestAppendFrame_RefusesMaskBit(t *testing.T) {
	f := Frame{FIN: true, Opcode: OpBinary, Masked: true, Payload: []byte{1}}
	if _, err := AppendFrame(nil, &f); !errors.Is(err, mterrors.ErrFrameMalformed) {
		t.Errorf("AppendFrame() error = %v, want ErrFrameMalformed", err)
	}

	// Server-encoded frames must never carry the mask bit.
	sizes := []int{0, 125, 126, 65535, 65536}
	for _, size := range sizes {
		wire, err := Encode(&Frame{FIN: true, Opcode: OpBinary, Payload: make([]byte, size)})
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if wire[1]&0x80 != 0 {
			t.Errorf("Mask bit set on server frame of size %d", size)
		}
	}
}

func TestAppendFrame_ControlValidation(t *testing.T) {
	if _, err := AppendFrame(nil, &Frame{FIN: false, Opcode: OpPing}); !errors.Is(err, mterrors.ErrFrameMalformed) {
		t.Errorf("Expected error for fragmented control frame, got %v", err)
	}
	if _, err := AppendFrame(nil, &Frame{FIN: true, Opcode: OpClose, Payload: make([]byte, 126)}); !errors.Is(err, mterrors.ErrFrameMalformed) {
		t.Errorf("Expected error for oversized control frame, got %v", err)
	}
}

func TestFormatClose(t *testing.T) {
	p := FormatClose(CloseGoingAway, "maintenance")
	code, reason := ParseClose(p)
	if code != CloseGoingAway {
		t.Errorf("Expected code %d, got %d", CloseGoingAway, code)
	}
	if reason != "maintenance" {
		t.Errorf("Expected reason 'maintenance', got %q", reason)
	}

	if p := FormatClose(CloseNoStatus, "ignored"); p != nil {
		t.Errorf("Expected empty payload for CloseNoStatus, got %v", p)
	}

	code, reason = ParseClose(nil)
	if code != CloseNoStatus || reason != "" {
		t.Errorf("Expected (%d, \"\"), got (%d, %q)", CloseNoStatus, code, reason)
	}
}
