// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

// ErrIncomplete reports that a buffer holds only part of a frame. The
// caller retains the unconsumed bytes and retries once more data arrives.
var ErrIncomplete = errors.New("incomplete frame")

// Opcode identifies the interpretation of a frame's payload (RFC 6455 §5.2).
type Opcode byte

const (
	// OpContinuation continues a fragmented data message.
	OpContinuation Opcode = 0x0

	// OpText carries UTF-8 text data.
	OpText Opcode = 0x1

	// OpBinary carries arbitrary binary data.
	OpBinary Opcode = 0x2

	// OpClose starts or confirms the closing handshake.
	OpClose Opcode = 0x8

	// OpPing requests a pong from the peer.
	OpPing Opcode = 0x9

	// OpPong answers a ping.
	OpPong Opcode = 0xA
)

// IsControl reports whether the opcode denotes a control frame.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// IsData reports whether the opcode denotes a data frame, including
// continuations.
func (o Opcode) IsData() bool {
	return o <= OpBinary
}

// Valid reports whether the opcode is defined by RFC 6455.
func (o Opcode) Valid() bool {
	return o <= OpBinary || (o >= OpClose && o <= OpPong)
}

// String returns a string representation of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(0x%X)", byte(o))
	}
}

// Close status codes (RFC 6455 §7.4.1).
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseNoStatus        = 1005
	CloseAbnormalClosure = 1006
	CloseInvalidPayload  = 1007
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseMandatoryExt    = 1010
	CloseInternalErr     = 1011
	CloseServiceRestart  = 1012
	CloseTryAgainLater   = 1013
)

// Frame is one WebSocket frame. Payload holds the unmasked application
// data; the masking key itself is a wire-level detail and is not retained.
type Frame struct {
	// FIN marks the final fragment of a message. Unfragmented messages
	// and all control frames have FIN set.
	FIN bool

	// Opcode identifies the frame type.
	Opcode Opcode

	// Masked records whether the frame arrived masked. Frames received
	// from a client MUST be masked; frames sent by a server MUST NOT be
	// (RFC 6455 §5.1).
	Masked bool

	// Payload is the application data.
	Payload []byte
}

// Parse decodes one frame from the front of buf. It returns the frame and
// the number of bytes consumed. A buffer holding only part of a frame
// yields ErrIncomplete with zero bytes consumed; framing violations yield
// an error wrapping errors.ErrFrameMalformed.
//
// Masked payloads are unmasked in place, so the returned payload aliases
// buf and remains valid only until the caller reuses it.
func Parse(buf []byte) (Frame, int, error) {
	var f Frame

	if len(buf) < 2 {
		return f, 0, ErrIncomplete
	}

	b0, b1 := buf[0], buf[1]

	if b0&0x70 != 0 {
		return f, 0, malformed("reserved bits set")
	}

	f.FIN = b0&0x80 != 0
	f.Opcode = Opcode(b0 & 0x0F)
	if !f.Opcode.Valid() {
		return f, 0, malformed("invalid opcode 0x%X", byte(f.Opcode))
	}

	f.Masked = b1&0x80 != 0
	length := uint64(b1 & 0x7F)

	if f.Opcode.IsControl() {
		if !f.FIN {
			return f, 0, malformed("fragmented control frame")
		}
		if length > 125 {
			return f, 0, malformed("control frame payload exceeds 125 bytes")
		}
	}

	off := 2
	switch length {
	case 126:
		if len(buf) < off+2 {
			return f, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if length < 126 {
			return f, 0, malformed("payload length not minimally encoded")
		}
	case 127:
		if len(buf) < off+8 {
			return f, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[off:])
		off += 8
		if length&(1<<63) != 0 {
			return f, 0, malformed("payload length high bit set")
		}
		if length < 65536 {
			return f, 0, malformed("payload length not minimally encoded")
		}
	}

	var key [4]byte
	if f.Masked {
		if len(buf) < off+4 {
			return f, 0, ErrIncomplete
		}
		copy(key[:], buf[off:])
		off += 4
	}

	if uint64(len(buf)-off) < length {
		return f, 0, ErrIncomplete
	}

	f.Payload = buf[off : off+int(length)]
	if f.Masked {
		xorMask(key, f.Payload)
	}

	return f, off + int(length), nil
}

// FormatClose encodes a close frame payload from a status code and reason.
// CloseNoStatus yields an empty payload.
func FormatClose(code int, reason string) []byte {
	if code == CloseNoStatus {
		return nil
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// ParseClose decodes a close frame payload. An empty payload yields
// CloseNoStatus with no reason.
func ParseClose(payload []byte) (code int, reason string) {
	if len(payload) < 2 {
		return CloseNoStatus, ""
	}
	return int(binary.BigEndian.Uint16(payload)), string(payload[2:])
}

// xorMask applies the RFC 6455 §5.3 masking transformation in place. The
// transformation is its own inverse.
func xorMask(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", mterrors.ErrFrameMalformed, fmt.Sprintf(format, args...))
}
