// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"errors"
	"unicode/utf8"
)

// Decoder turns an arbitrary byte stream into complete frames. It retains
// partial frames between calls, so input may be split at any byte offset,
// and enforces the stream-level rules a single Parse call cannot see:
// the client-mask requirement, fragmentation sequencing, and UTF-8
// validity of text messages and close reasons.
//
// A Decoder is not safe for concurrent use. Once Decode returns an error
// the Decoder is poisoned and every later call returns the same error.
type Decoder struct {
	// RequireMask rejects unmasked frames. Servers set this: frames
	// received from a client MUST be masked (RFC 6455 §5.1).
	RequireMask bool

	// MaxPayload, when positive, bounds a single frame's declared payload
	// length. Oversized frames are rejected before their payload is
	// buffered.
	MaxPayload int64

	buf []byte
	err error

	// fragmentation state
	fragmented bool
	fragText   bool
	utf8tail   []byte
}

// Decode appends data to the decoder's buffer and returns the frames it
// completes, in order. No frames and a nil error means more input is
// needed. Decode keeps no reference to data, and returned payloads are
// freshly allocated.
func (d *Decoder) Decode(data []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	d.buf = append(d.buf, data...)

	var frames []Frame
	off := 0
	for {
		if err := d.checkDeclaredLength(d.buf[off:]); err != nil {
			d.err = err
			return frames, err
		}

		f, n, err := Parse(d.buf[off:])
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			d.err = err
			return frames, err
		}
		off += n

		if err := d.vet(&f); err != nil {
			d.err = err
			return frames, err
		}

		// The payload aliases d.buf, which is about to be compacted.
		f.Payload = append([]byte(nil), f.Payload...)
		frames = append(frames, f)
	}

	d.buf = append(d.buf[:0], d.buf[off:]...)
	return frames, nil
}

// Buffered returns the number of retained bytes awaiting frame completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// checkDeclaredLength rejects frames announcing more payload than
// MaxPayload allows, without waiting for the payload to arrive.
func (d *Decoder) checkDeclaredLength(buf []byte) error {
	if d.MaxPayload <= 0 || len(buf) < 2 {
		return nil
	}
	var length int64
	switch buf[1] & 0x7F {
	case 126:
		if len(buf) < 4 {
			return nil
		}
		length = int64(buf[2])<<8 | int64(buf[3])
	case 127:
		if len(buf) < 10 {
			return nil
		}
		v := uint64(0)
		for _, b := range buf[2:10] {
			v = v<<8 | uint64(b)
		}
		if v > uint64(d.MaxPayload) {
			return malformed("payload length %d exceeds limit %d", v, d.MaxPayload)
		}
		return nil
	default:
		length = int64(buf[1] & 0x7F)
	}
	if length > d.MaxPayload {
		return malformed("payload length %d exceeds limit %d", length, d.MaxPayload)
	}
	return nil
}

// vet applies the stream-level checks to a structurally complete frame.
func (d *Decoder) vet(f *Frame) error {
	if d.RequireMask && !f.Masked {
		return malformed("unmasked client frame")
	}

	switch {
	case f.Opcode.IsControl():
		// Control frames may interleave with a fragmented message and do
		// not disturb fragment accounting.
		if f.Opcode == OpClose {
			return vetClose(f.Payload)
		}
		return nil

	case f.Opcode == OpContinuation:
		if !d.fragmented {
			return malformed("continuation without preceding data frame")
		}
		if d.fragText {
			if !d.feedUTF8(f.Payload, f.FIN) {
				return malformed("text message is not valid utf-8")
			}
		}
		if f.FIN {
			d.fragmented = false
			d.fragText = false
		}
		return nil

	default: // text or binary
		if d.fragmented {
			return malformed("data frame during fragmented message")
		}
		if f.Opcode == OpText {
			if !f.FIN {
				d.fragText = true
			}
			if !d.feedUTF8(f.Payload, f.FIN) {
				return malformed("text message is not valid utf-8")
			}
		}
		if !f.FIN {
			d.fragmented = true
		}
		return nil
	}
}

func vetClose(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) == 1 {
		return malformed("close payload of one byte")
	}
	code := int(payload[0])<<8 | int(payload[1])
	if !validCloseCode(code) {
		return malformed("invalid close code %d", code)
	}
	if !utf8.Valid(payload[2:]) {
		return malformed("close reason is not valid utf-8")
	}
	return nil
}

// validCloseCode reports whether a received close code is legal on the
// wire (RFC 6455 §7.4): the defined 1xxx codes minus the reserved ones,
// plus the registered and private ranges.
func validCloseCode(code int) bool {
	switch code {
	case CloseNormalClosure, CloseGoingAway, CloseProtocolError,
		CloseUnsupportedData, CloseInvalidPayload, ClosePolicyViolation,
		CloseMessageTooBig, CloseMandatoryExt, CloseInternalErr,
		CloseServiceRestart, CloseTryAgainLater:
		return true
	}
	return code >= 3000 && code < 5000
}

// feedUTF8 validates chunk as the next piece of a UTF-8 text message,
// carrying any trailing incomplete rune to the next fragment. fin
// requires the message to end on a rune boundary.
func (d *Decoder) feedUTF8(chunk []byte, fin bool) bool {
	b := chunk
	if len(d.utf8tail) > 0 {
		b = append(d.utf8tail, chunk...)
		d.utf8tail = nil
	}

	tail := incompleteTail(b)
	if !utf8.Valid(b[:len(b)-tail]) {
		return false
	}
	if tail > 0 {
		if fin {
			return false
		}
		d.utf8tail = append([]byte(nil), b[len(b)-tail:]...)
	}
	return true
}

// incompleteTail returns how many trailing bytes of b form the start of a
// rune whose remaining bytes have not arrived yet. An incomplete rune is
// at most three bytes: a start byte plus up to two continuations.
func incompleteTail(b []byte) int {
	for i := 1; i <= 3 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c&0xC0 == 0x80 {
			continue
		}
		var n int
		switch {
		case c&0x80 == 0x00:
			n = 1
		case c&0xE0 == 0xC0:
			n = 2
		case c&0xF0 == 0xE0:
			n = 3
		case c&0xF8 == 0xF0:
			n = 4
		default:
			// Invalid start byte; leave it for utf8.Valid to reject.
			return 0
		}
		if n > i {
			return i
		}
		return 0
	}
	return 0
}
