// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/binary"
)

// MaxHeaderSize is the largest possible frame header: two fixed bytes,
// an eight-byte extended length, and a four-byte masking key.
const MaxHeaderSize = 14

// AppendFrame appends the wire encoding of an unmasked frame to dst and
// returns the extended slice. Frames sent by a server MUST NOT be masked
// (RFC 6455 §5.1), so a frame with Masked set is refused rather than
// silently corrected, as are control frames that are fragmented or carry
// more than 125 payload bytes.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if f.Masked {
		return dst, malformed("refusing to mask server frame")
	}
	if err := vetEncode(f); err != nil {
		return dst, err
	}

	dst = appendHeader(dst, f, false)
	return append(dst, f.Payload...), nil
}

// AppendMaskedFrame appends the wire encoding of a client frame masked
// with key. The frame's payload is not modified.
func AppendMaskedFrame(dst []byte, f *Frame, key [4]byte) ([]byte, error) {
	if err := vetEncode(f); err != nil {
		return dst, err
	}

	dst = appendHeader(dst, f, true)
	dst = append(dst, key[:]...)
	n := len(dst)
	dst = append(dst, f.Payload...)
	xorMask(key, dst[n:])
	return dst, nil
}

// Encode returns the wire encoding of an unmasked frame.
func Encode(f *Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, MaxHeaderSize+len(f.Payload)), f)
}

func vetEncode(f *Frame) error {
	if !f.Opcode.Valid() {
		return malformed("invalid opcode 0x%X", byte(f.Opcode))
	}
	if f.Opcode.IsControl() {
		if !f.FIN {
			return malformed("fragmented control frame")
		}
		if len(f.Payload) > 125 {
			return malformed("control frame payload exceeds 125 bytes")
		}
	}
	return nil
}

func appendHeader(dst []byte, f *Frame, masked bool) []byte {
	b0 := byte(f.Opcode)
	if f.FIN {
		b0 |= 0x80
	}

	var maskBit byte
	if masked {
		maskBit = 0x80
	}

	n := len(f.Payload)
	switch {
	case n < 126:
		dst = append(dst, b0, maskBit|byte(n))
	case n <= 65535:
		dst = append(dst, b0, maskBit|126, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(n))
	default:
		dst = append(dst, b0, maskBit|127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(n))
	}
	return dst
}
