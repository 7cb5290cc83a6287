// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the WebSocket framing layer (RFC 6455 §5)
// independent of any transport.
//
// # Wire Format
//
// Each frame carries a FIN bit, a 4-bit opcode, an optional 4-byte
// masking key, and a payload whose length uses the three-tier encoding:
// 7-bit lengths up to 125 bytes, a 16-bit extension up to 65535 bytes,
// and a 64-bit extension beyond that. Lengths must use the shortest
// form that fits.
//
// # Decoding
//
// Parse decodes a single frame from a buffer and reports ErrIncomplete
// when the buffer ends mid-frame. Decoder builds on Parse for stream
// use: it retains partial frames across calls, so input may be split at
// any byte offset, and enforces the rules that span frames:
//
//   - frames from a client must be masked (RequireMask)
//   - continuation frames require an unfinished fragmented message,
//     and data frames may not start while one is in progress
//   - control frames may interleave with fragments but may not
//     themselves be fragmented or exceed 125 payload bytes
//   - text messages and close reasons must be valid UTF-8, checked
//     incrementally across fragment boundaries
//
// Violations poison the Decoder with an error wrapping
// errors.ErrFrameMalformed; decoding never blocks and always consumes
// whatever complete frames the input contains.
//
// # Encoding
//
// AppendFrame encodes server frames, which are never masked; a frame
// with the Masked flag set is refused rather than silently corrected.
// AppendMaskedFrame produces client-side frames for tests and clients.
package frame
