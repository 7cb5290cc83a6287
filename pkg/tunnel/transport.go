// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"net/http"

	"golang.org/x/net/http2"
)

// Transport is the write half of the HTTP/2 connection a registry
// multiplexes its tunnels over. Implementations serialize concurrent
// calls; each call emits exactly one frame on the wire. Writes for
// stream zero (window updates) apply to the whole connection.
//
// The registry and its sessions own all stream-level writes. The
// connection driver keeps connection-level frames (SETTINGS, PING,
// GOAWAY) to itself.
type Transport interface {
	// WriteHeaders sends the response to an extended CONNECT request.
	// A 2xx status opens the tunnel; anything else rejects it, in which
	// case endStream is set and no data follows.
	WriteHeaders(streamID uint32, status int, header http.Header, endStream bool) error

	// WriteData sends tunneled bytes on a stream. The caller has already
	// reserved send credit for len(data). Setting endStream finishes the
	// stream cleanly after a completed closing handshake.
	WriteData(streamID uint32, data []byte, endStream bool) error

	// WriteWindowUpdate returns receive credit to the peer, for one
	// stream or, with streamID zero, for the connection.
	WriteWindowUpdate(streamID uint32, increment uint32) error

	// WriteRST abandons a stream. Used for protocol violations and
	// forced teardown; a cleanly closed tunnel ends with endStream
	// instead.
	WriteRST(streamID uint32, code http2.ErrCode) error
}
