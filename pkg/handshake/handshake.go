// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handshake validates extended-CONNECT WebSocket upgrades
// (RFC 8441) on freshly opened HTTP/2 streams.
//
// There is no 101 Switching Protocols and no Sec-WebSocket-Accept here;
// those belong to the HTTP/1.1 upgrade. An accepted stream simply gets a
// 200 response header block and becomes a bidirectional byte tunnel.
// Rejections are local to the stream and never fail the connection.
package handshake

import (
	"fmt"
	"net/http"
	"strings"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

// Version is the only WebSocket protocol version the tunnel speaks.
const Version = "13"

// Request is the ephemeral handshake record: the pseudo-headers and
// header fields of a newly opened stream. It is discarded once the
// stream is promoted to a session or rejected.
type Request struct {
	// Method is the :method pseudo-header.
	Method string

	// Scheme is the :scheme pseudo-header.
	Scheme string

	// Authority is the :authority pseudo-header.
	Authority string

	// Path is the :path pseudo-header.
	Path string

	// Protocol is the :protocol pseudo-header (RFC 8441 §4).
	Protocol string

	// Header holds the regular header fields.
	Header http.Header
}

// Result is an accepted negotiation: the response header block promoting
// the stream to an open tunnel.
type Result struct {
	// Status is the :status to send. Always http.StatusOK.
	Status int

	// Header holds response header fields, including the negotiated
	// subprotocol when one was selected.
	Header http.Header

	// Subprotocol is the selected application subprotocol, or empty.
	Subprotocol string
}

// Rejection refuses one stream with an HTTP status and a reason. It
// unwraps to errors.ErrHandshakeRejected.
type Rejection struct {
	// Status is the HTTP status to answer with.
	Status int

	// Reason describes what the request got wrong.
	Reason string

	// Header holds extra response header fields, such as the supported
	// sec-websocket-version on a version mismatch.
	Header http.Header
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %s", r.Status, r.Reason)
}

// Unwrap ties rejections into the error taxonomy.
func (r *Rejection) Unwrap() error {
	return mterrors.ErrHandshakeRejected
}

// Negotiator validates upgrade requests and selects subprotocols.
type Negotiator struct {
	// Subprotocols lists the application subprotocols the server offers,
	// in preference order. Empty means none are negotiated.
	Subprotocols []string
}

// Negotiate applies the RFC 8441 acceptance rules to one request.
// Acceptance requires method CONNECT, :protocol "websocket", a scheme
// and authority, and sec-websocket-version 13. The returned error is a
// *Rejection carrying the HTTP status to answer with; rejection never
// affects other streams on the connection.
func (n *Negotiator) Negotiate(req *Request) (*Result, error) {
	if req.Method != http.MethodConnect {
		return nil, reject(http.StatusBadRequest, "method %q is not CONNECT", req.Method)
	}
	if req.Protocol == "" {
		return nil, reject(http.StatusBadRequest, "missing :protocol pseudo-header")
	}
	if req.Protocol != "websocket" {
		return nil, reject(http.StatusNotImplemented, ":protocol %q is not websocket", req.Protocol)
	}
	if req.Scheme == "" {
		return nil, reject(http.StatusBadRequest, "missing :scheme pseudo-header")
	}
	if req.Authority == "" {
		return nil, reject(http.StatusBadRequest, "missing :authority pseudo-header")
	}
	if v := req.Header.Get("Sec-Websocket-Version"); v != Version {
		rej := reject(http.StatusBadRequest, "unsupported websocket version %q", v)
		rej.Header = http.Header{"Sec-Websocket-Version": []string{Version}}
		return nil, rej
	}

	res := &Result{
		Status: http.StatusOK,
		Header: http.Header{},
	}
	if sub := n.selectSubprotocol(req); sub != "" {
		res.Subprotocol = sub
		res.Header.Set("Sec-Websocket-Protocol", sub)
	}
	return res, nil
}

// selectSubprotocol picks the first server-preferred subprotocol the
// client offered. No overlap means no subprotocol; that is not a
// rejection (RFC 6455 §4.2.2).
func (n *Negotiator) selectSubprotocol(req *Request) string {
	offered := clientSubprotocols(req.Header)
	if len(offered) == 0 {
		return ""
	}
	for _, want := range n.Subprotocols {
		for _, have := range offered {
			if strings.EqualFold(want, have) {
				return want
			}
		}
	}
	return ""
}

// clientSubprotocols splits the sec-websocket-protocol header's
// comma-separated token list across all its occurrences.
func clientSubprotocols(h http.Header) []string {
	var out []string
	for _, line := range h.Values("Sec-Websocket-Protocol") {
		for _, tok := range strings.Split(line, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

func reject(status int, format string, args ...any) *Rejection {
	return &Rejection{
		Status: status,
		Reason: fmt.Sprintf(format, args...),
	}
}
