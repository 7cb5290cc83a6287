// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mTunnel.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrHandshakeRejected indicates an extended-CONNECT upgrade was refused.
	// Local and non-fatal: only the requesting stream fails, the connection
	// remains usable for other streams.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrFrameMalformed indicates a WebSocket frame violated RFC 6455 framing
	// rules. Session-fatal: the session closes with a protocol-error status
	// and the underlying stream is reset.
	ErrFrameMalformed = errors.New("malformed websocket frame")

	// ErrCreditViolation indicates flow-control accounting was broken by the
	// peer or by a local logic bug. Session-fatal and logged at error level
	// since it never occurs with a conformant peer.
	ErrCreditViolation = errors.New("flow control credit violation")

	// ErrBackpressure indicates a bounded queue overflowed. Recoverable:
	// surfaced to the application so it can shed or defer load.
	ErrBackpressure = errors.New("backpressure limit exceeded")

	// ErrTransport indicates a failure in the underlying HTTP/2 transport.
	// Connection-fatal: all sessions on the connection are force-closed.
	ErrTransport = errors.New("transport failure")

	// ErrSessionClosed indicates an operation on a session that has already
	// reached the Closed state.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateStream indicates a second session was admitted for a stream
	// id that already hosts one.
	ErrDuplicateStream = errors.New("duplicate stream id")

	// ErrTunnelLimit indicates the connection already hosts the configured
	// maximum number of concurrent tunnels.
	ErrTunnelLimit = errors.New("tunnel limit reached")

	// ErrUnauthorized indicates authentication or authorization failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// TunnelError wraps an error with session context.
type TunnelError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	StreamID   uint32 // HTTP/2 stream id hosting the tunnel
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s stream %d [%s] %s: %v", e.Op, e.StreamID, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s stream %d %s: %v", e.Op, e.StreamID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError.
func New(op, sessionID string, streamID uint32, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:         op,
		SessionID:  sessionID,
		StreamID:   streamID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
