// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/absmach/mtunnel/pkg/frame"
)

// Context contains tunnel metadata and credentials extracted during the
// handshake or by subprotocol inspectors. It is passed to Handler
// methods to provide auth context.
type Context struct {
	// SessionID is a unique identifier for this tunnel
	SessionID string

	// StreamID is the HTTP/2 stream carrying the tunnel. Zero on the
	// HTTP/1.1 upgrade front, which has no stream multiplexing.
	StreamID uint32

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Authority is the :authority pseudo-header (or Host header) of the
	// upgrade request
	Authority string

	// Path is the request path the tunnel was opened on
	Path string

	// Subprotocol is the negotiated sec-websocket-protocol value, or
	// empty when none was selected
	Subprotocol string

	// Protocol names the front the tunnel arrived on ("h2" or "ws")
	Protocol string

	// Username extracted by a subprotocol inspector (e.g., MQTT CONNECT)
	Username string

	// Password extracted by a subprotocol inspector (raw bytes, not hashed)
	Password []byte

	// ClientID extracted by a subprotocol inspector
	ClientID string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

// Conn is the application's writable handle to one open tunnel.
type Conn interface {
	// Send transmits a frame to the peer. It suspends while send credit
	// is exhausted and fails once the tunnel is closing or closed.
	Send(ctx context.Context, f frame.Frame) error

	// Close starts the closing handshake with a status code and reason.
	Close(code int, reason string) error
}

// Handler defines authorization and notification callbacks for tunnel
// events. The tunnel core calls these at the appropriate lifecycle
// points; subprotocol inspectors add the Auth* calls for the operations
// they decode out of tunneled payloads.
//
// Authorization methods are called BEFORE the action takes effect and
// may reject it by returning an error. Notification methods are called
// AFTER the fact; their errors are logged but do not undo the action,
// except OnMessage, whose error tears the tunnel down.
type Handler interface {
	// AuthConnect authorizes a tunnel before the handshake is accepted.
	// Return an error to reject the upgrade; the client sees a 403 and
	// no session is created.
	AuthConnect(ctx context.Context, hctx *Context) error

	// AuthPublish authorizes a publish/write operation decoded from a
	// tunneled payload by a subprotocol inspector.
	// The topic and payload can be modified via their pointers.
	AuthPublish(ctx context.Context, hctx *Context, topic *string, payload *[]byte) error

	// AuthSubscribe authorizes a subscription operation decoded from a
	// tunneled payload by a subprotocol inspector.
	// The topics list can be modified via the pointer.
	AuthSubscribe(ctx context.Context, hctx *Context, topics *[]string) error

	// OnConnect is called once the tunnel is open. The conn stays valid
	// until OnDisconnect and may be retained for server-initiated sends.
	OnConnect(ctx context.Context, hctx *Context, conn Conn) error

	// OnMessage delivers one data frame, in arrival order. Frames of one
	// tunnel are delivered sequentially; returning an error closes the
	// tunnel.
	OnMessage(ctx context.Context, hctx *Context, conn Conn, f frame.Frame) error

	// OnDisconnect is called exactly once when the tunnel reaches its
	// terminal state, with the close reason.
	OnDisconnect(ctx context.Context, hctx *Context, reason string) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) AuthPublish(ctx context.Context, hctx *Context, topic *string, payload *[]byte) error {
	return nil
}

func (h *NoopHandler) AuthSubscribe(ctx context.Context, hctx *Context, topics *[]string) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context, conn Conn) error {
	return nil
}

func (h *NoopHandler) OnMessage(ctx context.Context, hctx *Context, conn Conn, f frame.Frame) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, reason string) error {
	return nil
}
