// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the core interface that links the tunnel layer to business logic.
//
// # Architecture Overview
//
// The Handler interface is the application's view of the tunnel core.
// The registry consults it when a stream asks to become a tunnel, each
// open session delivers its data frames through it, and subprotocol
// inspectors (MQTT, CoAP) call its Auth* methods for the operations they
// decode out of tunneled payloads.
//
// # Data Flow
//
//	Client → Handshake (extracts metadata) → Handler (authorizes) → Session opens
//	Client → Session → Inspector (decodes payload) → Handler (authorizes) → OnMessage
//	Application → Conn.Send → Session (acquires credit) → Client
//
// # Handler Methods
//
// Authorization methods (Auth*) are called before the action takes effect:
//   - AuthConnect: Verifies a tunnel upgrade before the 200 response
//   - AuthPublish: Authorizes a publish decoded from a tunneled payload
//   - AuthSubscribe: Authorizes a subscription decoded from a tunneled payload
//
// Notification methods (On*) report lifecycle events:
//   - OnConnect: The tunnel is open; the Conn handle becomes usable
//   - OnMessage: One data frame arrived, delivered in wire order
//   - OnDisconnect: The tunnel is closed, with the close reason; fired exactly once
//
// # Context
//
// The Context struct carries tunnel metadata across all handler calls:
//   - SessionID: Unique identifier for this tunnel
//   - StreamID: The HTTP/2 stream carrying it (zero on the HTTP/1.1 front)
//   - Authority, Path, Subprotocol: Negotiated upgrade attributes
//   - Username, Password, ClientID: Credentials found by inspectors
//   - RemoteAddr: Client's network address
//   - Protocol: Front name ("h2" or "ws")
//   - Cert: Client certificate for mTLS connections
//
// # Implementation
//
// Applications implement the Handler interface to attach their services
// to tunnels. The NoopHandler provides a pass-through implementation for
// testing or when no authorization is needed.
//
// # Example
//
//	type EchoHandler struct{}
//
//	func (h *EchoHandler) OnMessage(ctx context.Context, hctx *handler.Context, conn handler.Conn, f frame.Frame) error {
//		return conn.Send(ctx, f)
//	}
//
//	func (h *EchoHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		return h.verify(hctx.Authority, hctx.Cert)
//	}
package handler
