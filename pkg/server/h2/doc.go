// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package h2 implements the HTTP/2 listener that carries WebSocket
// tunnels over extended CONNECT streams (RFC 8441) for mTunnel.
//
// # Overview
//
// Each accepted connection gets one read loop, one frame writer, and
// one tunnel registry. Streams upgraded with CONNECT + :protocol
// "websocket" become bidirectional tunnels whose DATA frames carry RFC
// 6455 WebSocket framing; everything else on the connection (SETTINGS,
// PING, WINDOW_UPDATE, GOAWAY) is answered by the driver itself.
//
// # Architecture
//
//	┌─────────┐          ┌──────────┐          ┌───────────┐
//	│ Client  │ ←─ h2 ─→ │   conn   │ ←──────→ │  Registry │
//	└─────────┘          │ (driver) │          │ (tunnels) │
//	                     └──────────┘          └───────────┘
//	                                                 ↓
//	                                           ┌───────────┐
//	                                           │  Session  │ per stream
//	                                           └───────────┘
//	                                                 ↓
//	                                     ┌─────────┐   ┌─────────┐
//	                                     │ Parser  │ → │ Handler │
//	                                     └─────────┘   └─────────┘
//
// # Connection Flow
//
//  1. Server sends SETTINGS advertising SETTINGS_ENABLE_CONNECT_PROTOCOL
//  2. Server raises the connection receive window with WINDOW_UPDATE
//  3. Client preface and SETTINGS are validated
//  4. HEADERS with CONNECT + :protocol websocket are admitted as tunnels
//     (the registry answers 200, or a 4xx/5xx rejection on that stream)
//  5. DATA frames are charged against flow control and fed to the
//     stream's session, which decodes WebSocket frames out of them
//  6. WINDOW_UPDATE, RST_STREAM and SETTINGS changes are routed to the
//     registry; PING is acked; GOAWAY from the peer is logged
//
// # Frame Writing
//
// The conn is the registry's Transport. Session goroutines and the read
// loop share one write mutex, so response header blocks, tunneled DATA,
// window grants and resets never interleave mid-frame. A failed write
// closes the socket, which unparks the read loop and tears every
// tunnel down.
//
// # Graceful Shutdown
//
// When the listen context is cancelled:
//
//  1. The listener closes; no new connections are accepted
//  2. Every live connection sends GOAWAY with NO_ERROR
//  3. Open tunnels get a close frame and the drain grace period to
//     finish their closing handshakes
//  4. After ShutdownTimeout, remaining connections are forcefully
//     closed and Listen returns ErrShutdownTimeout
//
// # TLS
//
// With a TLSConfig set, the listener terminates TLS, requires ALPN "h2"
// (or no ALPN at all), and hands a verified client certificate to
// handlers through the session context.
//
// # Example
//
//	cfg := h2.Config{
//		Address:         ":8443",
//		ShutdownTimeout: 30 * time.Second,
//		Tunnel: tunnel.Config{
//			Subprotocols: []string{"mqtt"},
//			Inspectors:   map[string]parser.Parser{"mqtt": &mqtt.Parser{}},
//		},
//	}
//
//	server := h2.New(cfg, &MyHandler{})
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package h2
