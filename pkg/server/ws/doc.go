// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws implements the HTTP/1.1 WebSocket front of the tunnel
// server, for clients that cannot speak HTTP/2 extended CONNECT.
//
// # Overview
//
// The ws server upgrades classic RFC 6455 handshakes with
// gorilla/websocket and runs each connection through the same
// handler.Handler and parser.Parser pipeline as the HTTP/2 front. An
// application written against those interfaces serves both fronts
// without knowing which one a client arrived on; handler contexts
// carry Protocol "ws" and stream ID zero here, since a plain WebSocket
// connection has no stream multiplexing.
//
// # Connection Flow
//
//	1. Client sends an HTTP/1.1 upgrade request
//	2. AuthConnect authorizes it (403 or 429 on rejection, no upgrade)
//	3. Upgrader negotiates the subprotocol and switches protocols
//	4. OnConnect fires with the writable session
//	5. Each reassembled message runs the inspector, then OnMessage
//	6. The closing handshake or a dead socket fires OnDisconnect once
//
// # Division of Labor
//
// The HTTP/2 front assembles WebSocket framing, ping answering, and
// the closing handshake by hand because it works on raw DATA bytes.
// Here gorilla owns the socket and does all of that itself: inbound
// fragments arrive reassembled, pings are answered automatically, and
// close frames are echoed by the default close handler. The session
// only adds the inspector and handler calls on top.
//
// # Backpressure
//
// There is no stream credit on this front. A slow client exerts
// backpressure through the TCP window: Send blocks until the write
// deadline trips and the write fails with a transport error.
//
// # Fallback
//
// Non-upgrade requests are reverse proxied to FallbackURL when one is
// configured, so the tunnel endpoint can share its port with the plain
// HTTP service it fronts. Without a fallback they are answered 426.
//
// # Example
//
//	cfg := ws.Config{
//		Address:      ":8080",
//		Subprotocols: []string{"mqtt"},
//		Inspectors:   map[string]parser.Parser{"mqtt": mqttInspector},
//	}
//	server, err := ws.New(cfg, handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package ws
