// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel multiplexes WebSocket sessions over the streams of one
// HTTP/2 connection, following the extended CONNECT mapping of RFC 8441.
//
// # Registry
//
// A Registry is created per accepted connection. The connection driver
// feeds it protocol events: Admit for an extended CONNECT request, Data
// for tunneled bytes, WindowUpdate for peer credit, Reset for abandoned
// streams. The registry enforces at most one session per stream ID and
// an optional concurrent tunnel limit, and owns the flow control state
// every tunnel on the connection shares.
//
// # Sessions
//
// A Session is one tunnel. Inbound bytes are decoded into frames on the
// connection read goroutine and delivered in order by a dedicated
// delivery goroutine, so one slow message handler never stalls the
// other tunnels. Pings are answered and the closing handshake is run
// automatically; the application only sees data frames.
//
// Outbound, Send suspends while the peer's send credit is exhausted and
// chunks large frames so a single big message cannot monopolize the
// shared connection window.
//
// # Failure handling
//
// A malformed frame closes its tunnel with a protocol error close frame
// followed by a stream reset; the connection and its other tunnels keep
// running. Flow control violations reset the offending stream, or
// surface to the driver when they poison the connection window. Every
// torn down session fires OnDisconnect exactly once, whatever the
// failure path.
package tunnel
