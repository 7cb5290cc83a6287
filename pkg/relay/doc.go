// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements a handler that forwards tunnel payloads to
// a backend TCP service.
//
// # Overview
//
// The relay binds every open tunnel to one backend connection drawn
// from a pool and copies bytes in both directions:
//
//	┌─────────┐  OnMessage   ┌─────────┐   Write   ┌─────────┐
//	│ Tunnel  │ ───────────→ │  Relay  │ ────────→ │ Backend │
//	│         │ ←─────────── │         │ ←──────── │         │
//	└─────────┘  conn.Send   └─────────┘   pump    └─────────┘
//
// Upstream messages are written to the backend as raw bytes, message
// boundaries are not preserved. Backend bytes come back chunked into
// binary messages.
//
// # Lifecycle
//
//   - OnConnect draws a backend connection from the pool and starts the
//     downstream pump. When the pool is exhausted or the dial fails the
//     tunnel is rejected.
//   - OnMessage writes the payload to the backend under the configured
//     write deadline. A write error tears the tunnel down.
//   - Backend EOF closes the tunnel with a normal closure; a read error
//     closes it with an internal error status.
//   - OnDisconnect discards the backend connection. The relayed byte
//     stream leaves it mid-protocol, so it is never reused; the pool
//     serves as a concurrency limiter with wait and dial timeouts.
//
// # Production Wiring
//
// The relay sits at the bottom of the handler chain. Admission control
// (rate limits, circuit breaking) and instrumentation belong to the
// wrapping handlers:
//
//	p := pool.New(dial, pool.Config{MaxActive: 1000, WaitTimeout: 5 * time.Second})
//	fwd := relay.New(relay.Config{WriteTimeout: 10 * time.Second}, p)
//	h := metrics.NewInstrumentedHandler(ratelimit.NewHandler(breaker.NewHandler(fwd, cb), rlCfg), m)
package relay
