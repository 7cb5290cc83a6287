// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway provides high-level front coordinators that wire
// together servers, payload inspectors, and handlers.
//
// # Overview
//
// A front coordinator is a convenience wrapper that combines the three
// core components:
//  1. Server (HTTP/2 extended CONNECT or HTTP/1.1 WebSocket upgrade)
//  2. Inspectors (subprotocol payload parsers)
//  3. Handler (business logic)
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│   Gateway   │  (Coordinator)
//	│ - H2Front   │
//	│ - WSFront   │
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│   Server    │  (Transport)
//	│ - h2        │
//	│ - ws        │
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│  Inspector  │  (Subprotocol)
//	│ - MQTT      │
//	│ - CoAP      │
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│   Handler   │  (Business Logic)
//	└─────────────┘
//
// Both fronts feed the same handler, so authorization and message
// processing behave identically whether a client arrives over HTTP/2
// extended CONNECT or a classic HTTP/1.1 upgrade. The
// handler.Context.Protocol field distinguishes the fronts.
//
// # Subprotocol Inspection
//
// When neither Subprotocols nor Inspectors are configured, the fronts
// offer "mqtt" and "coap" and install the matching payload inspectors.
// Tunnels negotiated without a subprotocol pass through uninspected.
//
// # Usage Pattern
//
//	handler := &MyHandler{}
//
//	cfg := gateway.H2Config{
//		Host:            "0.0.0.0",
//		Port:            "8443",
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	front, err := gateway.NewH2(cfg, handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := front.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Multiple Fronts
//
// Run both fronts simultaneously against one handler:
//
//	g, ctx := errgroup.WithContext(context.Background())
//
//	g.Go(func() error {
//		return h2Front.Listen(ctx)
//	})
//
//	g.Go(func() error {
//		return wsFront.Listen(ctx)
//	})
//
//	if err := g.Wait(); err != nil {
//		log.Fatal(err)
//	}
//
// # TLS Termination
//
// Both fronts terminate TLS when a TLSConfig is set. The HTTP/2 front
// requires ALPN "h2"; with a client CA configured, the verified client
// certificate reaches handlers through the session context.
package gateway
