// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements CoAP message inspection for tunneled sessions.
//
// # Overview
//
// The CoAP parser inspects messages carried inside tunnel messages to
// extract authentication credentials and authorize protocol operations.
// It uses the plgd-dev/go-coap/v3 library and expects exactly one CoAP
// message in UDP wire format per tunneled message.
//
// # Message Handling
//
// Upstream (client to application):
//   - POST/PUT: extracts auth from query, calls AuthConnect and
//     AuthPublish with the path and body
//   - GET with Observe register: calls AuthConnect and AuthSubscribe
//   - GET/DELETE: calls AuthConnect only
//   - Empty messages (pings, resets) pass through uninspected
//
// Downstream (application to client):
//   - All messages are validated and forwarded without inspection
//
// # Authentication
//
// CoAP has no session establishment, so credentials arrive per request
// in the "auth" query option:
//
//	coap://gateway.example.com/sensors/temp?auth=token123
//
// The key is stored in hctx.Password and AuthConnect runs again for
// every request with it present.
//
// # Path as Topic
//
// The URI path stands in for the topic in AuthPublish and
// AuthSubscribe calls.
//
// # Limitations
//
//   - Does not handle blockwise transfers
//   - Does not track observe relationships
//   - AuthPublish payload rewrites are re-encoded; path rewrites are
//     not applied
package coap
