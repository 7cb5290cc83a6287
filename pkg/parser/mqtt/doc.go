// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements MQTT message inspection for tunneled sessions.
//
// # Overview
//
// The MQTT parser inspects control packets carried inside tunnel
// messages to extract authentication credentials and authorize protocol
// operations. It uses the eclipse/paho.mqtt.golang library for packet
// parsing and supports MQTT 3.1.1.
//
// A tunneled message may carry one or more complete control packets.
// Packets must be aligned to message boundaries; a message ending in a
// partial packet is rejected, which closes the tunnel with a policy
// violation.
//
// # Packet Handling
//
// Upstream (client to application):
//   - CONNECT: extracts ClientID/Username/Password into the handler
//     context, calls AuthConnect, writes rewritten credentials back
//   - PUBLISH: calls AuthPublish with topic and payload
//   - SUBSCRIBE: calls AuthSubscribe with the topic filters
//   - All other packets are forwarded without inspection
//
// Downstream (application to client):
//   - PUBLISH: calls AuthSubscribe for the delivery topic
//   - All other packets are forwarded without inspection
//
// The session handler fires OnConnect once when the tunnel opens, so
// the parser does not call it again on CONNECT; AuthConnect runs a
// second time instead, now with credentials populated.
//
// # Credential Modification
//
// The handler can rewrite credentials during AuthConnect:
//
//	func (h *MyHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if !h.auth.Verify(hctx.Username, hctx.Password) {
//			return errors.New("invalid credentials")
//		}
//		hctx.Username = "backend-user"
//		hctx.Password = []byte("backend-pass")
//		return nil
//	}
//
// The parser updates the CONNECT packet with the modified credentials
// before the message travels on. AuthPublish and AuthSubscribe can
// rewrite topics and payloads the same way; untouched messages pass
// through byte for byte.
package mqtt
