// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser defines the interface for subprotocol-specific payload inspection.
//
// # Architecture Overview
//
// Parsers sit between the tunnel layer (HTTP/2 and WebSocket fronts) and the
// business logic layer (handlers), inspecting the messages carried through a
// tunnel to extract authentication credentials and authorize operations. A
// tunnel is assigned at most one parser, selected by its negotiated
// subprotocol.
//
// # Parser Interface
//
// The Parser interface has a single method:
//
//	Parse(ctx context.Context, payload []byte, dir Direction, h handler.Handler, hctx *handler.Context) ([]byte, error)
//
// Parse is called once per complete tunneled message in both directions:
//   - Upstream (Client → Application): extracts auth, calls handler.Auth* methods
//   - Downstream (Application → Client): validates, usually passes through
//
// The returned slice is the payload to carry forward. It is the input slice
// unless the handler rewrote part of the packet, in which case the parser
// re-encodes the whole message. A non-nil error rejects the message and
// closes the tunnel with a policy violation.
//
// # Direction
//
// The Direction type indicates message flow:
//   - Upstream: Client → Application (requests, publishes, subscribes)
//   - Downstream: Application → Client (responses, delivered messages)
//
// # Subprotocol Parsers
//
// Each subprotocol has its own parser implementation:
//   - parser/mqtt: MQTT packet inspector
//   - parser/coap: CoAP message inspector
//
// # Integration with the Tunnel Layer
//
// The tunnel session calls Parse for each complete message: inbound messages
// after reassembly and before delivery, outbound messages before framing. A
// message rejected upstream never reaches the handler's OnMessage; a message
// rejected downstream never reaches the wire.
//
// # Example
//
//	type Parser struct{}
//
//	func (p *Parser) Parse(ctx context.Context, payload []byte, dir parser.Direction, h handler.Handler, hctx *handler.Context) ([]byte, error) {
//		pkt, err := packets.ReadPacket(bytes.NewReader(payload))
//		if err != nil {
//			return nil, err
//		}
//
//		if dir == parser.Upstream {
//			switch pkt := pkt.(type) {
//			case *packets.ConnectPacket:
//				hctx.Username = pkt.Username
//				hctx.Password = pkt.Password
//				if err := h.AuthConnect(ctx, hctx); err != nil {
//					return nil, err
//				}
//			}
//		}
//
//		return payload, nil
//	}
package parser
