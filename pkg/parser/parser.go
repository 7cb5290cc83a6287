// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"context"

	"github.com/absmach/mtunnel/pkg/handler"
)

// Direction indicates the direction of message flow.
type Direction int

const (
	// Upstream represents messages flowing from the client into the application.
	Upstream Direction = iota

	// Downstream represents messages flowing from the application to the client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Parser inspects the payloads carried through a tunnel whose negotiated
// subprotocol it understands. Implementations are responsible for:
//  1. Decoding the subprotocol packet out of the message payload
//  2. Extracting auth credentials and updating the handler context
//  3. Calling appropriate handler methods (AuthConnect, AuthPublish, etc.)
//  4. Re-encoding the packet when the handler modified it
//
// Parse is called once per complete tunneled message, before the message
// is delivered (Upstream) or written to the wire (Downstream).
type Parser interface {
	// Parse inspects one message payload and returns the payload to carry
	// forward, which is the input slice unless the handler rewrote part
	// of the packet. Returning an error rejects the message and closes
	// the tunnel with a policy violation.
	//
	// For Upstream payloads:
	// - Extract credentials and update hctx
	// - Call Auth* methods before the message is delivered
	//
	// For Downstream payloads:
	// - Minimal processing (usually pass through)
	Parse(ctx context.Context, payload []byte, dir Direction, h handler.Handler, hctx *handler.Context) ([]byte, error)
}
