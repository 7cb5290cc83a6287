// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Parser inspects MQTT control packets carried in tunneled messages.
// Credentials from CONNECT are extracted into the handler context and
// re-authorized with them present; PUBLISH and SUBSCRIBE run through
// the corresponding Auth hooks, which may rewrite topics and payloads.
type Parser struct{}

var _ parser.Parser = (*Parser)(nil)

// Parse decodes every control packet in one message payload. Packets
// must be aligned to message boundaries; a trailing partial packet
// rejects the message. The input payload is returned untouched unless
// a handler modified a packet, in which case all of them are
// re-encoded.
func (p *Parser) Parse(ctx context.Context, payload []byte, dir parser.Direction, h handler.Handler, hctx *handler.Context) ([]byte, error) {
	r := bytes.NewReader(payload)
	var pkts []packets.ControlPacket
	modified := false

	for r.Len() > 0 {
		pkt, err := packets.ReadPacket(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT packet: %w", err)
		}

		var m bool
		if dir == parser.Upstream {
			m, err = p.inspectUpstream(ctx, pkt, h, hctx)
		} else {
			m, err = p.inspectDownstream(ctx, pkt, h, hctx)
		}
		if err != nil {
			return nil, err
		}
		modified = modified || m
		pkts = append(pkts, pkt)
	}

	if !modified {
		return payload, nil
	}

	var buf bytes.Buffer
	for _, pkt := range pkts {
		if err := pkt.Write(&buf); err != nil {
			return nil, fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// inspectUpstream processes client to application packets.
func (p *Parser) inspectUpstream(ctx context.Context, pkt packets.ControlPacket, h handler.Handler, hctx *handler.Context) (bool, error) {
	switch packet := pkt.(type) {
	case *packets.ConnectPacket:
		return p.handleConnect(ctx, packet, h, hctx)

	case *packets.PublishPacket:
		return p.handlePublish(ctx, packet, h, hctx)

	case *packets.SubscribePacket:
		return p.handleSubscribe(ctx, packet, h, hctx)

	default:
		// Other packets (PINGREQ, PUBACK, UNSUBSCRIBE, DISCONNECT, etc.)
		// are forwarded as-is.
		return false, nil
	}
}

// inspectDownstream processes application to client packets. A publish
// here is a delivery into a subscription, so it runs through the
// subscribe authorization.
func (p *Parser) inspectDownstream(ctx context.Context, pkt packets.ControlPacket, h handler.Handler, hctx *handler.Context) (bool, error) {
	packet, ok := pkt.(*packets.PublishPacket)
	if !ok {
		return false, nil
	}

	topics := []string{packet.TopicName}
	if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
		return false, fmt.Errorf("delivery authorization failed: %w", err)
	}
	if len(topics) > 0 && topics[0] != packet.TopicName {
		packet.TopicName = topics[0]
		return true, nil
	}
	return false, nil
}

// handleConnect extracts credentials into the handler context and
// re-authorizes the tunnel with them present.
func (p *Parser) handleConnect(ctx context.Context, packet *packets.ConnectPacket, h handler.Handler, hctx *handler.Context) (bool, error) {
	hctx.ClientID = packet.ClientIdentifier
	hctx.Username = packet.Username
	hctx.Password = packet.Password

	if err := h.AuthConnect(ctx, hctx); err != nil {
		return false, fmt.Errorf("connection authorization failed: %w", err)
	}

	// The handler may rewrite credentials through the context.
	modified := packet.ClientIdentifier != hctx.ClientID ||
		packet.Username != hctx.Username ||
		!bytes.Equal(packet.Password, hctx.Password)
	packet.ClientIdentifier = hctx.ClientID
	packet.Username = hctx.Username
	packet.Password = hctx.Password
	return modified, nil
}

func (p *Parser) handlePublish(ctx context.Context, packet *packets.PublishPacket, h handler.Handler, hctx *handler.Context) (bool, error) {
	topic := packet.TopicName
	payload := packet.Payload

	if err := h.AuthPublish(ctx, hctx, &topic, &payload); err != nil {
		return false, fmt.Errorf("publish authorization failed: %w", err)
	}

	modified := topic != packet.TopicName || !bytes.Equal(payload, packet.Payload)
	packet.TopicName = topic
	packet.Payload = payload
	return modified, nil
}

func (p *Parser) handleSubscribe(ctx context.Context, packet *packets.SubscribePacket, h handler.Handler, hctx *handler.Context) (bool, error) {
	topics := slices.Clone(packet.Topics)

	if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
		return false, fmt.Errorf("subscribe authorization failed: %w", err)
	}

	if slices.Equal(topics, packet.Topics) {
		return false, nil
	}

	// Keep the QoS list aligned with the rewritten topic list.
	packet.Topics = topics
	if len(packet.Qoss) < len(topics) {
		for i := len(packet.Qoss); i < len(topics); i++ {
			packet.Qoss = append(packet.Qoss, 0)
		}
	} else if len(packet.Qoss) > len(topics) {
		packet.Qoss = packet.Qoss[:len(topics)]
	}
	return true, nil
}
