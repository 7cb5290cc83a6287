// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// Parser inspects CoAP messages carried in tunneled messages. Each
// tunneled message carries exactly one CoAP message in UDP wire format.
// Requests are authorized through the handler; responses pass through
// after validation.
type Parser struct{}

var _ parser.Parser = (*Parser)(nil)

// Parse decodes the CoAP message and runs the authorization hooks for
// request codes. Credentials arrive per request in the auth query
// option, so AuthConnect runs again for every request with the
// extracted key present. A rewritten publish payload is re-encoded;
// everything else passes through verbatim.
func (p *Parser) Parse(ctx context.Context, payload []byte, dir parser.Direction, h handler.Handler, hctx *handler.Context) ([]byte, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}

	// Responses and acknowledgements flow down uninspected.
	if dir == parser.Downstream {
		return payload, nil
	}

	modified, err := p.inspectRequest(ctx, msg, h, hctx)
	if err != nil {
		return nil, err
	}
	if !modified {
		return payload, nil
	}

	out, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return out, nil
}

// inspectRequest authorizes one upstream request. Empty messages
// (pings, resets) and response codes skip inspection.
func (p *Parser) inspectRequest(ctx context.Context, msg *pool.Message, h handler.Handler, hctx *handler.Context) (bool, error) {
	code := msg.Code()
	if code < codes.GET || code > codes.DELETE {
		return false, nil
	}

	// Credentials travel in the uri-query: ?auth=<key>
	if key := extractAuthFromQuery(msg); key != "" {
		hctx.Password = []byte(key)
	}

	path, err := msg.Options().Path()
	if err != nil {
		path = "/"
	}

	if err := h.AuthConnect(ctx, hctx); err != nil {
		return false, fmt.Errorf("connection authorization failed: %w", err)
	}

	switch code {
	case codes.POST, codes.PUT:
		body, err := msg.ReadBody()
		if err != nil {
			return false, fmt.Errorf("failed to read message body: %w", err)
		}

		topic := path
		payload := body
		if err := h.AuthPublish(ctx, hctx, &topic, &payload); err != nil {
			return false, fmt.Errorf("publish authorization failed: %w", err)
		}

		// Payload rewrites are re-encoded. Uri-Path rewrites are not
		// applied for CoAP.
		if !bytes.Equal(payload, body) {
			msg.SetBody(bytes.NewReader(payload))
			return true, nil
		}

	case codes.GET:
		// Observe register is a subscription.
		obs, err := msg.Options().Observe()
		if err == nil && obs == 0 {
			topics := []string{path}
			if err := h.AuthSubscribe(ctx, hctx, &topics); err != nil {
				return false, fmt.Errorf("subscribe authorization failed: %w", err)
			}
		}
	}

	return false, nil
}

// extractAuthFromQuery pulls the auth key out of the uri-query options.
func extractAuthFromQuery(msg *pool.Message) string {
	queries, err := msg.Options().Queries()
	if err != nil {
		return ""
	}

	for _, query := range queries {
		if key, ok := strings.CutPrefix(query, "auth="); ok {
			return key
		}
	}

	return ""
}
