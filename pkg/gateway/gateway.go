// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/absmach/mtunnel/pkg/parser/coap"
	"github.com/absmach/mtunnel/pkg/parser/mqtt"
)

// inspectorSet returns the subprotocol preference list and the
// inspector map for a front. When the caller configured neither, the
// standard mqtt and coap inspectors are installed.
func inspectorSet(subprotocols []string, inspectors map[string]parser.Parser) ([]string, map[string]parser.Parser) {
	if len(subprotocols) > 0 || len(inspectors) > 0 {
		return subprotocols, inspectors
	}

	return []string{"mqtt", "coap"}, map[string]parser.Parser{
		"mqtt": &mqtt.Parser{},
		"coap": &coap.Parser{},
	}
}
