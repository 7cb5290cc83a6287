// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/absmach/mtunnel/pkg/server/ws"
)

// WSConfig holds configuration for the HTTP/1.1 WebSocket front.
type WSConfig struct {
	Host            string
	Port            string
	TLSConfig       *tls.Config
	FallbackURL     string
	MaxFramePayload int64
	ShutdownTimeout time.Duration
	CheckOrigin     func(r *http.Request) bool
	Subprotocols    []string
	Inspectors      map[string]parser.Parser
	Logger          *slog.Logger
}

// WSFront coordinates the WebSocket upgrade server and the payload
// inspectors. It serves clients that cannot speak HTTP/2 extended
// CONNECT through the same handler pipeline as the HTTP/2 front.
type WSFront struct {
	server *ws.Server
}

// NewWS creates a new WebSocket front.
func NewWS(cfg WSConfig, h handler.Handler) (*WSFront, error) {
	subprotocols, inspectors := inspectorSet(cfg.Subprotocols, cfg.Inspectors)

	serverCfg := ws.Config{
		Address:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		FallbackURL:     cfg.FallbackURL,
		CheckOrigin:     cfg.CheckOrigin,
		Subprotocols:    subprotocols,
		Inspectors:      inspectors,
		MaxFramePayload: cfg.MaxFramePayload,
		Logger:          cfg.Logger,
	}

	server, err := ws.New(serverCfg, h)
	if err != nil {
		return nil, err
	}

	return &WSFront{
		server: server,
	}, nil
}

// Listen starts the front and blocks until the context is cancelled.
func (f *WSFront) Listen(ctx context.Context) error {
	return f.server.Listen(ctx)
}
