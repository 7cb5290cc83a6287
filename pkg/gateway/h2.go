// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/absmach/mtunnel/pkg/server/h2"
	"github.com/absmach/mtunnel/pkg/tunnel"
)

// H2Config holds configuration for the HTTP/2 tunnel front.
type H2Config struct {
	Host            string
	Port            string
	TLSConfig       *tls.Config
	MaxTunnels      int
	MaxFramePayload int64
	ShutdownTimeout time.Duration
	Subprotocols    []string
	Inspectors      map[string]parser.Parser
	Logger          *slog.Logger
}

// H2Front coordinates the HTTP/2 server, its tunnel registry settings
// and the payload inspectors.
type H2Front struct {
	server *h2.Server
}

// NewH2 creates a new HTTP/2 tunnel front.
func NewH2(cfg H2Config, h handler.Handler) (*H2Front, error) {
	subprotocols, inspectors := inspectorSet(cfg.Subprotocols, cfg.Inspectors)

	serverCfg := h2.Config{
		Address:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Tunnel: tunnel.Config{
			MaxTunnels:      cfg.MaxTunnels,
			MaxFramePayload: cfg.MaxFramePayload,
			Subprotocols:    subprotocols,
			Inspectors:      inspectors,
			Logger:          cfg.Logger,
		},
		Logger: cfg.Logger,
	}

	return &H2Front{
		server: h2.New(serverCfg, h),
	}, nil
}

// Listen starts the front and blocks until the context is cancelled.
func (f *H2Front) Listen(ctx context.Context) error {
	return f.server.Listen(ctx)
}
