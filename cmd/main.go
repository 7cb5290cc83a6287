// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mtunnel"
	"github.com/absmach/mtunnel/examples/simple"
	"github.com/absmach/mtunnel/pkg/gateway"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	h2WithoutTLS = "MTUNNEL_H2_WITHOUT_TLS_"
	h2WithTLS    = "MTUNNEL_H2_WITH_TLS_"
	h2WithmTLS   = "MTUNNEL_H2_WITH_MTLS_"

	wsWithoutTLS = "MTUNNEL_WS_WITHOUT_TLS_"
	wsWithTLS    = "MTUNNEL_WS_WITH_TLS_"
	wsWithmTLS   = "MTUNNEL_WS_WITH_MTLS_"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	// Create handler
	handler := simple.New(logger)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	// Start HTTP/2 tunnel fronts
	if err := startH2Front(g, ctx, h2WithoutTLS, handler, logger); err != nil {
		logger.Warn("HTTP/2 front without TLS not started", slog.String("error", err.Error()))
	}

	if err := startH2Front(g, ctx, h2WithTLS, handler, logger); err != nil {
		logger.Warn("HTTP/2 front with TLS not started", slog.String("error", err.Error()))
	}

	if err := startH2Front(g, ctx, h2WithmTLS, handler, logger); err != nil {
		logger.Warn("HTTP/2 front with mTLS not started", slog.String("error", err.Error()))
	}

	// Start WebSocket compatibility fronts
	if err := startWSFront(g, ctx, wsWithoutTLS, handler, logger); err != nil {
		logger.Warn("WebSocket front without TLS not started", slog.String("error", err.Error()))
	}

	if err := startWSFront(g, ctx, wsWithTLS, handler, logger); err != nil {
		logger.Warn("WebSocket front with TLS not started", slog.String("error", err.Error()))
	}

	if err := startWSFront(g, ctx, wsWithmTLS, handler, logger); err != nil {
		logger.Warn("WebSocket front with mTLS not started", slog.String("error", err.Error()))
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mTunnel service terminated with error: %s", err))
	} else {
		logger.Info("mTunnel service stopped")
	}
}

func startH2Front(g *errgroup.Group, ctx context.Context, envPrefix string, handler *simple.Handler, logger *slog.Logger) error {
	cfg, err := mtunnel.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}

	// Skip if port is not configured
	if cfg.Port == "" {
		return fmt.Errorf("port not configured")
	}

	h2Cfg := gateway.H2Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TLSConfig:       cfg.TLSConfig,
		MaxTunnels:      cfg.MaxTunnels,
		MaxFramePayload: cfg.MaxFramePayload,
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
	}

	front, err := gateway.NewH2(h2Cfg, handler)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return front.Listen(ctx)
	})

	logger.Info("HTTP/2 tunnel front started", slog.String("prefix", envPrefix))
	return nil
}

func startWSFront(g *errgroup.Group, ctx context.Context, envPrefix string, handler *simple.Handler, logger *slog.Logger) error {
	cfg, err := mtunnel.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}

	// Skip if port is not configured
	if cfg.Port == "" {
		return fmt.Errorf("port not configured")
	}

	wsCfg := gateway.WSConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TLSConfig:       cfg.TLSConfig,
		FallbackURL:     cfg.FallbackURL,
		MaxFramePayload: cfg.MaxFramePayload,
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
	}

	front, err := gateway.NewWS(wsCfg, handler)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return front.Listen(ctx)
	})

	logger.Info("WebSocket front started", slog.String("prefix", envPrefix))
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
