// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready mTunnel deployment example
// with metrics, health checks, circuit breakers, rate limiting, and a
// pooled backend relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/mtunnel/pkg/breaker"
	"github.com/absmach/mtunnel/pkg/gateway"
	"github.com/absmach/mtunnel/pkg/health"
	"github.com/absmach/mtunnel/pkg/metrics"
	"github.com/absmach/mtunnel/pkg/pool"
	"github.com/absmach/mtunnel/pkg/ratelimit"
	"github.com/absmach/mtunnel/pkg/relay"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Config holds the application configuration.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Resource Limits
	MaxTunnels    int `env:"MAX_TUNNELS"    envDefault:"10000"`
	MaxGoroutines int `env:"MAX_GOROUTINES" envDefault:"50000"`

	// Connection Pooling
	PoolMaxIdle     int           `env:"POOL_MAX_IDLE"     envDefault:"100"`
	PoolMaxActive   int           `env:"POOL_MAX_ACTIVE"   envDefault:"1000"`
	PoolIdleTimeout time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"5m"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Rate Limiting
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"100"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"10000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"1000"`

	// Timeouts
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Fronts and backend
	H2Address string `env:"H2_ADDRESS" envDefault:":8082"`
	WSAddress string `env:"WS_ADDRESS" envDefault:":8083"`
	Target    string `env:"TARGET"     envDefault:"localhost:1883"`
}

func main() {
	// Load configuration
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting mTunnel in production mode",
		slog.Int("max_tunnels", cfg.MaxTunnels),
		slog.String("target", cfg.Target))

	// Create metrics
	m := metrics.New("mtunnel", nil)

	// Start metrics server
	go startMetricsServer(cfg.MetricsPort, logger)

	// Create health checker
	healthChecker := health.NewChecker(10 * time.Second)

	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if cfg.MaxGoroutines > 0 && count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})

	// Create connection pool for the backend relay
	connPool := pool.New(
		func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", cfg.Target)
		},
		pool.Config{
			MaxIdle:         cfg.PoolMaxIdle,
			MaxActive:       cfg.PoolMaxActive,
			IdleTimeout:     cfg.PoolIdleTimeout,
			MaxConnLifetime: 30 * time.Minute,
			DialTimeout:     10 * time.Second,
			WaitTimeout:     5 * time.Second,
		},
	)
	defer connPool.Close()

	healthChecker.Register("connection_pool", func(ctx context.Context) error {
		idle, active := connPool.Stats()
		logger.Debug("Connection pool stats",
			slog.Int("idle", idle),
			slog.Int("active", active))
		return nil
	})

	// Create circuit breaker
	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 2,
	})

	// Monitor circuit breaker state changes
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("target", cfg.Target))
	})

	healthChecker.Register("backend", func(ctx context.Context) error {
		if cb.State() == breaker.StateOpen {
			return fmt.Errorf("backend circuit open for %s", cfg.Target)
		}
		return nil
	})

	// Build the handler chain: the relay at the bottom, then circuit
	// breaking, rate limiting, and metrics outermost.
	forwarder := relay.New(relay.Config{
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	}, connPool)

	breakerHandler := breaker.NewHandler(forwarder, cb)

	rateLimitedHandler := ratelimit.NewHandler(breakerHandler, ratelimit.Config{
		GlobalBurst: cfg.GlobalRateCapacity,
		GlobalRate:  cfg.GlobalRateRefill,
		ClientBurst: cfg.RateLimitCapacity,
		ClientRate:  cfg.RateLimitRefill,
		MaxClients:  10000,
	})
	defer rateLimitedHandler.Close()

	instrumentedHandler := metrics.NewInstrumentedHandler(rateLimitedHandler, m)

	healthChecker.Register("capacity", health.Capacity(instrumentedHandler.Open, cfg.MaxTunnels))

	// Start health server
	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	// Start the fronts
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	h2Host, h2Port := splitHostPort(cfg.H2Address)
	h2Front, err := gateway.NewH2(gateway.H2Config{
		Host:            h2Host,
		Port:            h2Port,
		MaxTunnels:      cfg.MaxTunnels,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, instrumentedHandler)
	if err != nil {
		logger.Error("Failed to create HTTP/2 front", slog.String("error", err.Error()))
		os.Exit(1)
	}
	g.Go(func() error {
		logger.Info("Starting HTTP/2 tunnel front",
			slog.String("address", cfg.H2Address),
			slog.String("target", cfg.Target))
		return h2Front.Listen(ctx)
	})

	wsHost, wsPort := splitHostPort(cfg.WSAddress)
	wsFront, err := gateway.NewWS(gateway.WSConfig{
		Host:            wsHost,
		Port:            wsPort,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, instrumentedHandler)
	if err != nil {
		logger.Error("Failed to create WebSocket front", slog.String("error", err.Error()))
		os.Exit(1)
	}
	g.Go(func() error {
		logger.Info("Starting WebSocket tunnel front",
			slog.String("address", cfg.WSAddress),
			slog.String("target", cfg.Target))
		return wsFront.Listen(ctx)
	})

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Cancel context to stop all servers
	cancel()

	// Wait for all goroutines with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

// splitHostPort splits a listen address into host and port, tolerating
// the bare ":port" form.
func splitHostPort(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		if len(addr) > 0 && addr[0] == ':' {
			return "", addr[1:]
		}
		return addr, ""
	}
	return host, port
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health server error", slog.String("error", err.Error()))
	}
}
