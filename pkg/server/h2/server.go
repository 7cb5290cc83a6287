// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package h2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/tunnel"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the HTTP/2 tunnel server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener. "h2" is
	// added to NextProtos when missing.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for open tunnels to
	// finish their closing handshakes during graceful shutdown. After
	// this timeout, remaining connections are forcefully closed.
	ShutdownTimeout time.Duration

	// Tunnel configures the per-connection tunnel registry: windows,
	// queue sizes, limits, subprotocols and payload inspectors.
	Tunnel tunnel.Config

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts HTTP/2 connections and serves WebSocket tunnels over
// extended CONNECT streams (RFC 8441).
type Server struct {
	config  Config
	handler handler.Handler
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[*conn]struct{}
}

// New creates a new HTTP/2 tunnel server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config:  cfg,
		handler: h,
		conns:   make(map[*conn]struct{}),
	}
}

// Listen starts the server and blocks until the context is cancelled.
// Shutdown announces GOAWAY on every connection and lets open tunnels
// finish their closing handshakes before forcing the remainder closed.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		tlsCfg := s.config.TLSConfig.Clone()
		if !slices.Contains(tlsCfg.NextProtos, "h2") {
			tlsCfg.NextProtos = append([]string{"h2"}, tlsCfg.NextProtos...)
		}
		listener = tls.NewListener(listener, tlsCfg)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("HTTP/2 tunnel server started", slog.String("address", s.config.Address))

	// Separate context for established connections so shutdown can force
	// close whatever outlives the drain.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			nc, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.ServeConn(connCtx, nc); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", nc.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Announce GOAWAY and drain tunnels on every live connection.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()
	for _, c := range s.activeConns() {
		go c.shutdown(drainCtx, s.config.ShutdownTimeout)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		drainCancel()
		for _, c := range s.activeConns() {
			c.nc.Close()
		}
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// ServeConn serves one already accepted connection. It returns after
// the connection dies and every tunnel on it has been torn down.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	tcfg := s.config.Tunnel
	if tcfg.Logger == nil {
		tcfg.Logger = s.config.Logger
	}

	// Extract the client certificate if using TLS
	if tlsConn, ok := nc.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			nc.Close()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		state := tlsConn.ConnectionState()
		if state.NegotiatedProtocol != "" && state.NegotiatedProtocol != "h2" {
			nc.Close()
			return fmt.Errorf("client negotiated %q instead of h2", state.NegotiatedProtocol)
		}
		if len(state.PeerCertificates) > 0 {
			tcfg.ClientCert = state.PeerCertificates[0]
		}
	}

	c := newConn(nc, tcfg, s.handler, tcfg.Logger)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	s.config.Logger.Debug("connection established", slog.String("client", nc.RemoteAddr().String()))
	err := c.serve(ctx)
	s.config.Logger.Debug("connection closed", slog.String("client", nc.RemoteAddr().String()))
	return err
}

// activeConns snapshots the live connections.
func (s *Server) activeConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}
