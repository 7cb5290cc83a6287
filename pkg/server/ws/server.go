// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the HTTP/1.1 WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for open tunnels to
	// finish their closing handshakes during graceful shutdown. After
	// this timeout, remaining connections are forcefully closed.
	ShutdownTimeout time.Duration

	// FallbackURL receives non-upgrade HTTP requests through a reverse
	// proxy. Empty means such requests are answered 426.
	FallbackURL string

	// CheckOrigin validates the Origin header during the upgrade. Nil
	// allows every origin.
	CheckOrigin func(r *http.Request) bool

	// Subprotocols lists offered subprotocols in preference order.
	Subprotocols []string

	// Inspectors maps a negotiated subprotocol to the parser inspecting
	// its payloads.
	Inspectors map[string]parser.Parser

	// MaxFramePayload limits inbound message size. Zero means unlimited.
	MaxFramePayload int64

	// WriteTimeout bounds each write to a slow client
	WriteTimeout time.Duration

	// CloseGrace is how long a closing handshake may stay incomplete
	// before the connection is dropped.
	CloseGrace time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// Server upgrades HTTP/1.1 connections to WebSocket and serves them
// through the same handler and inspector pipeline as the HTTP/2 front.
// Non-upgrade requests are reverse proxied to the fallback origin when
// one is configured.
type Server struct {
	config   Config
	handler  handler.Handler
	upgrader websocket.Upgrader
	fallback *httputil.ReverseProxy

	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[*session]struct{}
}

var _ http.Handler = (*Server)(nil)

// New creates a new WebSocket server with the given configuration and handler.
func New(cfg Config, h handler.Handler) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	s := &Server{
		config:  cfg,
		handler: h,
		upgrader: websocket.Upgrader{
			Subprotocols: cfg.Subprotocols,
			CheckOrigin:  checkOrigin,
		},
		sessions: make(map[*session]struct{}),
	}

	if cfg.FallbackURL != "" {
		target, err := url.Parse(cfg.FallbackURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fallback URL: %w", err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = target.Host
		}
		s.fallback = proxy
	}

	return s, nil
}

// Listen starts the server and blocks until the context is cancelled.
// Upgraded connections are hijacked and outlive http.Server.Shutdown;
// shutdown closes them through their closing handshakes.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:      s.config.Address,
		Handler:   s,
		TLSConfig: s.config.TLSConfig,
	}

	s.config.Logger.Info("WebSocket server started", slog.String("address", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			// WSS
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			// WS
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing WebSocket server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Stops the listener and plain HTTP requests. Upgraded tunnels
		// are hijacked, Shutdown does not know about them.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.config.Logger.Error("error during shutdown", slog.String("error", err.Error()))
		}

		for _, sess := range s.activeSessions() {
			sess.Close(frame.CloseGoingAway, "server shutting down")
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
			for _, sess := range s.activeSessions() {
				sess.conn.Close()
			}
			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
			return ErrShutdownTimeout
		}

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeHTTP implements http.Handler. Upgrade requests become tunnels;
// anything else goes to the fallback origin or is refused.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if s.fallback != nil {
			s.fallback.ServeHTTP(w, r)
			return
		}
		http.Error(w, "WebSocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: r.RemoteAddr,
		Authority:  r.Host,
		Path:       r.URL.Path,
		Protocol:   "ws",
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		hctx.Cert = r.TLS.PeerCertificates[0]
	}

	if err := s.handler.AuthConnect(r.Context(), hctx); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, mterrors.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		s.config.Logger.Warn("connection not authorized",
			slog.String("session", hctx.SessionID),
			slog.String("client", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, http.StatusText(status), status)
		return
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request with the failure status.
		s.config.Logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	hctx.Subprotocol = c.Subprotocol()

	if s.config.MaxFramePayload > 0 {
		c.SetReadLimit(s.config.MaxFramePayload)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:           hctx.SessionID,
		conn:         c,
		hctx:         hctx,
		handler:      s.handler,
		inspector:    s.config.Inspectors[hctx.Subprotocol],
		logger:       s.config.Logger,
		writeTimeout: s.config.WriteTimeout,
		closeGrace:   s.config.CloseGrace,
		ctx:          ctx,
		cancel:       cancel,
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.config.Logger.Debug("websocket connection upgraded",
		slog.String("session", sess.id),
		slog.String("remote", r.RemoteAddr),
		slog.String("subprotocol", hctx.Subprotocol))

	sess.run()
}

// activeSessions snapshots the live sessions.
func (s *Server) activeSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
