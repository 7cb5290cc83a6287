// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/pool"
)

const defaultReadBuffer = 4096

// Config holds relay configuration.
type Config struct {
	// WriteTimeout bounds each write to the backend. Zero means no
	// deadline.
	WriteTimeout time.Duration

	// ReadBuffer is the chunk size for backend reads. Each chunk becomes
	// one binary message on the tunnel.
	ReadBuffer int

	// Logger for relay events
	Logger *slog.Logger
}

// Handler relays tunnel payloads to a backend TCP service. Each open
// tunnel is bound to one backend connection drawn from the pool:
// upstream messages are written to the backend as raw bytes, backend
// bytes come back as binary messages.
type Handler struct {
	cfg  Config
	pool *pool.Pool

	mu    sync.Mutex
	links map[string]*link
}

var _ handler.Handler = (*Handler)(nil)

// link binds one open tunnel to one backend connection. Its context
// unparks a pump suspended in Send when the tunnel goes away.
type link struct {
	pc     *pool.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a relay handler drawing backend connections from p.
func New(cfg Config, p *pool.Pool) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = defaultReadBuffer
	}

	return &Handler{
		cfg:   cfg,
		pool:  p,
		links: make(map[string]*link),
	}
}

// AuthConnect allows every tunnel. Admission control belongs to the
// wrapping handlers.
func (h *Handler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

// AuthPublish allows every publish.
func (h *Handler) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	return nil
}

// AuthSubscribe allows every subscription.
func (h *Handler) AuthSubscribe(ctx context.Context, hctx *handler.Context, topics *[]string) error {
	return nil
}

// OnConnect binds the tunnel to a backend connection and starts the
// downstream pump. A dial failure rejects the tunnel.
func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context, conn handler.Conn) error {
	pc, err := h.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect backend: %w", err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		pc:     pc,
		ctx:    linkCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.links[hctx.SessionID] = l
	h.mu.Unlock()

	h.cfg.Logger.Debug("backend linked",
		slog.String("session", hctx.SessionID),
		slog.String("backend", pc.RemoteAddr().String()))

	go h.pump(l, hctx, conn)

	return nil
}

// OnMessage writes one tunneled message to the backend. A write error
// tears the tunnel down.
func (h *Handler) OnMessage(ctx context.Context, hctx *handler.Context, conn handler.Conn, f frame.Frame) error {
	h.mu.Lock()
	l, ok := h.links[hctx.SessionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no backend link for session %s", hctx.SessionID)
	}

	if h.cfg.WriteTimeout > 0 {
		if err := l.pc.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set backend write deadline: %w", err)
		}
	}

	if _, err := l.pc.Write(f.Payload); err != nil {
		return fmt.Errorf("backend write failed: %w", err)
	}

	return nil
}

// OnDisconnect unbinds the tunnel and discards its backend connection.
// The relayed byte stream leaves the backend mid-protocol, so the
// connection is never returned to the pool for reuse.
func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	h.mu.Lock()
	l, ok := h.links[hctx.SessionID]
	delete(h.links, hctx.SessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	l.cancel()
	if err := l.pc.Discard(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.cfg.Logger.Debug("backend close error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
	<-l.done

	h.cfg.Logger.Debug("backend unlinked",
		slog.String("session", hctx.SessionID),
		slog.String("reason", reason))

	return nil
}

// pump copies backend bytes into the tunnel as binary messages until
// either side goes away.
func (h *Handler) pump(l *link, hctx *handler.Context, conn handler.Conn) {
	defer close(l.done)

	for {
		buf := make([]byte, h.cfg.ReadBuffer)
		n, err := l.pc.Read(buf)
		if n > 0 {
			f := frame.Frame{FIN: true, Opcode: frame.OpBinary, Payload: buf[:n]}
			if serr := conn.Send(l.ctx, f); serr != nil {
				if l.ctx.Err() == nil {
					conn.Close(frame.CloseInternalErr, "downstream send failed")
				}
				return
			}
		}
		if err != nil {
			if l.ctx.Err() != nil {
				// Unbound by OnDisconnect.
				return
			}
			if errors.Is(err, io.EOF) {
				conn.Close(frame.CloseNormalClosure, "backend closed connection")
				return
			}
			h.cfg.Logger.Warn("backend read failed",
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
			conn.Close(frame.CloseInternalErr, "backend read failed")
			return
		}
	}
}
