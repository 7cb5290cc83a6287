// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
)

// InstrumentedHandler wraps a handler.Handler and records tunnel
// lifecycle, authorization, and message flow metrics. Downstream sends
// are observed by wrapping the Conn passed to OnConnect and OnMessage.
type InstrumentedHandler struct {
	next handler.Handler
	m    *Metrics

	mu     sync.Mutex
	starts map[string]time.Time
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// NewInstrumentedHandler wraps next with metrics collection.
func NewInstrumentedHandler(next handler.Handler, m *Metrics) *InstrumentedHandler {
	return &InstrumentedHandler{
		next:   next,
		m:      m,
		starts: make(map[string]time.Time),
	}
}

func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	err := h.next.AuthConnect(ctx, hctx)
	h.m.AuthTotal.WithLabelValues("connect", outcome(err)).Inc()
	return err
}

func (h *InstrumentedHandler) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	err := h.next.AuthPublish(ctx, hctx, topic, payload)
	h.m.AuthTotal.WithLabelValues("publish", outcome(err)).Inc()
	return err
}

func (h *InstrumentedHandler) AuthSubscribe(ctx context.Context, hctx *handler.Context, topics *[]string) error {
	err := h.next.AuthSubscribe(ctx, hctx, topics)
	h.m.AuthTotal.WithLabelValues("subscribe", outcome(err)).Inc()
	return err
}

func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context, conn handler.Conn) error {
	front := frontLabel(hctx)

	h.mu.Lock()
	h.starts[hctx.SessionID] = time.Now()
	h.mu.Unlock()

	h.m.TunnelsActive.WithLabelValues(front).Inc()
	h.m.TunnelsTotal.WithLabelValues(front, hctx.Subprotocol).Inc()

	return h.next.OnConnect(ctx, hctx, &instrumentedConn{Conn: conn, m: h.m})
}

func (h *InstrumentedHandler) OnMessage(ctx context.Context, hctx *handler.Context, conn handler.Conn, f frame.Frame) error {
	h.m.FramesTotal.WithLabelValues("upstream", f.Opcode.String()).Inc()
	h.m.BytesTotal.WithLabelValues("upstream").Add(float64(len(f.Payload)))

	return h.next.OnMessage(ctx, hctx, &instrumentedConn{Conn: conn, m: h.m}, f)
}

// Open reports the number of currently open tunnels. Useful as a
// capacity source for health checks.
func (h *InstrumentedHandler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts)
}

func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	front := frontLabel(hctx)

	h.mu.Lock()
	start, ok := h.starts[hctx.SessionID]
	delete(h.starts, hctx.SessionID)
	h.mu.Unlock()

	h.m.TunnelsActive.WithLabelValues(front).Dec()
	if ok {
		h.m.TunnelDuration.WithLabelValues(front).Observe(time.Since(start).Seconds())
	}
	h.m.DisconnectsTotal.WithLabelValues(front, disconnectCause(reason)).Inc()

	return h.next.OnDisconnect(ctx, hctx, reason)
}

// instrumentedConn counts downstream sends and application closes.
type instrumentedConn struct {
	handler.Conn
	m *Metrics
}

func (c *instrumentedConn) Send(ctx context.Context, f frame.Frame) error {
	err := c.Conn.Send(ctx, f)
	if err == nil {
		c.m.FramesTotal.WithLabelValues("downstream", f.Opcode.String()).Inc()
		c.m.BytesTotal.WithLabelValues("downstream").Add(float64(len(f.Payload)))
	}
	return err
}

func (c *instrumentedConn) Close(code int, reason string) error {
	err := c.Conn.Close(code, reason)
	if err == nil {
		c.m.ClosesSent.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, mterrors.ErrRateLimited):
		return "rate_limited"
	default:
		return "rejected"
	}
}

func frontLabel(hctx *handler.Context) string {
	if hctx.Protocol == "" {
		return "unknown"
	}
	return hctx.Protocol
}

// disconnectCause folds free-text disconnect reasons into a bounded
// label set.
func disconnectCause(reason string) string {
	switch {
	case reason == "server shutting down":
		return "shutdown"
	case reason == "stream closed by peer":
		return "peer_eof"
	case reason == "connection terminated":
		return "transport"
	case reason == "inbound queue overflow":
		return "queue_overflow"
	case reason == "flow control violation":
		return "flow_violation"
	case reason == "close handshake timed out":
		return "close_timeout"
	case reason == "message exceeds limit":
		return "message_limit"
	case strings.HasPrefix(reason, "stream reset by peer"):
		return "peer_reset"
	default:
		// Remaining reasons carry peer-chosen close text.
		return "peer_close"
	}
}
