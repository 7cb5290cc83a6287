// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/flow"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/handshake"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

const (
	defaultQueueSize      = 128
	defaultRecvWindow     = 65535
	defaultConnRecvWindow = 1 << 20
	defaultCloseGrace     = 10 * time.Second

	// RFC 7540 initial values; the peer raises them through SETTINGS and
	// connection window updates.
	initialSendWindow = 65535
	initialMaxFrame   = 16384
)

// Config holds per-connection tunnel settings.
type Config struct {
	// MaxTunnels limits concurrently open tunnels on the connection.
	// Zero means unlimited.
	MaxTunnels int

	// QueueSize is the per-session inbound frame queue capacity.
	QueueSize int

	// RecvWindow is the advertised per-stream receive window.
	RecvWindow int32

	// ConnRecvWindow is the advertised connection receive window.
	ConnRecvWindow int32

	// MaxFramePayload rejects frames whose declared payload exceeds it.
	// Zero means unlimited.
	MaxFramePayload int64

	// MaxPendingBytes bounds outbound bytes queued per session before
	// Send sheds load. Zero means unlimited.
	MaxPendingBytes int64

	// CloseGrace is how long a closing handshake may stay incomplete
	// before the stream is reset.
	CloseGrace time.Duration

	// Subprotocols lists offered subprotocols in preference order.
	Subprotocols []string

	// Inspectors maps a negotiated subprotocol to the parser inspecting
	// its payloads.
	Inspectors map[string]parser.Parser

	// ClientCert is the client's TLS certificate when the connection uses
	// mTLS. Exposed to handlers through the session context.
	ClientCert *x509.Certificate

	// Logger receives tunnel lifecycle events.
	Logger *slog.Logger
}

// Registry tracks every tunnel multiplexed over one HTTP/2 connection,
// keyed by stream ID, and owns the connection-level flow control state
// they share.
type Registry struct {
	cfg        Config
	transport  Transport
	handler    handler.Handler
	negotiator *handshake.Negotiator
	remoteAddr string
	logger     *slog.Logger

	connWin   *flow.Window
	connTrack *flow.Tracker
	maxFrame  atomic.Int32

	mu          sync.RWMutex
	sessions    map[uint32]*Session
	initialSend int32
	down        bool
}

// NewRegistry creates a registry for one accepted connection.
func NewRegistry(cfg Config, t Transport, h handler.Handler, remoteAddr string) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.ConnRecvWindow <= 0 {
		cfg.ConnRecvWindow = defaultConnRecvWindow
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}

	r := &Registry{
		cfg:        cfg,
		transport:  t,
		handler:    h,
		negotiator: &handshake.Negotiator{Subprotocols: cfg.Subprotocols},
		remoteAddr: remoteAddr,
		logger:     cfg.Logger,
		connWin:    flow.NewWindow(initialSendWindow),
		connTrack:  flow.NewTracker(cfg.ConnRecvWindow),
		sessions:   make(map[uint32]*Session),

		initialSend: initialSendWindow,
	}
	r.maxFrame.Store(initialMaxFrame)
	return r
}

// Admit runs the extended CONNECT handshake for a new stream. On success
// the response headers are written, the session is opened and returned.
// A rejection answers the stream with the rejection status and leaves
// the connection and every other tunnel untouched.
func (r *Registry) Admit(ctx context.Context, streamID uint32, req *handshake.Request) (*Session, error) {
	res, err := r.negotiator.Negotiate(req)
	if err != nil {
		var rej *handshake.Rejection
		if errors.As(err, &rej) {
			r.transport.WriteHeaders(streamID, rej.Status, rej.Header, true)
		}
		r.logger.Debug("handshake rejected",
			slog.Uint64("stream", uint64(streamID)),
			slog.String("client", r.remoteAddr),
			slog.String("error", err.Error()))
		return nil, err
	}

	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		r.transport.WriteHeaders(streamID, http.StatusServiceUnavailable, nil, true)
		return nil, fmt.Errorf("%w: connection draining", mterrors.ErrHandshakeRejected)
	}
	if _, ok := r.sessions[streamID]; ok {
		r.mu.Unlock()
		return nil, mterrors.New("admit", "", streamID, r.remoteAddr, mterrors.ErrDuplicateStream)
	}
	if r.cfg.MaxTunnels > 0 && len(r.sessions) >= r.cfg.MaxTunnels {
		r.mu.Unlock()
		r.transport.WriteHeaders(streamID, http.StatusServiceUnavailable, nil, true)
		r.logger.Warn("tunnel limit reached, rejecting stream",
			slog.Int("limit", r.cfg.MaxTunnels),
			slog.String("client", r.remoteAddr))
		return nil, fmt.Errorf("%w: %w (%d)", mterrors.ErrHandshakeRejected, mterrors.ErrTunnelLimit, r.cfg.MaxTunnels)
	}

	sessionID := uuid.New().String()
	sessCtx, sessCancel := context.WithCancel(ctx)

	s := &Session{
		ID:       sessionID,
		StreamID: streamID,
		Context: &handler.Context{
			SessionID:   sessionID,
			StreamID:    streamID,
			RemoteAddr:  r.remoteAddr,
			Authority:   req.Authority,
			Path:        req.Path,
			Subprotocol: res.Subprotocol,
			Protocol:    "h2",
			Cert:        r.cfg.ClientCert,
		},
		reg:       r,
		transport: r.transport,
		handler:   r.handler,
		inspector: r.cfg.Inspectors[res.Subprotocol],
		logger:    r.logger,
		sendWin:   flow.NewWindow(r.initialSend),
		connWin:   r.connWin,
		track:     flow.NewTracker(r.cfg.RecvWindow),
		connTrack: r.connTrack,
		dec:       &frame.Decoder{RequireMask: true, MaxPayload: r.cfg.MaxFramePayload},
		inbound:   make(chan inboundItem, r.cfg.QueueSize),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
		state:     Negotiating,
	}
	r.sessions[streamID] = s
	r.mu.Unlock()

	if err := r.handler.AuthConnect(sessCtx, s.Context); err != nil {
		r.take(streamID)
		sessCancel()
		status := http.StatusForbidden
		if errors.Is(err, mterrors.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		r.transport.WriteHeaders(streamID, status, nil, true)
		r.logger.Warn("connection not authorized",
			slog.String("session", sessionID),
			slog.String("client", r.remoteAddr),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", mterrors.ErrHandshakeRejected, err)
	}

	if err := r.transport.WriteHeaders(streamID, res.Status, res.Header, false); err != nil {
		r.take(streamID)
		sessCancel()
		s.flushWindow()
		return nil, mterrors.New("admit", sessionID, streamID, r.remoteAddr,
			fmt.Errorf("%w: %s", mterrors.ErrTransport, err))
	}

	s.open()

	r.logger.Info("tunnel opened",
		slog.String("session", sessionID),
		slog.Uint64("stream", uint64(streamID)),
		slog.String("client", r.remoteAddr),
		slog.String("subprotocol", res.Subprotocol))

	return s, nil
}

// Data routes tunneled bytes to the session on a stream. The bytes are
// charged against the connection receive window first; an overrun there
// poisons the whole connection and is returned to the driver.
func (r *Registry) Data(streamID uint32, data []byte, endStream bool) error {
	n := int32(len(data))
	if n > 0 {
		if err := r.connTrack.Receive(n); err != nil {
			return mterrors.New("data", "", streamID, r.remoteAddr, err)
		}
	}

	r.mu.RLock()
	s := r.sessions[streamID]
	r.mu.RUnlock()

	if s == nil {
		// No tunnel will drain these bytes; grant them back right away.
		if n > 0 {
			if inc := r.connTrack.Release(n); inc > 0 {
				r.transport.WriteWindowUpdate(0, uint32(inc))
			}
		}
		return nil
	}

	s.receive(data, endStream)
	return nil
}

// WindowUpdate applies peer credit to the connection, for stream zero,
// or to one stream's send window. Connection-level violations are
// returned to the driver; stream-level violations reset that stream
// only. Updates for unknown streams are dropped, they lost a race with
// teardown.
func (r *Registry) WindowUpdate(streamID uint32, increment uint32) error {
	if streamID == 0 {
		if err := r.connWin.Grant(int32(increment)); err != nil {
			return mterrors.New("window_update", "", 0, r.remoteAddr, err)
		}
		return nil
	}

	r.mu.RLock()
	s := r.sessions[streamID]
	r.mu.RUnlock()
	if s == nil {
		return nil
	}

	if err := s.sendWin.Grant(int32(increment)); err != nil {
		r.logger.Error("send window violation",
			slog.String("session", s.ID),
			slog.Uint64("stream", uint64(streamID)),
			slog.String("error", err.Error()))
		r.transport.WriteRST(streamID, http2.ErrCodeFlowControl)
		s.shutdown("flow control violation")
	}
	return nil
}

// Reset tears down the session on a stream after a peer reset. The
// stream is already dead, so nothing is written back. Unknown streams
// are ignored, which makes duplicate resets safe.
func (r *Registry) Reset(streamID uint32, code http2.ErrCode) {
	r.mu.RLock()
	s := r.sessions[streamID]
	r.mu.RUnlock()
	if s == nil {
		return
	}
	s.shutdown(fmt.Sprintf("stream reset by peer: %s", code))
}

// Remove drops a session from the registry. Unknown streams are a no-op.
func (r *Registry) Remove(streamID uint32) {
	r.mu.Lock()
	delete(r.sessions, streamID)
	r.mu.Unlock()
}

// take removes and returns a session in one step.
func (r *Registry) take(streamID uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamID]
	if !ok {
		return nil
	}
	delete(r.sessions, streamID)
	return s
}

// SetPeerInitialWindow applies a SETTINGS_INITIAL_WINDOW_SIZE change.
// The delta adjusts every tracked stream window and may push some
// negative (RFC 7540 §6.9.2); those writers suspend until the peer
// grants the difference back.
func (r *Registry) SetPeerInitialWindow(v uint32) error {
	if v > 1<<31-1 {
		return mterrors.New("settings", "", 0, r.remoteAddr,
			fmt.Errorf("%w: initial window %d", mterrors.ErrCreditViolation, v))
	}

	r.mu.Lock()
	delta := int32(v) - r.initialSend
	r.initialSend = int32(v)
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if delta == 0 {
		return nil
	}
	for _, s := range sessions {
		if err := s.sendWin.Adjust(delta); err != nil {
			r.transport.WriteRST(s.StreamID, http2.ErrCodeFlowControl)
			s.shutdown("flow control violation")
		}
	}
	return nil
}

// SetPeerMaxFrame records the peer's SETTINGS_MAX_FRAME_SIZE, the chunk
// ceiling for stream writes. Out-of-range values are ignored; the driver
// rejects them at the protocol level.
func (r *Registry) SetPeerMaxFrame(v uint32) {
	if v >= 16384 && v <= 1<<24-1 {
		r.maxFrame.Store(int32(v))
	}
}

// peerMaxFrame returns the current chunk ceiling for stream writes.
func (r *Registry) peerMaxFrame() int32 {
	return r.maxFrame.Load()
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RecvWindow returns the effective per-stream receive window, for the
// driver to advertise as SETTINGS_INITIAL_WINDOW_SIZE.
func (r *Registry) RecvWindow() int32 {
	return r.cfg.RecvWindow
}

// ConnRecvWindow returns the effective connection receive window. The
// driver advertises the part above the RFC 7540 initial 65535 with a
// connection WINDOW_UPDATE.
func (r *Registry) ConnRecvWindow() int32 {
	return r.cfg.ConnRecvWindow
}

// Drain asks every open tunnel to close, waits for the handshakes to
// finish, and force closes whatever remains after the timeout. New
// admissions are refused while draining.
func (r *Registry) Drain(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	r.down = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	r.logger.Info("draining tunnels", slog.Int("count", len(sessions)))

	for _, s := range sessions {
		s.Close(frame.CloseGoingAway, "server shutting down")
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			r.logger.Info("all tunnels drained")
			return
		}
		select {
		case <-ctx.Done():
			r.Teardown("connection terminated")
			return
		case <-deadline:
			r.logger.Warn("drain timeout exceeded, forcing closure")
			r.Teardown("connection terminated")
			return
		case <-ticker.C:
		}
	}
}

// Teardown force closes every session, for connection loss or server
// shutdown. Each tunnel observes exactly one disconnect; suspended
// writers wake with a transport error.
func (r *Registry) Teardown(reason string) {
	if reason == "" {
		reason = "connection terminated"
	}

	r.mu.Lock()
	r.down = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	closeErr := fmt.Errorf("%w: %s", mterrors.ErrTransport, reason)
	r.connWin.Close(closeErr)

	for _, s := range sessions {
		s.sendWin.Close(closeErr)
		s.shutdown(reason)
	}

	if len(sessions) > 0 {
		r.logger.Info("tunnels terminated",
			slog.Int("count", len(sessions)),
			slog.String("reason", reason))
	}
}
