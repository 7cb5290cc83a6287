// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/flow"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"golang.org/x/net/http2"
)

// State tracks the lifecycle of a tunnel session.
type State int

const (
	// Negotiating means the extended CONNECT request was admitted but the
	// success response has not been sent yet.
	Negotiating State = iota

	// Open means frames flow in both directions.
	Open

	// Closing means a close frame was sent or received and the session is
	// waiting for the closing handshake to complete.
	Closing

	// Closed is terminal: the stream is finished or reset and the
	// disconnect callback has fired.
	Closed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type itemKind int

const (
	itemFrame itemKind = iota
	itemPing
	itemClose
	itemEOF
	itemRelease
)

// inboundItem is one unit of work for the delivery goroutine: a decoded
// frame plus the wire bytes it occupied, which are granted back to the
// peer once the item is consumed.
type inboundItem struct {
	kind itemKind
	f    frame.Frame
	cost int32
}

// Session is one WebSocket tunnel carried over an HTTP/2 stream. All
// inbound frames are decoded on the connection read goroutine and
// delivered in order by a per-session goroutine, so a slow message
// handler on one tunnel never stalls decoding for the others.
type Session struct {
	// ID is a unique identifier for this session.
	ID string

	// StreamID is the HTTP/2 stream carrying the tunnel.
	StreamID uint32

	// Context is the handler context for this session.
	Context *handler.Context

	reg       *Registry
	transport Transport
	handler   handler.Handler
	inspector parser.Parser
	logger    *slog.Logger

	// sendWin and connWin hold outbound credit; track and connTrack do
	// the inbound accounting. connWin and connTrack are shared by every
	// session on the connection.
	sendWin   *flow.Window
	connWin   *flow.Window
	track     *flow.Tracker
	connTrack *flow.Tracker

	// dec is touched only by the connection read goroutine.
	dec *frame.Decoder

	inbound chan inboundItem
	done    chan struct{}

	// ctx and cancel are used to terminate the session
	ctx    context.Context
	cancel context.CancelFunc

	// wmu serializes writers so the chunks of one frame never interleave
	// with another write on the stream.
	wmu  sync.Mutex
	wbuf []byte

	mu          sync.Mutex
	state       State
	sentClose   bool
	recvClose   bool
	loopStarted bool
	graceTimer  *time.Timer

	pending  atomic.Int64 // outbound wire bytes not yet flushed
	received atomic.Int64 // inbound wire bytes charged to the windows
	released atomic.Int64 // inbound wire bytes granted back

	closeOnce sync.Once
}

var _ handler.Conn = (*Session)(nil)

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// open promotes the session after the success response was written and
// starts the delivery goroutine.
func (s *Session) open() {
	s.mu.Lock()
	s.state = Open
	s.loopStarted = true
	s.mu.Unlock()

	go s.deliverLoop()

	if err := s.handler.OnConnect(s.ctx, s.Context, s); err != nil {
		s.logger.Error("connect handler error",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
		s.Close(frame.CloseInternalErr, "connect rejected")
	}
}

// receive decodes tunneled bytes arriving on the stream. It runs on the
// connection read goroutine and never blocks: frames are handed to the
// delivery goroutine through a bounded queue.
func (s *Session) receive(data []byte, endStream bool) {
	if n := int32(len(data)); n > 0 {
		s.received.Add(int64(n))

		if s.State() == Closed {
			// Late data raced the teardown; hand its credit straight back.
			s.flushWindow()
			return
		}

		if err := s.track.Receive(n); err != nil {
			s.logger.Error("receive window overrun",
				slog.String("session", s.ID),
				slog.Uint64("stream", uint64(s.StreamID)),
				slog.String("error", err.Error()))
			s.transport.WriteRST(s.StreamID, http2.ErrCodeFlowControl)
			s.shutdown("flow control violation")
			return
		}

		frames, err := s.dec.Decode(data)
		for i := range frames {
			s.ingest(&frames[i])
		}
		if err != nil {
			s.fail(frame.CloseProtocolError, "malformed frame", err)
			return
		}
	}

	if endStream {
		s.enqueue(inboundItem{kind: itemEOF})
	}
}

// ingest routes one decoded frame. Pongs are consumed here; everything
// else flows through the delivery queue so ordering is preserved.
func (s *Session) ingest(f *frame.Frame) {
	cost := wireCost(f)

	if f.Opcode == frame.OpPong {
		// Keepalive acknowledgment, nothing to deliver.
		s.releaseOnLoop(cost)
		return
	}

	it := inboundItem{kind: itemFrame, f: *f, cost: cost}
	switch f.Opcode {
	case frame.OpPing:
		it.kind = itemPing
	case frame.OpClose:
		it.kind = itemClose
	}
	s.enqueue(it)
}

// enqueue hands an item to the delivery goroutine. A full queue means
// the application stopped draining; the session is reset rather than
// letting one tunnel stall the connection read goroutine.
func (s *Session) enqueue(it inboundItem) {
	select {
	case s.inbound <- it:
	default:
		s.logger.Warn("inbound queue full, resetting stream",
			slog.String("session", s.ID),
			slog.Uint64("stream", uint64(s.StreamID)))
		s.transport.WriteRST(s.StreamID, http2.ErrCodeEnhanceYourCalm)
		s.shutdown("inbound queue overflow")
	}
}

// releaseOnLoop forwards a credit release to the delivery goroutine so
// every grant is issued from one place.
func (s *Session) releaseOnLoop(cost int32) {
	s.enqueue(inboundItem{kind: itemRelease, cost: cost})
}

// deliverLoop consumes the inbound queue in FIFO order. It is the only
// goroutine that calls OnMessage and the only one that grants credit
// back while the session lives.
func (s *Session) deliverLoop() {
	defer s.flushWindow()

	for {
		select {
		case it := <-s.inbound:
			select {
			case <-s.done:
				// Forced teardown discards whatever is still queued.
				return
			default:
			}
			switch it.kind {
			case itemPing:
				pong := frame.Frame{FIN: true, Opcode: frame.OpPong, Payload: it.f.Payload}
				if err := s.sendFrame(s.ctx, &pong); err != nil {
					s.logger.Debug("pong not sent",
						slog.String("session", s.ID),
						slog.String("error", err.Error()))
				}
				s.release(it.cost)
			case itemClose:
				s.finishClose(&it.f)
				return
			case itemEOF:
				// Peer finished the stream without a closing handshake.
				s.transport.WriteData(s.StreamID, nil, true)
				s.shutdown("stream closed by peer")
				return
			case itemRelease:
				s.release(it.cost)
			default:
				s.deliver(&it.f)
				s.release(it.cost)
			}
		case <-s.done:
			return
		}
	}
}

// deliver runs the subprotocol inspector and the message handler for one
// data frame.
func (s *Session) deliver(f *frame.Frame) {
	if s.inspector != nil {
		out, err := s.inspector.Parse(s.ctx, f.Payload, parser.Upstream, s.handler, s.Context)
		if err != nil {
			s.logger.Warn("message rejected",
				slog.String("session", s.ID),
				slog.String("error", err.Error()))
			s.Close(frame.ClosePolicyViolation, "message rejected")
			return
		}
		f.Payload = out
	}

	if err := s.handler.OnMessage(s.ctx, s.Context, s, *f); err != nil {
		s.logger.Error("message handler error",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
		s.Close(frame.CloseInternalErr, "message handler error")
	}
}

// finishClose completes the closing handshake after the peer's close
// frame: echo a close if we have not sent one, finish the stream without
// a reset, and fire the disconnect callback.
func (s *Session) finishClose(f *frame.Frame) {
	code, reason := frame.ParseClose(f.Payload)

	s.mu.Lock()
	s.recvClose = true
	echo := !s.sentClose
	s.sentClose = true
	if s.state == Open {
		s.state = Closing
	}
	// The echo below can wait on a writer parked on exhausted credit;
	// the grace deadline bounds that wait.
	s.startGraceLocked()
	s.mu.Unlock()

	if echo {
		cf := frame.Frame{FIN: true, Opcode: frame.OpClose, Payload: frame.FormatClose(code, "")}
		if err := s.sendFrame(s.ctx, &cf); err != nil {
			s.logger.Debug("close echo not sent",
				slog.String("session", s.ID),
				slog.String("error", err.Error()))
		}
	}
	s.transport.WriteData(s.StreamID, nil, true)

	if reason == "" {
		reason = fmt.Sprintf("close status %d", code)
	}
	s.shutdown(reason)
}

// Send encodes one frame and writes it to the stream, suspending while
// send credit is exhausted. Writes are chunked to the peer's maximum
// frame size so one large message cannot monopolize connection credit.
// Concurrent calls are serialized in arrival order.
func (s *Session) Send(ctx context.Context, f frame.Frame) error {
	if st := s.State(); st != Open {
		return mterrors.New("send", s.ID, s.StreamID, s.Context.RemoteAddr,
			fmt.Errorf("%w: state %s", mterrors.ErrSessionClosed, st))
	}

	if s.inspector != nil && f.Opcode.IsData() {
		out, err := s.inspector.Parse(ctx, f.Payload, parser.Downstream, s.handler, s.Context)
		if err != nil {
			return mterrors.New("send", s.ID, s.StreamID, s.Context.RemoteAddr, err)
		}
		f.Payload = out
	}

	// Bound the bytes parked behind the writer lock before suspending,
	// so callers can shed load instead of queueing without limit.
	size := int64(len(f.Payload) + frame.MaxHeaderSize)
	if max := s.reg.cfg.MaxPendingBytes; max > 0 && s.pending.Add(size) > max {
		s.pending.Add(-size)
		return mterrors.New("send", s.ID, s.StreamID, s.Context.RemoteAddr,
			fmt.Errorf("%w: outbound queue over %d bytes", mterrors.ErrBackpressure, max))
	}
	defer s.pending.Add(-size)

	return s.sendFrame(ctx, &f)
}

// sendFrame serializes one frame onto the stream in credit-sized chunks.
func (s *Session) sendFrame(ctx context.Context, f *frame.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	wire, err := frame.AppendFrame(s.wbuf[:0], f)
	if err != nil {
		return mterrors.New("send", s.ID, s.StreamID, s.Context.RemoteAddr, err)
	}
	s.wbuf = wire[:0]

	chunk := s.reg.peerMaxFrame()
	for off := 0; off < len(wire); {
		want := int32(len(wire) - off)
		if want > chunk {
			want = chunk
		}
		n, err := flow.ReserveBoth(ctx, s.connWin, s.sendWin, want)
		if err != nil {
			return mterrors.New("send", s.ID, s.StreamID, s.Context.RemoteAddr, err)
		}
		if err := s.transport.WriteData(s.StreamID, wire[off:off+int(n)], false); err != nil {
			return mterrors.New("send", s.ID, s.StreamID, s.Context.RemoteAddr,
				fmt.Errorf("%w: %s", mterrors.ErrTransport, err))
		}
		off += int(n)
	}
	return nil
}

// Close starts the closing handshake: a close frame is sent and the
// session waits, up to the configured grace period, for the peer to
// echo before the stream is finished. Calling Close more than once, or
// after the peer already closed, is a no-op.
func (s *Session) Close(code int, reason string) error {
	s.mu.Lock()
	if s.state == Closed || s.sentClose {
		s.mu.Unlock()
		return nil
	}
	s.sentClose = true
	s.state = Closing
	s.startGraceLocked()
	s.mu.Unlock()

	cf := frame.Frame{FIN: true, Opcode: frame.OpClose, Payload: frame.FormatClose(code, reason)}
	if err := s.sendFrame(s.ctx, &cf); err != nil {
		return err
	}
	return nil
}

// startGraceLocked arms the close handshake deadline. Callers hold s.mu.
func (s *Session) startGraceLocked() {
	if s.graceTimer != nil {
		return
	}
	s.graceTimer = time.AfterFunc(s.reg.cfg.CloseGrace, func() {
		s.transport.WriteRST(s.StreamID, http2.ErrCodeNo)
		s.shutdown("close handshake timed out")
	})
}

// fail closes the tunnel after a protocol violation: a best effort close
// frame so the peer learns why, then a reset. This path runs on the
// connection read goroutine and must not block, so the close frame is
// skipped when the writer is busy or credit is exhausted.
func (s *Session) fail(code int, reason string, cause error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	skip := s.sentClose || s.state == Negotiating
	s.sentClose = true
	s.state = Closing
	s.mu.Unlock()

	s.logger.Warn("closing tunnel",
		slog.String("session", s.ID),
		slog.Uint64("stream", uint64(s.StreamID)),
		slog.String("reason", reason),
		slog.String("error", cause.Error()))

	if !skip {
		s.tryClose(code, reason)
	}
	s.transport.WriteRST(s.StreamID, http2.ErrCodeProtocol)
	s.shutdown(reason)
}

// tryClose writes a close frame only if the writer lock and enough
// credit are immediately available.
func (s *Session) tryClose(code int, reason string) {
	if !s.wmu.TryLock() {
		return
	}
	defer s.wmu.Unlock()

	f := frame.Frame{FIN: true, Opcode: frame.OpClose, Payload: frame.FormatClose(code, reason)}
	wire, err := frame.AppendFrame(s.wbuf[:0], &f)
	if err != nil {
		return
	}
	s.wbuf = wire[:0]

	need := int32(len(wire))
	n := s.sendWin.TryReserve(need)
	if n < need {
		s.sendWin.Refund(n)
		return
	}
	m := s.connWin.TryReserve(need)
	if m < need {
		s.connWin.Refund(m)
		s.sendWin.Refund(need)
		return
	}
	s.transport.WriteData(s.StreamID, wire, false)
}

// shutdown makes the session terminal. It is safe to call from any
// goroutine and from multiple paths; the disconnect callback fires
// exactly once.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		started := s.loopStarted
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		s.sendWin.Close(nil)

		// Sessions torn down before opening have no delivery goroutine
		// to return their window occupancy.
		if !started {
			s.flushWindow()
		}

		s.reg.Remove(s.StreamID)

		if err := s.handler.OnDisconnect(context.Background(), s.Context, reason); err != nil {
			s.logger.Error("disconnect handler error",
				slog.String("session", s.ID),
				slog.String("error", err.Error()))
		}

		s.logger.Debug("tunnel closed",
			slog.String("session", s.ID),
			slog.Uint64("stream", uint64(s.StreamID)),
			slog.String("reason", reason))
	})
}

// release grants the wire bytes of one consumed frame back to the peer,
// coalesced by the trackers. Runs on the delivery goroutine.
func (s *Session) release(n int32) {
	if n <= 0 {
		return
	}
	s.released.Add(int64(n))
	if inc := s.track.Release(n); inc > 0 {
		s.transport.WriteWindowUpdate(s.StreamID, uint32(inc))
	}
	if inc := s.connTrack.Release(n); inc > 0 {
		s.transport.WriteWindowUpdate(0, uint32(inc))
	}
}

// flushWindow returns every received-but-unreleased byte to the shared
// connection window. Bytes held by a dead session would otherwise shrink
// the window for every other tunnel on the connection.
func (s *Session) flushWindow() {
	for {
		rec := s.received.Load()
		rel := s.released.Load()
		rem := rec - rel
		if rem <= 0 {
			return
		}
		if !s.released.CompareAndSwap(rel, rec) {
			continue
		}
		if inc := s.connTrack.Release(int32(rem)); inc > 0 {
			s.transport.WriteWindowUpdate(0, uint32(inc))
		}
		return
	}
}

// wireCost is the number of stream bytes a decoded frame occupied,
// header and masking key included. Credit is charged per wire byte, so
// grants must be too.
func wireCost(f *frame.Frame) int32 {
	n := 2 + len(f.Payload)
	switch {
	case len(f.Payload) > 65535:
		n += 8
	case len(f.Payload) > 125:
		n += 2
	}
	if f.Masked {
		n += 4
	}
	return int32(n)
}
