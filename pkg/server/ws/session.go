// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/gorilla/websocket"
)

// session is one upgraded WebSocket connection. The protocol machinery
// the HTTP/2 front builds by hand, frame decoding, ping answering, the
// closing handshake, comes from gorilla here; the session adds the
// handler pipeline on top. Backpressure is the TCP window: a slow
// client makes Send block until the write deadline trips.
type session struct {
	id        string
	conn      *websocket.Conn
	hctx      *handler.Context
	handler   handler.Handler
	inspector parser.Parser
	logger    *slog.Logger

	writeTimeout time.Duration
	closeGrace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// wmu serializes writers; gorilla allows one concurrent writer.
	wmu sync.Mutex

	mu        sync.Mutex
	sentClose bool
	closed    bool

	closeOnce sync.Once
}

var _ handler.Conn = (*session)(nil)

// run delivers inbound messages until the connection dies. It blocks
// the upgrade's ServeHTTP goroutine, which is the read loop.
func (s *session) run() {
	if err := s.handler.OnConnect(s.ctx, s.hctx, s); err != nil {
		s.logger.Error("connect handler error",
			slog.String("session", s.id),
			slog.String("error", err.Error()))
		s.Close(frame.CloseInternalErr, "connect rejected")
	}

	for {
		mt, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(closeReason(err))
			return
		}
		s.deliver(frame.Frame{FIN: true, Opcode: opcodeOf(mt), Payload: payload})
	}
}

// deliver runs the subprotocol inspector and the message handler for
// one reassembled message.
func (s *session) deliver(f frame.Frame) {
	if s.inspector != nil {
		out, err := s.inspector.Parse(s.ctx, f.Payload, parser.Upstream, s.handler, s.hctx)
		if err != nil {
			s.logger.Warn("message rejected",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
			s.Close(frame.ClosePolicyViolation, "message rejected")
			return
		}
		f.Payload = out
	}

	if err := s.handler.OnMessage(s.ctx, s.hctx, s, f); err != nil {
		s.logger.Error("message handler error",
			slog.String("session", s.id),
			slog.String("error", err.Error()))
		s.Close(frame.CloseInternalErr, "message handler error")
	}
}

// Send transmits a frame to the peer. Messages are written whole;
// gorilla reassembles inbound fragments, so outbound continuation
// frames have nothing to continue and are refused.
func (s *session) Send(ctx context.Context, f frame.Frame) error {
	s.mu.Lock()
	down := s.closed || s.sentClose
	s.mu.Unlock()
	if down {
		return mterrors.New("send", s.id, 0, s.hctx.RemoteAddr, mterrors.ErrSessionClosed)
	}

	if s.inspector != nil && f.Opcode.IsData() {
		out, err := s.inspector.Parse(ctx, f.Payload, parser.Downstream, s.handler, s.hctx)
		if err != nil {
			return mterrors.New("send", s.id, 0, s.hctx.RemoteAddr, err)
		}
		f.Payload = out
	}

	switch f.Opcode {
	case frame.OpText, frame.OpBinary:
		if !f.FIN {
			return mterrors.New("send", s.id, 0, s.hctx.RemoteAddr,
				fmt.Errorf("%w: fragmented send", mterrors.ErrFrameMalformed))
		}
		return s.writeMessage(messageType(f.Opcode), f.Payload)
	case frame.OpPing:
		return s.writeControl(websocket.PingMessage, f.Payload)
	case frame.OpPong:
		return s.writeControl(websocket.PongMessage, f.Payload)
	case frame.OpClose:
		code, reason := frame.ParseClose(f.Payload)
		return s.Close(code, reason)
	default:
		return mterrors.New("send", s.id, 0, s.hctx.RemoteAddr,
			fmt.Errorf("%w: opcode %s", mterrors.ErrFrameMalformed, f.Opcode))
	}
}

func (s *session) writeMessage(mt int, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(mt, payload); err != nil {
		return mterrors.New("send", s.id, 0, s.hctx.RemoteAddr,
			fmt.Errorf("%w: %s", mterrors.ErrTransport, err))
	}
	return nil
}

func (s *session) writeControl(mt int, payload []byte) error {
	if err := s.conn.WriteControl(mt, payload, time.Now().Add(s.writeTimeout)); err != nil {
		return mterrors.New("send", s.id, 0, s.hctx.RemoteAddr,
			fmt.Errorf("%w: %s", mterrors.ErrTransport, err))
	}
	return nil
}

// Close starts the closing handshake. The read loop stays up to receive
// the peer's echo; the read deadline bounds how long a silent peer can
// hold the connection. Calling Close more than once is a no-op.
func (s *session) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed || s.sentClose {
		s.mu.Unlock()
		return nil
	}
	s.sentClose = true
	s.mu.Unlock()

	payload := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(s.writeTimeout)); err != nil {
		return mterrors.New("close", s.id, 0, s.hctx.RemoteAddr,
			fmt.Errorf("%w: %s", mterrors.ErrTransport, err))
	}
	s.conn.SetReadDeadline(time.Now().Add(s.closeGrace))
	return nil
}

// finish makes the session terminal: the disconnect callback fires
// exactly once.
func (s *session) finish(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.conn.Close()

		if err := s.handler.OnDisconnect(context.Background(), s.hctx, reason); err != nil {
			s.logger.Error("disconnect handler error",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}

		s.logger.Debug("websocket connection closed",
			slog.String("session", s.id),
			slog.String("reason", reason))
	})
}

// closeReason maps a terminal read error to the disconnect reason,
// using the same vocabulary on both fronts.
func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("close status %d", ce.Code)
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return "message exceeds limit"
	}
	return "connection terminated"
}

// messageType maps a data opcode to the gorilla message type.
func messageType(op frame.Opcode) int {
	if op == frame.OpText {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

// opcodeOf maps a gorilla message type to the frame opcode.
func opcodeOf(mt int) frame.Opcode {
	if mt == websocket.TextMessage {
		return frame.OpText
	}
	return frame.OpBinary
}
