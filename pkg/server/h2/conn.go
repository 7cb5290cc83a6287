// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package h2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/handshake"
	"github.com/absmach/mtunnel/pkg/tunnel"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// RFC 7540 baseline values the connection starts from before the
// SETTINGS exchange moves them.
const (
	initialWindowSize = 65535
	maxReadFrameSize  = 16384
	headerTableSize   = 4096
)

// conn drives one accepted HTTP/2 connection: it owns the read loop,
// serializes frame writes, and translates frames into registry calls.
// It is also the registry's Transport, so sessions write through the
// same mutex the read loop uses for its answers.
type conn struct {
	nc     net.Conn
	br     *bufio.Reader
	fr     *http2.Framer
	reg    *tunnel.Registry
	logger *slog.Logger

	maxTunnels int

	wmu  sync.Mutex
	henc *hpack.Encoder
	hbuf bytes.Buffer

	lastStream  atomic.Uint32
	sawSettings bool

	closeOnce sync.Once
}

var _ tunnel.Transport = (*conn)(nil)

func newConn(nc net.Conn, cfg tunnel.Config, h handler.Handler, logger *slog.Logger) *conn {
	c := &conn{
		nc:         nc,
		br:         bufio.NewReaderSize(nc, 4096),
		logger:     logger,
		maxTunnels: cfg.MaxTunnels,
	}
	c.fr = http2.NewFramer(nc, c.br)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	c.fr.SetMaxReadFrameSize(maxReadFrameSize)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.reg = tunnel.NewRegistry(cfg, c, h, nc.RemoteAddr().String())
	return c
}

// serve reads frames until the connection dies. Tunnel semantics live
// in the registry; serve answers the connection-level frames itself and
// routes the rest. Stream-level decode errors reset one stream and keep
// the loop going, everything else ends the connection.
func (c *conn) serve(ctx context.Context) error {
	defer func() {
		c.reg.Teardown("connection terminated")
		c.nc.Close()
	}()

	if err := c.start(); err != nil {
		return err
	}

	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.logger.Debug("resetting malformed stream",
					slog.Uint64("stream", uint64(se.StreamID)),
					slog.String("error", err.Error()))
				c.WriteRST(se.StreamID, se.Code)
				c.reg.Reset(se.StreamID, se.Code)
				continue
			}
			return c.readFailed(err)
		}

		if !c.sawSettings {
			if _, ok := f.(*http2.SettingsFrame); !ok {
				c.goAway(http2.ErrCodeProtocol, "settings not first")
				return fmt.Errorf("first frame is %T, not SETTINGS", f)
			}
			c.sawSettings = true
		}

		switch f := f.(type) {
		case *http2.SettingsFrame:
			if err := c.handleSettings(f); err != nil {
				return err
			}
		case *http2.MetaHeadersFrame:
			if err := c.handleHeaders(ctx, f); err != nil {
				return err
			}
		case *http2.DataFrame:
			if err := c.handleData(f); err != nil {
				return err
			}
		case *http2.WindowUpdateFrame:
			if err := c.reg.WindowUpdate(f.Header().StreamID, f.Increment); err != nil {
				c.goAway(http2.ErrCodeFlowControl, "connection window violated")
				return err
			}
		case *http2.RSTStreamFrame:
			c.reg.Reset(f.Header().StreamID, f.ErrCode)
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writePing(f.Data)
			}
		case *http2.GoAwayFrame:
			c.logger.Debug("peer going away",
				slog.String("client", c.nc.RemoteAddr().String()),
				slog.String("code", f.ErrCode.String()))
		case *http2.PushPromiseFrame:
			c.goAway(http2.ErrCodeProtocol, "push from client")
			return errors.New("PUSH_PROMISE from client")
		case *http2.PriorityFrame:
			// Priorities are advisory and this server ignores them.
		default:
			// Unknown frame types must be ignored (RFC 7540 §4.1).
		}
	}
}

// start sends the server preface and consumes the client's. The
// SETTINGS advertise extended CONNECT support; the connection receive
// window is raised to its configured size right behind them.
func (c *conn) start() error {
	settings := []http2.Setting{
		{ID: http2.SettingEnableConnectProtocol, Val: 1},
		{ID: http2.SettingInitialWindowSize, Val: uint32(c.reg.RecvWindow())},
		{ID: http2.SettingMaxFrameSize, Val: maxReadFrameSize},
	}
	if c.maxTunnels > 0 {
		settings = append(settings, http2.Setting{
			ID:  http2.SettingMaxConcurrentStreams,
			Val: uint32(c.maxTunnels),
		})
	}

	c.wmu.Lock()
	err := c.fr.WriteSettings(settings...)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if delta := c.reg.ConnRecvWindow() - initialWindowSize; delta > 0 {
		if err := c.WriteWindowUpdate(0, uint32(delta)); err != nil {
			return fmt.Errorf("raising connection window: %w", err)
		}
	}

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}
	if !bytes.Equal(preface, []byte(http2.ClientPreface)) {
		return errors.New("invalid client preface")
	}
	return nil
}

// readFailed sends the farewell a fatal read error calls for. Stream
// errors never reach here, serve handles those inline.
func (c *conn) readFailed(err error) error {
	var ce http2.ConnectionError
	switch {
	case errors.As(err, &ce):
		c.goAway(http2.ErrCode(ce), "protocol violation")
	case errors.Is(err, http2.ErrFrameTooLarge):
		c.goAway(http2.ErrCodeFrameSize, "frame too large")
	}
	return err
}

// handleSettings applies the peer's settings and acks them. Initial
// window size and max frame size feed the registry; the rest are
// validated and left to the framer's defaults.
func (c *conn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	if err := f.ForeachSetting(c.applySetting); err != nil {
		code := http2.ErrCodeProtocol
		var ce http2.ConnectionError
		switch {
		case errors.As(err, &ce):
			code = http2.ErrCode(ce)
		case errors.Is(err, mterrors.ErrCreditViolation):
			code = http2.ErrCodeFlowControl
		}
		c.goAway(code, "invalid settings")
		return err
	}
	return c.writeSettingsAck()
}

func (c *conn) applySetting(s http2.Setting) error {
	if err := s.Valid(); err != nil {
		return err
	}
	switch s.ID {
	case http2.SettingInitialWindowSize:
		return c.reg.SetPeerInitialWindow(s.Val)
	case http2.SettingMaxFrameSize:
		c.reg.SetPeerMaxFrame(s.Val)
	}
	return nil
}

// handleHeaders admits a new tunnel. Handshake rejections are answered
// on the stream by the registry and leave the connection serving; only
// stream id misuse and transport failures are fatal here.
func (c *conn) handleHeaders(ctx context.Context, f *http2.MetaHeadersFrame) error {
	sid := f.Header().StreamID
	if sid%2 == 0 {
		c.goAway(http2.ErrCodeProtocol, "even stream id")
		return fmt.Errorf("client opened even stream %d", sid)
	}
	if sid <= c.lastStream.Load() {
		// HEADERS on an already used stream: trailers end it, anything
		// else is a replay.
		if f.StreamEnded() {
			return c.reg.Data(sid, nil, true)
		}
		c.goAway(http2.ErrCodeProtocol, "stream id reused")
		return fmt.Errorf("headers replayed on stream %d", sid)
	}
	c.lastStream.Store(sid)

	req := &handshake.Request{
		Method:    f.PseudoValue("method"),
		Scheme:    f.PseudoValue("scheme"),
		Authority: f.PseudoValue("authority"),
		Path:      f.PseudoValue("path"),
		Protocol:  f.PseudoValue("protocol"),
		Header:    headerFromFields(f.RegularFields()),
	}

	_, err := c.reg.Admit(ctx, sid, req)
	switch {
	case err == nil:
		if f.StreamEnded() {
			return c.reg.Data(sid, nil, true)
		}
		return nil
	case errors.Is(err, mterrors.ErrDuplicateStream):
		c.goAway(http2.ErrCodeProtocol, "stream id reused")
		return err
	case errors.Is(err, mterrors.ErrTransport):
		return err
	default:
		// Rejected on the stream; the connection keeps serving.
		return nil
	}
}

// handleData charges and routes tunneled bytes. Padding never reaches
// the tunnel, so its credit goes straight back to the peer.
func (c *conn) handleData(f *http2.DataFrame) error {
	sid := f.Header().StreamID
	data := f.Data()

	if pad := int(f.Header().Length) - len(data); pad > 0 {
		c.WriteWindowUpdate(0, uint32(pad))
		c.WriteWindowUpdate(sid, uint32(pad))
	}

	if err := c.reg.Data(sid, data, f.StreamEnded()); err != nil {
		c.goAway(http2.ErrCodeFlowControl, "connection window violated")
		return err
	}
	return nil
}

// headerFromFields converts decoded hpack fields to an http.Header,
// canonicalizing names on the way.
func headerFromFields(fields []hpack.HeaderField) http.Header {
	h := make(http.Header, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// WriteHeaders encodes and sends a response header block.
func (c *conn) WriteHeaders(streamID uint32, status int, header http.Header, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.hbuf.Reset()
	c.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for k, vv := range header {
		name := strings.ToLower(k)
		for _, v := range vv {
			c.henc.WriteField(hpack.HeaderField{Name: name, Value: v})
		}
	}

	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	if err != nil {
		c.abort(err)
	}
	return err
}

// WriteData sends one DATA frame.
func (c *conn) WriteData(streamID uint32, data []byte, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.fr.WriteData(streamID, endStream, data); err != nil {
		c.abort(err)
		return err
	}
	return nil
}

// WriteWindowUpdate grants receive credit back to the peer.
func (c *conn) WriteWindowUpdate(streamID uint32, increment uint32) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.fr.WriteWindowUpdate(streamID, increment); err != nil {
		c.abort(err)
		return err
	}
	return nil
}

// WriteRST resets one stream.
func (c *conn) WriteRST(streamID uint32, code http2.ErrCode) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.fr.WriteRSTStream(streamID, code); err != nil {
		c.abort(err)
		return err
	}
	return nil
}

func (c *conn) writeSettingsAck() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.fr.WriteSettingsAck(); err != nil {
		c.abort(err)
		return err
	}
	return nil
}

func (c *conn) writePing(data [8]byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.fr.WritePing(true, data); err != nil {
		c.abort(err)
	}
}

// goAway announces the last stream this server will process. The write
// error is dropped, the connection is on its way down either way.
func (c *conn) goAway(code http2.ErrCode, debug string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.fr.WriteGoAway(c.lastStream.Load(), code, []byte(debug))
}

// abort closes the socket so a connection that failed a write cannot
// keep its read loop parked forever.
func (c *conn) abort(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("closing connection after write failure",
			slog.String("client", c.nc.RemoteAddr().String()),
			slog.String("error", err.Error()))
		c.nc.Close()
	})
}

// shutdown runs the graceful farewell: GOAWAY, drain the tunnels, close
// the socket. The read loop notices the close and finishes teardown.
func (c *conn) shutdown(ctx context.Context, grace time.Duration) {
	c.goAway(http2.ErrCodeNo, "server shutting down")
	c.reg.Drain(ctx, grace)
	c.nc.Close()
}
