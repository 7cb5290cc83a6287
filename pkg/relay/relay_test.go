// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/pool"
)

type pipeDialer struct {
	server chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{server: make(chan net.Conn, 4)}
}

func (d *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	d.server <- server
	return client, nil
}

type closeCall struct {
	code   int
	reason string
}

type mockConn struct {
	sendErr error
	sent    chan frame.Frame
	closed  chan closeCall
}

func newMockConn() *mockConn {
	return &mockConn{
		sent:   make(chan frame.Frame, 16),
		closed: make(chan closeCall, 4),
	}
}

func (c *mockConn) Send(ctx context.Context, f frame.Frame) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case c.sent <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *mockConn) Close(code int, reason string) error {
	c.closed <- closeCall{code: code, reason: reason}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, cfg Config) (*Handler, *pipeDialer, *pool.Pool) {
	t.Helper()

	d := newPipeDialer()
	p := pool.New(d.dial, pool.Config{
		MaxActive:   4,
		DialTimeout: time.Second,
	})
	t.Cleanup(func() { p.Close() })

	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return New(cfg, p), d, p
}

func waitFrame(t *testing.T, ch chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for downstream frame")
		return frame.Frame{}
	}
}

func waitClose(t *testing.T, ch chan closeCall) closeCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for tunnel close")
		return closeCall{}
	}
}

func TestRelay_RoundTrip(t *testing.T) {
	h, d, p := newTestRelay(t, Config{})
	mc := newMockConn()
	hctx := &handler.Context{SessionID: "session-1", RemoteAddr: "client:1234"}

	if err := h.OnConnect(context.Background(), hctx, mc); err != nil {
		t.Fatalf("OnConnect failed: %v", err)
	}
	backend := <-d.server

	// Upstream: tunnel message lands on the backend as raw bytes.
	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := backend.Read(buf)
		if err != nil {
			readDone <- nil
			return
		}
		readDone <- buf[:n]
	}()

	f := frame.Frame{FIN: true, Opcode: frame.OpText, Payload: []byte("hello")}
	if err := h.OnMessage(context.Background(), hctx, mc, f); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}

	select {
	case got := <-readDone:
		if !bytes.Equal(got, []byte("hello")) {
			t.Errorf("Backend received %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for backend read")
	}

	// Downstream: backend bytes come back as a binary message.
	go backend.Write([]byte("world"))

	down := waitFrame(t, mc.sent)
	if down.Opcode != frame.OpBinary {
		t.Errorf("Expected binary opcode, got %v", down.Opcode)
	}
	if !down.FIN {
		t.Error("Expected FIN set on downstream message")
	}
	if !bytes.Equal(down.Payload, []byte("world")) {
		t.Errorf("Downstream payload %q, want %q", down.Payload, "world")
	}

	if err := h.OnDisconnect(context.Background(), hctx, "stream closed by peer"); err != nil {
		t.Fatalf("OnDisconnect failed: %v", err)
	}

	idle, active := p.Stats()
	if idle != 0 || active != 0 {
		t.Errorf("Expected empty pool after disconnect, got idle=%d active=%d", idle, active)
	}
}

func TestRelay_BackendCloseClosesTunnel(t *testing.T) {
	h, d, _ := newTestRelay(t, Config{})
	mc := newMockConn()
	hctx := &handler.Context{SessionID: "session-1"}

	if err := h.OnConnect(context.Background(), hctx, mc); err != nil {
		t.Fatalf("OnConnect failed: %v", err)
	}
	backend := <-d.server

	backend.Close()

	cc := waitClose(t, mc.closed)
	if cc.code != frame.CloseNormalClosure {
		t.Errorf("Expected close code %d, got %d", frame.CloseNormalClosure, cc.code)
	}
	if cc.reason != "backend closed connection" {
		t.Errorf("Unexpected close reason %q", cc.reason)
	}

	if err := h.OnDisconnect(context.Background(), hctx, "close status 1000"); err != nil {
		t.Fatalf("OnDisconnect failed: %v", err)
	}
}

func TestRelay_DialFailureRejectsTunnel(t *testing.T) {
	p := pool.New(func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}, pool.Config{DialTimeout: time.Second})
	defer p.Close()

	h := New(Config{Logger: quietLogger()}, p)
	hctx := &handler.Context{SessionID: "session-1"}

	err := h.OnConnect(context.Background(), hctx, newMockConn())
	if err == nil {
		t.Fatal("Expected OnConnect error when the backend dial fails")
	}

	// No link was created, so a late disconnect is a no-op.
	if err := h.OnDisconnect(context.Background(), hctx, "connection terminated"); err != nil {
		t.Fatalf("OnDisconnect failed: %v", err)
	}
}

func TestRelay_WriteErrorTearsDown(t *testing.T) {
	h, d, _ := newTestRelay(t, Config{})
	mc := newMockConn()
	hctx := &handler.Context{SessionID: "session-1"}

	if err := h.OnConnect(context.Background(), hctx, mc); err != nil {
		t.Fatalf("OnConnect failed: %v", err)
	}
	backend := <-d.server
	backend.Close()

	// The pump notices EOF first; the write error surfaces on the next
	// upstream message.
	waitClose(t, mc.closed)

	f := frame.Frame{FIN: true, Opcode: frame.OpBinary, Payload: []byte("late")}
	if err := h.OnMessage(context.Background(), hctx, mc, f); err == nil {
		t.Error("Expected OnMessage error after backend close")
	}
}

func TestRelay_UnknownSession(t *testing.T) {
	h, _, _ := newTestRelay(t, Config{})
	hctx := &handler.Context{SessionID: "never-connected"}

	f := frame.Frame{FIN: true, Opcode: frame.OpBinary, Payload: []byte("x")}
	if err := h.OnMessage(context.Background(), hctx, newMockConn(), f); err == nil {
		t.Error("Expected OnMessage error for unknown session")
	}
	if err := h.OnDisconnect(context.Background(), hctx, "connection terminated"); err != nil {
		t.Fatalf("OnDisconnect failed: %v", err)
	}
}

func TestRelay_SendFailureClosesTunnel(t *testing.T) {
	h, d, _ := newTestRelay(t, Config{})
	mc := newMockConn()
	mc.sendErr = errors.New("tunnel congested")
	hctx := &handler.Context{SessionID: "session-1"}

	if err := h.OnConnect(context.Background(), hctx, mc); err != nil {
		t.Fatalf("OnConnect failed: %v", err)
	}
	backend := <-d.server

	go backend.Write([]byte("payload"))

	cc := waitClose(t, mc.closed)
	if cc.code != frame.CloseInternalErr {
		t.Errorf("Expected close code %d, got %d", frame.CloseInternalErr, cc.code)
	}

	if err := h.OnDisconnect(context.Background(), hctx, "connection terminated"); err != nil {
		t.Fatalf("OnDisconnect failed: %v", err)
	}
}

func TestRelay_AuthPassthrough(t *testing.T) {
	h, _, _ := newTestRelay(t, Config{})
	hctx := &handler.Context{SessionID: "session-1"}

	if err := h.AuthConnect(context.Background(), hctx); err != nil {
		t.Errorf("AuthConnect failed: %v", err)
	}

	topic := "devices/1"
	payload := []byte("22.5")
	if err := h.AuthPublish(context.Background(), hctx, &topic, &payload); err != nil {
		t.Errorf("AuthPublish failed: %v", err)
	}

	topics := []string{"devices/#"}
	if err := h.AuthSubscribe(context.Background(), hctx, &topics); err != nil {
		t.Errorf("AuthSubscribe failed: %v", err)
	}
}
