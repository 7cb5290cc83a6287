// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
)

func TestTokenBucket_Allow(t *testing.T) {
	tb := NewTokenBucket(2, 1)

	if !tb.Allow() {
		t.Error("Expected first token")
	}
	if !tb.Allow() {
		t.Error("Expected second token")
	}
	if tb.Allow() {
		t.Error("Expected empty bucket to refuse")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(2, 100)

	tb.AllowN(2)
	if tb.Allow() {
		t.Fatal("Expected empty bucket to refuse")
	}

	time.Sleep(30 * time.Millisecond)

	if !tb.Allow() {
		t.Error("Expected refilled token after waiting")
	}
}

func TestTokenBucket_RefillCapped(t *testing.T) {
	tb := NewTokenBucket(2, 1000)

	time.Sleep(20 * time.Millisecond)

	if got := tb.Available(); got != 2 {
		t.Errorf("Expected refill capped at capacity 2, got %d", got)
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	defer l.Close()

	if !l.Allow("alice.example.com") {
		t.Error("Expected alice's first admission")
	}
	if l.Allow("alice.example.com") {
		t.Error("Expected alice's second admission refused")
	}
	if !l.Allow("bob.example.com") {
		t.Error("Expected bob unaffected by alice's bucket")
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(1, 1, 2)
	defer l.Close()

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("Expected first two clients tracked")
	}
	if l.Allow("c") {
		t.Error("Expected third client refused at MaxClients")
	}

	l.Remove("a")
	if !l.Allow("c") {
		t.Error("Expected client admitted after slot freed")
	}
}

type allowAll struct {
	handler.NoopHandler
	connects int
}

func (h *allowAll) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	h.connects++
	return nil
}

func TestHandler_GlobalLimit(t *testing.T) {
	next := &allowAll{}
	h := NewHandler(next, Config{GlobalBurst: 1, GlobalRate: 1})
	defer h.Close()
	hctx := &handler.Context{Authority: "gateway.example.com"}

	if err := h.AuthConnect(context.Background(), hctx); err != nil {
		t.Fatalf("AuthConnect() error = %v", err)
	}

	err := h.AuthConnect(context.Background(), hctx)
	if !errors.Is(err, mterrors.ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if next.connects != 1 {
		t.Errorf("Expected refused admission not to reach next handler, got %d calls", next.connects)
	}
}

func TestHandler_PerClientLimit(t *testing.T) {
	next := &allowAll{}
	h := NewHandler(next, Config{ClientBurst: 1, ClientRate: 1})
	defer h.Close()

	alice := &handler.Context{Authority: "alice.example.com"}
	bob := &handler.Context{Authority: "bob.example.com"}

	if err := h.AuthConnect(context.Background(), alice); err != nil {
		t.Fatalf("AuthConnect() error = %v", err)
	}
	if err := h.AuthConnect(context.Background(), alice); !errors.Is(err, mterrors.ErrRateLimited) {
		t.Fatalf("Expected alice rate limited, got %v", err)
	}
	if err := h.AuthConnect(context.Background(), bob); err != nil {
		t.Errorf("Expected bob unaffected, got %v", err)
	}
}

func TestHandler_UnlimitedWhenUnconfigured(t *testing.T) {
	next := &allowAll{}
	h := NewHandler(next, Config{})
	defer h.Close()
	hctx := &handler.Context{RemoteAddr: "127.0.0.1:5000"}

	for i := 0; i < 100; i++ {
		if err := h.AuthConnect(context.Background(), hctx); err != nil {
			t.Fatalf("AuthConnect() error = %v on attempt %d", err, i)
		}
	}
}

func TestHandler_DelegatesMessages(t *testing.T) {
	next := &allowAll{}
	h := NewHandler(next, Config{GlobalBurst: 1, GlobalRate: 1})
	defer h.Close()
	hctx := &handler.Context{}

	// Non-admission hooks pass through without consuming tokens
	if err := h.OnMessage(context.Background(), hctx, nil, frame.Frame{Opcode: frame.OpText}); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if err := h.OnDisconnect(context.Background(), hctx, "done"); err != nil {
		t.Fatalf("OnDisconnect() error = %v", err)
	}
}
