// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"fmt"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
)

// Handler wraps a handler.Handler with a circuit breaker. OnConnect
// and OnMessage outcomes feed the breaker; while it is open, new
// tunnel admissions are shed with a rate-limited rejection so clients
// back off and retry. Established tunnels keep flowing, and auth
// rejections never count as failures.
type Handler struct {
	next handler.Handler
	cb   *CircuitBreaker
}

var _ handler.Handler = (*Handler)(nil)

// NewHandler wraps next with the given circuit breaker.
func NewHandler(next handler.Handler, cb *CircuitBreaker) *Handler {
	return &Handler{next: next, cb: cb}
}

func (h *Handler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	if err := h.cb.Allow(); err != nil {
		return fmt.Errorf("shedding new tunnels: %w", mterrors.ErrRateLimited)
	}
	return h.next.AuthConnect(ctx, hctx)
}

func (h *Handler) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	return h.next.AuthPublish(ctx, hctx, topic, payload)
}

func (h *Handler) AuthSubscribe(ctx context.Context, hctx *handler.Context, topics *[]string) error {
	return h.next.AuthSubscribe(ctx, hctx, topics)
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context, conn handler.Conn) error {
	err := h.next.OnConnect(ctx, hctx, conn)
	h.cb.Record(err)
	return err
}

func (h *Handler) OnMessage(ctx context.Context, hctx *handler.Context, conn handler.Conn, f frame.Frame) error {
	err := h.next.OnMessage(ctx, hctx, conn, f)
	h.cb.Record(err)
	return err
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	// Disconnect bookkeeping must run even while the circuit is open.
	return h.next.OnDisconnect(ctx, hctx, reason)
}
