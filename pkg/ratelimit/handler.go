// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
)

// Config holds admission rate limits. A zero rate disables the
// corresponding bucket.
type Config struct {
	// GlobalBurst and GlobalRate bound admissions across all clients.
	GlobalBurst int64
	GlobalRate  int64

	// ClientBurst and ClientRate bound admissions per client authority.
	ClientBurst int64
	ClientRate  int64

	// MaxClients caps the number of tracked authorities.
	MaxClients int
}

// Handler wraps a handler.Handler and refuses AuthConnect once the
// global or per-authority budget is exhausted. Refusals wrap
// ErrRateLimited, which admission maps to 429. Every AuthConnect
// consumes a token, including per-request re-authorization from
// subprotocol inspectors.
type Handler struct {
	next      handler.Handler
	global    *TokenBucket
	perClient *Limiter
}

var _ handler.Handler = (*Handler)(nil)

// NewHandler wraps next with admission rate limiting.
func NewHandler(next handler.Handler, cfg Config) *Handler {
	h := &Handler{next: next}
	if cfg.GlobalRate > 0 {
		h.global = NewTokenBucket(cfg.GlobalBurst, cfg.GlobalRate)
	}
	if cfg.ClientRate > 0 {
		h.perClient = NewLimiter(cfg.ClientBurst, cfg.ClientRate, cfg.MaxClients)
	}
	return h
}

// Close releases the per-client limiter.
func (h *Handler) Close() {
	if h.perClient != nil {
		h.perClient.Close()
	}
}

func (h *Handler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	if h.global != nil && !h.global.Allow() {
		return fmt.Errorf("admission budget exhausted: %w", mterrors.ErrRateLimited)
	}
	if h.perClient != nil && !h.perClient.Allow(clientKey(hctx)) {
		return fmt.Errorf("client %s over admission budget: %w", clientKey(hctx), mterrors.ErrRateLimited)
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
	return h.next.OnConnect(ctx, hctx, conn)
}

func (h *Handler) OnMessage(ctx context.Context, hctx *handler.Context, conn handler.Conn, f frame.Frame) error {
	return h.next.OnMessage(ctx, hctx, conn, f)
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	return h.next.OnDisconnect(ctx, hctx, reason)
}

func clientKey(hctx *handler.Context) string {
	if hctx.Authority != "" {
		return hctx.Authority
	}
	return hctx.RemoteAddr
}
