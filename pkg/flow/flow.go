// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package flow bridges HTTP/2 flow control and WebSocket backpressure.
//
// Window tracks outbound send credit for one stream or for the whole
// connection; writers reserve credit before touching the wire and
// suspend, without spinning, until the peer grants more. Tracker does
// the inbound accounting: it charges received bytes against the
// advertised receive window and coalesces the grants handed back to the
// peer so a fast drain does not turn into a stream of tiny window
// updates.
package flow

import (
	"context"
	"fmt"
	"math"
	"sync"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

// Window tracks send credit: bytes the peer has authorized us to send.
// Credit is decremented by Reserve and incremented by Grant; it never
// goes negative through sends. A zero-or-negative window suspends
// writers until credit arrives or the window closes.
type Window struct {
	mu    sync.Mutex
	avail int32
	ready chan struct{}
	err   error
}

// NewWindow creates a window holding an initial amount of credit.
func NewWindow(initial int32) *Window {
	return &Window{
		avail: initial,
		ready: make(chan struct{}),
	}
}

// Available returns the credit currently reservable.
func (w *Window) Available() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.avail
}

// Grant adds credit received from the peer and wakes suspended writers.
// A non-positive increment, or one that lifts the window beyond 2^31-1,
// is a credit violation.
func (w *Window) Grant(n int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if n <= 0 {
		return fmt.Errorf("%w: window increment %d", mterrors.ErrCreditViolation, n)
	}
	if w.avail > math.MaxInt32-n {
		return fmt.Errorf("%w: window overflows past 2^31-1", mterrors.ErrCreditViolation)
	}
	w.avail += n
	w.wake()
	return nil
}

// Adjust applies a delta from a SETTINGS_INITIAL_WINDOW_SIZE change.
// Unlike Grant, the result may dip below zero (RFC 7540 §6.9.2); writers
// then suspend until the peer grants the window back above zero.
func (w *Window) Adjust(delta int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if delta > 0 && w.avail > math.MaxInt32-delta {
		return fmt.Errorf("%w: window overflows past 2^31-1", mterrors.ErrCreditViolation)
	}
	w.avail += delta
	if delta > 0 {
		w.wake()
	}
	return nil
}

// Reserve takes up to max bytes of credit, suspending while none is
// available. It returns the amount actually reserved, which is at least
// one byte, or the window's terminal error, or the context error.
func (w *Window) Reserve(ctx context.Context, max int32) (int32, error) {
	if max <= 0 {
		return 0, nil
	}
	for {
		w.mu.Lock()
		if w.err != nil {
			w.mu.Unlock()
			return 0, w.err
		}
		if w.avail > 0 {
			n := min(max, w.avail)
			w.avail -= n
			w.mu.Unlock()
			return n, nil
		}
		ready := w.ready
		w.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// TryReserve takes up to max bytes of credit without suspending. It
// returns zero when the window is closed, empty, or max is non-positive.
func (w *Window) TryReserve(max int32) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.avail <= 0 || max <= 0 {
		return 0
	}
	n := min(max, w.avail)
	w.avail -= n
	return n
}

// Refund returns unused reserved credit, for writers that reserved more
// than they could use.
func (w *Window) Refund(n int32) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.avail += n
	w.wake()
	w.mu.Unlock()
}

// Close makes the window terminal: current and future reservations fail
// with err, so no writer suspends forever on a dead stream.
func (w *Window) Close(err error) {
	w.mu.Lock()
	if w.err == nil {
		if err == nil {
			err = mterrors.ErrSessionClosed
		}
		w.err = err
		w.wake()
	}
	w.mu.Unlock()
}

// wake signals every suspended Reserve. Callers hold w.mu.
func (w *Window) wake() {
	close(w.ready)
	w.ready = make(chan struct{})
}

// ReserveBoth takes credit from the stream window and the shared
// connection window together, returning the amount available from both.
// Credit reserved from the stream but not matched by the connection is
// refunded, so a suspended writer never strands stream credit.
func ReserveBoth(ctx context.Context, conn, stream *Window, max int32) (int32, error) {
	n, err := stream.Reserve(ctx, max)
	if err != nil {
		return 0, err
	}
	m, err := conn.Reserve(ctx, n)
	if err != nil {
		stream.Refund(n)
		return 0, err
	}
	if m < n {
		stream.Refund(n - m)
	}
	return m, nil
}
