// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

func TestWindow_ReserveAndGrant(t *testing.T) {
	w := NewWindow(100)

	n, err := w.Reserve(context.Background(), 40)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if n != 40 {
		t.Errorf("Expected 40 bytes reserved, got %d", n)
	}
	if w.Available() != 60 {
		t.Errorf("Expected 60 available, got %d", w.Available())
	}

	// A reservation larger than the window takes what is there.
	n, err = w.Reserve(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if n != 60 {
		t.Errorf("Expected 60 bytes reserved, got %d", n)
	}

	if err := w.Grant(25); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if w.Available() != 25 {
		t.Errorf("Expected 25 available after grant, got %d", w.Available())
	}
}

func TestWindow_CreditNeverNegative(t *testing.T) {
	w := NewWindow(10)

	ops := []struct {
		grant   int32
		reserve int32
	}{
		{reserve: 10},
		{grant: 5},
		{reserve: 3},
		{grant: 100},
		{reserve: 102},
		{grant: 1},
		{reserve: 1},
	}

	for i, op := range ops {
		if op.grant > 0 {
			if err := w.Grant(op.grant); err != nil {
				t.Fatalf("op %d: Grant() error = %v", i, err)
			}
		}
		if op.reserve > 0 {
			n, err := w.Reserve(context.Background(), op.reserve)
			if err != nil {
				t.Fatalf("op %d: Reserve() error = %v", i, err)
			}
			if n <= 0 || n > op.reserve {
				t.Fatalf("op %d: reserved %d of %d", i, n, op.reserve)
			}
		}
		if w.Available() < 0 {
			t.Fatalf("op %d: window went negative: %d", i, w.Available())
		}
	}
}

func TestWindow_ReserveSuspendsUntilGrant(t *testing.T) {
	w := NewWindow(0)

	reserved := make(chan int32, 1)
	go func() {
		n, err := w.Reserve(context.Background(), 64)
		if err != nil {
			reserved <- -1
			return
		}
		reserved <- n
	}()

	// The writer must stay suspended while no credit exists.
	select {
	case n := <-reserved:
		t.Fatalf("Reserve() returned %d before any grant", n)
	case <-time.After(50 * time.Millisecond):
	}

	if err := w.Grant(16); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	select {
	case n := <-reserved:
		if n != 16 {
			t.Errorf("Expected 16 bytes reserved, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve() still suspended after grant")
	}
}

func TestWindow_GrantViolations(t *testing.T) {
	w := NewWindow(1)

	if err := w.Grant(0); !errors.Is(err, mterrors.ErrCreditViolation) {
		t.Errorf("Grant(0) error = %v, want ErrCreditViolation", err)
	}
	if err := w.Grant(-5); !errors.Is(err, mterrors.ErrCreditViolation) {
		t.Errorf("Grant(-5) error = %v, want ErrCreditViolation", err)
	}
	if err := w.Grant(1<<31 - 1); !errors.Is(err, mterrors.ErrCreditViolation) {
		t.Errorf("Expected overflow violation, got %v", err)
	}
}

func TestWindow_CloseWakesWaiters(t *testing.T) {
	w := NewWindow(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Reserve(context.Background(), 10)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close(nil)

	select {
	case err := <-errCh:
		if !errors.Is(err, mterrors.ErrSessionClosed) {
			t.Errorf("Reserve() error = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve() not woken by Close")
	}

	// Later reservations fail immediately.
	if _, err := w.Reserve(context.Background(), 1); !errors.Is(err, mterrors.ErrSessionClosed) {
		t.Errorf("Reserve() after close error = %v, want ErrSessionClosed", err)
	}
}

func TestWindow_ReserveHonorsContext(t *testing.T) {
	w := NewWindow(0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := w.Reserve(ctx, 10)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Reserve() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve() not woken by context cancellation")
	}
}

func TestWindow_AdjustBelowZero(t *testing.T) {
	w := NewWindow(10)

	// A settings change may legally push the window negative.
	if err := w.Adjust(-30); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	if w.Available() != -20 {
		t.Errorf("Expected -20 available, got %d", w.Available())
	}

	done := make(chan int32, 1)
	go func() {
		n, _ := w.Reserve(context.Background(), 5)
		done <- n
	}()

	select {
	case n := <-done:
		t.Fatalf("Reserve() returned %d on a negative window", n)
	case <-time.After(50 * time.Millisecond):
	}

	// Granting back above zero releases the writer.
	if err := w.Grant(25); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	select {
	case n := <-done:
		if n != 5 {
			t.Errorf("Expected 5 bytes reserved, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve() still suspended after window recovered")
	}
}

func TestWindow_TryReserve(t *testing.T) {
	w := NewWindow(10)

	if n := w.TryReserve(4); n != 4 {
		t.Errorf("Expected 4 bytes reserved, got %d", n)
	}
	if n := w.TryReserve(100); n != 6 {
		t.Errorf("Expected remaining 6 bytes reserved, got %d", n)
	}

	// An empty window must not suspend.
	if n := w.TryReserve(1); n != 0 {
		t.Errorf("Expected 0 from an empty window, got %d", n)
	}

	w.Close(nil)
	if n := w.TryReserve(1); n != 0 {
		t.Errorf("Expected 0 from a closed window, got %d", n)
	}
}

func TestReserveBoth_LimitedByConnection(t *testing.T) {
	conn := NewWindow(30)
	stream := NewWindow(100)

	n, err := ReserveBoth(context.Background(), conn, stream, 100)
	if err != nil {
		t.Fatalf("ReserveBoth() error = %v", err)
	}
	if n != 30 {
		t.Errorf("Expected 30 bytes reserved, got %d", n)
	}

	// The stream credit the connection could not match must be refunded.
	if stream.Available() != 70 {
		t.Errorf("Expected 70 stream credit left, got %d", stream.Available())
	}
	if conn.Available() != 0 {
		t.Errorf("Expected 0 connection credit left, got %d", conn.Available())
	}
}

func TestReserveBoth_ConnectionCloseRefundsStream(t *testing.T) {
	conn := NewWindow(0)
	stream := NewWindow(50)

	errCh := make(chan error, 1)
	var reservedAt atomic.Int32
	go func() {
		n, err := ReserveBoth(context.Background(), conn, stream, 50)
		reservedAt.Store(n)
		errCh <- err
	}()

	// The writer holds stream credit while suspended on the connection
	// window; closing the connection window must wake it and refund the
	// stream credit.
	time.Sleep(20 * time.Millisecond)
	conn.Close(mterrors.ErrTransport)

	select {
	case err := <-errCh:
		if !errors.Is(err, mterrors.ErrTransport) {
			t.Errorf("ReserveBoth() error = %v, want ErrTransport", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReserveBoth() not woken by connection close")
	}
	if reservedAt.Load() != 0 {
		t.Errorf("Expected no bytes reserved, got %d", reservedAt.Load())
	}
	if stream.Available() != 50 {
		t.Errorf("Expected full stream refund, got %d", stream.Available())
	}
}

func TestTracker_CoalescesGrants(t *testing.T) {
	tr := NewTracker(100) // grants at 50

	if err := tr.Receive(60); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if inc := tr.Release(20); inc != 0 {
		t.Errorf("Expected coalesced grant of 0, got %d", inc)
	}
	if inc := tr.Release(30); inc != 50 {
		t.Errorf("Expected accumulated grant of 50, got %d", inc)
	}
	if tr.Occupied() != 10 {
		t.Errorf("Expected 10 bytes occupied, got %d", tr.Occupied())
	}

	// A single large drain grants immediately.
	if err := tr.Receive(90); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if inc := tr.Release(90); inc != 90 {
		t.Errorf("Expected immediate grant of 90, got %d", inc)
	}
}

func TestTracker_PeerOverrun(t *testing.T) {
	tr := NewTracker(100)

	if err := tr.Receive(100); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if err := tr.Receive(1); !errors.Is(err, mterrors.ErrCreditViolation) {
		t.Errorf("Receive() error = %v, want ErrCreditViolation", err)
	}
}
