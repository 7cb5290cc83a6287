// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"sync"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

// Tracker accounts for inbound bytes against an advertised receive
// window. Received bytes occupy the window until the consumer drains
// them and the freed capacity is granted back to the peer; grants are
// coalesced so slow, steady drains produce occasional meaningful window
// updates instead of many tiny ones.
type Tracker struct {
	mu        sync.Mutex
	size      int32
	occupied  int32
	pending   int32
	threshold int32
}

// NewTracker creates a tracker for a receive window of the given size.
// Freed capacity is granted back once at least half the window has been
// drained.
func NewTracker(size int32) *Tracker {
	threshold := size / 2
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{
		size:      size,
		threshold: threshold,
	}
}

// Receive charges n received bytes against the window. A peer sending
// beyond the advertised window commits a credit violation.
func (t *Tracker) Receive(n int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || t.occupied > t.size-n {
		return fmt.Errorf("%w: peer overran receive window of %d bytes", mterrors.ErrCreditViolation, t.size)
	}
	t.occupied += n
	return nil
}

// Release records that the consumer drained n bytes and returns the
// window increment to grant back to the peer now: zero while the drained
// total stays under the coalescing threshold, the accumulated total once
// it crosses it.
func (t *Tracker) Release(n int32) int32 {
	if n <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending += n
	if t.pending < t.threshold {
		return 0
	}
	grant := t.pending
	t.pending = 0
	t.occupied -= grant
	return grant
}

// Occupied returns the bytes currently held against the window,
// including drained bytes whose grant is still pending.
func (t *Tracker) Occupied() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.occupied
}
