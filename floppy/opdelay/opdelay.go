// Op-delay scheduler
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package opdelay gates read/write/seek/head operations behind
// mechanical settling deadlines, debouncing drive-control operations
// whose electrical and mechanical effects are not instantaneous.
package opdelay

import (
	"time"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/worker"
)

// longDelayThreshold is the point past which Async degenerates to a
// synchronous wait rather than arming the deadline timer: a caller
// asking for more than a second of debounce almost certainly meant a
// real wait, not a scheduling hint.
const longDelayThreshold = time.Second

// Clock abstracts the tick source so Scheduler can be driven by a fake
// clock in tests without depending on a running hardware timer.
type Clock interface {
	Now() floppy.Ticks
}

// Scheduler tracks the union of pending operation masks and the single
// shared deadline that clears all of them at once, mirroring the
// donor's one-timer, OR'd-mask design: overlapping delays merge to
// whichever deadline is earlier rather than stacking.
type Scheduler struct {
	clock  Clock
	mask   floppy.OpMask
	expiry floppy.Ticks
	armed  bool
}

// New returns a Scheduler reading the current tick from clock.
func New(clock Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// Async postpones the operations in mask until d has elapsed. A call
// with d greater than longDelayThreshold busy-waits out the full
// duration synchronously (via y) rather than arming the timer. A call
// while a shorter delay is already pending merges to whichever deadline
// is earlier; the union of masks is always preserved.
func (s *Scheduler) Async(mask floppy.OpMask, d time.Duration, y worker.Yielder) {
	if d > longDelayThreshold {
		s.busyWaitDuration(d, y)
		return
	}

	deadline := s.clock.Now() + floppy.Ticks(d.Nanoseconds()*floppy.SampleMHz/1000)

	if s.armed && s.expiry.Before(deadline) {
		deadline = s.expiry
	}

	s.mask |= mask
	s.expiry = deadline
	s.armed = true
}

// Wait busy-yields, via y, until none of the operations in mask remain
// pending.
func (s *Scheduler) Wait(mask floppy.OpMask, y worker.Yielder) {
	for s.Pending()&mask != 0 {
		y.Yield()
	}
}

// Pending reports the still-outstanding mask, clearing it (and
// disarming the timer) once the deadline has passed. Callers that only
// need a snapshot (the dispatcher reporting status, say) can call this
// without yielding.
func (s *Scheduler) Pending() floppy.OpMask {
	if !s.armed {
		return 0
	}
	if !s.clock.Now().Before(s.expiry) {
		s.mask = 0
		s.armed = false
		return 0
	}
	return s.mask
}

func (s *Scheduler) busyWaitDuration(d time.Duration, y worker.Yielder) {
	deadline := s.clock.Now() + floppy.Ticks(d.Nanoseconds()*floppy.SampleMHz/1000)
	for s.clock.Now().Before(deadline) {
		y.Yield()
	}
}
