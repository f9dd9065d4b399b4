// Index-pulse detector
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package index recognises once-per-revolution index pulses from a
// falling-edge GPIO interrupt, in both soft-sector (one hole per track)
// and hard-sector (multiple holes, timing-discriminated) media.
package index

import "github.com/usbarmory/fluxbridge/floppy"

// State is the index detector's state, normally updated only from the
// edge-IRQ handler (OnEdge) and read from the main loop under the same
// IRQ mask the Design Notes require for any multi-word read.
type State struct {
	// Count is a free-running count of accepted index pulses.
	Count uint32
	// RdataCnt is the read-timer counter value latched at the moment
	// of the most recent accepted index event, used to timestamp the
	// index inside the flux stream.
	RdataCnt uint32

	// HardSectorThresh is the hole-to-hole timing threshold in ticks;
	// zero selects soft-sector mode.
	HardSectorThresh uint32

	// TriggerTime is the tick timestamp of the last edge that passed
	// the glitch mask, whether or not it went on to be counted.
	// RefreshTriggerTime re-stamps it so the wrap-safe signed comparison
	// in OnEdge stays well defined across long idle periods; nothing in
	// this tree calls RefreshTriggerTime on a timer.
	TriggerTime floppy.Ticks

	// IndexMaskTicks is the glitch-filter window: edges within this
	// many ticks of the previous trigger are ignored outright.
	IndexMaskTicks uint32

	everTriggered bool
	primed        bool
}

// New returns a State in soft-sector mode with the given glitch mask.
func New(indexMaskTicks uint32) *State {
	return &State{IndexMaskTicks: indexMaskTicks}
}

// SetHardSectorThreshold switches to hard-sector mode given the raw
// hole-to-hole timing supplied by the host, or back to soft-sector mode
// if holeToHoleTicks == 0. The stored HardSectorThresh is three quarters
// of the supplied value: the index hole and the following sector hole
// are both much closer together than a full revolution, and scaling the
// threshold down (rather than scaling every measured interval up) keeps
// the classification in OnEdge a single direct comparison.
func (s *State) SetHardSectorThreshold(holeToHoleTicks uint32) {
	s.HardSectorThresh = holeToHoleTicks * 3 / 4
	s.primed = false
}

// OnEdge processes a falling edge observed at tick timestamp now, with
// rdataCnt the read-timer counter sampled at the same instant. It must be
// called with interrupts masked, matching the donor's own IRQ_INDEX_changed
// discipline, since it performs a multi-word update of State.
//
// Hard-sector classification compares the edge interval against
// HardSectorThresh (already three quarters of the host-supplied
// hole-to-hole timing, see SetHardSectorThreshold): two holes punched
// close together (the index hole and the following sector hole) both
// read short, and only the second of such a pair is counted. A single
// isolated short pulse (a glitch, or the trailing edge of a long gap)
// never fires on its own, and a long pulse always unprimes the detector
// for the next pair.
func (s *State) OnEdge(now floppy.Ticks, rdataCnt uint32) {
	if s.everTriggered && uint32(now.Since(s.TriggerTime)) < s.IndexMaskTicks {
		return
	}

	interval := uint32(now.Since(s.TriggerTime))
	hadBaseline := s.everTriggered
	s.TriggerTime = now
	s.everTriggered = true

	if s.HardSectorThresh == 0 {
		s.accept(rdataCnt)
		return
	}

	if !hadBaseline || interval > s.HardSectorThresh {
		s.primed = false
		return
	}

	s.primed = !s.primed
	if !s.primed {
		s.accept(rdataCnt)
	}
}

func (s *State) accept(rdataCnt uint32) {
	s.Count++
	s.RdataCnt = rdataCnt
}

// RefreshTriggerTime re-stamps the last-trigger baseline against the
// current tick clock so that the next signed 32-bit comparison
// (now.Since(TriggerTime)) cannot be made ambiguous by a wrap during a
// long idle period. It does nothing before the first edge, and no
// background timer in this tree calls it; re-stamping does not disturb the glitch mask or hard-sector
// priming since both only ever compare against the immediately preceding
// edge.
func (s *State) RefreshTriggerTime(now floppy.Ticks) {
	if !s.everTriggered {
		return
	}
	s.TriggerTime = now
}
