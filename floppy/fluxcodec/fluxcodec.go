// Variable-length flux wire codec
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fluxcodec implements the variable-length byte language
// describing inter-transition flux intervals and the INDEX/SPACE/ASTABLE
// control opcodes riding alongside them.
//
// Every emitted byte except the four bytes of a 28-bit value has bit 0
// or the full 0xff escape meaning reserved; the 28-bit encoding in turn
// guarantees none of its four bytes is 0x00 or 0xff, so the outer framing
// (0 terminates a write stream, 0xff escapes an opcode) is never
// ambiguous with an embedded value.
package fluxcodec

import "errors"

// Opcodes following the 0xff escape byte.
const (
	OpIndex   = 0
	OpSpace   = 1
	OpAstable = 2
)

// minPulseNS is the minimum legal flux interval in nanoseconds (57 ticks
// at SampleMHz=72); shorter intervals are folded into the following
// sample rather than emitted as their own transition.
const minPulseNS = 800

// ErrBadOpcode is returned by the decoder when an escape byte is followed
// by an opcode outside {OpSpace, OpAstable} (OpIndex is host-direction
// only and is never legal input to the write-path decoder).
var ErrBadOpcode = errors.New("fluxcodec: invalid opcode")

// write28 appends the four-byte 28-bit encoding of x to out. Packing
// guarantees every byte has bit 0 set, so none of the four bytes can be
// 0x00 or 0xff.
func write28(out []byte, x uint32) []byte {
	return append(out,
		byte(1|(x<<1)),
		byte(1|(x>>6)),
		byte(1|(x>>13)),
		byte(1|(x>>20)),
	)
}

// read28 decodes the four-byte 28-bit encoding starting at b[0:4].
func read28(b []byte) uint32 {
	x := uint32(b[0]) >> 1
	x |= uint32(b[1]&0xfe) << 6
	x |= uint32(b[2]&0xfe) << 13
	x |= uint32(b[3]&0xfe) << 20
	return x
}

// Encoder turns a sequence of raw inter-transition tick counts (plus
// index events) into the wire byte stream consumed by the host.
type Encoder struct {
	// longGapThresholdTicks (400µs) and longGapFlushTicks (200µs) give
	// the "long gap" flush thresholds, in ticks at the sample rate passed
	// to NewEncoder.
	longGapThresholdTicks uint32
	longGapFlushTicks     uint32
}

// NewEncoder returns an Encoder configured for the given sample rate in
// MHz (72 on this firmware's hardware).
func NewEncoder(sampleMHz uint32) *Encoder {
	return &Encoder{
		longGapThresholdTicks: 400 * sampleMHz,
		longGapFlushTicks:     200 * sampleMHz,
	}
}

// EncodeInterval appends the wire encoding of a single inter-transition
// interval (in ticks) to out. A zero interval emits nothing (the source
// silently drops a same-tick duplicate sample).
func (e *Encoder) EncodeInterval(out []byte, ticks uint32) []byte {
	switch {
	case ticks == 0:
		return out
	case ticks < 250:
		return append(out, byte(ticks))
	default:
		high := (ticks - 250) / 255
		if high < 5 {
			return append(out, byte(250+high), byte(1+(ticks-250)%255))
		}

		// Intervals too large for a single 28-bit SPACE value are
		// broken into successive SPACE opcodes, the last of which is
		// followed by the trailing literal 249 that completes the
		// interval (mirrors the encoder's own 400µs idle-flush
		// splitting, generalised to arbitrary magnitude).
		const maxSpace = 1<<28 - 1
		remaining := ticks - 249
		for remaining > maxSpace {
			out = append(out, 0xff, OpSpace)
			out = write28(out, maxSpace)
			remaining -= maxSpace
		}
		out = append(out, 0xff, OpSpace)
		out = write28(out, remaining)
		return append(out, 249)
	}
}

// EncodeIndex appends a FLUXOP_INDEX opcode carrying the tick delta
// between the last emitted sample and the index timestamp.
func (e *Encoder) EncodeIndex(out []byte, deltaTicks uint32) []byte {
	out = append(out, 0xff, OpIndex)
	return write28(out, deltaTicks)
}

// FlushLongGap checks whether elapsed ticks since the last emitted sample
// exceed the long-gap threshold and, if so, appends a SPACE opcode for
// part of it, returning the new elapsed-since-emission value (the
// remainder, which stays un-emitted so the next real transition is
// computed relative to it). Call once per read-path service iteration.
func (e *Encoder) FlushLongGap(out []byte, elapsed uint32) ([]byte, uint32) {
	if elapsed <= e.longGapThresholdTicks {
		return out, elapsed
	}
	out = append(out, 0xff, OpSpace)
	out = write28(out, e.longGapFlushTicks)
	return out, elapsed - e.longGapFlushTicks
}

// FluxMode is the write-path decoder's sub-state for legalising
// intervals that don't fit directly into a single hardware sample.
type FluxMode int

const (
	FluxIdle FluxMode = iota
	FluxOneshot
	FluxAstable
)

// Decoder turns the host-supplied wire byte stream back into raw
// hardware sample values (DMA-ring ARR ticks), tracking the sub-minimum
// and oneshot/astable legalisation state between calls.
type Decoder struct {
	TimcntBits uint8 // 16 or 32; width of the hardware timer counter

	mode           FluxMode
	ticks          uint32
	astablePeriod  uint32
	IsFinished     bool
	Err            error
}

// NewDecoder returns a Decoder for the given hardware timer counter
// width (16 or 32 bits); this firmware's i.MX6UL-equivalent timer is
// 32-bit, but the decoder is generic over the field per design.
func NewDecoder(timcntBits uint8) *Decoder {
	return &Decoder{TimcntBits: timcntBits}
}

// fitsCounter reports whether x is representable in the hardware counter
// width.
func (d *Decoder) fitsCounter(x uint32) bool {
	if d.TimcntBits >= 32 {
		return true
	}
	return x>>d.TimcntBits == 0
}

// counterPeriod returns one full period of the hardware counter (2^bits).
func (d *Decoder) counterPeriod() uint32 {
	if d.TimcntBits >= 32 {
		return 0 // full uint32 wrap, handled specially by callers
	}
	return 1 << d.TimcntBits
}

// Decode consumes wire bytes from in and appends legalised hardware
// sample values (each already biased by -1, matching the original ARR
// convention) to out, stopping when either in is exhausted, out reaches
// max entries, or the stream terminates/errors. It returns the number of
// input bytes consumed.
func (d *Decoder) Decode(in []byte, out []uint32, max int) (consumed int, produced []uint32) {
	produced = out
	ticks := d.ticks

	emit := func(v uint32) bool {
		if len(produced)-len(out) >= max {
			return false
		}
		produced = append(produced, v-1)
		return true
	}

	switch d.mode {
	case FluxAstable:
		pulse := d.astablePeriod
		for ticks >= pulse {
			if !emit(pulse) {
				d.ticks = ticks
				return consumed, produced
			}
			ticks -= pulse
		}
		d.mode = FluxIdle
	case FluxOneshot:
		for !d.fitsCounter(ticks) {
			period := d.counterPeriod()
			if !emit(period) {
				d.ticks = ticks
				return consumed, produced
			}
			ticks -= period
		}
		if ticks > minPulseNS*72/1000 {
			// caller-provided ticks are already in sample-clock
			// units; minPulseNS*72/1000 approximates 800ns at
			// 72MHz without hard-coding the constant twice.
			if !emit(ticks) {
				d.ticks = ticks
				return consumed, produced
			}
			ticks = 0
		}
		d.mode = FluxIdle
	}

	i := 0
	for i < len(in) && len(produced)-len(out) < max {
		if d.mode != FluxIdle {
			break
		}

		x := uint32(in[i])
		switch {
		case x == 0:
			i++
			d.IsFinished = true
			consumed = i
			d.ticks = ticks
			return consumed, produced
		case x < 250:
			i++
		case x < 255:
			if len(in)-i < 2 {
				consumed = i
				d.ticks = ticks
				return consumed, produced
			}
			i++
			b1 := uint32(in[i])
			i++
			x = 250 + (x-250)*255 + (b1 - 1)
		default:
			if len(in)-i < 6 {
				consumed = i
				d.ticks = ticks
				return consumed, produced
			}
			op := in[i+1]
			i += 2
			switch op {
			case OpSpace:
				ticks += read28(in[i : i+4])
				i += 4
				continue
			case OpAstable:
				period := read28(in[i : i+4])
				i += 4
				if period < minPulseNS*72/1000 || !d.fitsCounter(period) {
					d.Err = ErrBadOpcode
					consumed = i
					d.ticks = ticks
					return consumed, produced
				}
				d.astablePeriod = period
				d.mode = FluxAstable
				consumed = i
				d.ticks = ticks
				return consumed, produced
			default:
				i += 4
				d.Err = ErrBadOpcode
				consumed = i
				d.ticks = ticks
				return consumed, produced
			}
		}

		ticks += x

		if ticks < minPulseNS*72/1000 {
			continue
		}

		if !d.fitsCounter(ticks) {
			d.mode = FluxOneshot
			consumed = i
			d.ticks = ticks
			return consumed, produced
		}

		if !emit(ticks) {
			consumed = i
			d.ticks = ticks
			return consumed, produced
		}
		ticks = 0
	}

	consumed = i
	d.ticks = ticks
	return consumed, produced
}
