// DMA sample ring
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dmaring implements the fixed-size circular buffer of
// timer-counter samples shared between software and a hardware DMA
// channel: capture timer samples on the read path, PWM auto-reload values
// on the write path.
//
// One side of the ring is always hardware: for reads the DMA engine is the
// producer (timer capture into memory) and software is the consumer; for
// writes software is the producer and the DMA engine is the consumer
// (memory into the timer auto-reload register). Either way, the hardware
// side is observed through a Descriptor, never owned.
package dmaring

// BufLen is the number of timer-counter words in the ring (matches the
// donor hardware's original capture buffer depth).
const BufLen = 512

// Descriptor reports the DMA engine's current cyclic position in the
// ring, counted in samples, derived from the hardware transfer-count
// register. It is read-only: the ring never mutates hardware state
// through this interface.
type Descriptor interface {
	// Position returns the producer (read path) or consumer (write
	// path) index the hardware is currently at, in [0, BufLen).
	Position() int
}

// Ring is a single-producer/single-consumer ring of BufLen uint32 samples,
// where the opposite end is a hardware Descriptor. One slot is always
// reserved so a full ring is distinguishable from an empty one.
type Ring struct {
	buf  [BufLen]uint32
	desc Descriptor

	// cons is the software consumer index (read path).
	cons int
	// prodOrPrev is the software producer index (write path). The read
	// path does not use it.
	prodOrPrev uint32

	write bool
}

// NewReader returns a Ring for the read path: hardware is the producer,
// software consumes samples via Pop.
func NewReader(desc Descriptor) *Ring {
	return &Ring{desc: desc, write: false}
}

// NewWriter returns a Ring for the write path: software is the producer
// via Push, hardware consumes via the DMA engine.
func NewWriter(desc Descriptor) *Ring {
	return &Ring{desc: desc, write: true}
}

// Avail reports how many unread samples the hardware producer has made
// available (read path only).
func (r *Ring) Avail() int {
	prod := r.desc.Position()
	return (prod - r.cons + BufLen) % BufLen
}

// Pop consumes and returns the next captured sample (read path). The
// caller must ensure Avail() > 0.
func (r *Ring) Pop() uint32 {
	v := r.buf[r.cons]
	r.cons = (r.cons + 1) % BufLen
	return v
}

// Set stores a captured sample at slot idx (modulo BufLen); used only by
// tests and simulators standing in for the DMA engine driving the read
// side of the ring.
func (r *Ring) Set(idx int, v uint32) {
	r.buf[idx%BufLen] = v
}

// Free reports how many slots remain available to the software producer
// without overtaking the hardware consumer by a full revolution (write
// path).
func (r *Ring) Free() int {
	cons := r.desc.Position()
	used := (int(r.prodOrPrev) - cons + BufLen) % BufLen
	return BufLen - 1 - used
}

// Push writes the next ARR value for the hardware PWM consumer (write
// path). The caller must ensure Free() > 0.
func (r *Ring) Push(v uint32) {
	r.buf[int(r.prodOrPrev)%BufLen] = v
	r.prodOrPrev++
}

// Prime pre-populates the first sample before the hardware timer is
// enabled, so the first PWM period is deterministic rather than whatever
// garbage preceded it.
func (r *Ring) Prime(v uint32) {
	r.buf[0] = v
	r.prodOrPrev = 1
}
