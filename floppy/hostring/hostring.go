// Host-facing byte ring
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hostring implements the large byte ring between USB bulk
// transfers and the flux codec (the donor's u_buf). Indices are
// free-running 32-bit counters, masked on access, so wrap is transparent
// as long as the buffer size is a power of two.
package hostring

import "errors"

// ErrOverflow is returned by Append when there is not enough free space.
var ErrOverflow = errors.New("hostring: overflow")

// ErrUnderflow is returned by Drain/Peek when fewer bytes are available
// than requested.
var ErrUnderflow = errors.New("hostring: underflow")

// Size constants for the two USB speeds the device can negotiate.
const (
	SizeFullSpeed = 64 * 1024
	SizeHighSpeed = 128 * 1024
)

// Ring is a power-of-two byte ring buffer with free-running producer and
// consumer indices.
type Ring struct {
	buf  []byte
	mask uint32
	prod uint32
	cons uint32
}

// New allocates a Ring of the given size, which must be a power of two.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("hostring: size must be a power of two")
	}
	return &Ring{buf: make([]byte, size), mask: uint32(size - 1)}
}

// Len returns the number of unread bytes.
func (r *Ring) Len() int {
	return int(r.prod - r.cons)
}

// Free returns the number of bytes that can be appended without
// overflowing.
func (r *Ring) Free() int {
	return len(r.buf) - r.Len()
}

// Append copies b into the ring. It returns ErrOverflow, leaving the ring
// unmodified, if there is insufficient space.
func (r *Ring) Append(b []byte) error {
	if len(b) > r.Free() {
		return ErrOverflow
	}
	for _, c := range b {
		r.buf[r.prod&r.mask] = c
		r.prod++
	}
	return nil
}

// AppendByte appends a single byte, see Append.
func (r *Ring) AppendByte(c byte) error {
	if r.Free() < 1 {
		return ErrOverflow
	}
	r.buf[r.prod&r.mask] = c
	r.prod++
	return nil
}

// Drain advances the consumer index by n bytes, discarding them. n must
// not exceed Len().
func (r *Ring) Drain(n int) error {
	if n > r.Len() {
		return ErrUnderflow
	}
	r.cons += uint32(n)
	return nil
}

// Peek returns a copy of the next n unread bytes without consuming them.
func (r *Ring) Peek(n int) ([]byte, error) {
	if n > r.Len() {
		return nil, ErrUnderflow
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.cons+uint32(i))&r.mask]
	}
	return out, nil
}

// PeekByte returns the byte at offset i (0-based from the consumer) among
// the unread bytes.
func (r *Ring) PeekByte(i int) (byte, error) {
	if i >= r.Len() {
		return 0, ErrUnderflow
	}
	return r.buf[(r.cons+uint32(i))&r.mask], nil
}

// Reset discards all buffered content, returning the ring to empty
// without reallocating. Used when a transient phase (a flux read or
// write stream) reuses a ring left over from a previous phase.
func (r *Ring) Reset() {
	r.prod = 0
	r.cons = 0
}

// LastAppendedIsZero reports whether the most recently appended byte is a
// literal 0 — the flux write decoder's end-of-stream sentinel.
func (r *Ring) LastAppendedIsZero() bool {
	if r.prod == r.cons {
		return false
	}
	return r.buf[(r.prod-1)&r.mask] == 0
}
