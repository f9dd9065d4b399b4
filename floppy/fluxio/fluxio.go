// Flux read/write pipeline controller
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fluxio assembles the leaf flux modules — the DMA sample ring,
// the host byte ring, the variable-length wire codec and the index
// detector — into the collaborators the flux I/O engine drives during
// READ_FLUX, WRITE_FLUX, ERASE_FLUX, SOURCE_BYTES and SINK_BYTES: a
// Flux implementation for the command dispatcher, and a Stream
// implementation the engine services once per main-loop iteration while
// one of those phases is in progress.
//
// The only hardware this package touches is through the same kind of
// narrow interface already used for the op-delay scheduler's Clock and
// the engine's Endpoint: a Descriptor reporting a DMA channel's cyclic
// position, and named GPIO pins. Nothing here owns a timer or DMA
// channel; whoever constructs a Controller supplies those as
// collaborators.
package fluxio

import (
	"encoding/binary"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/dmaring"
	"github.com/usbarmory/fluxbridge/floppy/fluxcodec"
	"github.com/usbarmory/fluxbridge/floppy/hostring"
	"github.com/usbarmory/fluxbridge/floppy/index"
	"github.com/usbarmory/fluxbridge/floppy/worker"
)

// noIndexTimeoutTicks is the 2-second "stream is index-terminated but no
// index pulse ever arrived" deadline.
const noIndexTimeoutTicks = 2 * floppy.SampleMHz * 1_000_000

// timcntBits is this firmware's hardware sample-counter width; the
// decoder's oneshot-splitting path is parameterised on it so a future
// 16-bit-timer board only needs a different NewDecoder argument.
const timcntBits = 32

// Clock abstracts the tick source, mirroring floppy/opdelay.Clock.
type Clock interface {
	Now() floppy.Ticks
}

// Pins is the narrow GPIO boundary this package needs: write-protect
// sense and the write-gate output. It mirrors floppy/drive.Pins; a
// separate, smaller interface is declared here rather than imported so
// this package does not acquire a dependency on unit-selection state it
// has no use for.
type Pins interface {
	Set(name string, level bool)
	Get(name string) bool
}

// NullDescriptor reports no hardware progress at all. It stands in for
// the capture-timer/DMA-engine register driver this board support
// package does not implement; the pipeline logic in this file is real
// and is exercised by this package's tests against a fake Descriptor,
// the same way op-delay's Clock and the engine's Endpoint are faked.
type NullDescriptor struct{}

// Position always reports 0: a NullDescriptor never observes hardware
// progress, so Avail()/Free() never unblock on their own.
func (NullDescriptor) Position() int { return 0 }

type readState struct {
	active       bool
	draining     bool
	haveBaseline bool
	prevSample   uint32

	hasDeadline bool
	deadline    floppy.Ticks

	hasMaxIndex    bool
	maxIndex       uint32
	maxIndexLinger uint32
	nrIndex        uint32
	lastIndexCount uint32

	noIndexDeadline floppy.Ticks
}

type writePhase int

const (
	writeWaitData writePhase = iota
	writeWaitIndex
	writeActive
	writeDraining
)

type writeState struct {
	active           bool
	phase            writePhase
	cueAtIndex       bool
	terminateAtIndex bool
	lastIndexCount   uint32
}

// Controller owns the transient state of whichever flux phase is
// currently running. Only one of a read or a write phase is ever active
// at a time, mirroring the donor's single shared flux_op record.
type Controller struct {
	clock Clock
	pins  Pins
	index *index.State
	mps   int

	host *hostring.Ring
	enc  *fluxcodec.Encoder
	dec  *fluxcodec.Decoder

	readRing  *dmaring.Ring
	writeRing *dmaring.Ring

	lastStatus floppy.Status

	read  readState
	write writeState

	eraseActive   bool
	eraseDeadline floppy.Ticks

	sourceRemaining uint32
	sinkRemaining   uint32
}

// New returns a Controller driving readDesc/writeDesc as the DMA
// engine's read-path and write-path progress, host as the USB-facing
// byte ring (sized hostring.SizeFullSpeed or SizeHighSpeed per the
// negotiated USB speed), and chunking USB writes/reads to mps bytes at
// a time.
func New(clock Clock, pins Pins, idx *index.State, readDesc, writeDesc dmaring.Descriptor, hostSize, mps int) *Controller {
	return &Controller{
		clock:     clock,
		pins:      pins,
		index:     idx,
		mps:       mps,
		host:      hostring.New(hostSize),
		enc:       fluxcodec.NewEncoder(floppy.SampleMHz),
		dec:       fluxcodec.NewDecoder(timcntBits),
		readRing:  dmaring.NewReader(readDesc),
		writeRing: dmaring.NewWriter(writeDesc),
	}
}

// Status reports the outcome of the most recently completed flux phase,
// for CMD_GET_FLUX_STATUS.
func (c *Controller) Status() floppy.Status { return c.lastStatus }

// PrepRead arms a READ_FLUX phase. payload is little-endian
// [deadline_ticks(4) maxIndex(2) maxIndexLinger(4)], with any suffix
// left at its zero value when the host sends a shorter, older-style
// frame: deadline_ticks==0 means "no time budget, index-terminated
// only"; maxIndex==0 means "no index budget, time-terminated only".
func (c *Controller) PrepRead(payload []byte) floppy.Status {
	var deadlineTicks uint32
	var maxIndex uint32
	var linger uint32

	if len(payload) >= 4 {
		deadlineTicks = binary.LittleEndian.Uint32(payload[0:4])
	}
	if len(payload) >= 6 {
		maxIndex = uint32(binary.LittleEndian.Uint16(payload[4:6]))
	}
	if len(payload) >= 10 {
		linger = binary.LittleEndian.Uint32(payload[6:10])
	}

	now := c.clock.Now()

	c.host.Reset()
	c.enc = fluxcodec.NewEncoder(floppy.SampleMHz)

	c.read = readState{
		active:         true,
		hasDeadline:    deadlineTicks != 0,
		deadline:       now + floppy.Ticks(deadlineTicks),
		hasMaxIndex:    maxIndex != 0,
		maxIndex:       maxIndex,
		maxIndexLinger: linger,
		lastIndexCount: c.index.Count,
	}
	if c.read.hasMaxIndex {
		c.read.noIndexDeadline = now + noIndexTimeoutTicks
	}

	c.lastStatus = floppy.AckOkay
	return floppy.AckOkay
}

// PrepWrite arms a WRITE_FLUX phase. payload[0] bit 0 is cue_at_index
// (wait for an index pulse before asserting WGATE), bit 1 is
// terminate_at_index (end the stream at the next index pulse rather
// than waiting for the host to send an end-of-stream byte).
func (c *Controller) PrepWrite(payload []byte) floppy.Status {
	if c.pins != nil && c.pins.Get("wrprot") {
		return floppy.AckWrProt
	}

	var flags byte
	if len(payload) >= 1 {
		flags = payload[0]
	}

	c.host.Reset()
	c.dec = fluxcodec.NewDecoder(timcntBits)

	c.write = writeState{
		active:           true,
		phase:            writeWaitData,
		cueAtIndex:       flags&0x01 != 0,
		terminateAtIndex: flags&0x02 != 0,
		lastIndexCount:   c.index.Count,
	}

	c.lastStatus = floppy.AckOkay
	return floppy.AckOkay
}

// writeFillThreshold is the number of pre-decoded samples buffered into
// the write DMA ring before WGATE is allowed to assert, so the PWM
// consumer never catches up to an empty ring immediately after start.
const writeFillThreshold = dmaring.BufLen / 4

// PrepErase arms an ERASE_FLUX phase: WGATE is asserted for
// payload[0:4] ticks with no data, matching a bulk-erase pass.
func (c *Controller) PrepErase(payload []byte) floppy.Status {
	if c.pins != nil && c.pins.Get("wrprot") {
		return floppy.AckWrProt
	}

	var ticks uint32
	if len(payload) >= 4 {
		ticks = binary.LittleEndian.Uint32(payload[0:4])
	}

	c.eraseActive = true
	c.eraseDeadline = c.clock.Now() + floppy.Ticks(ticks)
	c.setWGate(true)

	c.lastStatus = floppy.AckOkay
	return floppy.AckOkay
}

// PrepSourceBytes arms a SOURCE_BYTES phase: the device streams
// payload[0:4] bytes of synthetic, incrementing content to the host,
// exercising the bulk IN path without touching the flux pipeline.
func (c *Controller) PrepSourceBytes(payload []byte) floppy.Status {
	var n uint32
	if len(payload) >= 4 {
		n = binary.LittleEndian.Uint32(payload[0:4])
	}
	c.sourceRemaining = n
	c.lastStatus = floppy.AckOkay
	return floppy.AckOkay
}

// PrepSinkBytes arms a SINK_BYTES phase: the device discards the next
// payload[0:4] bytes the host sends on the bulk OUT path.
func (c *Controller) PrepSinkBytes(payload []byte) floppy.Status {
	var n uint32
	if len(payload) >= 4 {
		n = binary.LittleEndian.Uint32(payload[0:4])
	}
	c.sinkRemaining = n
	c.lastStatus = floppy.AckOkay
	return floppy.AckOkay
}

// ServiceRead drives one Step's worth of the read-flux pipeline:
// capturing newly available DMA samples, encoding them (and any index
// events) into the host ring, and draining that ring out over ep. It
// returns the state the engine should move to next.
func (c *Controller) ServiceRead(ep floppy.Endpoint, y worker.Yielder) floppy.State {
	if !c.read.active {
		return floppy.StateCommandWait
	}

	if !c.read.draining {
		c.captureRead()
	}

	if ep.TxReady() && c.host.Len() > 0 {
		n := c.host.Len()
		if n > c.mps {
			n = c.mps
		}
		chunk, _ := c.host.Peek(n)
		ep.Write(chunk)
		c.host.Drain(n)
	}

	if c.read.draining && c.host.Len() == 0 {
		c.read.active = false
		return floppy.StateCommandWait
	}
	if c.read.draining {
		return floppy.StateReadFluxDrain
	}
	return floppy.StateReadFlux
}

// captureRead pulls every sample the DMA descriptor has made available
// since the last call, encodes the intervening intervals and any index
// events, and checks the deadline/max_index/no_index/overflow
// termination conditions.
func (c *Controller) captureRead() {
	now := c.clock.Now()
	var buf []byte

	for c.readRing.Avail() > 0 {
		sample := c.readRing.Pop()
		if !c.read.haveBaseline {
			c.read.prevSample = sample
			c.read.haveBaseline = true
			continue
		}
		delta := sample - c.read.prevSample
		c.read.prevSample = sample
		buf = c.enc.EncodeInterval(buf, delta)
	}

	if count := c.index.Count; count != c.read.lastIndexCount && c.read.haveBaseline {
		c.read.nrIndex += count - c.read.lastIndexCount
		c.read.lastIndexCount = count

		delta := c.index.RdataCnt - c.read.prevSample
		buf = c.enc.EncodeIndex(buf, delta)

		if c.read.hasMaxIndex {
			c.read.noIndexDeadline = now + noIndexTimeoutTicks
		}
	}

	if len(buf) > 0 {
		if err := c.host.Append(buf); err != nil {
			c.beginReadDrain(floppy.AckFluxOverflow)
			return
		}
	}

	switch {
	case c.read.hasMaxIndex && c.read.nrIndex >= c.read.maxIndex:
		// max_index_linger: keep collecting the tail so the host sees
		// wrap-continuity, but stop counting index events and fall
		// back to a pure time deadline.
		c.read.hasMaxIndex = false
		c.read.hasDeadline = true
		c.read.deadline = now + floppy.Ticks(c.read.maxIndexLinger)
		return
	case c.read.hasMaxIndex && now.After(c.read.noIndexDeadline):
		c.beginReadDrain(floppy.AckNoIndex)
		return
	}

	if c.read.hasDeadline && !now.Before(c.read.deadline) {
		c.beginReadDrain(floppy.AckOkay)
		return
	}
}

// beginReadDrain latches the phase's final status, appends the
// 0-terminator and ACK byte the host uses to recognise end of stream,
// and moves the phase into its drain sub-state.
func (c *Controller) beginReadDrain(status floppy.Status) {
	c.lastStatus = status
	c.read.draining = true
	c.host.AppendByte(0)
	c.host.AppendByte(byte(status))
}

// ServiceWrite drives one Step's worth of the write-flux pipeline:
// pulling OUT packets into the host ring, decoding them into the write
// DMA ring, and sequencing the wait_data -> wait_index -> write ->
// drain sub-phases.
func (c *Controller) ServiceWrite(ep floppy.Endpoint, y worker.Yielder) floppy.State {
	if !c.write.active {
		return floppy.StateCommandWait
	}

	c.pullWriteData(ep)

	switch c.write.phase {
	case writeWaitData:
		return c.serviceWaitData()
	case writeWaitIndex:
		return c.serviceWaitIndex()
	case writeActive:
		return c.serviceActive()
	default:
		return c.serviceWriteDrain()
	}
}

// pullWriteData appends any available OUT packet to the host ring and
// runs the decoder over whatever the ring holds, pushing legalised
// samples into the write DMA ring until it either runs out of
// undecoded bytes or the ring fills.
func (c *Controller) pullWriteData(ep floppy.Endpoint) {
	if ep.RxReady() {
		frame := ep.Read()
		if err := c.host.Append(frame); err != nil {
			// The host outran the ring; end the phase through the same
			// drain used when the ring runs dry, latching
			// AckFluxOverflow, since the stream cannot continue cleanly.
			c.beginWriteDrain(floppy.AckFluxOverflow)
			return
		}
	}

	for c.host.Len() > 0 && c.writeRing.Free() > 0 && !c.dec.IsFinished {
		n := c.host.Len()
		in, _ := c.host.Peek(n)

		max := c.writeRing.Free()
		out := make([]uint32, 0, max)
		consumed, produced := c.dec.Decode(in, out, max)

		for _, v := range produced {
			c.writeRing.Push(v)
		}
		c.host.Drain(consumed)

		if c.dec.Err != nil {
			c.beginWriteDrain(floppy.AckBadCommand)
			return
		}
		if consumed == 0 {
			break
		}
	}
}

func (c *Controller) serviceWaitData() floppy.State {
	full := c.writeRing.Free() <= dmaring.BufLen-1-writeFillThreshold
	if full || c.dec.IsFinished {
		c.write.phase = writeWaitIndex
		c.write.lastIndexCount = c.index.Count
	}
	return floppy.StateWriteFluxWaitData
}

func (c *Controller) serviceWaitIndex() floppy.State {
	if c.write.cueAtIndex && c.index.Count == c.write.lastIndexCount {
		return floppy.StateWriteFluxWaitIndex
	}
	c.write.phase = writeActive
	c.write.lastIndexCount = c.index.Count
	c.setWGate(true)
	return floppy.StateWriteFlux
}

func (c *Controller) serviceActive() floppy.State {
	if c.write.terminateAtIndex && c.index.Count != c.write.lastIndexCount {
		c.beginWriteDrain(floppy.AckOkay)
		return floppy.StateWriteFluxDrain
	}

	if c.dec.IsFinished && c.host.Len() == 0 && c.writeRing.Free() >= dmaring.BufLen-1 {
		c.beginWriteDrain(floppy.AckOkay)
		return floppy.StateWriteFluxDrain
	}

	if !c.dec.IsFinished && c.host.Len() == 0 && c.writeRing.Free() >= dmaring.BufLen-1 {
		// The ring has fully drained to hardware with no more host
		// data queued and no end-of-stream byte seen: the PWM consumer
		// has outrun the decoder.
		c.beginWriteDrain(floppy.AckFluxUnderflow)
		return floppy.StateWriteFluxDrain
	}

	return floppy.StateWriteFlux
}

func (c *Controller) serviceWriteDrain() floppy.State {
	if c.writeRing.Free() < dmaring.BufLen-1 {
		return floppy.StateWriteFluxDrain
	}
	c.write.active = false
	c.setWGate(false)
	return floppy.StateCommandWait
}

func (c *Controller) beginWriteDrain(status floppy.Status) {
	c.lastStatus = status
	c.write.phase = writeDraining
}

func (c *Controller) setWGate(level bool) {
	if c.pins != nil {
		c.pins.Set("wgate", level)
	}
}

// ServiceErase drives one Step's worth of an ERASE_FLUX phase: WGATE
// stays asserted until the deadline passes.
func (c *Controller) ServiceErase() floppy.State {
	if !c.eraseActive {
		return floppy.StateCommandWait
	}
	if c.clock.Now().Before(c.eraseDeadline) {
		return floppy.StateEraseFlux
	}
	c.eraseActive = false
	c.setWGate(false)
	return floppy.StateCommandWait
}

// sourcePattern fills buf with an incrementing byte pattern, cheap
// synthetic content for exercising the bulk IN path under SOURCE_BYTES.
func sourcePattern(buf []byte, start uint32) {
	for i := range buf {
		buf[i] = byte(start) + byte(i)
	}
}

// ServiceSourceBytes drives one Step's worth of a SOURCE_BYTES phase.
func (c *Controller) ServiceSourceBytes(ep floppy.Endpoint) floppy.State {
	if c.sourceRemaining == 0 {
		return floppy.StateCommandWait
	}
	if !ep.TxReady() {
		return floppy.StateSourceBytes
	}

	n := uint32(c.mps)
	if n > c.sourceRemaining {
		n = c.sourceRemaining
	}
	buf := make([]byte, n)
	sourcePattern(buf, c.sourceRemaining)
	ep.Write(buf)
	c.sourceRemaining -= n

	if c.sourceRemaining == 0 {
		return floppy.StateCommandWait
	}
	return floppy.StateSourceBytes
}

// ServiceSinkBytes drives one Step's worth of a SINK_BYTES phase.
func (c *Controller) ServiceSinkBytes(ep floppy.Endpoint) floppy.State {
	if c.sinkRemaining == 0 {
		return floppy.StateCommandWait
	}
	if !ep.RxReady() {
		return floppy.StateSinkBytes
	}

	frame := ep.Read()
	n := uint32(len(frame))
	if n > c.sinkRemaining {
		n = c.sinkRemaining
	}
	c.sinkRemaining -= n

	if c.sinkRemaining == 0 {
		return floppy.StateCommandWait
	}
	return floppy.StateSinkBytes
}
