// Flux I/O engine core types
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package floppy implements the command-driven flux I/O engine of a
// USB-attached floppy-drive interface adapter: a state machine that bridges
// hardware timers, DMA rings and USB bulk endpoints to a host-facing byte
// ring while preserving sample-accurate flux timing.
package floppy

// SampleMHz is the hardware sample clock: one tick is 1/SampleMHz
// microseconds (~13.9ns at 72MHz).
const SampleMHz = 72

// Ticks is a monotonic sample-clock counter, signed 32-bit so that
// comparisons via subtraction remain correct across a wrap as long as the
// compared values are within 2^31 ticks of each other.
type Ticks int32

// Since returns t - ref, the tick delta from ref to t, wrap-safe.
func (t Ticks) Since(ref Ticks) int32 {
	return int32(t - ref)
}

// Before reports whether t occurred strictly before other.
func (t Ticks) Before(other Ticks) bool {
	return other.Since(t) > 0
}

// After reports whether t occurred strictly after other.
func (t Ticks) After(other Ticks) bool {
	return t.Since(other) > 0
}

// Status is the single status byte returned in every command response and
// latched as the outcome of a flux-stream phase.
type Status uint8

const (
	AckOkay Status = iota
	AckBadCommand
	AckNoIndex
	AckNoTrk0
	AckFluxOverflow
	AckFluxUnderflow
	AckWrProt
	AckNoUnit
	AckNoBus
	AckBadUnit
	AckBadPin
	AckBadCylinder
	AckOutOfSRAM
)

// BusType selects the floppy bus wiring convention in effect.
type BusType uint8

const (
	BusNone BusType = iota
	BusIBMPC
	BusShugart
)

// OpMask identifies the mechanical operations an op-delay deadline gates.
type OpMask uint8

const (
	DelayRead OpMask = 1 << iota
	DelayWrite
	DelaySeek
	DelayHead
)

// DelayParams are the configurable timing parameters governing drive
// mechanics, settable at runtime via CMD_SET_PARAMS / CMD_GET_PARAMS.
type DelayParams struct {
	SelectDelayUS uint16 // chip-select to usable data
	StepDelayUS   uint16 // inter-step pulse spacing
	SeekSettleMS  uint16 // settle time after direction reversal
	MotorDelayMS  uint16 // motor-on to usable spin-up
	WatchdogMS    uint16 // command completion deadline
	PreWriteUS    uint16 // WGATE assert to first WDATA edge
	PostWriteUS   uint16 // last WDATA edge to WGATE deassert
	IndexMaskUS   uint16 // index-edge glitch filter
}

// FactoryDelayParams are the documented defaults restored by CMD_RESET.
var FactoryDelayParams = DelayParams{
	SelectDelayUS: 10,
	StepDelayUS:   10000,
	SeekSettleMS:  15,
	MotorDelayMS:  750,
	WatchdogMS:    10000,
	PreWriteUS:    100,
	PostWriteUS:   1000,
	IndexMaskUS:   200,
}

// State is the flux I/O engine's top-level state, stepped once per
// main-loop iteration by Engine.Step.
type State uint8

const (
	StateInactive State = iota
	StateCommandWait
	StateZLP
	StateReadFlux
	StateReadFluxDrain
	StateWriteFluxWaitData
	StateWriteFluxWaitIndex
	StateWriteFlux
	StateWriteFluxDrain
	StateEraseFlux
	StateSourceBytes
	StateSinkBytes
	StateUpdateBootloader
	StateTestmode
)

// Info is the 32-byte GET_INFO.FIRMWARE record.
type Info struct {
	FirmwareMajor  uint8
	FirmwareMinor  uint8
	IsMainFirmware uint8
	MaxCmd         uint8
	SampleFreq     uint32
	HWModel        uint8
	HWSubmodel     uint8
	USBBufKB       uint8
	_              uint8 // pad
	MCUMhz         uint16
	MCUSRamKB      uint16
}
