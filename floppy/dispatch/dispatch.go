// Command dispatcher
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dispatch implements the command-response protocol running over
// the USB bulk endpoints: frame validation, a table-driven switch over the
// command set, and the status byte conventions every response shares.
package dispatch

import (
	"encoding/binary"
	"time"

	"golang.org/x/time/rate"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/drive"
	"github.com/usbarmory/fluxbridge/floppy/worker"
)

// OpCode identifies a command byte. The donor numbers these in a single
// protocol header shared with host tooling; that header was not part of
// the material this package was built from, so the values below are
// assigned in the order the command set is documented rather than
// recovered from the original source.
type OpCode uint8

const (
	CmdGetInfo OpCode = iota
	CmdUpdate
	CmdSeek
	CmdHead
	CmdSetParams
	CmdGetParams
	CmdMotor
	CmdReadFlux
	CmdWriteFlux
	CmdGetFluxStatus
	CmdSelect
	CmdDeselect
	CmdSetBusType
	CmdSetPin
	CmdGetPin
	CmdReset
	CmdEraseFlux
	CmdSourceBytes
	CmdSinkBytes
	CmdSwitchFWMode
	CmdTestMode
	CmdNoclickStep
)

// GET_INFO sub-indices.
const (
	GetInfoFirmware uint8 = iota
	GetInfoBWStats
	GetInfoCurrentDrive
)

func getInfoDrive(nr uint8) uint8 { return GetInfoCurrentDrive + 1 + nr }

const (
	paramsDelays uint8 = 0

	modeNormal     uint8 = 0
	modeBootloader uint8 = 1

	updateSignature  uint32 = 0xdeafbee3
	testModeSig1     uint32 = 0x6e504b4e
	testModeSig2     uint32 = 0x382910d3
	bootloaderResetW uint32 = 0xdeadbeef
)

// infoSize is the fixed 32-byte GET_INFO payload every GET_INFO index
// replies with, matching struct gw_info / gw_bw_stats / gw_drive_info all
// sharing one response slot.
const infoSize = 32

// Flux is the flux-stream transient-state collaborator: the dispatcher
// only validates and kicks off a phase, the flux engine interprets the
// payload and owns the actual transfer.
type Flux interface {
	PrepRead(payload []byte) floppy.Status
	PrepWrite(payload []byte) floppy.Status
	PrepErase(payload []byte) floppy.Status
	PrepSourceBytes(payload []byte) floppy.Status
	PrepSinkBytes(payload []byte) floppy.Status
	Status() floppy.Status
}

// Reset is the bootloader-handoff collaborator for CMD_SWITCH_FW_MODE.
type Reset interface {
	// ResetToBootloader stamps the reserved reset-flag word, where the
	// implementation has one, and triggers a system reset. It does not
	// return.
	ResetToBootloader()
}

// Update is the CMD_UPDATE firmware-flash collaborator.
type Update interface {
	// Prep validates the announced length and arms the flash-write
	// state, returning the status byte for the immediate ACK.
	Prep(length uint32) floppy.Status
}

// Info reports the 32-byte GET_INFO.FIRMWARE record.
type Info func() floppy.Info

// Dispatcher parses and executes one command frame at a time, against a
// fixed set of collaborators wired in at construction.
type Dispatcher struct {
	Drive  *drive.Drive
	Flux   Flux
	Reset  Reset
	Update Update
	Info   Info

	Params floppy.DelayParams

	faultLimiter *rate.Limiter
	onFault      func(cmd OpCode, status floppy.Status)
}

// New returns a Dispatcher with factory delay parameters and a fault-log
// rate limit of one message per 200ms (burst 5), matching the donor's
// preference for a throttled diagnostic log over silent or unbounded
// logging of malformed/erroring commands.
func New(d *drive.Drive) *Dispatcher {
	return &Dispatcher{
		Drive:        d,
		Params:       floppy.FactoryDelayParams,
		faultLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// OnFault installs a callback invoked (subject to the fault-log rate
// limit) whenever a command completes with a non-OKAY status.
func (disp *Dispatcher) OnFault(f func(cmd OpCode, status floppy.Status)) {
	disp.onFault = f
}

type commandSpec struct {
	minLen, maxLen uint8
	handler        func(disp *Dispatcher, payload []byte, y worker.Yielder) (resp []byte, next floppy.State)
}

// table maps each recognised opcode to its length bounds and handler.
// minLen/maxLen count the full frame including [cmd, len]; payload passed
// to handlers excludes those two bytes.
var table = map[OpCode]commandSpec{
	CmdGetInfo:       {3, 3, (*Dispatcher).handleGetInfo},
	CmdUpdate:        {10, 10, (*Dispatcher).handleUpdate},
	CmdSeek:          {3, 4, (*Dispatcher).handleSeek},
	CmdHead:          {3, 3, (*Dispatcher).handleHead},
	CmdSetParams:     {3, 3 + 16, (*Dispatcher).handleSetParams},
	CmdGetParams:     {4, 4, (*Dispatcher).handleGetParams},
	CmdMotor:         {4, 4, (*Dispatcher).handleMotor},
	CmdReadFlux:      {6, 18, (*Dispatcher).handleReadFlux},
	CmdWriteFlux:     {2, 14, (*Dispatcher).handleWriteFlux},
	CmdGetFluxStatus: {2, 2, (*Dispatcher).handleGetFluxStatus},
	CmdSelect:        {3, 3, (*Dispatcher).handleSelect},
	CmdDeselect:      {2, 2, (*Dispatcher).handleDeselect},
	CmdSetBusType:    {3, 3, (*Dispatcher).handleSetBusType},
	CmdSetPin:        {4, 4, (*Dispatcher).handleSetPin},
	CmdGetPin:        {3, 3, (*Dispatcher).handleGetPin},
	CmdReset:         {2, 2, (*Dispatcher).handleReset},
	CmdEraseFlux:     {10, 10, (*Dispatcher).handleEraseFlux},
	CmdSourceBytes:   {6, 6, (*Dispatcher).handleSourceBytes},
	CmdSinkBytes:     {6, 6, (*Dispatcher).handleSinkBytes},
	CmdSwitchFWMode:  {3, 3, (*Dispatcher).handleSwitchFWMode},
	CmdTestMode:      {10, 10, (*Dispatcher).handleTestMode},
	CmdNoclickStep:   {2, 2, (*Dispatcher).handleNoclickStep},
}

// Dispatch parses one frame ([cmd, len, payload...]) and returns the
// response to write back ([cmd, status, ...]) plus the engine state the
// pipeline should move to. Unknown commands and length violations are
// rejected with ACK_BAD_COMMAND and no side effects, without consulting
// the table's handler at all.
func (disp *Dispatcher) Dispatch(frame []byte, y worker.Yielder) (response []byte, next floppy.State) {
	if len(frame) < 2 {
		return []byte{0, byte(floppy.AckBadCommand)}, floppy.StateCommandWait
	}

	cmd := OpCode(frame[0])
	length := frame[1]

	spec, ok := table[cmd]
	if !ok || length != uint8(len(frame)) || length < spec.minLen || length > spec.maxLen {
		disp.fault(cmd, floppy.AckBadCommand)
		return []byte{frame[0], byte(floppy.AckBadCommand)}, floppy.StateCommandWait
	}

	resp, next := spec.handler(disp, frame[2:], y)
	if resp[1] != byte(floppy.AckOkay) {
		disp.fault(cmd, floppy.Status(resp[1]))
	}
	return resp, next
}

func (disp *Dispatcher) fault(cmd OpCode, status floppy.Status) {
	if disp.onFault == nil {
		return
	}
	if disp.faultLimiter != nil && !disp.faultLimiter.Allow() {
		return
	}
	disp.onFault(cmd, status)
}

func ok(cmd byte) []byte { return []byte{cmd, byte(floppy.AckOkay)} }

func status(cmd byte, st floppy.Status) []byte { return []byte{cmd, byte(st)} }

func errStatus(err error) floppy.Status {
	switch err {
	case drive.ErrBadUnit:
		return floppy.AckBadUnit
	case drive.ErrNoBus:
		return floppy.AckNoBus
	case drive.ErrNoUnit:
		return floppy.AckNoUnit
	case drive.ErrNoTrk0:
		return floppy.AckNoTrk0
	case drive.ErrBadCylinder:
		return floppy.AckBadCylinder
	case drive.ErrBadPin:
		return floppy.AckBadPin
	default:
		return floppy.AckBadCommand
	}
}

func (disp *Dispatcher) handleGetInfo(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdGetInfo)
	idx := payload[0]

	info := make([]byte, infoSize)

	switch {
	case idx == GetInfoFirmware:
		if disp.Info != nil {
			putInfo(info, disp.Info())
		}
	case idx == GetInfoCurrentDrive:
		if err := disp.putDriveInfo(info, -1); err != nil {
			return status(cmd, errStatus(err)), floppy.StateCommandWait
		}
	case idx > GetInfoCurrentDrive:
		nr := int(idx - GetInfoCurrentDrive - 1)
		if err := disp.putDriveInfo(info, nr); err != nil {
			return status(cmd, errStatus(err)), floppy.StateCommandWait
		}
	default:
		// GetInfoBWStats: bandwidth statistics are not tracked by this
		// build; report a zeroed record rather than fabricate numbers.
	}

	resp := append(ok(cmd), info...)
	return resp, floppy.StateCommandWait
}

func putInfo(b []byte, info floppy.Info) {
	b[0] = info.FirmwareMajor
	b[1] = info.FirmwareMinor
	b[2] = info.IsMainFirmware
	b[3] = info.MaxCmd
	binary.LittleEndian.PutUint32(b[4:8], info.SampleFreq)
	b[8] = info.HWModel
	b[9] = info.HWSubmodel
	b[10] = info.USBBufKB
	binary.LittleEndian.PutUint16(b[12:14], info.MCUMhz)
	binary.LittleEndian.PutUint16(b[14:16], info.MCUSRamKB)
}

func (disp *Dispatcher) putDriveInfo(b []byte, nr int) error {
	di, err := disp.Drive.Info(nr)
	if err != nil {
		return err
	}
	var flags uint32
	if di.CylValid {
		flags |= 1 << 0
	}
	if di.MotorOn {
		flags |= 1 << 1
	}
	if di.IsFlippy {
		flags |= 1 << 2
	}
	binary.LittleEndian.PutUint32(b[0:4], flags)
	b[4] = byte(int8(di.Cyl))
	return nil
}

func (disp *Dispatcher) handleUpdate(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdUpdate)
	length := binary.LittleEndian.Uint32(payload[0:4])
	signature := binary.LittleEndian.Uint32(payload[4:8])
	if signature != updateSignature {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	if disp.Update == nil {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	st := disp.Update.Prep(length)
	if st != floppy.AckOkay {
		return status(cmd, st), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateUpdateBootloader
}

func (disp *Dispatcher) handleSeek(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSeek)
	var cyl int
	switch len(payload) {
	case 1:
		cyl = int(int8(payload[0]))
	case 2:
		cyl = int(int16(binary.LittleEndian.Uint16(payload)))
	}
	if err := disp.Drive.Seek(cyl, y); err != nil {
		return status(cmd, errStatus(err)), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleHead(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdHead)
	head := payload[0]
	if head > 1 {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	disp.Drive.Head(int(head), time.Duration(disp.Params.PreWriteUS)*time.Microsecond, y)
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleSetParams(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSetParams)
	idx := payload[0]
	if idx != paramsDelays {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	disp.decodeParams(payload[1:])
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleGetParams(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdGetParams)
	idx, nr := payload[0], payload[1]
	if idx != paramsDelays || int(nr) > paramsSize {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	buf := make([]byte, paramsSize)
	disp.encodeParams(buf)
	resp := append(ok(cmd), buf[:nr]...)
	return resp, floppy.StateCommandWait
}

const paramsSize = 16

func (disp *Dispatcher) encodeParams(b []byte) {
	p := &disp.Params
	binary.LittleEndian.PutUint16(b[0:2], p.SelectDelayUS)
	binary.LittleEndian.PutUint16(b[2:4], p.StepDelayUS)
	binary.LittleEndian.PutUint16(b[4:6], p.SeekSettleMS)
	binary.LittleEndian.PutUint16(b[6:8], p.MotorDelayMS)
	binary.LittleEndian.PutUint16(b[8:10], p.WatchdogMS)
	binary.LittleEndian.PutUint16(b[10:12], p.PreWriteUS)
	binary.LittleEndian.PutUint16(b[12:14], p.PostWriteUS)
	binary.LittleEndian.PutUint16(b[14:16], p.IndexMaskUS)
}

func (disp *Dispatcher) decodeParams(b []byte) {
	buf := make([]byte, paramsSize)
	disp.encodeParams(buf)
	copy(buf, b)

	p := &disp.Params
	p.SelectDelayUS = binary.LittleEndian.Uint16(buf[0:2])
	p.StepDelayUS = binary.LittleEndian.Uint16(buf[2:4])
	p.SeekSettleMS = binary.LittleEndian.Uint16(buf[4:6])
	p.MotorDelayMS = binary.LittleEndian.Uint16(buf[6:8])
	p.WatchdogMS = binary.LittleEndian.Uint16(buf[8:10])
	p.PreWriteUS = binary.LittleEndian.Uint16(buf[10:12])
	p.PostWriteUS = binary.LittleEndian.Uint16(buf[12:14])
	p.IndexMaskUS = binary.LittleEndian.Uint16(buf[14:16])
}

func (disp *Dispatcher) handleMotor(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdMotor)
	unit, onOff := payload[0], payload[1]
	if onOff&^1 != 0 {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	if err := disp.Drive.Motor(int(unit), onOff&1 != 0, y); err != nil {
		return status(cmd, errStatus(err)), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleReadFlux(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdReadFlux)
	if disp.Flux == nil {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	st := disp.Flux.PrepRead(payload)
	if st != floppy.AckOkay {
		return status(cmd, st), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateReadFlux
}

func (disp *Dispatcher) handleWriteFlux(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdWriteFlux)
	if disp.Flux == nil {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	st := disp.Flux.PrepWrite(payload)
	if st != floppy.AckOkay {
		return status(cmd, st), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateWriteFluxWaitData
}

func (disp *Dispatcher) handleGetFluxStatus(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdGetFluxStatus)
	var st floppy.Status
	if disp.Flux != nil {
		st = disp.Flux.Status()
	}
	return status(cmd, st), floppy.StateCommandWait
}

func (disp *Dispatcher) handleSelect(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSelect)
	if err := disp.Drive.Select(int(payload[0]), y); err != nil {
		return status(cmd, errStatus(err)), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleDeselect(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	disp.Drive.Deselect()
	return status(byte(CmdDeselect), floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleSetBusType(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSetBusType)
	t := floppy.BusType(payload[0])
	if t != floppy.BusNone && t != floppy.BusIBMPC && t != floppy.BusShugart {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	disp.Drive.SetBusType(t)
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleSetPin(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSetPin)
	pin, level := payload[0], payload[1]
	if level&^1 != 0 {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	if err := disp.Drive.SetPin(pin, level != 0); err != nil {
		return status(cmd, errStatus(err)), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleGetPin(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdGetPin)
	level, err := disp.Drive.GetPin(payload[0])
	if err != nil {
		return status(cmd, errStatus(err)), floppy.StateCommandWait
	}
	b := byte(0)
	if level {
		b = 1
	}
	return []byte{cmd, byte(floppy.AckOkay), b}, floppy.StateCommandWait
}

func (disp *Dispatcher) handleReset(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	disp.Params = floppy.FactoryDelayParams
	disp.Drive.SetBusType(floppy.BusNone)
	disp.Drive.ResetUserPins()
	return status(byte(CmdReset), floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleEraseFlux(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdEraseFlux)
	if disp.Flux == nil {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	st := disp.Flux.PrepErase(payload)
	if st != floppy.AckOkay {
		return status(cmd, st), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateEraseFlux
}

func (disp *Dispatcher) handleSourceBytes(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSourceBytes)
	if disp.Flux == nil {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	st := disp.Flux.PrepSourceBytes(payload)
	if st != floppy.AckOkay {
		return status(cmd, st), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateSourceBytes
}

func (disp *Dispatcher) handleSinkBytes(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSinkBytes)
	if disp.Flux == nil {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	st := disp.Flux.PrepSinkBytes(payload)
	if st != floppy.AckOkay {
		return status(cmd, st), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateSinkBytes
}

func (disp *Dispatcher) handleSwitchFWMode(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdSwitchFWMode)
	mode := payload[0]
	if mode&^1 != 0 {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	if mode == modeBootloader && disp.Reset != nil {
		disp.Reset.ResetToBootloader()
	}
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}

func (disp *Dispatcher) handleTestMode(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdTestMode)
	sig1 := binary.LittleEndian.Uint32(payload[0:4])
	sig2 := binary.LittleEndian.Uint32(payload[4:8])
	if sig1 != testModeSig1 || sig2 != testModeSig2 {
		return status(cmd, floppy.AckBadCommand), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateTestmode
}

func (disp *Dispatcher) handleNoclickStep(payload []byte, y worker.Yielder) ([]byte, floppy.State) {
	cmd := byte(CmdNoclickStep)
	if err := disp.Drive.NoclickStep(y); err != nil {
		return status(cmd, errStatus(err)), floppy.StateCommandWait
	}
	return status(cmd, floppy.AckOkay), floppy.StateCommandWait
}
