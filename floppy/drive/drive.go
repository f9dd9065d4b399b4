// Drive control
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package drive implements unit selection, motor control, and seek
// (including track-0 calibration and flippy-drive negative-cylinder
// handling) against a small abstract pin interface, independent of the
// concrete GPIO backing it in production.
package drive

import (
	"errors"
	"time"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/opdelay"
	"github.com/usbarmory/fluxbridge/floppy/worker"
)

// Pins is the drive-control pin boundary: named output pins (chip
// selects, STEP, DIR, WGATE, HEAD) and named input pins (TRK0, INDEX,
// WRPROT). Production wiring backs this with soc/nxp/gpio.Pin; tests
// use an in-memory fake.
type Pins interface {
	Set(name string, level bool)
	Get(name string) bool
}

// ErrBadUnit, ErrNoBus, ErrNoUnit, ErrNoTrk0 and ErrBadCylinder mirror
// the donor's ACK_BAD_UNIT, ACK_NO_BUS, ACK_NO_UNIT, ACK_NO_TRK0 and
// ACK_BAD_CYLINDER status codes.
var (
	ErrBadUnit     = errors.New("drive: bad unit")
	ErrNoBus       = errors.New("drive: no bus type selected")
	ErrNoUnit      = errors.New("drive: no unit selected")
	ErrNoTrk0      = errors.New("drive: track 0 not found")
	ErrBadCylinder = errors.New("drive: cylinder out of range")
	ErrBadPin      = errors.New("drive: unmapped pin")
)

// pinID values recognised directly by GetPin, ahead of the user pin table;
// they mirror fixed sense lines that always exist regardless of board wiring.
const (
	pinIndex  = 8
	pinTrk0   = 26
	pinWrProt = 28
)

// Info mirrors struct gw_drive_info: the reported unit flags and cylinder.
type Info struct {
	CylValid bool
	MotorOn  bool
	IsFlippy bool
	Cyl      int
}

// pinMap gives the chip-select pin name for each (bus type, unit
// number). Table *contents* are board data; the lookup mechanism below
// is the part this package owns.
type pinMap map[floppy.BusType]map[int]string

// unit tracks the per-unit state the donor keeps in struct unit.
type unit struct {
	cyl         int
	initialised bool
	isFlippy    bool
	motor       bool
}

// Drive is the drive-control state machine for up to three physical
// units sharing one set of control lines.
type Drive struct {
	pins     Pins
	clock    opdelay.Clock
	op       *opdelay.Scheduler
	cs       pinMap
	userPins map[uint8]string
	bus      floppy.BusType
	selNr    int // -1 when no unit selected
	units    [3]unit

	SelectDelay time.Duration
	StepDelay   time.Duration
	SeekSettle  time.Duration
	MotorDelay  time.Duration
}

// New returns a Drive with no bus type and no unit selected.
func New(pins Pins, clock opdelay.Clock, op *opdelay.Scheduler) *Drive {
	return &Drive{
		pins:     pins,
		clock:    clock,
		op:       op,
		selNr:    -1,
		userPins: map[uint8]string{},
		cs: pinMap{
			floppy.BusIBMPC:   {0: "cs14", 1: "cs12"},
			floppy.BusShugart: {0: "cs10", 1: "cs12", 2: "cs14"},
		},
	}
}

// MapUserPin records the board-level GPIO name backing a CMD_SET_PIN /
// CMD_GET_PIN pin id. Pins never mapped here yield ErrBadPin.
func (d *Drive) MapUserPin(id uint8, name string) {
	d.userPins[id] = name
}

// ResetUserPins drives every mapped user pin low, as CMD_RESET does.
func (d *Drive) ResetUserPins() {
	for _, name := range d.userPins {
		d.pins.Set(name, false)
	}
}

// SetBusType changes the active bus wiring, deselecting any unit.
func (d *Drive) SetBusType(bus floppy.BusType) {
	d.Deselect()
	d.bus = bus
}

// Deselect lowers the current chip-select line, if any.
func (d *Drive) Deselect() {
	if d.selNr < 0 {
		return
	}
	if pin, ok := d.cs[d.bus][d.selNr]; ok {
		d.pins.Set(pin, false)
	}
	d.selNr = -1
}

// Select asserts the chip-select line for unit nr, first deselecting
// whatever was previously selected. Selecting the already-selected unit
// is a no-op.
func (d *Drive) Select(nr int, y worker.Yielder) error {
	if nr == d.selNr {
		return nil
	}

	byBus, ok := d.cs[d.bus]
	if !ok {
		return ErrNoBus
	}
	pin, ok := byBus[nr]
	if !ok {
		return ErrBadUnit
	}

	d.Deselect()
	d.pins.Set(pin, true)
	d.selNr = nr

	d.wait(d.SelectDelay, y)
	return nil
}

// Motor turns the motor for unit nr on or off. Shugart units share a
// single motor line and are all aliased to unit 0.
func (d *Drive) Motor(nr int, on bool, y worker.Yielder) error {
	var pin string

	switch d.bus {
	case floppy.BusIBMPC:
		if nr >= 2 {
			return ErrBadUnit
		}
		if d.units[nr].motor == on {
			return nil
		}
		switch nr {
		case 0:
			pin = "motor10"
		case 1:
			pin = "motor16"
		}
	case floppy.BusShugart:
		if nr >= 3 {
			return ErrBadUnit
		}
		nr = 0
		if d.units[nr].motor == on {
			return nil
		}
		pin = "motor16"
	default:
		return ErrNoBus
	}

	d.pins.Set(pin, on)
	d.units[nr].motor = on

	if on {
		d.wait(d.MotorDelay, y)
	}
	return nil
}

// Seek moves the currently selected unit to cyl, performing track-0
// calibration first if the unit has not yet been initialised. Flippy
// drives (those whose TRK0 sensor still asserts at negative offsets)
// allow cylinders down to -8; all other drives reject negative
// cylinders.
func (d *Drive) Seek(cyl int, y worker.Yielder) error {
	if d.selNr < 0 {
		return ErrNoUnit
	}
	u := &d.units[d.selNr]

	d.op.Wait(floppy.DelaySeek, y)

	if !u.initialised {
		if err := d.seekInitialise(u, y); err != nil {
			return err
		}
	}

	minCyl := 0
	if u.isFlippy {
		minCyl = -8
	}
	if cyl < minCyl {
		return ErrBadCylinder
	}

	switch {
	case u.cyl < cyl:
		d.stepDir(false) // inward
		d.stepN(cyl-u.cyl, y)
	case u.cyl > cyl:
		if cyl < 0 {
			d.setFlippyTrk0SensorDisabled(true)
		}
		d.stepDir(true) // outward
		d.stepN(u.cyl-cyl, y)
	default:
		return nil
	}

	d.setFlippyTrk0SensorDisabled(false)
	d.op.Async(floppy.DelayRead|floppy.DelayWrite|floppy.DelaySeek, d.SeekSettle, y)
	u.cyl = cyl

	return nil
}

// Info reports the selected unit's flags and cylinder for CMD_GET_INFO's
// GETINFO_CURRENT_DRIVE and GETINFO_DRIVE(n) sub-commands. nr < 0 means
// "the currently selected unit"; nr >= 0 is still validated against the
// active bus type's unit count, but (matching the donor's drive_get_info,
// which reads unit[unit_nr] unconditionally after that check rather than
// unit[nr]) the flags and cylinder reported are always those of the
// selected unit, never of an unselected nr passed explicitly. Querying a
// specific, unselected unit this way silently returns the wrong unit's
// state rather than an error; this is a preserved donor quirk, not fixed.
func (d *Drive) Info(nr int) (Info, error) {
	if nr >= 0 {
		byBus, ok := d.cs[d.bus]
		if !ok {
			return Info{}, ErrNoBus
		}
		if _, ok := byBus[nr]; !ok {
			return Info{}, ErrBadUnit
		}
	}
	if d.selNr < 0 {
		return Info{}, ErrNoUnit
	}
	u := d.units[d.selNr]
	return Info{CylValid: u.initialised, MotorOn: u.motor, IsFlippy: u.isFlippy, Cyl: u.cyl}, nil
}

// GetPin reads a named floppy sense/control pin. Pins 8, 26 and 28 are the
// fixed INDEX/TRK0/WRPROT sense lines present on every board; any other id
// is looked up in the board's user pin table.
func (d *Drive) GetPin(id uint8) (bool, error) {
	switch id {
	case pinIndex:
		return d.pins.Get("index"), nil
	case pinTrk0:
		return d.pins.Get("trk0"), nil
	case pinWrProt:
		return d.pins.Get("wrprot"), nil
	}
	name, ok := d.userPins[id]
	if !ok {
		return false, ErrBadPin
	}
	return d.pins.Get(name), nil
}

// SetPin drives a user-mapped output pin. The fixed sense pins (8, 26, 28)
// are inputs and cannot be set.
func (d *Drive) SetPin(id uint8, level bool) error {
	switch id {
	case pinIndex, pinTrk0, pinWrProt:
		return ErrBadPin
	}
	name, ok := d.userPins[id]
	if !ok {
		return ErrBadPin
	}
	d.pins.Set(name, level)
	return nil
}

// Head selects the active head (0 or 1) on the selected drive's HEAD
// line, gated by any pending op-delay on DelayHead and, if the line
// actually changes, arming a DelayWrite deadline of preWrite afterwards
// so a following WRITE_FLUX cannot start before the head has settled.
// Already being on the requested head is a no-op: the donor only pays the
// settle cost on an actual change.
func (d *Drive) Head(head int, preWrite time.Duration, y worker.Yielder) {
	want := head != 0
	if d.pins.Get("head") == want {
		return
	}
	d.op.Wait(floppy.DelayHead, y)
	d.pins.Set("head", want)
	d.op.Async(floppy.DelayWrite, preWrite, y)
}

// NoclickStep seeks to cylinder 0, then issues a single outward step. A
// drive whose heads were already parked at cylinder 0 ignores the
// out-of-range step (TRK0 stays asserted) at the cost of resetting its
// Disk Change latch, which is the point of the command. A drive that
// actually moves is stepped back in and the command is flagged as
// unsupported on that drive so callers stop relying on it.
func (d *Drive) NoclickStep(y worker.Yielder) error {
	if err := d.Seek(0, y); err != nil {
		return err
	}

	d.stepDir(true) // outward
	d.stepOnce(y)

	if !d.pins.Get("trk0") {
		// TRK0 deasserted: the drive really stepped off cylinder 0.
		d.wait(d.SeekSettle, y)
		d.stepDir(false) // inward
		d.stepOnce(y)
		d.wait(d.SeekSettle, y)
		return ErrBadCylinder
	}
	return nil
}

// seekInitialise synchronises to cylinder 0, detects a flippy drive,
// and if found seeks inward to find the real cylinder 1 with the TRK0
// sensor disabled (it would otherwise trip again at cylinder 0).
func (d *Drive) seekInitialise(u *unit, y worker.Yielder) error {
	d.stepDir(true) // outward

	found := false
	for i := 0; i < 256; i++ {
		if d.pins.Get("trk0") {
			found = true
			break
		}
		d.stepOnce(y)
	}
	if !found {
		return ErrNoTrk0
	}

	u.cyl = 0
	u.isFlippy = d.flippyDetect()

	if u.isFlippy {
		d.wait(d.SeekSettle, y)
		d.stepDir(false) // inward

		for i := 0; i < 10; i++ {
			d.stepOnce(y)
			if !d.pins.Get("trk0") {
				u.cyl = 1
				break
			}
		}
		if u.cyl != 1 {
			d.wait(d.SeekSettle, y)
			return ErrNoTrk0
		}
	}

	u.initialised = true
	d.wait(d.SeekSettle, y)
	return nil
}

// flippyDetect momentarily disables the TRK0 sensor and checks whether
// it still reads asserted: a flippy drive's sensor can fire at negative
// cylinder offsets, which this distinguishes from a normal drive at
// cylinder 0.
func (d *Drive) flippyDetect() bool {
	d.setFlippyTrk0SensorDisabled(true)
	isFlippy := d.pins.Get("trk0")
	d.setFlippyTrk0SensorDisabled(false)
	return isFlippy
}

func (d *Drive) setFlippyTrk0SensorDisabled(disabled bool) {
	d.pins.Set("trk0_disable", disabled)
}

func (d *Drive) stepDir(out bool) {
	d.pins.Set("dir", !out)
}

func (d *Drive) stepOnce(y worker.Yielder) {
	d.pins.Set("step", true)
	d.pins.Set("step", false)
	d.wait(d.StepDelay, y)
}

func (d *Drive) stepN(n int, y worker.Yielder) {
	for ; n > 0; n-- {
		d.stepOnce(y)
	}
}

// wait busy-yields until d has elapsed on the shared tick clock,
// letting the other worker run at every spin. A zero duration (as in
// tests that don't care about timing fidelity) returns immediately.
func (d *Drive) wait(dur time.Duration, y worker.Yielder) {
	if dur <= 0 {
		return
	}
	deadline := d.clock.Now() + floppy.Ticks(dur.Nanoseconds()*floppy.SampleMHz/1000)
	for d.clock.Now().Before(deadline) {
		if y != nil {
			y.Yield()
		}
	}
}
