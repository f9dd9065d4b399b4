package drive

import (
	"testing"
	"time"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/opdelay"
)

type fakePins struct {
	levels map[string]bool
}

func newFakePins() *fakePins { return &fakePins{levels: map[string]bool{}} }

func (p *fakePins) Set(name string, level bool) { p.levels[name] = level }

// Get mirrors the donor hardware's trk0 sensor behaviour closely enough
// for these tests: a flippy drive's extra sensor only asserts trk0 when
// the normal sensor is disabled, so while trk0_disable is low the fake
// reports the ordinary (non-flippy) reading.
func (p *fakePins) Get(name string) bool {
	if name == "trk0" && !p.levels["trk0_disable"] {
		return p.levels["trk0_normal"]
	}
	return p.levels[name]
}

type fakeClock struct{ now floppy.Ticks }

func (c *fakeClock) Now() floppy.Ticks { return c.now }

type autoYielder struct {
	clock *fakeClock
	step  floppy.Ticks
}

func (y *autoYielder) Yield() { y.clock.now += y.step }

func newDrive() (*Drive, *fakePins, *fakeClock) {
	pins := newFakePins()
	clock := &fakeClock{}
	op := opdelay.New(clock)
	d := New(pins, clock, op)
	d.SelectDelay = 10 * time.Microsecond
	d.StepDelay = 10 * time.Microsecond
	d.SeekSettle = 15 * time.Millisecond
	d.MotorDelay = 750 * time.Millisecond
	return d, pins, clock
}

func TestSelectAssertsMappedPinAndIsIdempotent(t *testing.T) {
	d, pins, clock := newDrive()
	d.SetBusType(floppy.BusIBMPC)
	y := &autoYielder{clock: clock, step: 1000}

	if err := d.Select(0, y); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !pins.Get("cs14") {
		t.Fatalf("expected cs14 asserted for IBM PC unit 0")
	}

	// selecting the same unit again must not toggle the pin off and on.
	pins.Set("cs14", true)
	if err := d.Select(0, y); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if !pins.Get("cs14") {
		t.Fatalf("expected cs14 to remain asserted")
	}
}

func TestSelectBadUnitReturnsError(t *testing.T) {
	d, _, clock := newDrive()
	d.SetBusType(floppy.BusIBMPC)
	y := &autoYielder{clock: clock, step: 1000}
	if err := d.Select(5, y); err != ErrBadUnit {
		t.Fatalf("expected ErrBadUnit, got %v", err)
	}
}

func TestSelectNoBusType(t *testing.T) {
	d, _, clock := newDrive()
	y := &autoYielder{clock: clock, step: 1000}
	if err := d.Select(0, y); err != ErrNoBus {
		t.Fatalf("expected ErrNoBus, got %v", err)
	}
}

func TestShugartUnitsShareOneMotorLine(t *testing.T) {
	d, pins, clock := newDrive()
	d.SetBusType(floppy.BusShugart)
	y := &autoYielder{clock: clock, step: 1000}

	if err := d.Motor(2, true, y); err != nil {
		t.Fatalf("motor: %v", err)
	}
	if !pins.Get("motor16") {
		t.Fatalf("expected motor16 asserted regardless of which shugart unit requested it")
	}
	if !d.units[0].motor {
		t.Fatalf("expected unit 0 to be the aliased motor owner")
	}
}

func TestSeekRequiresSelectedUnit(t *testing.T) {
	d, _, clock := newDrive()
	y := &autoYielder{clock: clock, step: 1000}
	if err := d.Seek(5, y); err != ErrNoUnit {
		t.Fatalf("expected ErrNoUnit, got %v", err)
	}
}

func TestSeekCalibratesToTrack0ThenSteps(t *testing.T) {
	d, pins, clock := newDrive()
	d.SetBusType(floppy.BusIBMPC)
	y := &autoYielder{clock: clock, step: 1000}

	if err := d.Select(0, y); err != nil {
		t.Fatalf("select: %v", err)
	}

	// trk0 reads asserted immediately: calibration finds cylinder 0 on
	// the very first check, with no stepping needed.
	pins.Set("trk0_normal", true)

	if err := d.Seek(2, y); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if d.units[0].cyl != 2 {
		t.Fatalf("expected cylinder 2, got %d", d.units[0].cyl)
	}
	if !d.units[0].initialised {
		t.Fatalf("expected unit to be marked initialised after calibration")
	}
}

func TestSeekNoTrk0FoundReturnsError(t *testing.T) {
	d, pins, clock := newDrive()
	d.SetBusType(floppy.BusIBMPC)
	y := &autoYielder{clock: clock, step: 1000}
	d.Select(0, y)

	pins.Set("trk0_normal", false) // never asserts

	if err := d.Seek(1, y); err != ErrNoTrk0 {
		t.Fatalf("expected ErrNoTrk0, got %v", err)
	}
}

func TestSeekSameCylinderIsNoop(t *testing.T) {
	d, pins, clock := newDrive()
	d.SetBusType(floppy.BusIBMPC)
	y := &autoYielder{clock: clock, step: 1000}
	d.Select(0, y)
	pins.Set("trk0_normal", true)

	if err := d.Seek(0, y); err != nil {
		t.Fatalf("seek to 0: %v", err)
	}
	if err := d.Seek(0, y); err != nil {
		t.Fatalf("seek to 0 again: %v", err)
	}
}
