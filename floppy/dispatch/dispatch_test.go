package dispatch

import (
	"testing"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/drive"
	"github.com/usbarmory/fluxbridge/floppy/opdelay"
)

type fakePins struct {
	levels map[string]bool
}

func newFakePins() *fakePins { return &fakePins{levels: map[string]bool{}} }

func (p *fakePins) Set(name string, level bool) { p.levels[name] = level }

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

func newDispatcher() (*Dispatcher, *fakePins, *autoYielder) {
	pins := newFakePins()
	clock := &fakeClock{}
	op := opdelay.New(clock)
	d := drive.New(pins, clock, op)
	disp := New(d)
	return disp, pins, &autoYielder{clock: clock, step: 1000}
}

func TestUnknownCommandYieldsBadCommandAndNoStateChange(t *testing.T) {
	disp, _, y := newDispatcher()
	resp, next := disp.Dispatch([]byte{0xFE, 2}, y)
	if len(resp) != 2 || resp[0] != 0xFE || floppy.Status(resp[1]) != floppy.AckBadCommand {
		t.Fatalf("unexpected response %v", resp)
	}
	if next != floppy.StateCommandWait {
		t.Fatalf("expected StateCommandWait, got %v", next)
	}
}

func TestBadLengthYieldsBadCommand(t *testing.T) {
	disp, _, y := newDispatcher()
	resp, _ := disp.Dispatch([]byte{byte(CmdDeselect), 3}, y)
	if floppy.Status(resp[1]) != floppy.AckBadCommand {
		t.Fatalf("expected bad command for mismatched len, got %v", resp)
	}
}

func TestSeekWithoutSelectReturnsNoUnit(t *testing.T) {
	disp, _, y := newDispatcher()

	frame := []byte{byte(CmdSetBusType), 3, byte(floppy.BusIBMPC)}
	resp, _ := disp.Dispatch(frame, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("set bus type: %v", resp)
	}

	seek := []byte{byte(CmdSeek), 3, 40}
	resp, next := disp.Dispatch(seek, y)
	if floppy.Status(resp[1]) != floppy.AckNoUnit {
		t.Fatalf("expected AckNoUnit, got %v", resp)
	}
	if next != floppy.StateCommandWait {
		t.Fatalf("expected StateCommandWait, got %v", next)
	}
}

func TestSelectThenSeekSucceeds(t *testing.T) {
	disp, pins, y := newDispatcher()

	disp.Dispatch([]byte{byte(CmdSetBusType), 3, byte(floppy.BusIBMPC)}, y)
	resp, _ := disp.Dispatch([]byte{byte(CmdSelect), 3, 0}, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("select: %v", resp)
	}

	pins.Set("trk0_normal", true)

	resp, next := disp.Dispatch([]byte{byte(CmdSeek), 3, 5}, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("seek: %v", resp)
	}
	if next != floppy.StateCommandWait {
		t.Fatalf("expected StateCommandWait, got %v", next)
	}
}

func TestGetInfoFirmwareReturns32ByteRecord(t *testing.T) {
	disp, _, y := newDispatcher()
	disp.Info = func() floppy.Info {
		return floppy.Info{FirmwareMajor: 1, FirmwareMinor: 2, SampleFreq: 72_000_000}
	}

	resp, _ := disp.Dispatch([]byte{byte(CmdGetInfo), 3, GetInfoFirmware}, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("get_info: %v", resp)
	}
	if len(resp) != 2+infoSize {
		t.Fatalf("expected %d byte response, got %d", 2+infoSize, len(resp))
	}
	if resp[2] != 1 || resp[3] != 2 {
		t.Fatalf("expected firmware version fields, got %v", resp[2:4])
	}
}

func TestSetParamsThenGetParamsRoundTrips(t *testing.T) {
	disp, _, y := newDispatcher()

	set := []byte{byte(CmdSetParams), 3 + paramsSize, paramsDelays}
	body := make([]byte, paramsSize)
	body[0], body[1] = 0x34, 0x12 // select_delay_us = 0x1234 little-endian
	set = append(set, body...)

	resp, _ := disp.Dispatch(set, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("set_params: %v", resp)
	}
	if disp.Params.SelectDelayUS != 0x1234 {
		t.Fatalf("expected select delay 0x1234, got %#x", disp.Params.SelectDelayUS)
	}

	get := []byte{byte(CmdGetParams), 4, paramsDelays, 2}
	resp, _ = disp.Dispatch(get, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("get_params: %v", resp)
	}
	if len(resp) != 4 || resp[2] != 0x34 || resp[3] != 0x12 {
		t.Fatalf("expected truncated param bytes, got %v", resp)
	}
}

func TestUpdateRejectsWrongSignature(t *testing.T) {
	disp, _, y := newDispatcher()
	frame := []byte{byte(CmdUpdate), 10, 0, 0, 0, 0, 0, 0, 0, 0}
	resp, next := disp.Dispatch(frame, y)
	if floppy.Status(resp[1]) != floppy.AckBadCommand {
		t.Fatalf("expected bad command for bad signature, got %v", resp)
	}
	if next != floppy.StateCommandWait {
		t.Fatalf("expected no state change, got %v", next)
	}
}

func TestResetClearsBusAndParams(t *testing.T) {
	disp, _, y := newDispatcher()
	disp.Dispatch([]byte{byte(CmdSetBusType), 3, byte(floppy.BusIBMPC)}, y)
	disp.Params.SelectDelayUS = 999

	resp, _ := disp.Dispatch([]byte{byte(CmdReset), 2}, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("reset: %v", resp)
	}
	if disp.Params != floppy.FactoryDelayParams {
		t.Fatalf("expected factory params restored")
	}

	// bus type cleared: selecting any unit now fails with AckNoBus.
	resp, _ = disp.Dispatch([]byte{byte(CmdSelect), 3, 0}, y)
	if floppy.Status(resp[1]) != floppy.AckNoBus {
		t.Fatalf("expected AckNoBus after reset, got %v", resp)
	}
}

func TestGetPinUnmappedReturnsBadPin(t *testing.T) {
	disp, _, y := newDispatcher()
	resp, _ := disp.Dispatch([]byte{byte(CmdGetPin), 3, 99}, y)
	if floppy.Status(resp[1]) != floppy.AckBadPin {
		t.Fatalf("expected AckBadPin, got %v", resp)
	}
}

func TestGetPinFixedSenseLines(t *testing.T) {
	disp, pins, y := newDispatcher()
	pins.Set("wrprot", true)
	resp, _ := disp.Dispatch([]byte{byte(CmdGetPin), 3, 28}, y)
	if floppy.Status(resp[1]) != floppy.AckOkay {
		t.Fatalf("get_pin: %v", resp)
	}
	if len(resp) != 3 || resp[2] != 1 {
		t.Fatalf("expected asserted wrprot reading, got %v", resp)
	}
}
