// USB armory Mk II support for tamago/arm
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mk2

import (
	"github.com/usbarmory/fluxbridge/soc/nxp/gpio"
	"github.com/usbarmory/fluxbridge/soc/nxp/imx6ul"
	"github.com/usbarmory/fluxbridge/soc/nxp/iomuxc"
)

// floppyPin describes one named floppy bus line: which GPIO controller and
// number it lives on, the IOMUXC mux/pad control registers for that pad, and
// whether it is driven by the board (output) or read from the drive
// (input).
//
// The mux/pad addresses below follow the CSI_DATA pad group used for LED
// wiring in led.go, extended across the thirteen consecutive mux/pad
// registers following CSI_DATA01 (mux 0x020e01ec-0x020e021c), with GPIO4
// line numbers assigned independently of those pads. No USB armory Mk II floppy breakout board schematic was
// available to ground the exact pinout, so this table is a placeholder: an
// integrator wiring a physical drive breakout replaces the mux/pad/GPIO
// triples here with the real assignment, the way the donor's own
// board_config.user_pins table is populated per board variant.
type floppyPin struct {
	gpio    *gpio.GPIO
	num     int
	mux     uint32
	pad     uint32
	isInput bool
}

var floppyPinTable = map[string]floppyPin{
	"index":        {imx6ul.GPIO4, 16, 0x020e01ec, 0x020e0478, true},
	"trk0":         {imx6ul.GPIO4, 17, 0x020e01f0, 0x020e047c, true},
	"wrprot":       {imx6ul.GPIO4, 18, 0x020e01f4, 0x020e0480, true},
	"trk0_disable": {imx6ul.GPIO4, 19, 0x020e01f8, 0x020e0484, false},
	"dir":          {imx6ul.GPIO4, 20, 0x020e01fc, 0x020e0488, false},
	"step":         {imx6ul.GPIO4, 23, 0x020e0200, 0x020e048c, false},
	"head":         {imx6ul.GPIO4, 24, 0x020e0204, 0x020e0490, false},

	// Chip-select and motor-control lines: IBM PC shugart34 and
	// Shugart bus-34 wiring both exist on the connector simultaneously
	// in this table; Drive.SetBusType picks which subset is live.
	"cs10":    {imx6ul.GPIO4, 25, 0x020e0208, 0x020e0494, false},
	"cs12":    {imx6ul.GPIO4, 26, 0x020e020c, 0x020e0498, false},
	"cs14":    {imx6ul.GPIO4, 27, 0x020e0210, 0x020e049c, false},
	"motor10": {imx6ul.GPIO4, 28, 0x020e0214, 0x020e04a0, false},
	"motor16": {imx6ul.GPIO4, 29, 0x020e0218, 0x020e04a4, false},

	// wgate is the write-gate line asserted by the flux write pipeline
	// for the duration of a WRITE_FLUX/ERASE_FLUX transfer.
	"wgate": {imx6ul.GPIO4, 30, 0x020e021c, 0x020e04a8, false},
}

// FloppyPins is a drive.Pins implementation backed by the floppyPinTable
// GPIO assignment.
type FloppyPins struct {
	pins map[string]*gpio.Pin
}

var floppyPins *FloppyPins

func init() {
	floppyPins = &FloppyPins{pins: map[string]*gpio.Pin{}}

	ctl := uint32((1 << iomuxc.SW_PAD_CTL_PKE) |
		(iomuxc.SW_PAD_CTL_SPEED_100MHZ << iomuxc.SW_PAD_CTL_SPEED) |
		(iomuxc.SW_PAD_CTL_DSE_2_R0_6 << iomuxc.SW_PAD_CTL_DSE))

	for name, fp := range floppyPinTable {
		pin, err := fp.gpio.Init(fp.num)
		if err != nil {
			panic(err)
		}

		if fp.isInput {
			pin.In()
		} else {
			pin.Out()
		}

		iomuxc.Init(fp.mux, fp.pad, GPIO_MODE).Ctl(ctl)

		floppyPins.pins[name] = pin
	}
}

// FloppyPinsDriver returns the board's drive.Pins implementation.
func FloppyPinsDriver() *FloppyPins {
	return floppyPins
}

func (p *FloppyPins) Set(name string, level bool) {
	pin, ok := p.pins[name]
	if !ok {
		return
	}

	if level {
		pin.High()
	} else {
		pin.Low()
	}
}

func (p *FloppyPins) Get(name string) bool {
	pin, ok := p.pins[name]
	if !ok {
		return false
	}

	return pin.Value()
}
