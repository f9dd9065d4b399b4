// Flux bridge firmware entrypoint
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago,arm

package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/usbarmory/fluxbridge/floppy"
	"github.com/usbarmory/fluxbridge/floppy/dispatch"
	"github.com/usbarmory/fluxbridge/floppy/drive"
	"github.com/usbarmory/fluxbridge/floppy/fluxio"
	"github.com/usbarmory/fluxbridge/floppy/hostring"
	"github.com/usbarmory/fluxbridge/floppy/index"
	"github.com/usbarmory/fluxbridge/floppy/opdelay"
	"github.com/usbarmory/fluxbridge/floppy/usbtransport"
	"github.com/usbarmory/fluxbridge/floppy/worker"

	"github.com/usbarmory/fluxbridge/soc/nxp/imx6ul"
	"github.com/usbarmory/fluxbridge/soc/nxp/usb"

	"github.com/usbarmory/fluxbridge/board/usbarmory/mk2"
)

// maxPacketSize is the bulk endpoint's high-speed wMaxPacketSize, the
// Engine's response-framing chunk size (see floppy.Engine's MPS-boundary
// ZLP logic).
const maxPacketSize = 512

// wallClock adapts time.Now to opdelay.Clock. arm.nanotime1 (the donor's
// free-running 72MHz counter readout) is unexported outside package arm,
// so this firmware pays a monotonic-clock read per tick instead of a
// free counter read; op-delay granularities (milliseconds-to-seconds)
// are unaffected by the difference.
type wallClock struct {
	epoch time.Time
}

func (c wallClock) Now() floppy.Ticks {
	return floppy.Ticks(time.Since(c.epoch) * time.Duration(floppy.SampleMHz) / time.Microsecond)
}

var firmwareVersion = struct {
	major, minor uint8
}{major: 0, minor: 1}

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
}

func main() {
	clock := wallClock{epoch: time.Now()}

	op := opdelay.New(clock)
	pins := mk2.FloppyPinsDriver()
	d := drive.New(pins, clock, op)

	idx := index.New(uint32(floppy.FactoryDelayParams.IndexMaskUS) * floppy.SampleMHz)
	stream := fluxio.New(clock, pins, idx, fluxio.NullDescriptor{}, fluxio.NullDescriptor{}, hostring.SizeHighSpeed, maxPacketSize)

	disp := dispatch.New(d)
	disp.Flux = stream
	disp.Update = floppy.PendingUpdate{}
	disp.Reset = floppy.BootloaderHandoff{WDOG: imx6ul.WDOG1}
	disp.Info = func() floppy.Info {
		return floppy.Info{
			FirmwareMajor:  firmwareVersion.major,
			FirmwareMinor:  firmwareVersion.minor,
			IsMainFirmware: 1,
			MaxCmd:         uint8(dispatch.CmdNoclickStep),
			SampleFreq:     floppy.SampleMHz * 1000000,
			HWModel:        hwModel(),
			HWSubmodel:     0,
			USBBufKB:       hostring.SizeHighSpeed / 1024,
			MCUMhz:         528,
			MCUSRamKB:      128,
		}
	}
	disp.OnFault(func(cmd dispatch.OpCode, status floppy.Status) {
		log.Printf("fluxbridge: cmd %#02x fault %#02x", byte(cmd), byte(status))
	})

	bridge := usbtransport.NewBridge()
	engine := floppy.NewEngine(bridge, disp, stream, maxPacketSize)

	dev := newDevice(bridge)

	imx6ul.USB1.Init()
	imx6ul.USB1.DeviceMode()

	go imx6ul.USB1.Start(dev)

	engine.Configure()

	// Engine.Step already drives both command framing and, once a flux
	// phase is underway, the streaming pipeline itself; the floppy-side
	// worker only needs to exist so op-delay waits inside command
	// handlers (drive seeks, motor spin-up) have somewhere to yield to.
	// Pair.Start's own loop yields on its behalf between steps.
	pair := worker.NewPair()
	pair.Start(
		func(y worker.Yielder) { engine.Step(y) },
		func(y worker.Yielder) {},
	)

	fmt.Println("fluxbridge: flux I/O engine running")

	select {}
}

// hwModel reads the board revision fused in OTP: 1 for UA-MKII-γ, 0
// otherwise. mk2.Model reports a failed fuse read as UA-MKII-β, so a
// failed read also yields 0 rather than aborting startup over a cosmetic
// GET_INFO field.
func hwModel() uint8 {
	switch mk2.Model() {
	case "UA-MKII-γ":
		return 1
	default:
		return 0
	}
}

// newDevice assembles the single vendor bulk interface the flux bridge
// exposes: one OUT and one IN endpoint, both driven by bridge.Function,
// matching the donor's single bulk pair wire protocol.
func newDevice(bridge *usbtransport.Bridge) *usb.Device {
	dev := &usb.Device{}

	dev.Descriptor = &usb.DeviceDescriptor{}
	dev.Descriptor.SetDefaults()
	dev.Descriptor.DeviceClass = 0xff
	dev.Descriptor.DeviceSubClass = 0x00
	dev.Descriptor.DeviceProtocol = 0x00

	if err := dev.SetLanguageCodes([]uint16{0x0409}); err != nil {
		panic(err)
	}

	manufacturer, err := dev.AddString("usbarmory")
	if err != nil {
		panic(err)
	}
	dev.Descriptor.Manufacturer = manufacturer

	product, err := dev.AddString("fluxbridge")
	if err != nil {
		panic(err)
	}
	dev.Descriptor.Product = product

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.NumEndpoints = 2
	iface.InterfaceClass = 0xff

	out := &usb.EndpointDescriptor{}
	out.SetDefaults()
	out.EndpointAddress = 0x01
	out.Attributes = 2 // bulk
	out.Function = bridge.Function

	in := &usb.EndpointDescriptor{}
	in.SetDefaults()
	in.EndpointAddress = 0x81
	in.Attributes = 2 // bulk
	in.Function = bridge.Function

	iface.Endpoints = append(iface.Endpoints, out, in)
	conf.AddInterface(iface)

	if err := dev.AddConfiguration(conf); err != nil {
		panic(err)
	}

	return dev
}
