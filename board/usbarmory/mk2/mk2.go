// USB armory Mk II support for tamago/arm
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mk2 provides hardware initialization, automatically on import, for
// the USB armory Mk II single board computer.
//
// This package is only meant to be used with `GOOS=tamago GOARCH=arm` as
// supported by the TamaGo framework for bare metal Go on ARM SoCs, see
// https://github.com/usbarmory/fluxbridge.
package mk2

import (
	"github.com/usbarmory/fluxbridge/soc/nxp/imx6ul"

	_ "unsafe"
)

// GPIO_MODE is the IOMUXC ALT mode selecting plain GPIO function on pads
// shared by LED and floppy sense/control line wiring.
const GPIO_MODE = 5

// Peripheral instances
var (
	UART1 = imx6ul.UART1
	UART2 = imx6ul.UART2

	USB1 = imx6ul.USB1
	USB2 = imx6ul.USB2
)

// Init takes care of the lower level SoC initialization triggered early in
// runtime setup.
//
//go:linkname Init runtime.hwinit
func Init() {
	// initialize SoC
	imx6ul.Init()

	// initialize serial console
	imx6ul.UART2.Init()
}
