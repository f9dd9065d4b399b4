// USB armory Mk II board revision detection
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mk2

import (
	"github.com/usbarmory/fluxbridge/soc/nxp/imx6ul"
)

const (
	REV_BETA = iota
	REV_GAMMA
)

// Model returns the USB armory board revision name; further SoC variant
// detection can be done with imx6ul.Model(). The revision feeds the
// GET_INFO.FIRMWARE hardware model fields (floppy.Info.HWModel/HWSubmodel),
// set by the board-glue entrypoint at startup.
func Model() (model string) {
	// WithSecure burns model information in the MSB of OTP fuses bank 4
	// word 2 (OCOTP_MAC0).
	mac0, _ := imx6ul.OCOTP.Read(4, 2)

	switch mac0 >> 24 {
	case REV_GAMMA:
		return "UA-MKII-γ"
	default:
		return "UA-MKII-β"
	}
}
