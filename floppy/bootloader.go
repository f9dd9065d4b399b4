// Bootloader handoff
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package floppy

// Resetter triggers a system reset, the board-level collaborator behind
// ResetToBootloader.
type Resetter interface {
	SoftwareReset()
}

// BootloaderHandoff implements floppy/dispatch's Reset collaborator for
// CMD_SWITCH_FW_MODE: it stamps the reserved reset-flag word the ROM
// bootloader checks for and triggers a watchdog-driven system reset,
// mirroring the donor's system_reset() path.
type BootloaderHandoff struct {
	WDOG Resetter

	// FlagWord receives the reset-flag word before reset, standing in
	// for the donor's write to a fixed SRAM address read back by the
	// ROM bootloader across reset. Left nil in builds with nowhere
	// suitable to stamp it.
	FlagWord *uint32
}

const bootloaderResetFlag uint32 = 0xdeadbeef

// ResetToBootloader stamps the reset flag, if a flag word was wired in,
// and triggers a watchdog software reset. It does not return.
func (b BootloaderHandoff) ResetToBootloader() {
	if b.FlagWord != nil {
		*b.FlagWord = bootloaderResetFlag
	}

	b.WDOG.SoftwareReset()
}

// PendingUpdate satisfies floppy/dispatch's Update collaborator for a build
// that has not wired flash-write support in yet. CMD_UPDATE is acknowledged
// as unsupported rather than silently accepted.
type PendingUpdate struct{}

func (PendingUpdate) Prep(length uint32) Status { return AckBadCommand }
