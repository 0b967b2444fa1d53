// Package hw describes the register interface, interrupt lines and device
// memory of the accelerator. It does not talk to any hardware itself, see
// package uio for a real backend and package sim for a simulated device.
package hw

import (
	"context"
	"fmt"
)

// Addr is a device-visible (bus) address.
type Addr uint32

func (a Addr) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

// Register is the word index of a control register. The byte offset inside
// the register bank is Register*4.
type Register uint32

const (
	RegVersion Register = iota
	RegConfig1
	RegConfig2
	RegConfig3
	RegBusy
	RegIRQMask
	RegIRQState
	RegStreamAddr
	RegStreamPos
	RegSync0
	RegSync1
	RegSync2
	RegReturnAddress
	RegIRQTrigger
	RegSoftReset
	RegPgmBase

	// RegisterCount is the number of registers in the control bank.
	RegisterCount
)

var registerNames = [RegisterCount]string{
	RegVersion:       "VERSION",
	RegConfig1:       "CONFIG_1",
	RegConfig2:       "CONFIG_2",
	RegConfig3:       "CONFIG_3",
	RegBusy:          "BUSY",
	RegIRQMask:       "IRQ_MASK",
	RegIRQState:      "IRQ_STATE",
	RegStreamAddr:    "STREAM_ADDR",
	RegStreamPos:     "STREAM_POS",
	RegSync0:         "SYNC_0",
	RegSync1:         "SYNC_1",
	RegSync2:         "SYNC_2",
	RegReturnAddress: "RETURN_ADDRESS",
	RegIRQTrigger:    "IRQ_TRIGGER",
	RegSoftReset:     "SOFT_RESET",
	RegPgmBase:       "PGM_BASE_ADDR",
}

func (r Register) String() string {
	if r < RegisterCount {
		return registerNames[r]
	}
	return fmt.Sprintf("REG_%d", uint32(r))
}

// DumpRegisters lists the registers shown in register dumps, in bank order.
var DumpRegisters = []Register{
	RegVersion, RegConfig1, RegConfig2, RegConfig3, RegBusy, RegIRQMask, RegIRQState,
	RegStreamAddr, RegStreamPos, RegSync0, RegSync1, RegSync2, RegReturnAddress,
}

// SoftResetMagic must be written to RegSoftReset to reset the core.
const SoftResetMagic uint32 = 0xDEADC07E

// DeviceID is the identifier reported in the top byte of RegVersion.
const DeviceID = 0xd5

// SupportedVersion is the hardware revision this driver speaks to.
const SupportedVersion = 2

// Version is the decoded content of RegVersion.
type Version struct {
	Device   uint8
	Hardware uint8
	VCS      uint16
}

func DecodeVersion(v uint32) Version {
	return Version{
		Device:   uint8(v >> 24),
		Hardware: uint8(v >> 16),
		VCS:      uint16(v),
	}
}

func (v Version) Encode() uint32 {
	return uint32(v.Device)<<24 | uint32(v.Hardware)<<16 | uint32(v.VCS)
}

// Config1 is the decoded content of RegConfig1.
type Config1 struct {
	Shaders      uint8
	ShaderALUs   uint8
	TextureUnits uint8
}

func DecodeConfig1(v uint32) Config1 {
	return Config1{
		Shaders:      uint8(v),
		ShaderALUs:   uint8(v >> 8),
		TextureUnits: uint8(v >> 16),
	}
}

func (c Config1) Encode() uint32 {
	return uint32(c.Shaders) | uint32(c.ShaderALUs)<<8 | uint32(c.TextureUnits)<<16
}

// Registers is raw access to the 32-bit control registers.
type Registers interface {
	Read32(r Register) uint32
	Write32(r Register, v uint32)
}

// Barrier makes every store to device memory issued before Publish visible to
// the device before any store issued after it.
type Barrier interface {
	Publish()
}

// IRQSource delivers interrupt notifications. WaitIRQ blocks until the device
// raised an interrupt or ctx is done.
type IRQSource interface {
	WaitIRQ(ctx context.Context) error
}
