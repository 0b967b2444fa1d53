package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIRQ_String(t *testing.T) {
	assert.Equal(t, "none", IRQ(0).String())
	assert.Equal(t, "STREAM_DONE", IRQStreamDone.String())
	assert.Equal(t, "STREAM_DONE|STREAM_SOFT|SHADER_TRAP", (IRQShaderTrap | IRQStreamSoft | IRQStreamDone).String())
	assert.Equal(t, "", IRQ(1<<30).String())

	assert.True(t, IRQErrors.Has(IRQStreamErr))
	assert.False(t, IRQErrors.Has(IRQStreamDone|IRQStreamSync|IRQStreamSoft|IRQSDMADone))
	assert.False(t, IRQDefaultMask.Has(IRQSDMADone))
	assert.True(t, IRQDefaultMask.Has(IRQStreamDone))
}

func TestBusy_Names(t *testing.T) {
	assert.Nil(t, Busy(0).Names())
	assert.Equal(t, []string{"CTRL", "SDMA"}, (BusyCtrl | BusySDMA).Names())
	assert.Equal(t, []string{"TFU2", "SHD0", "SHD3"}, (BusyTFUBase<<2 | BusySHDBase | BusySHDBase<<3).Names())
}

func TestRegister_String(t *testing.T) {
	assert.Equal(t, "VERSION", RegVersion.String())
	assert.Equal(t, "PGM_BASE_ADDR", RegPgmBase.String())
	assert.Equal(t, "REG_99", Register(99).String())
	assert.Equal(t, "0x0000beef", Addr(0xbeef).String())
}

func TestVersion(t *testing.T) {
	v := DecodeVersion(0xd5020007)
	assert.Equal(t, Version{Device: DeviceID, Hardware: SupportedVersion, VCS: 7}, v)
	assert.Equal(t, uint32(0xd5020007), v.Encode())

	c := DecodeConfig1(0x040204)
	assert.Equal(t, Config1{Shaders: 4, ShaderALUs: 2, TextureUnits: 4}, c)
	assert.Equal(t, uint32(0x040204), c.Encode())
}
