package sim

import (
	"context"
	"testing"
	"time"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/stream"
	"github.com/dnxgpu/dnx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = hw.Addr(0x10000)

func newTestDevice(t *testing.T) *Device {
	d := New(test.NewLogger(), testBase, 4096)
	d.Write32(hw.RegIRQMask, uint32(hw.IRQDefaultMask))
	return d
}

func TestDevice_Identification(t *testing.T) {
	d := newTestDevice(t)

	assert.Equal(t, DefaultVersion, hw.DecodeVersion(d.Read32(hw.RegVersion)))
	assert.Equal(t, DefaultConfig1, hw.DecodeConfig1(d.Read32(hw.RegConfig1)))

	// read only
	d.Write32(hw.RegVersion, 0)
	d.Write32(hw.RegBusy, 0xffffffff)
	assert.Equal(t, DefaultVersion.Encode(), d.Read32(hw.RegVersion))
	assert.Equal(t, uint32(0), d.Read32(hw.RegBusy))
}

func TestDevice_Stream(t *testing.T) {
	d := newTestDevice(t)
	d.EnableTrace()

	enc := stream.NewEncoder(d.Memory(), 0)
	enc.WriteReg(hw.RegSync1, 0x11, 0x22)
	enc.Jump(testBase + 0x100)
	enc.Seek(0x100)
	enc.Sync(5)
	end := enc.Addr()
	enc.End()

	d.Write32(hw.RegStreamAddr, uint32(testBase))
	assert.True(t, d.Running())
	assert.Equal(t, uint32(hw.BusyCtrl), d.Read32(hw.RegBusy))

	assert.Equal(t, 4, d.RunUntilIdle(100))
	assert.False(t, d.Running())
	assert.Equal(t, uint64(4), d.Steps())

	assert.Equal(t, uint32(0x11), d.Read32(hw.RegSync1))
	assert.Equal(t, uint32(0x22), d.Read32(hw.RegSync2))
	assert.Equal(t, uint32(5), d.Read32(hw.RegSync0))
	assert.Equal(t, uint32(end), d.Read32(hw.RegStreamPos))
	assert.Equal(t, uint32(0), d.Read32(hw.RegBusy))
	assert.Equal(t, hw.IRQStreamSync|hw.IRQStreamDone, d.Pending())

	// only Write32 is traced, not stream writes
	assert.Equal(t, []uint32{uint32(testBase)}, d.Writes(hw.RegStreamAddr))
	assert.Empty(t, d.Writes(hw.RegSync0))

	// write one to clear
	d.Write32(hw.RegIRQState, uint32(hw.IRQStreamSync))
	assert.Equal(t, hw.IRQStreamDone, d.Pending())
}

func TestDevice_StreamErrors(t *testing.T) {
	d := newTestDevice(t)
	w := d.Memory()

	// unknown opcode
	w.Store(0, 0x7<<28)
	d.Write32(hw.RegStreamAddr, uint32(testBase))
	d.RunUntilIdle(10)
	assert.True(t, d.Pending().Has(hw.IRQStreamErr))
	assert.False(t, d.Running())

	// jump out of memory
	d.Write32(hw.RegIRQState, 0xffffffff)
	enc := stream.NewEncoder(w, 0)
	enc.Jump(0x100)
	d.Write32(hw.RegStreamAddr, uint32(testBase))
	d.RunUntilIdle(10)
	assert.True(t, d.Pending().Has(hw.IRQStreamErr))
	assert.Equal(t, uint32(0x100), d.Read32(hw.RegStreamPos))

	// the stream may only write the sync, return and program registers
	d.Write32(hw.RegIRQState, 0xffffffff)
	enc.Seek(0)
	enc.WriteReg(hw.RegIRQMask, 0)
	enc.End()
	d.Write32(hw.RegStreamAddr, uint32(testBase))
	d.RunUntilIdle(10)
	assert.True(t, d.Pending().Has(hw.IRQRegisterErr))
	assert.Equal(t, uint32(hw.IRQDefaultMask), d.Read32(hw.RegIRQMask))
}

func TestDevice_IgnoreStreamStart(t *testing.T) {
	d := newTestDevice(t)
	d.IgnoreStreamStart = true

	d.Write32(hw.RegStreamAddr, uint32(testBase))
	assert.False(t, d.Running())
	assert.Equal(t, 0, d.RunUntilIdle(10))
}

func TestDevice_IRQ(t *testing.T) {
	d := newTestDevice(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitIRQ(ctx), context.DeadlineExceeded)

	d.Write32(hw.RegIRQTrigger, uint32(hw.IRQShaderTrap))
	require.NoError(t, d.WaitIRQ(context.Background()))
	assert.Equal(t, hw.IRQShaderTrap|hw.IRQStreamSoft, d.Pending())

	// masked interrupts stay pending without a notification
	d.Write32(hw.RegIRQState, 0xffffffff)
	d.Write32(hw.RegIRQMask, 0)
	d.Write32(hw.RegIRQTrigger, uint32(hw.IRQStreamDone))
	assert.Equal(t, hw.IRQ(0), d.Pending())

	// unmasking delivers them
	d.Write32(hw.RegIRQMask, uint32(hw.IRQDefaultMask))
	require.NoError(t, d.WaitIRQ(context.Background()))
	assert.Equal(t, hw.IRQStreamDone|hw.IRQStreamSoft, d.Pending())

	// registers outside of the bank
	d.Write32(hw.RegIRQState, 0xffffffff)
	assert.Equal(t, uint32(0), d.Read32(hw.RegisterCount+3))
	assert.Equal(t, hw.IRQRegisterErr, d.Pending())
}

func TestDevice_SoftReset(t *testing.T) {
	d := newTestDevice(t)
	d.Write32(hw.RegSync0, 9)
	d.Write32(hw.RegStreamAddr, uint32(testBase))

	d.Write32(hw.RegSoftReset, 1)
	assert.Equal(t, uint32(9), d.Read32(hw.RegSync0))

	d.Write32(hw.RegSoftReset, hw.SoftResetMagic)
	assert.Equal(t, uint32(0), d.Read32(hw.RegSync0))
	assert.Equal(t, uint32(0), d.Read32(hw.RegIRQMask))
	assert.False(t, d.Running())
	assert.Equal(t, DefaultVersion.Encode(), d.Read32(hw.RegVersion))
}

func TestDevice_Run(t *testing.T) {
	d := newTestDevice(t)
	enc := stream.NewEncoder(d.Memory(), 0)
	enc.Sync(1)
	enc.End()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx, time.Millisecond, 16) }()

	d.Write32(hw.RegStreamAddr, uint32(testBase))
	require.NoError(t, d.WaitIRQ(context.Background()))
	assert.Eventually(t, func() bool { return !d.Running() }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
