// Package sim is an instruction level model of the accelerator's control
// block: register bank, interrupt state, and a stream controller that fetches
// END, WRITE and JMP instructions from device memory.
//
// It implements hw.Registers, hw.Barrier and hw.IRQSource so the driver can
// run against it unchanged. Execution is explicit (Step) or paced by Run.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/stream"
	"github.com/sirupsen/logrus"
)

// Default identification registers of the simulated core.
var (
	DefaultVersion = hw.Version{Device: hw.DeviceID, Hardware: hw.SupportedVersion, VCS: 1}
	DefaultConfig1 = hw.Config1{Shaders: 4, ShaderALUs: 2, TextureUnits: 4}
)

// Device is the simulated accelerator.
type Device struct {
	l   *logrus.Logger
	mem *hw.Window

	mu      sync.Mutex
	regs    [hw.RegisterCount]uint32
	running bool
	pc      hw.Addr
	trace   map[hw.Register][]uint32
	steps   uint64

	// IgnoreStreamStart makes the stream controller ignore writes to
	// RegStreamAddr, as a wedged core would.
	IgnoreStreamStart bool

	// OnPublish is called on every Barrier.Publish, outside of any lock.
	OnPublish func()

	irq chan struct{}
}

// New creates a device with size bytes of memory visible at base.
func New(l *logrus.Logger, base hw.Addr, size uint32) *Device {
	d := &Device{
		l:   l,
		mem: hw.NewWindow(base, make([]uint32, size/hw.WordSize)),
		irq: make(chan struct{}, 1),
	}
	d.resetLocked()
	return d
}

// Memory returns the device memory.
func (d *Device) Memory() *hw.Window {
	return d.mem
}

func (d *Device) resetLocked() {
	d.regs = [hw.RegisterCount]uint32{}
	d.regs[hw.RegVersion] = DefaultVersion.Encode()
	d.regs[hw.RegConfig1] = DefaultConfig1.Encode()
	d.running = false
	d.pc = 0
}

// EnableTrace starts recording every register write issued through Write32.
func (d *Device) EnableTrace() {
	d.mu.Lock()
	d.trace = make(map[hw.Register][]uint32)
	d.mu.Unlock()
}

// Writes returns the values written to r since tracing was enabled.
func (d *Device) Writes(r hw.Register) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.trace[r]...)
}

// Running reports whether the stream controller is fetching.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Steps returns the number of instructions executed so far.
func (d *Device) Steps() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.steps
}

func (d *Device) Read32(r hw.Register) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r >= hw.RegisterCount {
		d.raiseLocked(hw.IRQRegisterErr)
		return 0
	}
	return d.regs[r]
}

func (d *Device) Write32(r hw.Register, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.trace != nil {
		d.trace[r] = append(d.trace[r], v)
	}

	switch r {
	case hw.RegVersion, hw.RegConfig1, hw.RegConfig2, hw.RegConfig3, hw.RegBusy, hw.RegStreamPos:
		// read only
	case hw.RegIRQState:
		d.regs[r] &^= v
	case hw.RegIRQMask:
		d.regs[r] = v
		d.notifyLocked()
	case hw.RegIRQTrigger:
		d.raiseLocked(hw.IRQ(v) | hw.IRQStreamSoft)
	case hw.RegSoftReset:
		if v == hw.SoftResetMagic {
			d.l.Debug("simulated core reset")
			d.resetLocked()
		}
	case hw.RegStreamAddr:
		d.regs[r] = v
		if !d.IgnoreStreamStart {
			d.startLocked(hw.Addr(v))
		}
	default:
		if r >= hw.RegisterCount {
			d.raiseLocked(hw.IRQRegisterErr)
			return
		}
		d.regs[r] = v
	}
}

// Publish implements hw.Barrier. Stores through hw.Window are atomic, so there
// is nothing to flush.
func (d *Device) Publish() {
	if d.OnPublish != nil {
		d.OnPublish()
	}
}

// WaitIRQ blocks until an unmasked interrupt is pending.
func (d *Device) WaitIRQ(ctx context.Context) error {
	select {
	case <-d.irq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the unmasked pending interrupts.
func (d *Device) Pending() hw.IRQ {
	d.mu.Lock()
	defer d.mu.Unlock()
	return hw.IRQ(d.regs[hw.RegIRQState] & d.regs[hw.RegIRQMask])
}

func (d *Device) startLocked(addr hw.Addr) {
	d.pc = addr
	d.running = true
	d.regs[hw.RegStreamPos] = uint32(addr)
	d.regs[hw.RegBusy] |= uint32(hw.BusyCtrl)
}

func (d *Device) haltLocked() {
	d.running = false
	d.regs[hw.RegStreamPos] = uint32(d.pc)
	d.regs[hw.RegBusy] &^= uint32(hw.BusyCtrl)
}

func (d *Device) raiseLocked(i hw.IRQ) {
	d.regs[hw.RegIRQState] |= uint32(i)
	d.notifyLocked()
}

func (d *Device) notifyLocked() {
	if d.regs[hw.RegIRQState]&d.regs[hw.RegIRQMask] == 0 {
		return
	}
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

func (d *Device) fetchLocked(addr hw.Addr) (uint32, bool) {
	if !d.mem.Contains(addr) {
		d.l.WithField("addr", addr).Debug("simulated stream fetch outside of memory")
		d.raiseLocked(hw.IRQStreamErr)
		d.haltLocked()
		return 0, false
	}
	return d.mem.LoadAddr(addr), true
}

// Step executes one instruction and reports whether the stream controller was
// running.
func (d *Device) Step() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return false
	}
	d.steps++

	h, ok := d.fetchLocked(d.pc)
	if !ok {
		return true
	}

	op, count, reg := stream.DecodeHeader(h)
	switch op {
	case stream.OpEnd:
		d.haltLocked()
		d.raiseLocked(hw.IRQStreamDone)

	case stream.OpJump:
		target, ok := d.fetchLocked(d.pc + hw.WordSize)
		if !ok {
			return true
		}
		d.pc = hw.Addr(target)
		d.regs[hw.RegStreamPos] = target

	case stream.OpWrite:
		for i := 0; i < count; i++ {
			v, ok := d.fetchLocked(d.pc + hw.Addr((1+i)*hw.WordSize))
			if !ok {
				return true
			}
			d.streamWriteLocked(reg+hw.Register(i), v)
		}
		d.pc += hw.Addr((1 + count) * hw.WordSize)
		d.regs[hw.RegStreamPos] = uint32(d.pc)

	default:
		d.raiseLocked(hw.IRQStreamErr)
		d.haltLocked()
	}

	return true
}

func (d *Device) streamWriteLocked(r hw.Register, v uint32) {
	switch r {
	case hw.RegSync0:
		d.regs[r] = v
		d.raiseLocked(hw.IRQStreamSync)
	case hw.RegSync1, hw.RegSync2, hw.RegReturnAddress, hw.RegPgmBase:
		d.regs[r] = v
	default:
		d.raiseLocked(hw.IRQRegisterErr)
	}
}

// RunUntilIdle steps until the stream controller halts or max instructions
// were executed, and returns how many were.
func (d *Device) RunUntilIdle(max int) int {
	n := 0
	for n < max && d.Step() {
		n++
	}
	return n
}

// Run paces execution: every interval up to burst instructions are executed.
func (d *Device) Run(ctx context.Context, interval time.Duration, burst int) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.RunUntilIdle(burst)
		}
	}
}
