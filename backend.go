package dnx

import (
	"context"
	"fmt"
	"time"

	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/hw/uio"
	"github.com/dnxgpu/dnx/mem"
	"github.com/dnxgpu/dnx/sim"
	"github.com/sirupsen/logrus"
)

const (
	defaultSimMemoryBase    = 0x100000
	defaultSimMemorySize    = 16 << 20
	defaultSimStepInterval  = 50 * time.Microsecond
	defaultSimStepBurst     = 256
	defaultProgramArenaSize = 256 << 10
	defaultUIORegisterMap   = 0
	defaultUIOMemoryMap     = 1
	defaultUIODeviceName    = "dnx"
)

// backend is the hardware the driver runs on, real or simulated.
type backend struct {
	name    string
	regs    hw.Registers
	barrier hw.Barrier
	irq     hw.IRQSource
	memory  *hw.Window
	// run drives a simulated core, nil for real hardware.
	run   func(ctx context.Context) error
	close func() error
}

func openBackend(l *logrus.Logger, c *config.C) (*backend, error) {
	switch name := c.GetString("device.backend", "sim"); name {
	case "sim":
		base := c.GetUint32("sim.memory_base", defaultSimMemoryBase)
		size := c.GetByteSize("sim.memory_size", defaultSimMemorySize)
		if base%mem.PageSize != 0 || size%mem.PageSize != 0 || size == 0 {
			return nil, fmt.Errorf("sim.memory_base %#x and sim.memory_size %#x must be page aligned", base, size)
		}
		if uint64(base)+uint64(size) > 1<<32 {
			return nil, fmt.Errorf("sim memory %#x+%#x does not fit the device address space", base, size)
		}

		interval := c.GetDuration("sim.step_interval", defaultSimStepInterval)
		burst := c.GetInt("sim.step_burst", defaultSimStepBurst)

		s := sim.New(l, hw.Addr(base), size)
		l.WithField("base", hw.Addr(base)).WithField("size", size).WithField("interval", interval).
			Info("Using the simulated device")

		return &backend{
			name:    name,
			regs:    s,
			barrier: s,
			irq:     s,
			memory:  s.Memory(),
			run: func(ctx context.Context) error {
				return s.Run(ctx, interval, burst)
			},
			close: func() error { return nil },
		}, nil

	case "uio":
		d, err := uio.Open(l, uio.Config{
			Name:        c.GetString("device.uio.name", defaultUIODeviceName),
			RegisterMap: c.GetInt("device.uio.register_map", defaultUIORegisterMap),
			MemoryMap:   c.GetInt("device.uio.memory_map", defaultUIOMemoryMap),
		})
		if err != nil {
			return nil, err
		}

		return &backend{
			name:    name,
			regs:    d,
			barrier: d,
			irq:     d,
			memory:  d.Memory(),
			close:   d.Close,
		}, nil

	default:
		return nil, fmt.Errorf("device.backend was not understood: %s", name)
	}
}

// newPoolFromConfig splits the device memory into the program arena at its
// end and the video arena in front of it.
func newPoolFromConfig(l *logrus.Logger, c *config.C, w *hw.Window) (*mem.Pool, error) {
	program := c.GetByteSize("memory.program_arena_size", defaultProgramArenaSize)
	if program%mem.PageSize != 0 || program == 0 {
		return nil, fmt.Errorf("memory.program_arena_size %#x must be a non zero multiple of %#x", program, mem.PageSize)
	}
	if program >= w.Size() {
		return nil, fmt.Errorf("memory.program_arena_size %#x does not leave room for the video arena in %#x bytes", program, w.Size())
	}

	video := w.Size() - program
	p := mem.NewPool(l)
	if err := p.AddArena(mem.ArenaVideo, w.Slice(0, video)); err != nil {
		return nil, err
	}
	if err := p.AddArena(mem.ArenaProgram, w.Slice(video, program)); err != nil {
		return nil, err
	}
	return p, nil
}
