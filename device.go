package dnx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/mem"
	"github.com/dnxgpu/dnx/ring"
	"github.com/dnxgpu/dnx/util"
	"github.com/sirupsen/logrus"
)

// Allocator provides the buffer objects the device works with.
type Allocator interface {
	Allocate(size uint32, a mem.Arena) (*mem.Object, error)
	Release(o *mem.Object)
	// Lookup takes a reference on the object behind h.
	Lookup(h mem.Handle) (*mem.Object, error)
	Resolve(addr hw.Addr) (*mem.Object, bool)
	ArenaBase(a mem.Arena) (hw.Addr, error)
}

const (
	DefaultRingSize         = 4096
	DefaultRestartPollLimit = 100000
)

// DeviceConfig holds the tunables of a Device.
type DeviceConfig struct {
	RingSize uint32
	IRQMask  hw.IRQ
	// Recover resets the device after a wait timed out.
	Recover bool
	// RestartPollLimit bounds the busy poll after restarting the stream controller.
	RestartPollLimit int
}

func NewDeviceConfig(c *config.C) DeviceConfig {
	return DeviceConfig{
		RingSize:         c.GetByteSize("ring.size", DefaultRingSize),
		IRQMask:          hw.IRQ(c.GetUint32("device.irq_mask", uint32(hw.IRQDefaultMask))),
		Recover:          c.GetBool("device.recover", false),
		RestartPollLimit: c.GetInt("stc.restart_poll_limit", DefaultRestartPollLimit),
	}
}

// Device drives one stream controlled core: it links submissions into the
// ring, tracks their fences and restarts or idles the stream controller as
// interrupts come in.
type Device struct {
	l       *logrus.Logger
	regs    hw.Registers
	barrier hw.Barrier
	alloc   Allocator

	version hw.Version
	config1 hw.Config1
	irqMask hw.IRQ

	recover          atomic.Bool
	restartPollLimit int

	// lock serializes ring emission, the active list and retirement.
	lock    sync.Mutex
	ring    *ring.Buffer
	ringObj *mem.Object
	active  []*CommandBuffer

	// stc guards running and activeFence and orders writes of completed.
	stc         spinLock
	running     bool
	activeFence Fence

	next      atomic.Uint32
	completed atomic.Uint32
	retired   atomic.Uint32
	abandoned atomic.Pointer[fenceRange]

	fenceEvent *event
	irqEvent   *event
	lastIRQ    atomic.Uint32

	retireKick chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool

	metrics *deviceMetrics
}

// NewDevice probes and initializes the core behind regs and sets up its ring.
func NewDevice(l *logrus.Logger, cfg DeviceConfig, regs hw.Registers, barrier hw.Barrier, alloc Allocator) (*Device, error) {
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.IRQMask == 0 {
		cfg.IRQMask = hw.IRQDefaultMask
	}
	if cfg.RestartPollLimit <= 0 {
		cfg.RestartPollLimit = DefaultRestartPollLimit
	}

	d := &Device{
		l:                l,
		regs:             regs,
		barrier:          barrier,
		alloc:            alloc,
		irqMask:          cfg.IRQMask,
		restartPollLimit: cfg.RestartPollLimit,
		fenceEvent:       newEvent(),
		irqEvent:         newEvent(),
		retireKick:       make(chan struct{}, 1),
		metrics:          newDeviceMetrics(),
	}
	d.recover.Store(cfg.Recover)

	if err := d.probe(); err != nil {
		return nil, err
	}
	d.hwInit()

	obj, err := alloc.Allocate(cfg.RingSize, mem.ArenaVideo)
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate the ring buffer", logrus.Fields{"size": cfg.RingSize}, err)
	}

	rb, err := ring.New(l, obj.Window.Slice(0, cfg.RingSize&^(hw.WordSize-1)))
	if err != nil {
		alloc.Release(obj)
		return nil, util.NewContextualError("Failed to set up the ring buffer", logrus.Fields{"size": cfg.RingSize}, err)
	}
	rb.ReadPosition = func() hw.Addr {
		return hw.Addr(d.regs.Read32(hw.RegStreamPos))
	}
	rb.Init()

	d.ring = rb
	d.ringObj = obj

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.retireWorker(ctx)
	}()

	d.l.WithField("ring", rb.Base()).WithField("ringSize", rb.Size()).Info("Device initialized")
	return d, nil
}

func (d *Device) probe() error {
	v := hw.DecodeVersion(d.regs.Read32(hw.RegVersion))
	fields := logrus.Fields{"device": fmt.Sprintf("%#x", v.Device), "hardware": v.Hardware, "vcs": v.VCS}

	if v.Device != hw.DeviceID {
		return util.NewContextualError("Unknown device id", fields, fmt.Errorf("expected %#x", hw.DeviceID))
	}
	if v.Hardware != hw.SupportedVersion {
		return util.NewContextualError("Unsupported hardware version", fields, fmt.Errorf("expected %d", hw.SupportedVersion))
	}

	d.version = v
	d.config1 = hw.DecodeConfig1(d.regs.Read32(hw.RegConfig1))
	d.l.WithFields(fields).
		WithField("shaders", d.config1.Shaders).
		WithField("shaderALUs", d.config1.ShaderALUs).
		WithField("textureUnits", d.config1.TextureUnits).
		Info("Found device")

	return nil
}

// hwInit programs the interrupt mask and the program arena base.
func (d *Device) hwInit() {
	d.regs.Write32(hw.RegIRQMask, uint32(d.irqMask))
	if got := hw.IRQ(d.regs.Read32(hw.RegIRQMask)); got != d.irqMask {
		d.l.WithField("want", d.irqMask).WithField("got", got).Warn("IRQ mask did not stick")
	}

	if base, err := d.alloc.ArenaBase(mem.ArenaProgram); err == nil {
		d.regs.Write32(hw.RegPgmBase, uint32(base))
	} else {
		d.l.WithError(err).Debug("No program arena, leaving PGM_BASE alone")
	}
}

// Version returns the probed hardware version.
func (d *Device) Version() hw.Version {
	return d.version
}

// Config1 returns the probed unit counts.
func (d *Device) Config1() hw.Config1 {
	return d.config1
}

// SetRecover changes the hang recovery policy.
func (d *Device) SetRecover(v bool) {
	d.recover.Store(v)
}

// Next returns the most recently issued fence.
func (d *Device) Next() Fence {
	return Fence(d.next.Load())
}

// Completed returns the most recent fence the core reported done.
func (d *Device) Completed() Fence {
	return Fence(d.completed.Load())
}

// Retired returns the most recent fence whose command buffer was reclaimed.
func (d *Device) Retired() Fence {
	return Fence(d.retired.Load())
}

// Status is a consistent view of the stream controller and fence counters.
type Status struct {
	Running   bool
	Next      Fence
	Active    Fence
	Completed Fence
	Retired   Fence
	InFlight  int
	// Abandoned is the range dropped by the last recovery, if any.
	AbandonedFrom, AbandonedTo Fence
}

// Status returns a consistent view of the fence counters and stream state.
func (d *Device) Status() Status {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.stc.Lock()
	s := Status{
		Running:   d.running,
		Next:      d.Next(),
		Active:    d.activeFence,
		Completed: d.Completed(),
		Retired:   d.Retired(),
		InFlight:  len(d.active),
	}
	d.stc.Unlock()

	if r := d.abandoned.Load(); r != nil {
		s.AbandonedFrom, s.AbandonedTo = r.from, r.to
	}
	return s
}

// InFlight returns the fences of the submissions not yet retired, oldest first.
func (d *Device) InFlight() []Fence {
	d.lock.Lock()
	defer d.lock.Unlock()

	out := make([]Fence, len(d.active))
	for i, cb := range d.active {
		out[i] = cb.Fence
	}
	return out
}

// Close stops the retire worker and reclaims whatever already completed.
// Submissions still in flight keep their objects.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.cancel()
	d.wg.Wait()
	d.retire()

	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.active) == 0 {
		d.alloc.Release(d.ringObj)
		d.ringObj = nil
	} else {
		d.l.WithField("inFlight", len(d.active)).Warn("Closing device with work in flight, keeping the ring")
	}
	return nil
}

// idleWait is how long Reset leaves the core alone after a soft reset.
const idleWait = time.Millisecond
