package dnx

import (
	"time"

	"github.com/dnxgpu/dnx/hw"
)

// Reset soft resets the core and programs it again. The stream controller is
// considered idle afterwards; work it was executing is silently lost, and its
// fences complete with the next sync the core reports.
func (d *Device) Reset() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.reset()
}

func (d *Device) reset() {
	d.l.Info("Resetting device")
	d.regs.Write32(hw.RegSoftReset, hw.SoftResetMagic)
	time.Sleep(idleWait)
	d.hwInit()

	d.stc.Lock()
	d.running = false
	d.stc.Unlock()
}

// RecoverHangup resets a hung core and drops every submission in flight. The
// dropped fences count as completed from then on, but waiting on them returns
// ErrAbandoned.
func (d *Device) RecoverHangup() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.dumpState("Recovering from hang")
	d.reset()

	d.stc.Lock()
	next := d.Next()
	old := d.Completed()
	d.activeFence = next
	d.completed.Store(uint32(next))
	d.stc.Unlock()

	if next.After(old) {
		d.abandoned.Store(&fenceRange{from: old, to: next})
	}

	for _, cb := range d.active {
		d.destroy(cb)
	}
	dropped := len(d.active)
	d.active = nil
	d.retired.Store(uint32(next))

	d.metrics.recoveries.Inc(1)
	d.metrics.active.Update(0)
	d.l.WithField("dropped", dropped).WithField("fence", next).Warn("Recovered from hang")

	d.fenceEvent.notify()
}
