package dnx

import (
	"context"
	"errors"

	"github.com/dnxgpu/dnx/hw"
)

// ServeIRQ handles interrupts from src until ctx is done.
func (d *Device) ServeIRQ(ctx context.Context, src hw.IRQSource) error {
	for {
		if err := src.WaitIRQ(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		d.HandleIRQ()
	}
}

// HandleIRQ acknowledges and processes the pending interrupts. It returns the
// handled lines, none if the interrupt was not ours.
func (d *Device) HandleIRQ() hw.IRQ {
	raw := hw.IRQ(d.regs.Read32(hw.RegIRQState))
	if raw == 0 {
		return 0
	}
	d.regs.Write32(hw.RegIRQState, uint32(raw))

	status := raw & d.irqMask
	d.metrics.IRQ(status)

	if status.Has(hw.IRQStreamSoft) {
		d.l.WithField("irq", status).Debug("Soft triggered interrupt")
	}
	if status.Has(hw.IRQSDMADone) {
		d.l.Debug("SDMA done")
	}

	if status.Has(hw.IRQStreamSync) {
		d.syncCompleted()
	}

	if status.Has(hw.IRQStreamDone) {
		d.streamDone(status)
	}

	if status.Has(hw.IRQErrors) {
		d.diagnose(status & hw.IRQErrors)
	}

	d.lastIRQ.Store(uint32(status))
	d.irqEvent.notify()
	return status
}

func (d *Device) syncCompleted() {
	d.stc.Lock()
	d.refreshCompleted()
	d.stc.Unlock()

	d.fenceEvent.notify()
	d.scheduleRetire()
}

// refreshCompleted moves completed up to the fence in SYNC_0. A value at or
// below it is left alone, since a reset clears SYNC_0 and a recovery may have
// already pushed completed past it. Called with stc held.
func (d *Device) refreshCompleted() bool {
	f := Fence(d.regs.Read32(hw.RegSync0))
	if !f.After(d.Completed()) {
		return false
	}
	d.completed.Store(uint32(f))
	return true
}

// streamDone runs when the stream controller hit an END. If work was linked
// in after the END was fetched the controller is restarted on it, otherwise
// it goes idle.
func (d *Device) streamDone(status hw.IRQ) {
	d.stc.Lock()
	if d.refreshCompleted() {
		// the sync line may be masked
		defer d.scheduleRetire()
		defer d.fenceEvent.notify()
	}
	if !d.running {
		d.stc.Unlock()
		if !status.Has(hw.IRQStreamSoft) {
			d.l.WithField("irq", status).Warn("Stream done while the stream controller is idle")
		}
		return
	}

	if !d.Completed().Before(d.activeFence) {
		d.running = false
		d.stc.Unlock()
		return
	}

	pos, ok := d.restart()
	active := d.activeFence
	d.stc.Unlock()

	if ok {
		d.metrics.restarts.Inc(1)
		return
	}

	d.metrics.restartFailures.Inc(1)
	d.l.WithField("pos", pos).
		WithField("active", active).
		WithField("completed", d.Completed()).
		Error("Stream controller did not restart")
}

// restart points the stream controller at its last fetch position, which by
// now holds a jump to newer work, and polls until it runs. The state stays
// running either way; a core that did not restart surfaces as a wait timeout.
func (d *Device) restart() (hw.Addr, bool) {
	pos := d.regs.Read32(hw.RegStreamPos)
	d.regs.Write32(hw.RegStreamAddr, pos)
	for i := 0; i < d.restartPollLimit; i++ {
		if hw.Busy(d.regs.Read32(hw.RegBusy))&hw.BusyCtrl != 0 || d.regs.Read32(hw.RegStreamPos) != pos {
			return hw.Addr(pos), true
		}
	}
	return hw.Addr(pos), false
}

// LastIRQ returns the lines of the most recently handled interrupt.
func (d *Device) LastIRQ() hw.IRQ {
	return hw.IRQ(d.lastIRQ.Load())
}
