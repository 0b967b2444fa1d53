package dnx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnxgpu/dnx/hw"
)

const selfTestPattern = 0xc0ffee42

// SelfTest checks register access, the soft reset and interrupt delivery. It
// needs ServeIRQ running and refuses to touch a core that has work in flight.
func (d *Device) SelfTest(ctx context.Context, timeout time.Duration) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.stc.Lock()
	running := d.running
	d.stc.Unlock()
	if running || len(d.active) > 0 {
		return ErrBusy
	}

	d.l.Info("Running self test")
	var errs []error
	if err := d.testReset(); err != nil {
		errs = append(errs, err)
	}
	for _, irq := range []hw.IRQ{hw.IRQStreamDone, hw.IRQShaderTrap} {
		if err := d.testSoftIRQ(ctx, irq, timeout); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		d.l.WithError(err).Error("Self test failed")
	} else {
		d.l.Info("Self test passed")
	}
	return err
}

func (d *Device) testReset() error {
	d.regs.Write32(hw.RegSync0, selfTestPattern)
	if v := d.regs.Read32(hw.RegSync0); v != selfTestPattern {
		return fmt.Errorf("could not write %v: read back %#08x", hw.RegSync0, v)
	}

	d.reset()
	if v := d.regs.Read32(hw.RegSync0); v != 0 {
		return fmt.Errorf("reset did not clear %v: %#08x", hw.RegSync0, v)
	}
	return nil
}

func (d *Device) testSoftIRQ(ctx context.Context, irq hw.IRQ, timeout time.Duration) error {
	want := irq | hw.IRQStreamSoft

	d.lastIRQ.Store(0)
	t := time.NewTimer(timeout)
	defer t.Stop()

	ch := d.irqEvent.wait()
	d.regs.Write32(hw.RegIRQTrigger, uint32(irq))

	for {
		if got := d.LastIRQ(); got != 0 {
			if got != want {
				return fmt.Errorf("soft interrupt was %v, expected %v", got, want)
			}
			return nil
		}

		select {
		case <-ch:
			ch = d.irqEvent.wait()
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-t.C:
			return fmt.Errorf("no interrupt after triggering %v", irq)
		}
	}
}
