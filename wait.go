package dnx

import (
	"context"
	"fmt"
	"time"
)

// Wait blocks until fence f completed. A timeout of zero or less polls: it
// returns ErrBusy instead of blocking. When the timeout expires ErrTimedOut is
// returned, after a hang recovery if the device is configured to recover.
func (d *Device) Wait(ctx context.Context, f Fence, timeout time.Duration) error {
	if f.After(d.Next()) {
		return ErrInvalidFence
	}

	done, err := d.fenceDone(f)
	if done || err != nil {
		return err
	}
	if timeout <= 0 {
		return ErrBusy
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		ch := d.fenceEvent.wait()
		done, err := d.fenceDone(f)
		if done || err != nil {
			return err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-t.C:
			d.metrics.timeouts.Inc(1)
			d.l.WithField("fence", f).
				WithField("completed", d.Completed()).
				WithField("timeout", timeout).
				Error("Timed out waiting for fence")
			if d.recover.Load() {
				d.RecoverHangup()
			}
			return ErrTimedOut
		}
	}
}

func (d *Device) fenceDone(f Fence) (bool, error) {
	if d.abandoned.Load().contains(f) {
		return true, ErrAbandoned
	}
	return d.Completed().AfterEq(f), nil
}
