package dnx

import (
	"context"
)

func (d *Device) scheduleRetire() {
	select {
	case d.retireKick <- struct{}{}:
	default:
	}
}

func (d *Device) retireWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.retireKick:
			d.retire()
		}
	}
}

// Flush reclaims every completed submission before returning.
func (d *Device) Flush() int {
	return d.retire()
}

// retire reclaims completed submissions from the head of the active list and
// returns how many it reclaimed.
func (d *Device) retire() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	completed := d.Completed()
	n := 0
	for len(d.active) > 0 {
		cb := d.active[0]
		if !completed.AfterEq(cb.Fence) {
			break
		}

		d.active[0] = nil
		d.active = d.active[1:]
		d.destroy(cb)
		d.retired.Store(uint32(cb.Fence))
		n++
	}

	if n > 0 {
		d.metrics.retired.Inc(int64(n))
		d.metrics.active.Update(int64(len(d.active)))
		d.l.WithField("retired", d.Retired()).WithField("count", n).Debug("Retired command buffers")
	}
	return n
}
