package dnx

import (
	"time"

	"github.com/dnxgpu/dnx/dump"
	"github.com/dnxgpu/dnx/mem"
)

type extentLister interface {
	Extents() []mem.Extent
}

// Snapshot captures the device state for offline inspection.
func (d *Device) Snapshot() *dump.Snapshot {
	s := &dump.Snapshot{
		Taken:   time.Now(),
		Version: d.version.Encode(),
	}

	for _, rv := range d.Registers() {
		s.Registers = append(s.Registers, dump.Register{Index: uint32(rv.Register), Name: rv.Register.String(), Value: rv.Value})
	}

	d.lock.Lock()
	s.RingBase = uint32(d.ring.Base())
	s.RingCursor = d.ring.Cursor()
	s.Ring = d.ring.Window().Snapshot()
	for _, cb := range d.active {
		sub := dump.Submission{Fence: uint32(cb.Fence), Start: uint32(cb.Start), Return: uint32(cb.Return())}
		for _, o := range cb.objects {
			sub.Handles = append(sub.Handles, uint32(o.Handle))
		}
		s.InFlight = append(s.InFlight, sub)
	}

	d.stc.Lock()
	s.Running = d.running
	s.Active = uint32(d.activeFence)
	d.stc.Unlock()
	d.lock.Unlock()

	s.Next = uint32(d.Next())
	s.Completed = uint32(d.Completed())
	s.Retired = uint32(d.Retired())

	if el, ok := d.alloc.(extentLister); ok {
		for _, e := range el.Extents() {
			s.Extents = append(s.Extents, dump.Extent{
				Arena:  e.Arena.String(),
				Addr:   uint32(e.Addr),
				Size:   e.Size,
				Used:   e.Used,
				Handle: uint32(e.Handle),
				Refs:   e.Refs,
			})
		}
	}

	return s
}
