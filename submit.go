package dnx

import (
	"fmt"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/mem"
	"github.com/dnxgpu/dnx/ring"
)

// CommandBuffer is one submission: a command stream in user memory that ends
// with a jump back into the ring, and the objects it references.
type CommandBuffer struct {
	Start hw.Addr
	Fence Fence

	patch   ring.Patch
	objects []*mem.Object
}

// Objects returns the referenced objects.
func (cb *CommandBuffer) Objects() []*mem.Object {
	return cb.objects
}

// Return returns the address of the jump operand the ring patches.
func (cb *CommandBuffer) Return() hw.Addr {
	return cb.patch.Addr()
}

func (d *Device) newCommandBuffer(start, jump hw.Addr, handles []mem.Handle) (*CommandBuffer, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: no buffer objects referenced", ErrInvalidArgument)
	}
	if jump%hw.WordSize != 0 {
		return nil, fmt.Errorf("%w: jump address %v is not word aligned", ErrBadJump, jump)
	}

	cb := &CommandBuffer{Start: start, objects: make([]*mem.Object, 0, len(handles))}
	for _, h := range handles {
		o, err := d.alloc.Lookup(h)
		if err != nil {
			d.destroy(cb)
			return nil, err
		}
		cb.objects = append(cb.objects, o)
	}

	// The jump operand follows the jump header, so it can not sit on the
	// first word of an object.
	for _, o := range cb.objects {
		if jump > o.Addr && o.Contains(jump+hw.WordSize-1) {
			cb.patch = ring.Patch{Window: o.Window, Offset: uint32(jump - o.Addr)}
			return cb, nil
		}
	}

	d.destroy(cb)
	return nil, fmt.Errorf("%w: %v", ErrBadJump, jump)
}

// destroy drops the references a command buffer holds.
func (d *Device) destroy(cb *CommandBuffer) {
	for _, o := range cb.objects {
		d.alloc.Release(o)
	}
	cb.objects = nil
}

// Submit links the command stream at start into the ring and returns the
// fence that completes once it ran. jump is the operand address of the jump
// the stream ends with; it must lie inside one of the objects named by
// handles. A reference on every object is held until the fence retires.
func (d *Device) Submit(start, jump hw.Addr, handles []mem.Handle) (Fence, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}

	cb, err := d.newCommandBuffer(start, jump, handles)
	if err != nil {
		return 0, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	cb.Fence = Fence(d.next.Add(1))
	d.ring.Queue(start, uint32(cb.Fence), cb.patch, d.barrier)
	d.active = append(d.active, cb)
	d.metrics.submits.Inc(1)
	d.metrics.active.Update(int64(len(d.active)))

	d.kick(cb)

	d.l.WithField("fence", cb.Fence).WithField("start", start).Debug("Submitted command buffer")
	return cb.Fence, nil
}

// kick makes cb the newest active submission and starts the stream controller
// on it if it is idle.
func (d *Device) kick(cb *CommandBuffer) {
	d.stc.Lock()
	defer d.stc.Unlock()

	d.activeFence = cb.Fence
	if !d.running && !d.Completed().AfterEq(cb.Fence) {
		d.regs.Write32(hw.RegStreamAddr, uint32(cb.Start))
		d.running = true
		d.metrics.kicks.Inc(1)
	}
}
