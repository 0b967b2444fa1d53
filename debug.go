package dnx

import (
	"fmt"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/mem"
	"github.com/sirupsen/logrus"
)

// contextWords is how many words around a fault position are shown.
const contextWords = 5

// RegisterValue is one register in a dump.
type RegisterValue struct {
	Register hw.Register
	Value    uint32
}

// Registers reads the registers that matter for debugging.
func (d *Device) Registers() []RegisterValue {
	out := make([]RegisterValue, len(hw.DumpRegisters))
	for i, r := range hw.DumpRegisters {
		out[i] = RegisterValue{Register: r, Value: d.regs.Read32(r)}
	}
	return out
}

// StreamContext locates a stream position and the words around it.
type StreamContext struct {
	Pos hw.Addr
	// InRing is set when Pos lies inside the ring. Otherwise Fence and
	// Object describe the submission it belongs to, if any.
	InRing bool
	Fence  Fence
	Object *mem.Object
	Start  hw.Addr
	// Lines are "addr: word" lines, the one at Pos marked with '>'.
	Lines []string
}

// Found reports whether Pos lies in a known buffer.
func (sc *StreamContext) Found() bool {
	return sc.InRing || sc.Object != nil
}

// Locate finds pos in the ring or the objects of the submissions in flight.
func (d *Device) Locate(pos hw.Addr) *StreamContext {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.locate(pos)
}

func (d *Device) locate(pos hw.Addr) *StreamContext {
	sc := &StreamContext{Pos: pos}

	if rw := d.ring.Window(); rw.Contains(pos) {
		sc.InRing = true
		sc.Lines = windowContext(rw, pos)
		return sc
	}

	for _, cb := range d.active {
		for _, o := range cb.objects {
			if o.Contains(pos) {
				sc.Fence = cb.Fence
				sc.Start = cb.Start
				sc.Object = o
				sc.Lines = windowContext(o.Window, pos)
				return sc
			}
		}
	}

	return sc
}

func windowContext(w *hw.Window, pos hw.Addr) []string {
	at := w.Offset(pos) / hw.WordSize
	words := w.Size() / hw.WordSize

	first := uint32(0)
	if at > contextWords {
		first = at - contextWords
	}
	last := at + contextWords
	if last >= words {
		last = words - 1
	}

	lines := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		mark := " "
		if i == at {
			mark = ">"
		}
		off := i * hw.WordSize
		lines = append(lines, fmt.Sprintf("%s%v: %08x", mark, w.Addr(off), w.Load(off)))
	}
	return lines
}

// diagnose logs the error lines of an interrupt with the register state and,
// for stream errors, where the stream controller stopped.
func (d *Device) diagnose(errs hw.IRQ) {
	for _, n := range errs.Names() {
		d.l.WithField("irq", n).Error("IRQ error")
	}
	d.logRegisters()

	if !errs.Has(hw.IRQStreamErr) {
		return
	}

	// The submission list is guarded by a lock that may sleep, so the
	// context is skipped if someone else holds it.
	pos := hw.Addr(d.regs.Read32(hw.RegStreamPos))
	if !d.lock.TryLock() {
		d.l.WithField("pos", pos).Error("Stream error, submissions are locked so no context is available")
		return
	}
	sc := d.locate(pos)
	d.lock.Unlock()
	d.logContext(sc)
}

func (d *Device) logRegisters() {
	f := logrus.Fields{}
	for _, rv := range d.Registers() {
		f[rv.Register.String()] = fmt.Sprintf("%#08x", rv.Value)
	}
	d.l.WithFields(f).Info("Register dump")
}

func (d *Device) logContext(sc *StreamContext) {
	e := d.l.WithField("pos", sc.Pos)
	switch {
	case sc.InRing:
		e = e.WithField("where", "ring")
	case sc.Object != nil:
		e = e.WithField("where", "job").
			WithField("fence", sc.Fence).
			WithField("start", sc.Start).
			WithField("handle", sc.Object.Handle).
			WithField("object", sc.Object.Addr).
			WithField("size", sc.Object.Size)
	default:
		e.Error("Stream stopped outside of any known buffer")
		return
	}

	e.Error("Stream error context")
	for _, line := range sc.Lines {
		d.l.Info(line)
	}
}

// dumpState logs the registers, fence counters and in flight submissions.
// The caller holds d.lock.
func (d *Device) dumpState(msg string) {
	d.stc.Lock()
	running, active := d.running, d.activeFence
	d.stc.Unlock()

	d.l.WithField("running", running).
		WithField("next", d.Next()).
		WithField("active", active).
		WithField("completed", d.Completed()).
		WithField("retired", d.Retired()).
		WithField("inFlight", len(d.active)).
		Error(msg)
	d.logRegisters()

	sc := d.locate(hw.Addr(d.regs.Read32(hw.RegStreamPos)))
	if sc.Found() {
		d.logContext(sc)
	}
}

// RingWords returns a copy of the ring, its base address and cursor.
func (d *Device) RingWords() (hw.Addr, []uint32, uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.ring.Base(), d.ring.Window().Snapshot(), d.ring.Cursor()
}

// RingDisassembly decodes the ring from its first word.
func (d *Device) RingDisassembly() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.ring.Disassemble()
}
