package stream

import (
	"fmt"

	"github.com/dnxgpu/dnx/hw"
)

// Encoder appends command words to a window of device memory.
//
// The caller must have reserved enough space before emitting. Running past
// the end of the window is a bug in the caller and panics.
type Encoder struct {
	w      *hw.Window
	cursor uint32
}

// NewEncoder returns an encoder that starts writing at byte offset cursor.
func NewEncoder(w *hw.Window, cursor uint32) *Encoder {
	e := &Encoder{w: w}
	e.Seek(cursor)
	return e
}

// Cursor returns the byte offset of the next word to be written.
func (e *Encoder) Cursor() uint32 {
	return e.cursor
}

// Addr returns the device address of the next word to be written.
func (e *Encoder) Addr() hw.Addr {
	return e.w.Addr(e.cursor)
}

// Seek moves the cursor to byte offset off.
func (e *Encoder) Seek(off uint32) {
	if off%hw.WordSize != 0 || off > e.w.Size() {
		panic(fmt.Sprintf("invalid encoder position 0x%x (window size 0x%x)", off, e.w.Size()))
	}
	e.cursor = off
}

func (e *Encoder) out(v uint32) {
	if e.cursor >= e.w.Size() {
		panic(fmt.Sprintf("command stream overflow at 0x%x (window size 0x%x)", e.cursor, e.w.Size()))
	}
	e.w.Store(e.cursor, v)
	e.cursor += hw.WordSize
}

// Skip advances the cursor by words without writing.
func (e *Encoder) Skip(words int) {
	e.Seek(e.cursor + uint32(words)*hw.WordSize)
}

// End emits an END marker.
func (e *Encoder) End() {
	e.out(Header(OpEnd, 0, 0))
}

// Sync emits a write of id to the sync register, which makes the device
// raise STREAM_SYNC once it gets there.
func (e *Encoder) Sync(id uint32) {
	e.WriteReg(hw.RegSync0, id)
}

// Jump emits a jump to target.
func (e *Encoder) Jump(target hw.Addr) {
	e.out(Header(OpJump, 1, 0))
	e.out(uint32(target))
}

// WriteReg emits a write of values to consecutive registers starting at reg.
func (e *Encoder) WriteReg(reg hw.Register, values ...uint32) {
	if len(values) == 0 {
		panic("register write without values")
	}
	e.out(Header(OpWrite, len(values), reg))
	for _, v := range values {
		e.out(v)
	}
}

// SyncWords, EndWords and JumpWords are the sizes of the respective
// instructions.
const (
	SyncWords = 2
	EndWords  = 1
	JumpWords = 2
)
