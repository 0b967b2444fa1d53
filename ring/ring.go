// Package ring implements the ring buffer through which the driver links
// command buffers into the stream controller's instruction stream.
//
// The ring never carries user payload. Each queued command buffer adds a sync
// write carrying its fence, an END marker and one spare word. The previous END
// is then turned into a jump to the new command buffer, and the command buffer
// itself ends with a jump back into the ring, right behind the new sync write.
package ring

import (
	"errors"
	"fmt"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/stream"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// MinSize is the smallest usable ring. Below it a wrap could land on the END
// that is about to be patched into a jump.
const MinSize = 64

// linkWords is what Queue reserves: sync write, END and the jump operand slot
// of the next link.
const linkWords = stream.SyncWords + stream.EndWords + 1

// ErrSize is returned for ring sizes that are too small or not word aligned.
var ErrSize = errors.New("invalid ring buffer size")

// Patch locates the operand of the jump a command buffer ends with.
type Patch struct {
	Window *hw.Window
	Offset uint32
}

// Set writes the jump target.
func (p Patch) Set(target hw.Addr) {
	p.Window.Store(p.Offset, uint32(target))
}

// Addr returns the device address of the operand.
func (p Patch) Addr() hw.Addr {
	return p.Window.Addr(p.Offset)
}

// Buffer is the ring. It is not safe for concurrent use, callers serialize
// all access with the device lock.
type Buffer struct {
	l   *logrus.Logger
	w   *hw.Window
	enc *stream.Encoder

	// tail is the byte offset of the END the next Queue turns into a jump.
	tail uint32

	// ReadPosition, if set, returns the device's current fetch address. It is
	// only used to warn about wraps that overtake the device.
	ReadPosition func() hw.Addr

	wraps   metrics.Counter
	overrun metrics.Counter
}

// New creates a ring over w. The ring is unusable until Init was called.
func New(l *logrus.Logger, w *hw.Window) (*Buffer, error) {
	if w.Size() < MinSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than %d", ErrSize, w.Size(), MinSize)
	}

	return &Buffer{
		l:       l,
		w:       w,
		enc:     stream.NewEncoder(w, 0),
		wraps:   metrics.GetOrRegisterCounter("ring.wraps", nil),
		overrun: metrics.GetOrRegisterCounter("ring.overrun_suspect", nil),
	}, nil
}

// Init writes the leading END marker and leaves a word for the jump operand
// the first Queue patches in.
func (b *Buffer) Init() {
	b.enc.Seek(0)
	b.tail = 0
	b.enc.End()
	b.enc.Skip(1)
}

// Window returns the memory the ring lives in.
func (b *Buffer) Window() *hw.Window {
	return b.w
}

// Base returns the device address of the ring. The stream controller starts
// there after Init.
func (b *Buffer) Base() hw.Addr {
	return b.w.Base()
}

// Size returns the capacity in bytes.
func (b *Buffer) Size() uint32 {
	return b.w.Size()
}

// Cursor returns the byte offset of the next word to be written.
func (b *Buffer) Cursor() uint32 {
	return b.enc.Cursor()
}

// Tail returns the byte offset of the trailing END.
func (b *Buffer) Tail() uint32 {
	return b.tail
}

// Reserve returns the device address where the next dwords words will be
// written. If they do not fit behind the cursor the ring wraps to the start.
//
// Reserve only looks at the capacity, not at how far the device got. Queuing
// faster than the device drains for a whole revolution overwrites commands the
// device has not fetched yet.
func (b *Buffer) Reserve(dwords int) hw.Addr {
	need := uint32(dwords) * hw.WordSize
	if need > b.w.Size() {
		panic(fmt.Sprintf("reservation of %d words exceeds ring size 0x%x", dwords, b.w.Size()))
	}

	if b.enc.Cursor()+need > b.w.Size() {
		b.wrap(need)
	}

	return b.enc.Addr()
}

func (b *Buffer) wrap(need uint32) {
	b.l.WithField("cursor", b.enc.Cursor()).Debug("ring buffer wrap around")
	b.wraps.Inc(1)
	b.enc.Seek(0)

	if b.ReadPosition == nil || need == 0 {
		return
	}

	pos := b.ReadPosition()
	if b.w.Contains(pos) && b.w.Offset(pos) < need {
		b.overrun.Inc(1)
		b.l.WithField("streamPos", pos).WithField("ringBase", b.w.Base()).
			Warn("ring buffer wrapped onto the stream controller's read position")
	}
}

// Queue links the command stream at start into the ring and returns the ring
// address the command stream jumps back to when it is done.
//
// The command stream's trailing jump is pointed at the new link point, the
// sync write for fence is appended, and finally the previous END is turned
// into a jump to start. The jump operand is written and published before the
// opcode so the device never fetches a jump with a stale target.
func (b *Buffer) Queue(start hw.Addr, fence uint32, patch Patch, barrier hw.Barrier) hw.Addr {
	lw := b.tail
	if op, _, _ := stream.DecodeHeader(b.w.Load(lw)); op != stream.OpEnd {
		panic(fmt.Sprintf("ring tail 0x%x does not hold an END", lw))
	}

	ret := b.Reserve(linkWords)
	patch.Set(ret)

	b.enc.Sync(fence)
	b.tail = b.enc.Cursor()
	b.enc.End()
	b.enc.Skip(1)
	if b.enc.Cursor() == b.w.Size() {
		b.wrap(0)
	}

	b.w.Store(lw+hw.WordSize, uint32(start))
	barrier.Publish()
	b.w.Store(lw, stream.Header(stream.OpJump, 1, 0))
	barrier.Publish()

	return ret
}

// Disassemble lists the ring's content.
func (b *Buffer) Disassemble() []string {
	return stream.Disassemble(b.w.Base(), b.w.Snapshot())
}
