package ring

import (
	"testing"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/stream"
	"github.com/dnxgpu/dnx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ringBase = hw.Addr(0x1000)

var (
	endWord  = stream.Header(stream.OpEnd, 0, 0)
	jumpWord = stream.Header(stream.OpJump, 1, 0)
	syncWord = stream.Header(stream.OpWrite, 1, hw.RegSync0)
)

type hookBarrier struct {
	calls int
	hook  func(call int)
}

func (b *hookBarrier) Publish() {
	b.calls++
	if b.hook != nil {
		b.hook(b.calls)
	}
}

// cmdStream is a user command stream that only consists of its trailing jump.
func cmdStream(base hw.Addr) (*hw.Window, Patch) {
	w := hw.NewWindow(base, make([]uint32, 2))
	w.Store(0, jumpWord)
	return w, Patch{Window: w, Offset: hw.WordSize}
}

func newRing(t *testing.T, size int) *Buffer {
	b, err := New(test.NewLogger(), hw.NewWindow(ringBase, make([]uint32, size/hw.WordSize)))
	require.NoError(t, err)
	b.Init()
	return b
}

func TestNew_Size(t *testing.T) {
	_, err := New(test.NewLogger(), hw.NewWindow(0, make([]uint32, 8)))
	assert.ErrorIs(t, err, ErrSize)
}

func TestBuffer_Init(t *testing.T) {
	b := newRing(t, 64)
	assert.Equal(t, uint32(8), b.Cursor())
	assert.Equal(t, uint32(0), b.Tail())
	assert.Equal(t, endWord, b.Window().Load(0))
	assert.Equal(t, ringBase, b.Base())
	assert.Equal(t, uint32(64), b.Size())
}

func TestBuffer_Reserve(t *testing.T) {
	b := newRing(t, 64)
	wraps := b.wraps.Count()

	assert.Equal(t, ringBase+8, b.Reserve(4))
	assert.Equal(t, uint32(8), b.Cursor(), "reserve does not advance the cursor")

	b.enc.Seek(56)
	assert.Equal(t, ringBase+56, b.Reserve(2))
	assert.Equal(t, wraps, b.wraps.Count())

	assert.Equal(t, ringBase, b.Reserve(4), "a reservation that does not fit wraps to the start")
	assert.Equal(t, uint32(0), b.Cursor())
	assert.Equal(t, wraps+1, b.wraps.Count())

	assert.Panics(t, func() { b.Reserve(17) })
}

func TestBuffer_Queue(t *testing.T) {
	b := newRing(t, 64)
	w, patch := cmdStream(0x8000)
	barrier := &hookBarrier{}

	ret := b.Queue(0x8000, 1, patch, barrier)

	assert.Equal(t, ringBase+8, ret)
	assert.Equal(t, uint32(ret), w.Load(hw.WordSize), "command stream jumps back behind the old tail")
	assert.Equal(t, 2, barrier.calls)
	assert.Equal(t, uint32(16), b.Tail())
	assert.Equal(t, uint32(24), b.Cursor())
	assert.Equal(t, []uint32{
		jumpWord, 0x8000,
		syncWord, 1,
		endWord, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}, b.Window().Snapshot())

	_, patch2 := cmdStream(0x9000)
	ret = b.Queue(0x9000, 2, patch2, barrier)
	assert.Equal(t, ringBase+24, ret)
	assert.Equal(t, jumpWord, b.Window().Load(16))
	assert.Equal(t, uint32(0x9000), b.Window().Load(20))
	assert.Equal(t, []string{
		"0x00001000: JMP 0x00008000",
		"0x00001008: WRITE SYNC_0 [0x1]",
		"0x00001010: JMP 0x00009000",
		"0x00001018: WRITE SYNC_0 [0x2]",
		"0x00001020: END",
	}, b.Disassemble()[:5])
}

func TestBuffer_Queue_PatchOrdering(t *testing.T) {
	b := newRing(t, 64)
	_, patch := cmdStream(0x8000)

	var seen []stream.Instruction
	barrier := &hookBarrier{hook: func(int) {
		// A device fetching the old tail right now.
		seen = append(seen, stream.Decode(b.Window().Snapshot()[0:2]))
	}}

	b.Queue(0x8000, 1, patch, barrier)

	require.Len(t, seen, 2)
	assert.Equal(t, stream.OpEnd, seen[0].Op, "the target is published while the slot still holds an END")
	assert.Equal(t, stream.OpJump, seen[1].Op)
	assert.Equal(t, []uint32{0x8000}, seen[1].Operands)
}

// walker fetches instructions the way the stream controller does.
type walker struct {
	t       *testing.T
	windows []*hw.Window
	pos     hw.Addr
	fences  []uint32
}

func (w *walker) load(addr hw.Addr) uint32 {
	for _, win := range w.windows {
		if win.Contains(addr) {
			return win.LoadAddr(addr)
		}
	}
	w.t.Fatalf("fetch from unmapped address %v", addr)
	return 0
}

// run executes until the next END and leaves pos on it.
func (w *walker) run() {
	for steps := 0; steps < 1000; steps++ {
		op, count, reg := stream.DecodeHeader(w.load(w.pos))
		switch op {
		case stream.OpEnd:
			return
		case stream.OpJump:
			w.pos = hw.Addr(w.load(w.pos + hw.WordSize))
		case stream.OpWrite:
			if reg == hw.RegSync0 {
				w.fences = append(w.fences, w.load(w.pos+hw.WordSize))
			}
			w.pos += hw.Addr((1 + count) * hw.WordSize)
		default:
			w.t.Fatalf("bad opcode at %v", w.pos)
		}
	}
	w.t.Fatal("stream does not terminate")
}

func TestBuffer_Queue_WrapKeepsChain(t *testing.T) {
	for _, lag := range []int{1, 2, 3} {
		b := newRing(t, 64)
		wraps := b.wraps.Count()
		w := &walker{t: t, windows: []*hw.Window{b.Window()}, pos: b.Base()}

		var want []uint32
		for i := 1; i <= 40; i++ {
			base := hw.Addr(0x10000 + i*0x100)
			win, patch := cmdStream(base)
			w.windows = append(w.windows, win)

			b.Queue(base, uint32(i), patch, &hw.FullBarrier{})
			want = append(want, uint32(i))
			assert.Less(t, b.Cursor(), b.Size())

			if i%lag == 0 {
				w.run()
			}
		}
		w.run()

		assert.Equal(t, want, w.fences, "lag %d", lag)
		assert.Greater(t, b.wraps.Count(), wraps)
	}
}

func TestBuffer_WrapOverrunWarning(t *testing.T) {
	b := newRing(t, 64)
	b.ReadPosition = func() hw.Addr { return ringBase + 4 }
	before := b.overrun.Count()

	b.enc.Seek(56)
	b.Reserve(4)
	assert.Equal(t, before+1, b.overrun.Count())

	b.ReadPosition = func() hw.Addr { return 0x8000 }
	b.enc.Seek(56)
	b.Reserve(4)
	assert.Equal(t, before+1, b.overrun.Count(), "positions outside the ring are ignored")
}
