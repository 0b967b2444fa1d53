package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// WordSize is the size of one command or register word in bytes.
const WordSize = 4

// Window is a CPU-addressable alias of a region of device memory starting at
// a fixed device address. All accesses are 32-bit and atomic so that a device
// (or a simulated one) reading concurrently never observes a torn word.
//
// Because the memory may be a mapping of real device memory, a Window never
// owns it; whoever created the mapping is responsible for its lifetime.
type Window struct {
	base  Addr
	words []uint32
}

// NewWindow creates a window over words which the device sees at base.
func NewWindow(base Addr, words []uint32) *Window {
	if uint32(base)%WordSize != 0 {
		panic(fmt.Sprintf("window base %v is not word aligned", base))
	}
	return &Window{base: base, words: words}
}

// WordsOf reinterprets b as a slice of 32-bit words. b must be word aligned,
// which holds for page aligned mappings.
func WordsOf(b []byte) []uint32 {
	if len(b) == 0 {
		return nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%WordSize != 0 {
		panic("memory is not word aligned")
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/WordSize)
}

// Base returns the device address of the first byte of the window.
func (w *Window) Base() Addr {
	return w.base
}

// Size returns the size of the window in bytes.
func (w *Window) Size() uint32 {
	return uint32(len(w.words)) * WordSize
}

// Contains reports whether addr lies inside the window.
func (w *Window) Contains(addr Addr) bool {
	return addr >= w.base && uint32(addr-w.base) < w.Size()
}

// Offset returns the byte offset of addr inside the window.
func (w *Window) Offset(addr Addr) uint32 {
	if !w.Contains(addr) {
		panic(fmt.Sprintf("address %v outside of window [%v, +0x%x)", addr, w.base, w.Size()))
	}
	return uint32(addr - w.base)
}

// Addr returns the device address of the byte offset off.
func (w *Window) Addr(off uint32) Addr {
	return w.base + Addr(off)
}

// Load reads the word at byte offset off.
func (w *Window) Load(off uint32) uint32 {
	return atomic.LoadUint32(&w.words[off/WordSize])
}

// Store writes the word at byte offset off.
func (w *Window) Store(off uint32, v uint32) {
	atomic.StoreUint32(&w.words[off/WordSize], v)
}

// LoadAddr reads the word at device address addr.
func (w *Window) LoadAddr(addr Addr) uint32 {
	return w.Load(w.Offset(addr))
}

// StoreAddr writes the word at device address addr.
func (w *Window) StoreAddr(addr Addr, v uint32) {
	w.Store(w.Offset(addr), v)
}

// Slice returns a window over [off, off+size) of w sharing its memory.
func (w *Window) Slice(off, size uint32) *Window {
	if off%WordSize != 0 || size%WordSize != 0 || off+size > w.Size() {
		panic(fmt.Sprintf("invalid window slice 0x%x+0x%x of 0x%x", off, size, w.Size()))
	}
	return &Window{
		base:  w.base + Addr(off),
		words: w.words[off/WordSize : (off+size)/WordSize],
	}
}

// Snapshot copies the words of the window.
func (w *Window) Snapshot() []uint32 {
	out := make([]uint32, len(w.words))
	for i := range w.words {
		out[i] = atomic.LoadUint32(&w.words[i])
	}
	return out
}

// FullBarrier is a Barrier for memory that is mapped coherently. Go's atomic
// read-modify-write operations compile to fully fenced instructions on every
// supported target, so an atomic add on a private word orders all earlier
// stores before all later ones.
type FullBarrier struct {
	seq atomic.Uint64
}

func (b *FullBarrier) Publish() {
	b.seq.Add(1)
}
