// Package mem hands out buffer objects from arenas of device memory. Every
// object has a stable device address, a CPU window aliasing it and a
// reference count; its range returns to the arena when the last reference is
// released.
package mem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dnxgpu/dnx/hw"
	"github.com/google/btree"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// PageSize is the allocation granularity.
const PageSize = 4096

var (
	ErrOutOfMemory  = errors.New("out of device memory")
	ErrInvalidSize  = errors.New("invalid allocation size")
	ErrUnknownArena = errors.New("unknown arena")
	ErrNoSuchObject = errors.New("no such buffer object")
)

// Arena selects the memory region an object is carved from.
type Arena uint8

const (
	// ArenaVideo holds command streams, the ring and general data.
	ArenaVideo Arena = iota
	// ArenaProgram holds shader programs, its base is programmed into the core.
	ArenaProgram
)

func (a Arena) String() string {
	switch a {
	case ArenaVideo:
		return "video"
	case ArenaProgram:
		return "program"
	default:
		return fmt.Sprintf("arena%d", uint8(a))
	}
}

// Handle is the opaque name user space refers to an object by.
type Handle uint32

// Object is a buffer object.
type Object struct {
	Handle Handle
	Arena  Arena
	Addr   hw.Addr
	Size   uint32
	Window *hw.Window

	refs atomic.Int32
}

// Refs returns the current reference count.
func (o *Object) Refs() int32 {
	return o.refs.Load()
}

// Contains reports whether addr lies inside the object.
func (o *Object) Contains(addr hw.Addr) bool {
	return addr >= o.Addr && uint32(addr-o.Addr) < o.Size
}

type extent struct {
	addr hw.Addr
	size uint32
}

func extentLess(a, b extent) bool {
	return a.addr < b.addr
}

func objectLess(a, b *Object) bool {
	return a.Addr < b.Addr
}

type arena struct {
	id   Arena
	win  *hw.Window
	free *btree.BTreeG[extent]
	used *btree.BTreeG[*Object]
}

// Pool is the allocator. It is safe for concurrent use.
type Pool struct {
	l *logrus.Logger

	mu         sync.Mutex
	arenas     map[Arena]*arena
	handles    map[Handle]*Object
	nextHandle Handle

	allocated metrics.Gauge
	objects   metrics.Gauge
}

func NewPool(l *logrus.Logger) *Pool {
	return &Pool{
		l:         l,
		arenas:    make(map[Arena]*arena),
		handles:   make(map[Handle]*Object),
		allocated: metrics.GetOrRegisterGauge("mem.allocated_bytes", nil),
		objects:   metrics.GetOrRegisterGauge("mem.objects", nil),
	}
}

// AddArena makes the memory behind w available as arena a.
func (p *Pool) AddArena(a Arena, w *hw.Window) error {
	if uint32(w.Base())%PageSize != 0 || w.Size() < PageSize {
		return fmt.Errorf("arena %v at %v size 0x%x is not page aligned", a, w.Base(), w.Size())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.arenas[a]; ok {
		return fmt.Errorf("arena %v already exists", a)
	}

	ar := &arena{
		id:   a,
		win:  w,
		free: btree.NewG(8, extentLess),
		used: btree.NewG(8, objectLess),
	}
	ar.free.ReplaceOrInsert(extent{addr: w.Base(), size: w.Size() / PageSize * PageSize})
	p.arenas[a] = ar

	p.l.WithField("arena", a).WithField("base", w.Base()).WithField("size", w.Size()).Debug("Added memory arena")
	return nil
}

// ArenaBase returns the device address an arena starts at.
func (p *Pool) ArenaBase(a Arena) (hw.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ar, ok := p.arenas[a]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownArena, a)
	}
	return ar.win.Base(), nil
}

// Allocate carves a zeroed object of at least size bytes out of arena a. The
// object starts with one reference, owned by its handle.
func (p *Pool) Allocate(size uint32, a Arena) (*Object, error) {
	if size == 0 {
		return nil, ErrInvalidSize
	}
	rounded := (uint64(size) + PageSize - 1) / PageSize * PageSize
	if rounded > 1<<32-PageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	need := uint32(rounded)

	p.mu.Lock()
	defer p.mu.Unlock()

	ar, ok := p.arenas[a]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownArena, a)
	}

	var found extent
	ar.free.Ascend(func(e extent) bool {
		if e.size >= need {
			found = e
			return false
		}
		return true
	})
	if found.size == 0 {
		p.l.WithField("arena", a).WithField("size", need).Error("failed to allocate buffer")
		return nil, fmt.Errorf("%w: %d bytes in arena %v", ErrOutOfMemory, need, a)
	}

	ar.free.Delete(found)
	if found.size > need {
		ar.free.ReplaceOrInsert(extent{addr: found.addr + hw.Addr(need), size: found.size - need})
	}

	p.nextHandle++
	o := &Object{
		Handle: p.nextHandle,
		Arena:  a,
		Addr:   found.addr,
		Size:   need,
		Window: ar.win.Slice(ar.win.Offset(found.addr), need),
	}
	for off := uint32(0); off < need; off += hw.WordSize {
		o.Window.Store(off, 0)
	}
	o.refs.Store(1)

	ar.used.ReplaceOrInsert(o)
	p.handles[o.Handle] = o
	p.allocated.Update(p.allocated.Value() + int64(need))
	p.objects.Update(int64(len(p.handles)))

	return o, nil
}

// Lookup returns the object behind h and takes a reference on it.
func (p *Pool) Lookup(h Handle) (*Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrNoSuchObject, h)
	}
	o.refs.Add(1)
	return o, nil
}

// Release drops a reference. The last one returns the range to its arena.
func (p *Pool) Release(o *Object) {
	n := o.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("buffer object %d at %v released too often", o.Handle, o.Addr))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ar := p.arenas[o.Arena]
	ar.used.Delete(o)
	delete(p.handles, o.Handle)
	p.free(ar, extent{addr: o.Addr, size: o.Size})
	p.allocated.Update(p.allocated.Value() - int64(o.Size))
	p.objects.Update(int64(len(p.handles)))
}

// Close drops the reference held by the handle and makes the handle unknown
// to Lookup. The memory stays alive while other references exist.
func (p *Pool) Close(h Handle) error {
	p.mu.Lock()
	o, ok := p.handles[h]
	if ok {
		delete(p.handles, h)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: handle %d", ErrNoSuchObject, h)
	}
	p.Release(o)
	return nil
}

func (p *Pool) free(ar *arena, e extent) {
	var prev, next extent
	ar.free.DescendLessOrEqual(e, func(x extent) bool {
		prev = x
		return false
	})
	ar.free.AscendGreaterOrEqual(e, func(x extent) bool {
		next = x
		return false
	})

	if prev.size != 0 && prev.addr+hw.Addr(prev.size) == e.addr {
		ar.free.Delete(prev)
		e = extent{addr: prev.addr, size: prev.size + e.size}
	}
	if next.size != 0 && e.addr+hw.Addr(e.size) == next.addr {
		ar.free.Delete(next)
		e.size += next.size
	}
	ar.free.ReplaceOrInsert(e)
}

// Resolve finds the live object containing addr.
func (p *Pool) Resolve(addr hw.Addr) (*Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ar := range p.arenas {
		if !ar.win.Contains(addr) {
			continue
		}

		var found *Object
		ar.used.DescendLessOrEqual(&Object{Addr: addr}, func(o *Object) bool {
			if o.Contains(addr) {
				found = o
			}
			return false
		})
		return found, found != nil
	}

	return nil, false
}

// Extent describes a range of an arena for dumps.
type Extent struct {
	Arena  Arena
	Addr   hw.Addr
	Size   uint32
	Used   bool
	Handle Handle
	Refs   int32
}

// Extents lists free and used ranges of all arenas in address order.
func (p *Pool) Extents() []Extent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Extent
	for _, ar := range p.arenas {
		ar.free.Ascend(func(e extent) bool {
			out = append(out, Extent{Arena: ar.id, Addr: e.addr, Size: e.size})
			return true
		})
		ar.used.Ascend(func(o *Object) bool {
			out = append(out, Extent{Arena: ar.id, Addr: o.Addr, Size: o.Size, Used: true, Handle: o.Handle, Refs: o.Refs()})
			return true
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
