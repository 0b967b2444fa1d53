package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dnxgpu/dnx/hw"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pollInterval bounds how long WaitIRQ sleeps before checking its context.
const pollInterval = 100 * time.Millisecond

// Device is a GPU exported to user space through a UIO node. It provides the
// registers, the barrier and the interrupt source the driver needs.
type Device struct {
	hw.FullBarrier

	l        *logrus.Logger
	f        *os.File
	mappings [][]byte
	regs     []uint32
	mem      *hw.Window
	irqs     atomic.Uint32
}

func Open(l *logrus.Logger, c Config) (*Device, error) {
	c = c.withDefaults()

	node, err := Find(c.SysfsRoot, c.Name)
	if err != nil {
		return nil, err
	}

	maps, err := ReadMaps(c.SysfsRoot, node)
	if err != nil {
		return nil, err
	}

	rm, mm, err := pickMaps(c, maps)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(c.DevRoot, node), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	d := &Device{l: l, f: f}
	regs, err := d.mapRegion(rm)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to map registers: %w", err)
	}
	mem, err := d.mapRegion(mm)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to map device memory: %w", err)
	}

	d.regs = hw.WordsOf(regs)
	d.mem = hw.NewWindow(hw.Addr(mm.Addr), hw.WordsOf(mem))

	l.WithField("node", node).
		WithField("registers", fmt.Sprintf("%#x+%#x", rm.Addr, rm.Size)).
		WithField("memory", fmt.Sprintf("%#x+%#x", mm.Addr, mm.Size)).
		Info("Opened uio device")

	return d, nil
}

// mapRegion maps m. UIO selects map N with an mmap offset of N pages and
// the region starts m.Offset bytes into the mapping.
func (d *Device) mapRegion(m Map) ([]byte, error) {
	off := int64(m.Index) * int64(os.Getpagesize())
	b, err := unix.Mmap(int(d.f.Fd()), off, int(m.Offset+m.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	d.mappings = append(d.mappings, b)
	return b[m.Offset:], nil
}

// Memory is the device memory window.
func (d *Device) Memory() *hw.Window {
	return d.mem
}

func (d *Device) Read32(r hw.Register) uint32 {
	return atomic.LoadUint32(&d.regs[r])
}

func (d *Device) Write32(r hw.Register, v uint32) {
	atomic.StoreUint32(&d.regs[r], v)
}

// WaitIRQ unmasks the interrupt line and blocks until it fires.
func (d *Device) WaitIRQ(ctx context.Context) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := d.f.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to enable interrupts: %w", err)
	}

	fds := []unix.PollFd{{Fd: int32(d.f.Fd()), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		if _, err := d.f.Read(buf[:]); err != nil {
			return fmt.Errorf("failed to read interrupt count: %w", err)
		}

		count := binary.NativeEndian.Uint32(buf[:])
		if last := d.irqs.Swap(count); count-last > 1 && last != 0 {
			d.l.WithField("missed", count-last-1).Debug("Coalesced interrupts")
		}
		return nil
	}
}

func (d *Device) Close() error {
	var errs []error
	for _, b := range d.mappings {
		if err := unix.Munmap(b); err != nil {
			errs = append(errs, err)
		}
	}
	d.mappings = nil
	errs = append(errs, d.f.Close())
	return errors.Join(errs...)
}
