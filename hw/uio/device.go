package uio

import (
	"fmt"

	"github.com/dnxgpu/dnx/hw"
)

// Config selects the UIO node and which of its maps hold the control
// registers and the device memory.
type Config struct {
	SysfsRoot   string
	DevRoot     string
	Name        string
	RegisterMap int
	MemoryMap   int
}

func (c Config) withDefaults() Config {
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.DevRoot == "" {
		c.DevRoot = "/dev"
	}
	return c
}

// pickMaps finds the register and memory maps the config names and checks
// they are usable.
func pickMaps(c Config, maps []Map) (regs, mem Map, err error) {
	find := func(idx int) (Map, bool) {
		for _, m := range maps {
			if m.Index == idx {
				return m, true
			}
		}
		return Map{}, false
	}

	var ok bool
	if regs, ok = find(c.RegisterMap); !ok {
		return regs, mem, fmt.Errorf("%s has no register map %d", c.Name, c.RegisterMap)
	}
	if mem, ok = find(c.MemoryMap); !ok {
		return regs, mem, fmt.Errorf("%s has no memory map %d", c.Name, c.MemoryMap)
	}
	if c.RegisterMap == c.MemoryMap {
		return regs, mem, fmt.Errorf("register and memory map are both %d", c.MemoryMap)
	}

	if regs.Size < uint64(hw.RegisterCount)*hw.WordSize {
		return regs, mem, fmt.Errorf("register map of %d bytes is too small", regs.Size)
	}
	if mem.Size == 0 || mem.Size > 1<<32 || mem.Addr+mem.Size > 1<<32 {
		return regs, mem, fmt.Errorf("memory map %#x+%#x is outside the 32-bit device address space", mem.Addr, mem.Size)
	}
	if mem.Addr%hw.WordSize != 0 {
		return regs, mem, fmt.Errorf("memory map at %#x is not word aligned", mem.Addr)
	}

	return regs, mem, nil
}
