package hw

import (
	"strings"
)

// IRQ is a bit set of interrupt lines as found in RegIRQState and RegIRQMask.
type IRQ uint32

const (
	IRQStreamDone IRQ = 1 << iota
	IRQStreamSync
	IRQStreamSoft
	IRQSDMADone
	IRQShaderTrap
	IRQShaderIllOp
	IRQShaderRangeErr
	IRQShaderStackOfl
	IRQSDMAAlign
	IRQSDMACRC
	IRQStreamErr
	IRQStreamRetrig
	IRQRegisterErr
	IRQJFlagOverrun
)

// IRQErrors are the lines that signal a fault.
const IRQErrors = IRQShaderTrap | IRQShaderIllOp | IRQShaderRangeErr | IRQShaderStackOfl |
	IRQSDMAAlign | IRQSDMACRC | IRQStreamErr | IRQStreamRetrig | IRQRegisterErr | IRQJFlagOverrun

// IRQDefaultMask enables everything but SDMA completion, which fires several
// times per vertex.
const IRQDefaultMask = ^IRQSDMADone

var irqNames = []struct {
	bit  IRQ
	name string
}{
	{IRQStreamDone, "STREAM_DONE"},
	{IRQStreamSync, "STREAM_SYNC"},
	{IRQStreamSoft, "STREAM_SOFT"},
	{IRQSDMADone, "SDMA_DONE"},
	{IRQShaderTrap, "SHADER_TRAP"},
	{IRQShaderIllOp, "SHADER_ILL_OP"},
	{IRQShaderRangeErr, "SHADER_RANGE_ERR"},
	{IRQShaderStackOfl, "SHADER_STACK_OFL"},
	{IRQSDMAAlign, "SDMA_ALIGN"},
	{IRQSDMACRC, "SDMA_CRC"},
	{IRQStreamErr, "STREAM_ERR"},
	{IRQStreamRetrig, "STREAM_RETRIG"},
	{IRQRegisterErr, "REGISTER_ERR"},
	{IRQJFlagOverrun, "JFLAG_OVERRUN"},
}

// Has reports whether any bit of m is set.
func (i IRQ) Has(m IRQ) bool {
	return i&m != 0
}

// Names returns the names of the set lines in bit order.
func (i IRQ) Names() []string {
	var out []string
	for _, n := range irqNames {
		if i&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (i IRQ) String() string {
	if i == 0 {
		return "none"
	}
	return strings.Join(i.Names(), "|")
}

// Busy is the bit set found in RegBusy.
type Busy uint32

const (
	BusyCtrl Busy = 1 << iota
	BusyReg
	BusySDMA
	BusyDraw
	BusyRast
	BusyDisp
	BusyPasm
	BusySCR
	BusyFClr
	BusyL2C
	BusyBLU
)

const (
	// BusyTFUBase is the first of four texture unit busy bits.
	BusyTFUBase Busy = 1 << 12
	// BusySHDBase is the first of four shader busy bits.
	BusySHDBase Busy = 1 << 16
)

var busyNames = []struct {
	bit  Busy
	name string
}{
	{BusyCtrl, "CTRL"},
	{BusyReg, "REG"},
	{BusySDMA, "SDMA"},
	{BusyDraw, "DRAW"},
	{BusyRast, "RAST"},
	{BusyDisp, "DISP"},
	{BusyPasm, "PASM"},
	{BusySCR, "SCR"},
	{BusyFClr, "FCLR"},
	{BusyL2C, "L2C"},
	{BusyBLU, "BLU"},
	{BusyTFUBase, "TFU0"},
	{BusyTFUBase << 1, "TFU1"},
	{BusyTFUBase << 2, "TFU2"},
	{BusyTFUBase << 3, "TFU3"},
	{BusySHDBase, "SHD0"},
	{BusySHDBase << 1, "SHD1"},
	{BusySHDBase << 2, "SHD2"},
	{BusySHDBase << 3, "SHD3"},
}

// Names returns the names of the busy units.
func (b Busy) Names() []string {
	var out []string
	for _, n := range busyNames {
		if b&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}
