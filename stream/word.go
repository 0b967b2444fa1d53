// Package stream encodes and decodes the 32-bit command words executed by the
// device's stream controller.
//
// Every instruction starts with a header word:
//
//	31    28 27          16 15            0
//	+-------+--------------+---------------+
//	|  op   |    count     |   register    |
//	+-------+--------------+---------------+
//
// followed by count operand words. An all-zero word is an END.
package stream

import (
	"fmt"

	"github.com/dnxgpu/dnx/hw"
)

// Opcode selects what the stream controller does with an instruction.
type Opcode uint8

const (
	// OpEnd halts the stream controller and raises STREAM_DONE.
	OpEnd Opcode = iota
	// OpWrite writes its operands to count consecutive registers.
	OpWrite
	// OpJump continues fetching at the address in its single operand.
	OpJump
)

func (o Opcode) String() string {
	switch o {
	case OpEnd:
		return "END"
	case OpWrite:
		return "WRITE"
	case OpJump:
		return "JMP"
	default:
		return fmt.Sprintf("OP%d", uint8(o))
	}
}

const (
	opShift    = 28
	countShift = 16
	countMask  = 0xfff
	regMask    = 0xffff

	// MaxOperands is the largest operand count a header can carry.
	MaxOperands = countMask
)

// Header builds a header word.
func Header(op Opcode, count int, reg hw.Register) uint32 {
	if count < 0 || count > MaxOperands {
		panic(fmt.Sprintf("operand count %d out of range", count))
	}
	return uint32(op)<<opShift | uint32(count)<<countShift | uint32(reg)&regMask
}

// Instruction is a decoded header and its operands.
type Instruction struct {
	Op       Opcode
	Count    int
	Register hw.Register
	Operands []uint32
}

// DecodeHeader splits a header word into its fields.
func DecodeHeader(w uint32) (Opcode, int, hw.Register) {
	return Opcode(w >> opShift), int(w>>countShift) & countMask, hw.Register(w & regMask)
}

// Len returns the number of words the instruction occupies.
func (i Instruction) Len() int {
	return 1 + i.Count
}

func (i Instruction) String() string {
	switch i.Op {
	case OpEnd:
		return "END"
	case OpJump:
		if len(i.Operands) == 1 {
			return fmt.Sprintf("JMP %v", hw.Addr(i.Operands[0]))
		}
		return "JMP ?"
	case OpWrite:
		return fmt.Sprintf("WRITE %v %#x", i.Register, i.Operands)
	default:
		return fmt.Sprintf("%v count=%d reg=%d", i.Op, i.Count, uint32(i.Register))
	}
}

// Decode decodes the instruction at the start of words. Operands missing at
// the end of words are left out of the result.
func Decode(words []uint32) Instruction {
	if len(words) == 0 {
		return Instruction{}
	}
	op, count, reg := DecodeHeader(words[0])
	if op == OpJump && count == 0 {
		count = 1
	}
	end := 1 + count
	if end > len(words) {
		end = len(words)
	}
	return Instruction{Op: op, Count: count, Register: reg, Operands: words[1:end]}
}

// Disassemble decodes words into a listing, one line per instruction, each
// prefixed with the device address of its header.
func Disassemble(base hw.Addr, words []uint32) []string {
	var out []string
	for i := 0; i < len(words); {
		in := Decode(words[i:])
		out = append(out, fmt.Sprintf("%v: %v", base+hw.Addr(i*hw.WordSize), in))
		i += in.Len()
	}
	return out
}
