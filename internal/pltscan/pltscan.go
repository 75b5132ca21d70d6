// Package pltscan decodes x86-64 PLT entries to find the GOT slot they jump
// through.
package pltscan

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// EntrySize is the size of a classic lazy PLT entry.
const EntrySize = 16

var ErrNotStub = errors.New("pltscan: not an indirect jump through the GOT")

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// Stub is a decoded `jmp *disp(%rip)` entry.
type Stub struct {
	Addr    uint64
	Len     int
	GOTSlot uint64
}

// Decode decodes the instruction at addr. code holds the bytes starting at
// addr. An endbr64 landing pad in front of the jump is skipped.
func Decode(code []byte, addr uint64) (Stub, error) {
	pc := addr
	if bytes.HasPrefix(code, endbr64) {
		code = code[len(endbr64):]
		pc += uint64(len(endbr64))
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Stub{}, fmt.Errorf("pltscan: decode at %#x: %w", pc, err)
	}
	if inst.Op != x86asm.JMP {
		return Stub{}, ErrNotStub
	}
	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok || mem.Base != x86asm.RIP || mem.Index != 0 {
		return Stub{}, ErrNotStub
	}
	next := pc + uint64(inst.Len)
	return Stub{
		Addr:    addr,
		Len:     int(next - addr),
		GOTSlot: uint64(int64(next) + mem.Disp),
	}, nil
}

// Encode returns the 6-byte `jmp *disp(%rip)` that loads its target from
// slot when placed at addr.
func Encode(addr, slot uint64) []byte {
	disp := int32(int64(slot) - int64(addr+6))
	return []byte{0xff, 0x25, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
}
