// Package elfdyn decodes and encodes the ELF64 structures a dynamic linker
// consumes at run time: headers, program headers, dynamic entries, symbols,
// relocations and symbol hash tables.
package elfdyn

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	EhdrSize = 64
	PhdrSize = 56
	DynSize  = 16
	SymSize  = 24
	RelaSize = 24
	WordSize = 8
)

// DF_1_NOW is missing from debug/elf's DynFlag set; it lives in DT_FLAGS_1.
const DF_1_NOW uint64 = 0x1

var (
	ErrShortBuffer = errors.New("elfdyn: short buffer")
	ErrNotELF      = errors.New("elfdyn: not an ELF image")
)

var le = binary.LittleEndian

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func CheckMagic(b []byte) bool {
	return bytes.HasPrefix(b, []byte(elf.ELFMAG))
}

func DecodeEhdr(b []byte) (Ehdr, error) {
	var h Ehdr
	if len(b) < EhdrSize {
		return h, ErrShortBuffer
	}
	if !CheckMagic(b) {
		return h, ErrNotELF
	}
	copy(h.Ident[:], b[:16])
	h.Type = le.Uint16(b[16:])
	h.Machine = le.Uint16(b[18:])
	h.Version = le.Uint32(b[20:])
	h.Entry = le.Uint64(b[24:])
	h.PhOff = le.Uint64(b[32:])
	h.ShOff = le.Uint64(b[40:])
	h.Flags = le.Uint32(b[48:])
	h.EhSize = le.Uint16(b[52:])
	h.PhEntSize = le.Uint16(b[54:])
	h.PhNum = le.Uint16(b[56:])
	h.ShEntSize = le.Uint16(b[58:])
	h.ShNum = le.Uint16(b[60:])
	h.ShStrndx = le.Uint16(b[62:])
	return h, nil
}

// Validate checks that the header describes a little-endian ELF64 x86-64
// image of one of the given types.
func (h Ehdr) Validate(types ...elf.Type) error {
	if elf.Class(h.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fmt.Errorf("unsupported ELF class: %s", elf.Class(h.Ident[elf.EI_CLASS]))
	}
	if elf.Data(h.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return fmt.Errorf("unsupported ELF data encoding: %s", elf.Data(h.Ident[elf.EI_DATA]))
	}
	if elf.Machine(h.Machine) != elf.EM_X86_64 {
		return fmt.Errorf("foreign platform (provided: %s, expected: %s)", elf.Machine(h.Machine), elf.EM_X86_64)
	}
	for _, t := range types {
		if elf.Type(h.Type) == t {
			return nil
		}
	}
	return fmt.Errorf("unsupported ELF file type: %s", elf.Type(h.Type))
}

func (h Ehdr) Append(b []byte) []byte {
	b = append(b, h.Ident[:]...)
	b = le.AppendUint16(b, h.Type)
	b = le.AppendUint16(b, h.Machine)
	b = le.AppendUint32(b, h.Version)
	b = le.AppendUint64(b, h.Entry)
	b = le.AppendUint64(b, h.PhOff)
	b = le.AppendUint64(b, h.ShOff)
	b = le.AppendUint32(b, h.Flags)
	b = le.AppendUint16(b, h.EhSize)
	b = le.AppendUint16(b, h.PhEntSize)
	b = le.AppendUint16(b, h.PhNum)
	b = le.AppendUint16(b, h.ShEntSize)
	b = le.AppendUint16(b, h.ShNum)
	return le.AppendUint16(b, h.ShStrndx)
}

func DecodePhdr(b []byte) (Phdr, error) {
	var p Phdr
	if len(b) < PhdrSize {
		return p, ErrShortBuffer
	}
	p.Type = le.Uint32(b[0:])
	p.Flags = le.Uint32(b[4:])
	p.Offset = le.Uint64(b[8:])
	p.VAddr = le.Uint64(b[16:])
	p.PAddr = le.Uint64(b[24:])
	p.FileSize = le.Uint64(b[32:])
	p.MemSize = le.Uint64(b[40:])
	p.Align = le.Uint64(b[48:])
	return p, nil
}

func (p Phdr) Append(b []byte) []byte {
	b = le.AppendUint32(b, p.Type)
	b = le.AppendUint32(b, p.Flags)
	b = le.AppendUint64(b, p.Offset)
	b = le.AppendUint64(b, p.VAddr)
	b = le.AppendUint64(b, p.PAddr)
	b = le.AppendUint64(b, p.FileSize)
	b = le.AppendUint64(b, p.MemSize)
	return le.AppendUint64(b, p.Align)
}

// DecodePhdrs decodes count headers of entSize bytes each. entSize may be
// larger than PhdrSize; trailing bytes of each entry are ignored.
func DecodePhdrs(b []byte, entSize, count int) ([]Phdr, error) {
	if entSize < PhdrSize {
		return nil, fmt.Errorf("program header entry size %d is too small", entSize)
	}
	if len(b) < entSize*count {
		return nil, ErrShortBuffer
	}
	phdrs := make([]Phdr, 0, count)
	for i := 0; i < count; i++ {
		p, err := DecodePhdr(b[i*entSize:])
		if err != nil {
			return nil, err
		}
		phdrs = append(phdrs, p)
	}
	return phdrs, nil
}

func DecodeSym(b []byte) (Sym, error) {
	var s Sym
	if len(b) < SymSize {
		return s, ErrShortBuffer
	}
	s.Name = le.Uint32(b[0:])
	s.Info = b[4]
	s.Other = b[5]
	s.Shndx = le.Uint16(b[6:])
	s.Val = le.Uint64(b[8:])
	s.Size = le.Uint64(b[16:])
	return s, nil
}

func (s Sym) Append(b []byte) []byte {
	b = le.AppendUint32(b, s.Name)
	b = append(b, s.Info, s.Other)
	b = le.AppendUint16(b, s.Shndx)
	b = le.AppendUint64(b, s.Val)
	return le.AppendUint64(b, s.Size)
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Sym) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == elf.STB_WEAK
}

func DecodeRela(b []byte) (Rela, error) {
	var r Rela
	if len(b) < RelaSize {
		return r, ErrShortBuffer
	}
	r.Offset = le.Uint64(b[0:])
	r.Info = le.Uint64(b[8:])
	r.Addend = int64(le.Uint64(b[16:]))
	return r, nil
}

func (r Rela) Append(b []byte) []byte {
	b = le.AppendUint64(b, r.Offset)
	b = le.AppendUint64(b, r.Info)
	return le.AppendUint64(b, uint64(r.Addend))
}

func (r Rela) Sym() uint32 {
	return elf.R_SYM64(r.Info)
}

func (r Rela) Type() elf.R_X86_64 {
	return elf.R_X86_64(elf.R_TYPE64(r.Info))
}

func NewRela(offset uint64, sym uint32, typ elf.R_X86_64, addend int64) Rela {
	return Rela{Offset: offset, Info: elf.R_INFO(sym, uint32(typ)), Addend: addend}
}

// CString returns the NUL-terminated string starting at off in tab.
func CString(tab []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(tab)) {
		return "", fmt.Errorf("string offset %d outside table of %d bytes", off, len(tab))
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("string at offset %d is not NUL terminated", off)
	}
	return string(tab[off : off+uint32(end)]), nil
}

func AlignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

func AlignDown(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}
