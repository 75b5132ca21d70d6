package elfdyn

import (
	"debug/elf"
	"errors"
)

var ErrNoDynamicTerminator = errors.New("elfdyn: dynamic section has no DT_NULL terminator")

type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

func (d Dyn) Append(b []byte) []byte {
	b = le.AppendUint64(b, uint64(d.Tag))
	return le.AppendUint64(b, d.Val)
}

// DecodeDynamic decodes entries up to, but not including, DT_NULL.
func DecodeDynamic(b []byte) ([]Dyn, error) {
	var out []Dyn
	for off := 0; off+DynSize <= len(b); off += DynSize {
		d := Dyn{
			Tag: elf.DynTag(int64(le.Uint64(b[off:]))),
			Val: le.Uint64(b[off+8:]),
		}
		if d.Tag == elf.DT_NULL {
			return out, nil
		}
		out = append(out, d)
	}
	return nil, ErrNoDynamicTerminator
}

// Memory is the read side of an address space.
type Memory interface {
	Read(addr, n uint64) ([]byte, error)
}

// ReadDynamic walks the dynamic section at addr one entry at a time until
// DT_NULL, so the caller does not need to know its size.
func ReadDynamic(mem Memory, addr uint64) ([]Dyn, error) {
	const maxEntries = 1 << 16
	var out []Dyn
	for i := uint64(0); i < maxEntries; i++ {
		b, err := mem.Read(addr+i*DynSize, DynSize)
		if err != nil {
			return nil, err
		}
		d := Dyn{Tag: elf.DynTag(int64(le.Uint64(b))), Val: le.Uint64(b[8:])}
		if d.Tag == elf.DT_NULL {
			return out, nil
		}
		out = append(out, d)
	}
	return nil, ErrNoDynamicTerminator
}

func ReadSym(mem Memory, table uint64, idx uint32) (Sym, error) {
	b, err := mem.Read(table+uint64(idx)*SymSize, SymSize)
	if err != nil {
		return Sym{}, err
	}
	return DecodeSym(b)
}

func ReadRela(mem Memory, addr uint64) (Rela, error) {
	b, err := mem.Read(addr, RelaSize)
	if err != nil {
		return Rela{}, err
	}
	return DecodeRela(b)
}
