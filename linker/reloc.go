package linker

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/memmod"
)

// applyWord is the only place relocation results reach memory. It proves
// the 8 bytes at obj.Base+offset lie inside obj's image first.
func applyWord(obj *SharedObject, offset, value uint64) error {
	addr := obj.Base + offset
	if addr < obj.imageLow || addr > obj.imageHigh || obj.imageHigh-addr < 8 {
		return fmt.Errorf("%w: %#x not in [%#x, %#x)", ErrOutOfImage, addr, obj.imageLow, obj.imageHigh)
	}
	return obj.space.Store64(addr, value)
}

func relocationCount(size uint64) uint64 {
	return size / elfdyn.RelaSize
}

// processRela applies every DT_RELA entry of obj.
func processRela(obj *SharedObject) error {
	for i := uint64(0); i < relocationCount(obj.RelaSize); i++ {
		r, err := elfdyn.ReadRela(obj.space, obj.Rela+i*elfdyn.RelaSize)
		if err != nil {
			return fatal("read relocation", obj, err)
		}
		if err := applyRelocation(obj, r); err != nil {
			return err
		}
	}
	return nil
}

// applyRelocation patches one relocation of obj with the value its type
// prescribes.
func applyRelocation(obj *SharedObject, r elfdyn.Rela) error {
	typ := r.Type()
	if typ == elf.R_X86_64_NONE {
		return nil
	}

	var (
		target ObjectSymbol
		found  bool
		ref    ObjectSymbol
	)
	if r.Sym() != 0 {
		var err error
		ref, err = symbolRef(obj, r.Sym())
		if err != nil {
			return fatal("read relocation symbol", obj, err)
		}
		var flags ResolveFlags
		if typ == elf.R_X86_64_COPY {
			flags |= SkipOwner
		}
		target, found = ResolveSymbol(ref, flags)
		if !found && (!ref.Sym.IsWeak() || typ == elf.R_X86_64_COPY) {
			return fatal("relocate", obj, fmt.Errorf("%w: %s", ErrSymbolNotFound, ref.Name))
		}
	}

	// symbol value; an unresolved weak reference is zero
	var s uint64
	if found {
		s = target.Address()
	}
	a := uint64(r.Addend)

	var value uint64
	switch typ {
	case elf.R_X86_64_64:
		value = s + a
	case elf.R_X86_64_RELATIVE:
		value = obj.Base + a
	case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
		value = s
	case elf.R_X86_64_COPY:
		return copyRelocation(obj, r, target)
	case elf.R_X86_64_DTPMOD64:
		switch {
		case r.Sym() == 0:
			value = obj.TLSModuleID
		case found:
			value = target.Object.TLSModuleID
		}
	case elf.R_X86_64_DTPOFF64:
		if found {
			value = target.Sym.Val
		}
		value += a
	case elf.R_X86_64_TPOFF64:
		def := obj
		if r.Sym() != 0 {
			def = target.Object
		}
		if r.Sym() != 0 && !found {
			value = 0
			break
		}
		if def.TLSModel != TLSModelInitial {
			return fatal("relocate", obj, fmt.Errorf("%w: %s", ErrStaticTLSUnavailable, def.Name))
		}
		var symVal uint64
		if found {
			symVal = target.Sym.Val
		}
		value = uint64(def.TLSOffset) + symVal + a
	default:
		return fatal("relocate", obj, fmt.Errorf("%w: %s", ErrUnsupportedRelocation, typ))
	}

	if err := applyWord(obj, r.Offset, value); err != nil {
		return fatal("relocate", obj, err)
	}
	return nil
}

func copyRelocation(obj *SharedObject, r elfdyn.Rela, target ObjectSymbol) error {
	size := target.Sym.Size
	dst := obj.Base + r.Offset
	if dst < obj.imageLow || dst > obj.imageHigh || obj.imageHigh-dst < size {
		return fatal("relocate", obj, fmt.Errorf("%w: copy of %d bytes to %#x", ErrOutOfImage, size, dst))
	}
	if size == 0 {
		return nil
	}
	if err := obj.space.Copy(dst, target.Address(), size); err != nil {
		return fatal("relocate", obj, err)
	}
	return nil
}

// protectRelro makes the PT_GNU_RELRO range read-only once relocation is
// done. Only whole pages inside the range are protected.
func protectRelro(obj *SharedObject) error {
	if obj.RelroSize == 0 {
		return nil
	}
	pageSize := obj.space.PageSize()
	start := elfdyn.AlignDown(obj.RelroStart, pageSize)
	end := elfdyn.AlignDown(obj.RelroStart+obj.RelroSize, pageSize)
	if end <= start {
		return nil
	}
	if err := obj.space.Protect(start, end-start, memmod.ProtRead); err != nil {
		return fatal("protect RELRO", obj, err)
	}
	return nil
}
