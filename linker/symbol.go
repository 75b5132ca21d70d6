package linker

import (
	"debug/elf"

	"github.com/sliverarmory/rtld/elfdyn"
)

type ResolveFlags uint

const (
	// SkipOwner excludes the referencing object from the search. COPY
	// relocations use it so the executable does not bind to its own copy.
	SkipOwner ResolveFlags = 1 << iota
)

// ObjectSymbol is a symbol table entry together with its owner.
type ObjectSymbol struct {
	Object *SharedObject
	Index  uint32
	Sym    elfdyn.Sym
	Name   string
}

// Address is the run-time address of the symbol. For TLS symbols it is
// meaningless; use Sym.Val as the offset into the TLS block.
func (s ObjectSymbol) Address() uint64 {
	if s.Sym.IsAbs() {
		return s.Sym.Val
	}
	return s.Object.Base + s.Sym.Val
}

func (s ObjectSymbol) IsTLS() bool {
	return s.Sym.Type() == elf.STT_TLS
}

// eligible reports whether sym may satisfy a reference from another object.
func eligible(sym *elfdyn.Sym) bool {
	if sym.IsUndef() {
		return false
	}
	switch sym.Bind() {
	case elf.STB_GLOBAL, elf.STB_WEAK:
	default:
		return false
	}
	switch sym.Type() {
	case elf.STT_NOTYPE, elf.STT_OBJECT, elf.STT_FUNC, elf.STT_TLS:
	default:
		return false
	}
	switch sym.Visibility() {
	case elf.STV_DEFAULT, elf.STV_PROTECTED:
		return true
	default:
		return false
	}
}

// LookupExport searches obj's hash table for an eligible definition of name.
func LookupExport(obj *SharedObject, name string) (ObjectSymbol, bool) {
	if obj.symbols == nil {
		return ObjectSymbol{}, false
	}
	var found elfdyn.Sym
	idx, ok := obj.symbols.Lookup(name, func(idx uint32) bool {
		sym, err := obj.symbol(idx)
		if err != nil || !eligible(&sym) {
			return false
		}
		symName, err := obj.symbolName(&sym)
		if err != nil || symName != name {
			return false
		}
		found = sym
		return true
	})
	if !ok {
		return ObjectSymbol{}, false
	}
	return ObjectSymbol{Object: obj, Index: idx, Sym: found, Name: name}, true
}

// ResolveWholeScope returns the first eligible definition of name in scope
// order. skip, when non-nil, is never searched.
func ResolveWholeScope(scope *Scope, name string, skip *SharedObject) (ObjectSymbol, bool) {
	if scope == nil {
		return ObjectSymbol{}, false
	}
	for _, obj := range scope.Objects() {
		if obj == skip {
			continue
		}
		if sym, ok := LookupExport(obj, name); ok {
			return sym, true
		}
	}
	return ObjectSymbol{}, false
}

// ResolveSymbol resolves a reference made by ref.Object through the scope
// it was loaded into; private scopes only serve handle lookups. References
// to a local or non-default-visibility definition in the same object bind
// to that definition.
func ResolveSymbol(ref ObjectSymbol, flags ResolveFlags) (ObjectSymbol, bool) {
	if ref.Sym.IsDefined() && (ref.Sym.Bind() == elf.STB_LOCAL || ref.Sym.Visibility() != elf.STV_DEFAULT) {
		return ref, true
	}

	var skip *SharedObject
	if flags&SkipOwner != 0 {
		skip = ref.Object
	}
	if ref.Object.LoadScope != nil {
		return ResolveWholeScope(ref.Object.LoadScope, ref.Name, skip)
	}
	if skip == nil {
		return LookupExport(ref.Object, ref.Name)
	}
	return ObjectSymbol{}, false
}

// symbolRef builds the reference for symbol index idx of obj.
func symbolRef(obj *SharedObject, idx uint32) (ObjectSymbol, error) {
	sym, err := obj.symbol(idx)
	if err != nil {
		return ObjectSymbol{}, err
	}
	name, err := obj.symbolName(&sym)
	if err != nil {
		return ObjectSymbol{}, err
	}
	return ObjectSymbol{Object: obj, Index: idx, Sym: sym, Name: name}, nil
}

// FindSymbolAt scans every dynamic symbol of obj for an eligible,
// non-TLS definition at addr. Unless exact is set, a symbol whose st_size
// covers addr also matches. This is a linear scan meant for diagnostics.
func FindSymbolAt(obj *SharedObject, addr uint64, exact bool) (ObjectSymbol, bool) {
	for idx := uint32(1); idx < obj.SymbolCount(); idx++ {
		sym, err := obj.symbol(idx)
		if err != nil || !eligible(&sym) || sym.Type() == elf.STT_TLS {
			continue
		}
		cand := ObjectSymbol{Object: obj, Index: idx, Sym: sym}
		start := cand.Address()
		if addr != start && (exact || addr < start || addr-start >= sym.Size) {
			continue
		}
		name, err := obj.symbolName(&sym)
		if err != nil {
			continue
		}
		cand.Name = name
		return cand, true
	}
	return ObjectSymbol{}, false
}
