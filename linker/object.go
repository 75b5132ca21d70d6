package linker

import (
	"debug/elf"
	"fmt"
	"sync/atomic"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/memmod"
)

type TLSModel int

const (
	TLSModelNone TLSModel = iota
	// TLSModelInitial blocks live at a fixed negative offset from the
	// thread pointer.
	TLSModelInitial
	// TLSModelDynamic blocks are reached through the module ID.
	TLSModelDynamic
)

func (m TLSModel) String() string {
	switch m {
	case TLSModelInitial:
		return "initial"
	case TLSModelDynamic:
		return "dynamic"
	default:
		return "none"
	}
}

// SharedObject is one loaded module. Its tables are derived once from the
// dynamic section and never change afterwards.
type SharedObject struct {
	ID     uint64
	Name   string
	Path   string
	SOName string

	IsExecutable  bool
	IsInterpreter bool

	Base       uint64
	Dynamic    uint64
	Entry      uint64
	Generation uint64

	SymbolTable     uint64
	StringTable     uint64
	StringTableSize uint64
	HashTable       uint64
	GNUHashTable    uint64
	Rela            uint64
	RelaSize        uint64
	JmpRel          uint64
	JmpRelSize      uint64
	PLTGOT          uint64

	Needed []string

	Init             uint64
	InitArray        uint64
	InitArraySize    uint64
	PreinitArray     uint64
	PreinitArraySize uint64
	Fini             uint64
	FiniArray        uint64
	FiniArraySize    uint64

	BindNow    bool
	RelroStart uint64
	RelroSize  uint64

	TLSImage     uint64
	TLSImageSize uint64
	TLSSize      uint64
	TLSAlign     uint64
	TLSModel     TLSModel
	TLSOffset    int64
	TLSModuleID  uint64

	Dependencies []*SharedObject
	// LoadScope is the scope the object was loaded into. Relocations of
	// the object resolve through it alone.
	LoadScope *Scope

	objectScope atomic.Pointer[Scope]

	space     *memmod.Space
	region    uint64
	imageLow  uint64
	imageHigh uint64
	symbols   elfdyn.SymbolTable
	plt       *pltTable

	scheduledFor uint64
	linked       bool
	initialized  bool
}

func (o *SharedObject) String() string {
	return fmt.Sprintf("%s@%#x", o.Name, o.Base)
}

func (o *SharedObject) IsLinked() bool      { return o.linked }
func (o *SharedObject) IsInitialized() bool { return o.initialized }

// ImageBounds returns the [low, high) address range relocations may patch.
func (o *SharedObject) ImageBounds() (uint64, uint64) {
	return o.imageLow, o.imageHigh
}

func (o *SharedObject) Contains(addr uint64) bool {
	return addr >= o.imageLow && addr < o.imageHigh
}

func (o *SharedObject) HasTLS() bool {
	return o.TLSSize > 0
}

func newSharedObject(space *memmod.Space, name string, base, generation uint64) *SharedObject {
	obj := &SharedObject{
		Name:       name,
		Base:       base,
		Generation: generation,
		space:      space,
	}
	if info, ok := space.RegionOf(base); ok {
		obj.imageLow, obj.imageHigh = info.Base, info.Base+info.Size
	}
	return obj
}

// ApplyProgramHeaders records the TLS template, RELRO range and image bounds
// described by the object's program headers.
func (o *SharedObject) ApplyProgramHeaders(phdrs []elfdyn.Phdr) {
	var low, high uint64
	haveLoad := false
	for _, ph := range phdrs {
		switch elf.ProgType(ph.Type) {
		case elf.PT_LOAD:
			start, end := o.Base+ph.VAddr, o.Base+ph.VAddr+ph.MemSize
			if !haveLoad || start < low {
				low = start
			}
			if end > high {
				high = end
			}
			haveLoad = true
		case elf.PT_TLS:
			o.TLSImage = o.Base + ph.VAddr
			o.TLSImageSize = ph.FileSize
			o.TLSSize = ph.MemSize
			o.TLSAlign = max(ph.Align, 1)
		case elf.PT_GNU_RELRO:
			o.RelroStart = o.Base + ph.VAddr
			o.RelroSize = ph.MemSize
		}
	}
	if haveLoad {
		o.imageLow, o.imageHigh = low, high
	}
}

// parseDynamic fills in the table addresses from the dynamic section at
// o.Dynamic and returns the tags it does not act on.
func (o *SharedObject) parseDynamic() ([]elf.DynTag, error) {
	entries, err := elfdyn.ReadDynamic(o.space, o.Dynamic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDynamic, err)
	}

	var (
		needed    []uint64
		soname    uint64
		hasSOName bool
		ignored   []elf.DynTag
	)
	for _, d := range entries {
		switch d.Tag {
		case elf.DT_NEEDED:
			needed = append(needed, d.Val)
		case elf.DT_SONAME:
			soname, hasSOName = d.Val, true
		case elf.DT_STRTAB:
			o.StringTable = o.Base + d.Val
		case elf.DT_STRSZ:
			o.StringTableSize = d.Val
		case elf.DT_SYMTAB:
			o.SymbolTable = o.Base + d.Val
		case elf.DT_SYMENT:
			if d.Val != elfdyn.SymSize {
				return nil, fmt.Errorf("%w: DT_SYMENT is %d", ErrMalformedDynamic, d.Val)
			}
		case elf.DT_HASH:
			o.HashTable = o.Base + d.Val
		case elf.DT_GNU_HASH:
			o.GNUHashTable = o.Base + d.Val
		case elf.DT_RELA:
			o.Rela = o.Base + d.Val
		case elf.DT_RELASZ:
			o.RelaSize = d.Val
		case elf.DT_RELAENT:
			if d.Val != elfdyn.RelaSize {
				return nil, fmt.Errorf("%w: DT_RELAENT is %d", ErrMalformedDynamic, d.Val)
			}
		case elf.DT_JMPREL:
			o.JmpRel = o.Base + d.Val
		case elf.DT_PLTRELSZ:
			o.JmpRelSize = d.Val
		case elf.DT_PLTREL:
			if elf.DynTag(d.Val) != elf.DT_RELA {
				return nil, fmt.Errorf("%w: DT_PLTREL is %s", ErrMalformedDynamic, elf.DynTag(d.Val))
			}
		case elf.DT_PLTGOT:
			o.PLTGOT = o.Base + d.Val
		case elf.DT_INIT:
			o.Init = o.Base + d.Val
		case elf.DT_FINI:
			o.Fini = o.Base + d.Val
		case elf.DT_INIT_ARRAY:
			o.InitArray = o.Base + d.Val
		case elf.DT_INIT_ARRAYSZ:
			o.InitArraySize = d.Val
		case elf.DT_FINI_ARRAY:
			o.FiniArray = o.Base + d.Val
		case elf.DT_FINI_ARRAYSZ:
			o.FiniArraySize = d.Val
		case elf.DT_PREINIT_ARRAY:
			o.PreinitArray = o.Base + d.Val
		case elf.DT_PREINIT_ARRAYSZ:
			o.PreinitArraySize = d.Val
		case elf.DT_BIND_NOW:
			o.BindNow = true
		case elf.DT_FLAGS:
			if elf.DynFlag(d.Val)&elf.DF_BIND_NOW != 0 {
				o.BindNow = true
			}
		case elf.DT_FLAGS_1:
			if d.Val&elfdyn.DF_1_NOW != 0 {
				o.BindNow = true
			}
		case elf.DT_RELACOUNT, elf.DT_DEBUG, elf.DT_VERSYM, elf.DT_VERDEF, elf.DT_VERDEFNUM,
			elf.DT_VERNEED, elf.DT_VERNEEDNUM, elf.DT_TEXTREL:
			// symbol versioning and counts are not acted on
		default:
			ignored = append(ignored, d.Tag)
		}
	}

	if o.StringTable == 0 || o.SymbolTable == 0 {
		return nil, fmt.Errorf("%w: missing DT_STRTAB or DT_SYMTAB", ErrMalformedDynamic)
	}
	if o.HashTable == 0 && o.GNUHashTable == 0 {
		return nil, fmt.Errorf("%w: missing DT_HASH and DT_GNU_HASH", ErrMalformedDynamic)
	}

	if hasSOName {
		if o.SOName, err = o.dynString(soname); err != nil {
			return nil, err
		}
	}
	for _, off := range needed {
		name, err := o.dynString(off)
		if err != nil {
			return nil, err
		}
		o.Needed = append(o.Needed, name)
	}

	if o.GNUHashTable != 0 {
		o.symbols, err = elfdyn.LoadGNUTable(o.space, o.GNUHashTable)
	} else {
		o.symbols, err = elfdyn.LoadSysVTable(o.space, o.HashTable)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDynamic, err)
	}
	return ignored, nil
}

func (o *SharedObject) dynString(off uint64) (string, error) {
	if o.StringTableSize != 0 && off >= o.StringTableSize {
		return "", fmt.Errorf("%w: string offset %d beyond DT_STRSZ %d", ErrMalformedDynamic, off, o.StringTableSize)
	}
	s, err := o.space.CString(o.StringTable + off)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedDynamic, err)
	}
	return s, nil
}

func (o *SharedObject) symbol(idx uint32) (elfdyn.Sym, error) {
	return elfdyn.ReadSym(o.space, o.SymbolTable, idx)
}

func (o *SharedObject) symbolName(sym *elfdyn.Sym) (string, error) {
	return o.dynString(uint64(sym.Name))
}

// SymbolCount is the number of dynamic symbols, derived from the hash table.
func (o *SharedObject) SymbolCount() uint32 {
	if o.symbols == nil {
		return 0
	}
	return o.symbols.SymbolCount()
}
