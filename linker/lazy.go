package linker

import (
	"debug/elf"
	"fmt"
	"sync/atomic"

	"github.com/sliverarmory/rtld/elfdyn"
)

// GOT[1] and GOT[2] hold the object handle and the resolver trampoline.
const (
	gotHandleSlot     = 1
	gotTrampolineSlot = 2
)

type pltTable struct {
	count    uint32
	resolved []atomic.Uint64
}

func newPLTTable(count uint32) *pltTable {
	return &pltTable{count: count, resolved: make([]atomic.Uint64, (count+63)/64)}
}

func (t *pltTable) isResolved(i uint32) bool {
	return t.resolved[i/64].Load()&(1<<(i%64)) != 0
}

func (t *pltTable) markResolved(i uint32) {
	t.resolved[i/64].Or(1 << (i % 64))
}

// processJmpRel prepares obj's DT_JMPREL entries. With bindNow every slot
// is resolved immediately; otherwise each GOT entry is rebased so it still
// points back into the PLT and GOT[1..2] are filled in for the trampoline.
func processJmpRel(obj *SharedObject, bindNow bool, trampoline uint64) error {
	count := relocationCount(obj.JmpRelSize)
	obj.plt = newPLTTable(uint32(count))

	for i := uint64(0); i < count; i++ {
		r, err := elfdyn.ReadRela(obj.space, obj.JmpRel+i*elfdyn.RelaSize)
		if err != nil {
			return fatal("read PLT relocation", obj, err)
		}
		if r.Type() != elf.R_X86_64_JMP_SLOT {
			return fatal("relocate", obj, fmt.Errorf("%w: %s", ErrNotJumpSlot, r.Type()))
		}
		if bindNow {
			if err := applyRelocation(obj, r); err != nil {
				return err
			}
			obj.plt.markResolved(uint32(i))
			continue
		}
		stub, err := obj.space.Load64(obj.Base + r.Offset)
		if err != nil {
			return fatal("read GOT slot", obj, err)
		}
		if err := applyWord(obj, r.Offset, stub+obj.Base); err != nil {
			return fatal("rebase GOT slot", obj, err)
		}
	}

	if bindNow || obj.PLTGOT == 0 || count == 0 {
		return nil
	}
	got := obj.PLTGOT - obj.Base
	if err := applyWord(obj, got+gotHandleSlot*8, obj.ID); err != nil {
		return fatal("install GOT handle", obj, err)
	}
	if err := applyWord(obj, got+gotTrampolineSlot*8, trampoline); err != nil {
		return fatal("install GOT trampoline", obj, err)
	}
	return nil
}

// LazyResolve services the first call through PLT entry index of obj. It
// takes no loader lock: the result is published with one atomic 8-byte
// store, so concurrent first calls through the same entry store the same
// value.
func LazyResolve(obj *SharedObject, index uint32) (uint64, error) {
	if obj.plt == nil || !obj.linked {
		return 0, fatal("lazy resolve", obj, ErrUnsupportedObjectState)
	}
	if index >= obj.plt.count {
		return 0, fatal("lazy resolve", obj, fmt.Errorf("PLT index %d out of range (%d entries)", index, obj.plt.count))
	}
	r, err := elfdyn.ReadRela(obj.space, obj.JmpRel+uint64(index)*elfdyn.RelaSize)
	if err != nil {
		return 0, fatal("lazy resolve", obj, err)
	}
	if r.Type() != elf.R_X86_64_JMP_SLOT {
		return 0, fatal("lazy resolve", obj, fmt.Errorf("%w: %s", ErrNotJumpSlot, r.Type()))
	}
	ref, err := symbolRef(obj, r.Sym())
	if err != nil {
		return 0, fatal("lazy resolve", obj, err)
	}
	target, ok := ResolveSymbol(ref, 0)
	if !ok {
		return 0, fatal("lazy resolve", obj, fmt.Errorf("%w: %s", ErrSymbolNotFound, ref.Name))
	}

	addr := target.Address()
	slot := obj.Base + r.Offset
	if slot < obj.imageLow || slot > obj.imageHigh || obj.imageHigh-slot < 8 {
		return 0, fatal("lazy resolve", obj, fmt.Errorf("%w: GOT slot %#x", ErrOutOfImage, slot))
	}
	if err := obj.space.AtomicStore64(slot, addr); err != nil {
		return 0, fatal("lazy resolve", obj, err)
	}
	obj.plt.markResolved(index)
	return addr, nil
}

// PLTSlot is one jump-slot entry seen from the call path: Target resolves
// on first use and afterwards reads the cached GOT value.
type PLTSlot struct {
	obj   *SharedObject
	index uint32
	addr  uint64
}

// PLTSlot returns entry index of obj's jump-slot table.
func (o *SharedObject) PLTSlot(index uint32) (*PLTSlot, error) {
	if o.plt == nil || index >= o.plt.count {
		return nil, fmt.Errorf("rtld: %s has no PLT entry %d", o.Name, index)
	}
	r, err := elfdyn.ReadRela(o.space, o.JmpRel+uint64(index)*elfdyn.RelaSize)
	if err != nil {
		return nil, err
	}
	return &PLTSlot{obj: o, index: index, addr: o.Base + r.Offset}, nil
}

// PLTSlots is the number of DT_JMPREL entries.
func (o *SharedObject) PLTSlots() uint32 {
	if o.plt == nil {
		return 0
	}
	return o.plt.count
}

// GOTAddress is the address of the GOT word backing the slot.
func (s *PLTSlot) GOTAddress() uint64 { return s.addr }

// SymbolName is the name of the symbol the slot binds to.
func (s *PLTSlot) SymbolName() (string, error) {
	r, err := elfdyn.ReadRela(s.obj.space, s.obj.JmpRel+uint64(s.index)*elfdyn.RelaSize)
	if err != nil {
		return "", err
	}
	ref, err := symbolRef(s.obj, r.Sym())
	if err != nil {
		return "", err
	}
	return ref.Name, nil
}

func (s *PLTSlot) Resolved() bool { return s.obj.plt.isResolved(s.index) }

func (s *PLTSlot) Target() (uint64, error) {
	if s.Resolved() {
		return s.obj.space.Load64(s.addr)
	}
	return LazyResolve(s.obj, s.index)
}
