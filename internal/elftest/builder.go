// Package elftest assembles small ELF64 x86-64 shared objects in memory so
// loader tests can exercise real dynamic sections, hash tables and
// relocations without a toolchain.
//
// Every image is a single RWX PT_LOAD at vaddr 0 whose file offsets equal
// its virtual addresses.
package elftest

import (
	"bytes"
	"debug/elf"
	"fmt"
	"slices"
	"sort"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/internal/pltscan"
)

const (
	funcSize  = 16
	pltSize   = pltscan.EntrySize
	tlsAlign  = 16
	pageAlign = 0x1000
)

// Symbol describes a dynamic symbol. Defined symbols get storage in the
// image: functions in text, objects in data, TLS variables in the TLS
// template.
type Symbol struct {
	Name       string
	Type       elf.SymType
	Bind       elf.SymBind
	Visibility elf.SymVis
	Size       uint64
	Data       []byte
	Undefined  bool
}

type relocation struct {
	slot   string
	typ    elf.R_X86_64
	sym    string
	addend int64
	copyOf string
}

type Builder struct {
	soname       string
	needed       []string
	symbols      []Symbol
	slots        []string
	relocs       []relocation
	jumpSlots    []string
	initArray    []string
	preinitArray []string
	initFunc     string
	entry        string
	gnuHash      bool
	bindNow      bool
	extra        []elfdyn.Dyn
}

// NewBuilder starts an image; an empty soname omits DT_SONAME.
func NewBuilder(soname string) *Builder {
	return &Builder{soname: soname}
}

func (b *Builder) Needed(names ...string) *Builder {
	b.needed = append(b.needed, names...)
	return b
}

func (b *Builder) Define(sym Symbol) *Builder {
	if sym.Bind == 0 && sym.Type == 0 && !sym.Undefined {
		sym.Bind = elf.STB_GLOBAL
	}
	b.symbols = append(b.symbols, sym)
	return b
}

func (b *Builder) Func(name string) *Builder {
	return b.Define(Symbol{Name: name, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Size: funcSize})
}

func (b *Builder) Object(name string, data []byte) *Builder {
	return b.Define(Symbol{Name: name, Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL, Size: uint64(len(data)), Data: data})
}

// TLS defines a thread-local variable of size bytes whose first bytes are
// data.
func (b *Builder) TLS(name string, data []byte, size uint64) *Builder {
	return b.Define(Symbol{Name: name, Type: elf.STT_TLS, Bind: elf.STB_GLOBAL, Size: max(size, uint64(len(data))), Data: data})
}

func (b *Builder) Import(name string) *Builder {
	return b.Define(Symbol{Name: name, Bind: elf.STB_GLOBAL, Undefined: true})
}

func (b *Builder) ImportWeak(name string) *Builder {
	return b.Define(Symbol{Name: name, Bind: elf.STB_WEAK, Undefined: true})
}

// Slot reserves a named, zeroed 8-byte data word for a relocation to patch.
func (b *Builder) Slot(name string) *Builder {
	b.slots = append(b.slots, name)
	return b
}

// Reloc adds a DT_RELA entry patching slot. An empty sym uses symbol index
// 0; a name that is not defined is imported.
func (b *Builder) Reloc(slot string, typ elf.R_X86_64, sym string, addend int64) *Builder {
	if !slices.Contains(b.slots, slot) {
		b.Slot(slot)
	}
	b.relocs = append(b.relocs, relocation{slot: slot, typ: typ, sym: sym, addend: addend})
	return b
}

// Copy adds an R_X86_64_COPY for sym, which must be an object defined by
// this builder.
func (b *Builder) Copy(sym string) *Builder {
	b.relocs = append(b.relocs, relocation{typ: elf.R_X86_64_COPY, sym: sym, copyOf: sym})
	return b
}

// JumpSlot adds a PLT entry, its GOT slot and the DT_JMPREL entry for sym.
func (b *Builder) JumpSlot(sym string) *Builder {
	b.jumpSlots = append(b.jumpSlots, sym)
	return b
}

func (b *Builder) InitArray(funcs ...string) *Builder {
	b.initArray = append(b.initArray, funcs...)
	return b
}

func (b *Builder) PreinitArray(funcs ...string) *Builder {
	b.preinitArray = append(b.preinitArray, funcs...)
	return b
}

func (b *Builder) InitFunc(name string) *Builder {
	b.initFunc = name
	return b
}

// Entry sets e_entry to the function name.
func (b *Builder) Entry(name string) *Builder {
	b.entry = name
	return b
}

// GNUHash emits DT_GNU_HASH instead of DT_HASH.
func (b *Builder) GNUHash() *Builder {
	b.gnuHash = true
	return b
}

func (b *Builder) BindNow() *Builder {
	b.bindNow = true
	return b
}

// Dynamic appends a raw dynamic entry before DT_NULL.
func (b *Builder) Dynamic(tag elf.DynTag, val uint64) *Builder {
	b.extra = append(b.extra, elfdyn.Dyn{Tag: tag, Val: val})
	return b
}

// Image is a built ELF file plus the virtual address of everything a test
// may want to inspect.
type Image struct {
	Data []byte

	Symbols     map[string]uint64
	SymbolIndex map[string]uint32
	Slots       map[string]uint64
	// GOT is the address of GOT[0]; GOTSlots and PLT follow JumpSlot order.
	GOT      uint64
	GOTSlots []uint64
	PLT      []uint64
	PLT0     uint64
	Dynamic  uint64
	Phdr     uint64
	PhNum    int
	TLS      uint64
	TLSSize  uint64
	Entry    uint64
}

type layout struct {
	cursor uint64
}

func (l *layout) take(size, align uint64) uint64 {
	l.cursor = elfdyn.AlignUp(l.cursor, align)
	at := l.cursor
	l.cursor += size
	return at
}

func (b *Builder) symbolNamed(name string) (Symbol, bool) {
	for _, s := range b.symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// Build lays out and encodes the image.
func (b *Builder) Build() (*Image, error) {
	for _, r := range b.relocs {
		if r.sym != "" {
			if _, ok := b.symbolNamed(r.sym); !ok {
				b.Import(r.sym)
			}
		}
	}
	for _, name := range b.jumpSlots {
		if _, ok := b.symbolNamed(name); !ok {
			b.Import(name)
		}
	}

	var imports, defined []Symbol
	for _, s := range b.symbols {
		if s.Undefined {
			imports = append(imports, s)
		} else {
			defined = append(defined, s)
		}
	}
	symOffset := uint32(1 + len(imports))
	nbuckets := uint32(max(1, len(defined)))
	if b.gnuHash {
		sort.SliceStable(defined, func(i, j int) bool {
			return elfdyn.GNUHash(defined[i].Name)%nbuckets < elfdyn.GNUHash(defined[j].Name)%nbuckets
		})
	}
	ordered := append(append([]Symbol{{}}, imports...), defined...)

	img := &Image{
		Symbols:     map[string]uint64{},
		SymbolIndex: map[string]uint32{},
		Slots:       map[string]uint64{},
	}
	for i, s := range ordered[1:] {
		img.SymbolIndex[s.Name] = uint32(i + 1)
	}

	// string table
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOff := map[string]uint32{"": 0}
	addString := func(s string) uint32 {
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		strOff[s] = off
		return off
	}
	for _, s := range ordered[1:] {
		addString(s.Name)
	}
	for _, n := range b.needed {
		addString(n)
	}
	if b.soname != "" {
		addString(b.soname)
	}

	njmp := uint64(len(b.jumpSlots))
	nrela := uint64(len(b.relocs) + len(b.initArray) + len(b.preinitArray))
	var tlsSize uint64
	for _, s := range defined {
		if s.Type == elf.STT_TLS {
			tlsSize = elfdyn.AlignUp(tlsSize, 8) + s.Size
		}
	}

	nphdr := uint64(3)
	if tlsSize > 0 {
		nphdr++
	}

	l := &layout{}
	l.take(elfdyn.EhdrSize, 8)
	phdrOff := l.take(nphdr*elfdyn.PhdrSize, 8)
	strOffAt := l.take(uint64(strtab.Len()), 1)
	symtabAt := l.take(uint64(len(ordered))*elfdyn.SymSize, 8)

	var hashSize uint64
	if b.gnuHash {
		hashSize = 16 + 8 + 4*uint64(nbuckets) + 4*uint64(len(defined))
	} else {
		hashSize = 4 * (2 + uint64(nbuckets) + uint64(len(ordered)))
	}
	hashAt := l.take(hashSize, 8)
	relaAt := l.take(nrela*elfdyn.RelaSize, 8)
	jmprelAt := l.take(njmp*elfdyn.RelaSize, 8)

	textAt := l.take(0, 16)
	for _, s := range defined {
		if s.Type == elf.STT_FUNC {
			img.Symbols[s.Name] = l.take(funcSize, 16)
		}
	}
	if njmp > 0 {
		img.PLT0 = l.take(pltSize, 16)
		for range b.jumpSlots {
			img.PLT = append(img.PLT, l.take(pltSize, 16))
		}
	}
	textEnd := l.cursor

	for _, s := range defined {
		if s.Type != elf.STT_FUNC && s.Type != elf.STT_TLS {
			img.Symbols[s.Name] = l.take(max(s.Size, 1), 8)
		}
	}
	for _, name := range b.slots {
		img.Slots[name] = l.take(8, 8)
	}
	if njmp > 0 {
		img.GOT = l.take((3+njmp)*8, 8)
		for i := range b.jumpSlots {
			img.GOTSlots = append(img.GOTSlots, img.GOT+uint64(3+i)*8)
		}
	}
	initAt := l.take(uint64(len(b.initArray))*8, 8)
	preinitAt := l.take(uint64(len(b.preinitArray))*8, 8)

	if tlsSize > 0 {
		img.TLS = l.take(0, tlsAlign)
		var off uint64
		for _, s := range defined {
			if s.Type == elf.STT_TLS {
				off = elfdyn.AlignUp(off, 8)
				img.Symbols[s.Name] = off
				off += s.Size
			}
		}
		img.TLSSize = tlsSize
		l.take(tlsSize, 1)
	}

	dyn := b.dynamicEntries(addString, strOffAt, uint64(strtab.Len()), symtabAt, hashAt, relaAt, nrela, jmprelAt, njmp, img, initAt, preinitAt)
	img.Dynamic = l.take(uint64(len(dyn)+1)*elfdyn.DynSize, 8)
	end := l.cursor

	for _, name := range []string{b.entry, b.initFunc} {
		if _, ok := img.Symbols[name]; name != "" && !ok {
			return nil, fmt.Errorf("elftest: function %q is not defined", name)
		}
	}

	out := make([]byte, end)
	put := func(at uint64, data []byte) { copy(out[at:], data) }

	// headers
	hdr := elfdyn.Ehdr{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		PhOff:     phdrOff,
		EhSize:    elfdyn.EhdrSize,
		PhEntSize: elfdyn.PhdrSize,
		PhNum:     uint16(nphdr),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if b.entry != "" {
		hdr.Entry = img.Symbols[b.entry]
		img.Entry = hdr.Entry
	}
	put(0, hdr.Append(nil))

	phdrs := []elfdyn.Phdr{
		{Type: uint32(elf.PT_PHDR), Flags: uint32(elf.PF_R), Offset: phdrOff, VAddr: phdrOff, PAddr: phdrOff, FileSize: nphdr * elfdyn.PhdrSize, MemSize: nphdr * elfdyn.PhdrSize, Align: 8},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W | elf.PF_X), FileSize: end, MemSize: end, Align: pageAlign},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Offset: img.Dynamic, VAddr: img.Dynamic, PAddr: img.Dynamic, FileSize: uint64(len(dyn)+1) * elfdyn.DynSize, MemSize: uint64(len(dyn)+1) * elfdyn.DynSize, Align: 8},
	}
	if tlsSize > 0 {
		phdrs = append(phdrs, elfdyn.Phdr{Type: uint32(elf.PT_TLS), Flags: uint32(elf.PF_R), Offset: img.TLS, VAddr: img.TLS, PAddr: img.TLS, FileSize: tlsSize, MemSize: tlsSize, Align: tlsAlign})
	}
	var phbuf []byte
	for _, ph := range phdrs {
		phbuf = ph.Append(phbuf)
	}
	put(phdrOff, phbuf)
	img.Phdr = phdrOff
	img.PhNum = len(phdrs)

	put(strOffAt, strtab.Bytes())

	// symbol table
	var symbuf []byte
	for i, s := range ordered {
		if i == 0 {
			symbuf = elfdyn.Sym{}.Append(symbuf)
			continue
		}
		typ := s.Type
		sym := elfdyn.Sym{
			Name:  strOff[s.Name],
			Info:  elf.ST_INFO(s.Bind, typ),
			Other: uint8(s.Visibility),
			Size:  s.Size,
		}
		if !s.Undefined {
			sym.Shndx = 1
			sym.Val = img.Symbols[s.Name]
		}
		symbuf = sym.Append(symbuf)
	}
	put(symtabAt, symbuf)

	if b.gnuHash {
		put(hashAt, gnuHashTable(ordered, symOffset, nbuckets))
	} else {
		put(hashAt, sysvHashTable(ordered, nbuckets))
	}

	// relocations
	var relabuf []byte
	for _, r := range b.relocs {
		var idx uint32
		if r.sym != "" {
			idx = img.SymbolIndex[r.sym]
		}
		offset := img.Slots[r.slot]
		if r.copyOf != "" {
			offset = img.Symbols[r.copyOf]
		}
		relabuf = elfdyn.NewRela(offset, idx, r.typ, r.addend).Append(relabuf)
	}
	for i, name := range b.initArray {
		relabuf = elfdyn.NewRela(initAt+uint64(i)*8, 0, elf.R_X86_64_RELATIVE, int64(img.Symbols[name])).Append(relabuf)
	}
	for i, name := range b.preinitArray {
		relabuf = elfdyn.NewRela(preinitAt+uint64(i)*8, 0, elf.R_X86_64_RELATIVE, int64(img.Symbols[name])).Append(relabuf)
	}
	put(relaAt, relabuf)

	var jmpbuf []byte
	for i, name := range b.jumpSlots {
		jmpbuf = elfdyn.NewRela(img.GOTSlots[i], img.SymbolIndex[name], elf.R_X86_64_JMP_SLOT, 0).Append(jmpbuf)
	}
	put(jmprelAt, jmpbuf)

	// text: functions return immediately
	for at := textAt; at < textEnd; at++ {
		out[at] = 0xcc
	}
	for _, s := range defined {
		if s.Type == elf.STT_FUNC {
			out[img.Symbols[s.Name]] = 0xc3
		}
	}
	if njmp > 0 {
		put(img.PLT0, plt0(img.PLT0, img.GOT))
		for i := range b.jumpSlots {
			put(img.PLT[i], pltEntry(img.PLT[i], img.GOTSlots[i], uint32(i), img.PLT0))
			var word [8]byte
			putUint64(word[:], img.PLT[i]+6)
			put(img.GOTSlots[i], word[:])
		}
	}

	// data and TLS template
	for _, s := range defined {
		if s.Type == elf.STT_FUNC || len(s.Data) == 0 {
			continue
		}
		at := img.Symbols[s.Name]
		if s.Type == elf.STT_TLS {
			at += img.TLS
		}
		put(at, s.Data)
	}

	var dynbuf []byte
	for _, d := range dyn {
		dynbuf = d.Append(dynbuf)
	}
	dynbuf = elfdyn.Dyn{Tag: elf.DT_NULL}.Append(dynbuf)
	put(img.Dynamic, dynbuf)

	img.Data = out
	return img, nil
}

func (b *Builder) dynamicEntries(addString func(string) uint32, strtab, strsz, symtab, hash, rela, nrela, jmprel, njmp uint64, img *Image, initAt, preinitAt uint64) []elfdyn.Dyn {
	var dyn []elfdyn.Dyn
	add := func(tag elf.DynTag, val uint64) { dyn = append(dyn, elfdyn.Dyn{Tag: tag, Val: val}) }

	for _, n := range b.needed {
		add(elf.DT_NEEDED, uint64(addString(n)))
	}
	if b.soname != "" {
		add(elf.DT_SONAME, uint64(addString(b.soname)))
	}
	if b.gnuHash {
		add(elf.DT_GNU_HASH, hash)
	} else {
		add(elf.DT_HASH, hash)
	}
	add(elf.DT_STRTAB, strtab)
	add(elf.DT_STRSZ, strsz)
	add(elf.DT_SYMTAB, symtab)
	add(elf.DT_SYMENT, elfdyn.SymSize)
	if nrela > 0 {
		add(elf.DT_RELA, rela)
		add(elf.DT_RELASZ, nrela*elfdyn.RelaSize)
		add(elf.DT_RELAENT, elfdyn.RelaSize)
	}
	if njmp > 0 {
		add(elf.DT_JMPREL, jmprel)
		add(elf.DT_PLTRELSZ, njmp*elfdyn.RelaSize)
		add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		add(elf.DT_PLTGOT, img.GOT)
	}
	if b.initFunc != "" {
		add(elf.DT_INIT, img.Symbols[b.initFunc])
	}
	if len(b.initArray) > 0 {
		add(elf.DT_INIT_ARRAY, initAt)
		add(elf.DT_INIT_ARRAYSZ, uint64(len(b.initArray))*8)
	}
	if len(b.preinitArray) > 0 {
		add(elf.DT_PREINIT_ARRAY, preinitAt)
		add(elf.DT_PREINIT_ARRAYSZ, uint64(len(b.preinitArray))*8)
	}
	if b.bindNow {
		add(elf.DT_FLAGS, uint64(elf.DF_BIND_NOW))
	}
	return append(dyn, b.extra...)
}

func sysvHashTable(syms []Symbol, nbucket uint32) []byte {
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, len(syms))
	for i := 1; i < len(syms); i++ {
		h := elfdyn.SysVHash(syms[i].Name) % nbucket
		// prepend to the bucket's chain
		chains[i] = buckets[h]
		buckets[h] = uint32(i)
	}
	out := appendUint32(nil, nbucket, uint32(len(syms)))
	out = appendUint32(out, buckets...)
	return appendUint32(out, chains...)
}

func gnuHashTable(syms []Symbol, symOffset, nbuckets uint32) []byte {
	const bloomShift = 6
	var bloom uint64
	buckets := make([]uint32, nbuckets)
	chains := make([]uint32, 0, len(syms)-int(symOffset))
	for i := int(symOffset); i < len(syms); i++ {
		h := elfdyn.GNUHash(syms[i].Name)
		bloom |= uint64(1)<<(h%64) | uint64(1)<<((h>>bloomShift)%64)
		b := h % nbuckets
		if buckets[b] == 0 {
			buckets[b] = uint32(i)
		}
		last := i+1 == len(syms) || elfdyn.GNUHash(syms[i+1].Name)%nbuckets != b
		if last {
			h |= 1
		} else {
			h &^= 1
		}
		chains = append(chains, h)
	}
	out := appendUint32(nil, nbuckets, symOffset, 1, bloomShift)
	var word [8]byte
	putUint64(word[:], bloom)
	out = append(out, word[:]...)
	out = appendUint32(out, buckets...)
	return appendUint32(out, chains...)
}

func plt0(at, got uint64) []byte {
	// pushq GOT+8(%rip); jmpq *GOT+16(%rip); nopl 0(%rax)
	disp := int32(int64(got+8) - int64(at+6))
	out := []byte{0xff, 0x35, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	out = append(out, pltscan.Encode(at+6, got+16)...)
	return append(out, 0x0f, 0x1f, 0x40, 0x00)
}

func pltEntry(at, slot uint64, index uint32, plt0 uint64) []byte {
	out := pltscan.Encode(at, slot)
	out = append(out, 0x68)
	out = appendUint32(out, index)
	rel := int32(int64(plt0) - int64(at+16))
	out = append(out, 0xe9)
	return appendUint32(out, uint32(rel))
}

func appendUint32(b []byte, vs ...uint32) []byte {
	for _, v := range vs {
		b = append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return b
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
