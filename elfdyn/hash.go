package elfdyn

import (
	"errors"
	"fmt"
)

var ErrEmptyHashTable = errors.New("elfdyn: hash table has no buckets")

// SysVHash is the classic ELF symbol hash (DT_HASH).
func SysVHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// GNUHash is the DJB-derived hash used by DT_GNU_HASH.
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// SymbolTable is a symbol hash index. Lookup calls match for every candidate
// symbol index whose hash fits name until match accepts one.
type SymbolTable interface {
	Lookup(name string, match func(idx uint32) bool) (uint32, bool)
	// SymbolCount is the number of entries in the dynamic symbol table.
	SymbolCount() uint32
}

type SysVTable struct {
	Buckets []uint32
	Chains  []uint32
}

func LoadSysVTable(mem Memory, addr uint64) (*SysVTable, error) {
	hdr, err := mem.Read(addr, 8)
	if err != nil {
		return nil, fmt.Errorf("read DT_HASH header: %w", err)
	}
	nbucket, nchain := le.Uint32(hdr), le.Uint32(hdr[4:])
	if nbucket == 0 {
		return nil, ErrEmptyHashTable
	}
	words, err := mem.Read(addr+8, 4*(uint64(nbucket)+uint64(nchain)))
	if err != nil {
		return nil, fmt.Errorf("read DT_HASH body: %w", err)
	}
	t := &SysVTable{
		Buckets: make([]uint32, nbucket),
		Chains:  make([]uint32, nchain),
	}
	for i := range t.Buckets {
		t.Buckets[i] = le.Uint32(words[4*i:])
	}
	for i := range t.Chains {
		t.Chains[i] = le.Uint32(words[4*(int(nbucket)+i):])
	}
	return t, nil
}

func (t *SysVTable) Lookup(name string, match func(idx uint32) bool) (uint32, bool) {
	h := SysVHash(name)
	idx := t.Buckets[h%uint32(len(t.Buckets))]
	for steps := 0; idx != 0 && steps < len(t.Chains); steps++ {
		if match(idx) {
			return idx, true
		}
		if int(idx) >= len(t.Chains) {
			break
		}
		idx = t.Chains[idx]
	}
	return 0, false
}

// SymbolCount is nchain, which equals the number of dynamic symbols.
func (t *SysVTable) SymbolCount() uint32 {
	return uint32(len(t.Chains))
}

type GNUTable struct {
	SymOffset  uint32
	BloomShift uint32
	Bloom      []uint64
	Buckets    []uint32
	// Chains holds one hash per symbol starting at SymOffset.
	Chains []uint32
}

func LoadGNUTable(mem Memory, addr uint64) (*GNUTable, error) {
	hdr, err := mem.Read(addr, 16)
	if err != nil {
		return nil, fmt.Errorf("read DT_GNU_HASH header: %w", err)
	}
	nbuckets := le.Uint32(hdr)
	t := &GNUTable{
		SymOffset:  le.Uint32(hdr[4:]),
		BloomShift: le.Uint32(hdr[12:]),
		Bloom:      make([]uint64, le.Uint32(hdr[8:])),
		Buckets:    make([]uint32, nbuckets),
	}
	if nbuckets == 0 || len(t.Bloom) == 0 {
		return nil, ErrEmptyHashTable
	}

	off := addr + 16
	bloom, err := mem.Read(off, 8*uint64(len(t.Bloom)))
	if err != nil {
		return nil, fmt.Errorf("read DT_GNU_HASH bloom filter: %w", err)
	}
	for i := range t.Bloom {
		t.Bloom[i] = le.Uint64(bloom[8*i:])
	}
	off += 8 * uint64(len(t.Bloom))

	buckets, err := mem.Read(off, 4*uint64(nbuckets))
	if err != nil {
		return nil, fmt.Errorf("read DT_GNU_HASH buckets: %w", err)
	}
	maxIdx := uint32(0)
	for i := range t.Buckets {
		t.Buckets[i] = le.Uint32(buckets[4*i:])
		maxIdx = max(maxIdx, t.Buckets[i])
	}
	off += 4 * uint64(nbuckets)

	// The chain array has no stored length; it ends at the last entry of
	// the highest bucket's chain, marked by its low bit.
	if maxIdx < t.SymOffset {
		return t, nil
	}
	for idx := t.SymOffset; ; idx++ {
		w, err := mem.Read(off+4*uint64(idx-t.SymOffset), 4)
		if err != nil {
			return nil, fmt.Errorf("read DT_GNU_HASH chain: %w", err)
		}
		h := le.Uint32(w)
		t.Chains = append(t.Chains, h)
		if idx >= maxIdx && h&1 != 0 {
			break
		}
	}
	return t, nil
}

func (t *GNUTable) Lookup(name string, match func(idx uint32) bool) (uint32, bool) {
	h := GNUHash(name)

	word := t.Bloom[(h/64)%uint32(len(t.Bloom))]
	mask := uint64(1)<<(h%64) | uint64(1)<<((h>>t.BloomShift)%64)
	if word&mask != mask {
		return 0, false
	}

	idx := t.Buckets[h%uint32(len(t.Buckets))]
	if idx < t.SymOffset {
		return 0, false
	}
	for {
		pos := idx - t.SymOffset
		if int(pos) >= len(t.Chains) {
			return 0, false
		}
		h2 := t.Chains[pos]
		if h|1 == h2|1 && match(idx) {
			return idx, true
		}
		if h2&1 != 0 {
			return 0, false
		}
		idx++
	}
}

func (t *GNUTable) SymbolCount() uint32 {
	return t.SymOffset + uint32(len(t.Chains))
}
