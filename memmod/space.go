// Package memmod owns the virtual memory a loader session maps images into.
//
// A Space hands out anonymous regions and proves every access lies inside a
// mapped region with suitable protection before it touches memory. Addresses
// are the real addresses of the backing mappings.
package memmod

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRW  = ProtRead | ProtWrite
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

var (
	ErrUnmapped     = errors.New("memmod: address is not mapped")
	ErrProtection   = errors.New("memmod: access violates page protection")
	ErrMisaligned   = errors.New("memmod: misaligned atomic access")
	ErrEmptyMapping = errors.New("memmod: empty mapping")
)

// AccessError describes a rejected access.
type AccessError struct {
	Op   string
	Addr uint64
	Size uint64
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("memmod: %s [%#x, %#x): %v", e.Op, e.Addr, e.Addr+e.Size, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

type Region struct {
	Name string
	Base uint64

	mem  []byte
	prot []Prot
}

func (r *Region) Size() uint64 { return uint64(len(r.mem)) }

func (r *Region) End() uint64 { return r.Base + r.Size() }

func (r *Region) contains(addr, n uint64) bool {
	return addr >= r.Base && n <= r.Size() && addr-r.Base <= r.Size()-n
}

type RegionInfo struct {
	Name string
	Base uint64
	Size uint64
}

type Space struct {
	mu       sync.RWMutex
	pageSize uint64
	regions  []*Region
}

func NewSpace() *Space {
	return &Space{pageSize: hostPageSize()}
}

func (s *Space) PageSize() uint64 { return s.pageSize }

// Map reserves a zero-filled region of at least size bytes, rounded up to
// whole pages.
func (s *Space) Map(size uint64, prot Prot, name string) (*Region, error) {
	if size == 0 {
		return nil, ErrEmptyMapping
	}
	size = alignUp(size, s.pageSize)
	mem, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("memmod: map %d bytes for %s: %w", size, name, err)
	}
	region := &Region{
		Name: name,
		Base: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		mem:  mem,
		prot: make([]Prot, size/s.pageSize),
	}
	for i := range region.prot {
		region.prot[i] = ProtRW
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Base > region.Base })
	s.regions = append(s.regions, nil)
	copy(s.regions[idx+1:], s.regions[idx:])
	s.regions[idx] = region

	if prot != ProtRW {
		if err := s.protectLocked(region, region.Base, size, prot); err != nil {
			return nil, err
		}
	}
	return region, nil
}

// Unmap releases the region starting at base.
func (s *Space) Unmap(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, region := range s.regions {
		if region.Base != base {
			continue
		}
		s.regions = append(s.regions[:i], s.regions[i+1:]...)
		if err := release(region.mem); err != nil {
			return fmt.Errorf("memmod: unmap %s: %w", region.Name, err)
		}
		region.mem = nil
		return nil
	}
	return &AccessError{Op: "unmap", Addr: base, Err: ErrUnmapped}
}

// Protect changes the protection of every page overlapping [addr, addr+size).
func (s *Space) Protect(addr, size uint64, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	region := s.lookupLocked(addr, size)
	if region == nil {
		return &AccessError{Op: "protect", Addr: addr, Size: size, Err: ErrUnmapped}
	}
	return s.protectLocked(region, addr, size, prot)
}

func (s *Space) protectLocked(region *Region, addr, size uint64, prot Prot) error {
	start := alignDown(addr-region.Base, s.pageSize)
	end := alignUp(addr-region.Base+size, s.pageSize)
	if end > region.Size() {
		end = region.Size()
	}
	if end <= start {
		return nil
	}
	if err := protect(region.mem[start:end], prot); err != nil {
		return fmt.Errorf("memmod: protect %s: %w", region.Name, err)
	}
	for page := start / s.pageSize; page < end/s.pageSize; page++ {
		region.prot[page] = prot
	}
	return nil
}

func (s *Space) lookupLocked(addr, n uint64) *Region {
	idx := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Base > addr })
	if idx == 0 {
		return nil
	}
	region := s.regions[idx-1]
	if !region.contains(addr, n) {
		return nil
	}
	return region
}

// Contains reports whether [addr, addr+n) lies inside one mapped region.
func (s *Space) Contains(addr, n uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(addr, n) != nil
}

// RegionOf returns the region holding addr.
func (s *Space) RegionOf(addr uint64) (RegionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	region := s.lookupLocked(addr, 1)
	if region == nil {
		return RegionInfo{}, false
	}
	return RegionInfo{Name: region.Name, Base: region.Base, Size: region.Size()}, true
}

func (s *Space) Regions() []RegionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegionInfo, 0, len(s.regions))
	for _, region := range s.regions {
		out = append(out, RegionInfo{Name: region.Name, Base: region.Base, Size: region.Size()})
	}
	return out
}

// slice returns the backing bytes of [addr, addr+n) after checking that
// every page it touches grants want.
func (s *Space) slice(op string, addr, n uint64, want Prot) ([]byte, error) {
	region := s.lookupLocked(addr, n)
	if region == nil {
		return nil, &AccessError{Op: op, Addr: addr, Size: n, Err: ErrUnmapped}
	}
	off := addr - region.Base
	if n > 0 {
		for page := off / s.pageSize; page <= (off+n-1)/s.pageSize; page++ {
			if region.prot[page]&want != want {
				return nil, &AccessError{Op: op, Addr: addr, Size: n, Err: ErrProtection}
			}
		}
	}
	return region.mem[off : off+n], nil
}

// Read returns a copy of n bytes at addr.
func (s *Space) Read(addr, n uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice("read", addr, n, ProtRead)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

func (s *Space) Write(addr uint64, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice("write", addr, uint64(len(data)), ProtWrite)
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Copy moves n bytes from src to dst; the ranges may belong to different
// regions.
func (s *Space) Copy(dst, src, n uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, err := s.slice("read", src, n, ProtRead)
	if err != nil {
		return err
	}
	to, err := s.slice("write", dst, n, ProtWrite)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (s *Space) Load32(addr uint64) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice("read", addr, 4, ProtRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Load64 reads a word; aligned words are loaded atomically.
func (s *Space) Load64(addr uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice("read", addr, 8, ProtRead)
	if err != nil {
		return 0, err
	}
	if addr%8 == 0 {
		return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0]))), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (s *Space) Store64(addr, v uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice("write", addr, 8, ProtWrite)
	if err != nil {
		return err
	}
	if addr%8 == 0 {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
		return nil
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// AtomicStore64 publishes v with a single 8-byte store. Unaligned words are
// rejected rather than torn.
func (s *Space) AtomicStore64(addr, v uint64) error {
	if addr%8 != 0 {
		return &AccessError{Op: "atomic store", Addr: addr, Size: 8, Err: ErrMisaligned}
	}
	return s.Store64(addr, v)
}

// CString reads a NUL-terminated string at addr, bounded by its region.
func (s *Space) CString(addr uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	region := s.lookupLocked(addr, 1)
	if region == nil {
		return "", &AccessError{Op: "read string", Addr: addr, Size: 1, Err: ErrUnmapped}
	}
	start := addr - region.Base
	for off := start; off < region.Size(); {
		page := off / s.pageSize
		if region.prot[page]&ProtRead == 0 {
			return "", &AccessError{Op: "read string", Addr: addr, Size: off - start + 1, Err: ErrProtection}
		}
		limit := min((page+1)*s.pageSize, region.Size())
		if end := bytes.IndexByte(region.mem[off:limit], 0); end >= 0 {
			return string(region.mem[start : off+uint64(end)]), nil
		}
		off = limit
	}
	return "", fmt.Errorf("memmod: string at %#x runs past end of %s", addr, region.Name)
}

func alignDown(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}
