package linker

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/memmod"
)

// Image is an ELF file mapped into a Space.
type Image struct {
	Name    string
	Region  uint64
	Base    uint64
	Entry   uint64
	Phdr    uint64
	PhEnt   uint64
	PhNum   uint64
	Dynamic uint64
	Type    elf.Type
	Phdrs   []elfdyn.Phdr

	phoff uint64
}

// MapImage validates an ELF64 x86-64 position-independent image and maps
// its PT_LOAD segments into space. Fixed-address ET_EXEC images are
// rejected because anonymous mappings cannot be placed at a chosen address.
func MapImage(space *memmod.Space, name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty ELF image")
	}
	hdr, err := elfdyn.DecodeEhdr(data)
	if err != nil {
		return nil, fmt.Errorf("invalid ELF image: %w", err)
	}
	if err := hdr.Validate(elf.ET_DYN); err != nil {
		return nil, err
	}
	if hdr.PhOff > uint64(len(data)) {
		return nil, errors.New("program header table outside file")
	}
	phdrs, err := elfdyn.DecodePhdrs(data[hdr.PhOff:], int(hdr.PhEntSize), int(hdr.PhNum))
	if err != nil {
		return nil, fmt.Errorf("decode program headers: %w", err)
	}

	var (
		minVM uint64 = math.MaxUint64
		maxVM uint64
	)
	for _, ph := range phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD || ph.MemSize == 0 {
			continue
		}
		if ph.FileSize > ph.MemSize {
			return nil, fmt.Errorf("segment at %#x has filesz > memsz", ph.VAddr)
		}
		minVM = min(minVM, ph.VAddr)
		maxVM = max(maxVM, ph.VAddr+ph.MemSize)
	}
	if minVM == math.MaxUint64 || maxVM <= minVM {
		return nil, errors.New("failed to analyze ELF VM layout")
	}

	pageSize := space.PageSize()
	minVM = elfdyn.AlignDown(minVM, pageSize)
	maxVM = elfdyn.AlignUp(maxVM, pageSize)
	region, err := space.Map(maxVM-minVM, memmod.ProtRW, name)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate mapped image space: %w", err)
	}
	img := &Image{
		Name:   name,
		Region: region.Base,
		Base:   region.Base - minVM,
		Type:   elf.Type(hdr.Type),
		PhEnt:  uint64(hdr.PhEntSize),
		PhNum:  uint64(hdr.PhNum),
		Phdrs:  phdrs,
		phoff:  hdr.PhOff,
	}
	if err := img.load(space, data, pageSize); err != nil {
		_ = space.Unmap(region.Base)
		return nil, err
	}
	if hdr.Entry != 0 {
		img.Entry = img.Base + hdr.Entry
	}
	return img, nil
}

func (img *Image) load(space *memmod.Space, data []byte, pageSize uint64) error {
	pageProt := map[uint64]memmod.Prot{}
	for _, ph := range img.Phdrs {
		switch elf.ProgType(ph.Type) {
		case elf.PT_LOAD:
			if ph.FileSize > 0 {
				if ph.Offset > uint64(len(data)) || ph.FileSize > uint64(len(data))-ph.Offset {
					return fmt.Errorf("segment at %#x extends past end of file", ph.VAddr)
				}
				if err := space.Write(img.Base+ph.VAddr, data[ph.Offset:ph.Offset+ph.FileSize]); err != nil {
					return fmt.Errorf("copy segment at %#x: %w", ph.VAddr, err)
				}
			}
			if img.Phdr == 0 && ph.Offset <= img.phoff && img.phoff < ph.Offset+ph.FileSize {
				img.Phdr = img.Base + ph.VAddr + (img.phoff - ph.Offset)
			}
			prot := segmentProt(ph.Flags)
			start := elfdyn.AlignDown(img.Base+ph.VAddr, pageSize)
			end := elfdyn.AlignUp(img.Base+ph.VAddr+ph.MemSize, pageSize)
			for page := start; page < end; page += pageSize {
				pageProt[page] |= prot
			}
		case elf.PT_PHDR:
			img.Phdr = img.Base + ph.VAddr
		case elf.PT_DYNAMIC:
			img.Dynamic = img.Base + ph.VAddr
		}
	}
	for page, prot := range pageProt {
		if prot == memmod.ProtRW || prot == memmod.ProtRWX {
			continue
		}
		if err := space.Protect(page, pageSize, prot); err != nil {
			return err
		}
	}
	return nil
}

func segmentProt(flags uint32) memmod.Prot {
	var prot memmod.Prot
	if elf.ProgFlag(flags)&elf.PF_R != 0 {
		prot |= memmod.ProtRead
	}
	if elf.ProgFlag(flags)&elf.PF_W != 0 {
		prot |= memmod.ProtWrite
	}
	if elf.ProgFlag(flags)&elf.PF_X != 0 {
		prot |= memmod.ProtExec
	}
	return prot
}
