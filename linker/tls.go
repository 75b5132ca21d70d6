package linker

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/memmod"
)

// TCBSize is the thread control block reserved above the thread pointer.
// Its first word points to itself, as x86-64 code reads %fs:0.
const TCBSize = 64

var (
	ErrUnknownTLSModule = errors.New("unknown TLS module")
	ErrNoInitialTLS     = errors.New("module does not use the initial TLS model")
)

// TLSIndex mirrors the tls_index pair passed to __tls_get_addr.
type TLSIndex struct {
	Module uint64
	Offset uint64
}

// ThreadPointer supplies the value of the thread pointer register.
type ThreadPointer interface {
	ThreadPointer() uint64
}

// TLSMap assigns TLS module IDs and initial-block offsets. Offsets follow
// variant II: blocks sit below the thread pointer at negative offsets.
type TLSMap struct {
	mu           sync.RWMutex
	initialSize  uint64
	initialAlign uint64
	// slots[i] holds module ID i+1. IDs are never reused.
	slots []*SharedObject
}

func NewTLSMap() *TLSMap {
	return &TLSMap{initialAlign: 16}
}

// Assign gives obj a module ID and, for initial-model modules, a thread
// pointer offset. Objects without a TLS segment are left alone.
func (m *TLSMap) Assign(obj *SharedObject, initial bool) {
	if !obj.HasTLS() || obj.TLSModuleID != 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots = append(m.slots, obj)
	obj.TLSModuleID = uint64(len(m.slots))
	if !initial {
		obj.TLSModel = TLSModelDynamic
		return
	}
	align := max(obj.TLSAlign, 1)
	m.initialSize = elfdyn.AlignUp(m.initialSize+obj.TLSSize, align)
	m.initialAlign = max(m.initialAlign, align)
	obj.TLSOffset = -int64(m.initialSize)
	obj.TLSModel = TLSModelInitial
}

// truncate drops module IDs above n. Only dynamic-model assignments made by
// the most recent session are ever withdrawn.
func (m *TLSMap) truncate(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.slots[n:] {
		obj.TLSModuleID = 0
		obj.TLSModel = TLSModelNone
	}
	m.slots = m.slots[:n]
}

func (m *TLSMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

func (m *TLSMap) InitialSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialSize
}

func (m *TLSMap) InitialAlign() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialAlign
}

func (m *TLSMap) Module(id uint64) (*SharedObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == 0 || id > uint64(len(m.slots)) {
		return nil, false
	}
	return m.slots[id-1], true
}

func (m *TLSMap) Modules() []*SharedObject {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.slots)
}

// InitialAddress is the thread-local address of idx for the thread whose
// pointer tp reports. Only initial-model modules have one.
func (m *TLSMap) InitialAddress(tp ThreadPointer, idx TLSIndex) (uint64, error) {
	obj, ok := m.Module(idx.Module)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTLSModule, idx.Module)
	}
	if obj.TLSModel != TLSModelInitial {
		return 0, fmt.Errorf("%w: %s", ErrNoInitialTLS, obj.Name)
	}
	return uint64(int64(tp.ThreadPointer())+obj.TLSOffset) + idx.Offset, nil
}

// Thread is the TLS area of one thread: the initial block and TCB in one
// region, plus dynamic-model blocks allocated on first access.
type Thread struct {
	tls    *TLSMap
	space  *memmod.Space
	region uint64
	tp     uint64

	mu     sync.Mutex
	blocks map[uint64]uint64
}

func (t *Thread) ThreadPointer() uint64 { return t.tp }

// SetupThread allocates a thread's initial TLS block and TCB and copies
// every initial-model module's TLS image into place.
func (m *TLSMap) SetupThread(space *memmod.Space) (*Thread, error) {
	m.mu.RLock()
	size, align := m.initialSize, m.initialAlign
	var modules []*SharedObject
	for _, obj := range m.slots {
		if obj.TLSModel == TLSModelInitial {
			modules = append(modules, obj)
		}
	}
	m.mu.RUnlock()

	if align > space.PageSize() {
		return nil, fmt.Errorf("TLS alignment %d exceeds page size", align)
	}
	blockSize := elfdyn.AlignUp(size, align)
	region, err := space.Map(blockSize+TCBSize, memmod.ProtRW, "tls")
	if err != nil {
		return nil, fmt.Errorf("allocate TCB: %w", err)
	}
	t := &Thread{
		tls:    m,
		space:  space,
		region: region.Base,
		tp:     region.Base + blockSize,
		blocks: map[uint64]uint64{},
	}
	if err := space.Store64(t.tp, t.tp); err != nil {
		return nil, err
	}
	for _, obj := range modules {
		if obj.TLSImageSize == 0 {
			continue
		}
		dst := uint64(int64(t.tp) + obj.TLSOffset)
		if err := space.Copy(dst, obj.TLSImage, obj.TLSImageSize); err != nil {
			return nil, fmt.Errorf("copy TLS image of %s: %w", obj.Name, err)
		}
	}
	return t, nil
}

// TLSAddress returns the address of idx in this thread. Dynamic-model
// blocks are allocated and initialized the first time they are touched.
func (t *Thread) TLSAddress(idx TLSIndex) (uint64, error) {
	obj, ok := t.tls.Module(idx.Module)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTLSModule, idx.Module)
	}
	if obj.TLSModel == TLSModelInitial {
		return t.tls.InitialAddress(t, idx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	block, ok := t.blocks[idx.Module]
	if !ok {
		region, err := t.space.Map(max(obj.TLSSize, 1), memmod.ProtRW, "tls:"+obj.Name)
		if err != nil {
			return 0, fmt.Errorf("allocate TLS block of %s: %w", obj.Name, err)
		}
		if obj.TLSImageSize > 0 {
			if err := t.space.Copy(region.Base, obj.TLSImage, obj.TLSImageSize); err != nil {
				return 0, fmt.Errorf("copy TLS image of %s: %w", obj.Name, err)
			}
		}
		block = region.Base
		t.blocks[idx.Module] = block
	}
	return block + idx.Offset, nil
}
