package rtld

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/memmod"
)

// AuxTag is the key of an auxiliary vector entry.
type AuxTag uint64

const (
	AT_NULL   AuxTag = 0
	AT_PHDR   AuxTag = 3
	AT_PHENT  AuxTag = 4
	AT_PHNUM  AuxTag = 5
	AT_PAGESZ AuxTag = 6
	AT_BASE   AuxTag = 7
	AT_ENTRY  AuxTag = 9
	AT_EXECFN AuxTag = 31
)

func (t AuxTag) String() string {
	switch t {
	case AT_NULL:
		return "AT_NULL"
	case AT_PHDR:
		return "AT_PHDR"
	case AT_PHENT:
		return "AT_PHENT"
	case AT_PHNUM:
		return "AT_PHNUM"
	case AT_PAGESZ:
		return "AT_PAGESZ"
	case AT_BASE:
		return "AT_BASE"
	case AT_ENTRY:
		return "AT_ENTRY"
	case AT_EXECFN:
		return "AT_EXECFN"
	default:
		return fmt.Sprintf("AT_%d", uint64(t))
	}
}

// maxStackWords bounds the walk over an entry stack read from memory.
const maxStackWords = 1 << 20

var (
	ErrMissingPhdr         = errors.New("auxiliary vector has no AT_PHDR")
	ErrMissingEntry        = errors.New("auxiliary vector has no AT_ENTRY")
	ErrTruncatedStack      = errors.New("entry stack ends before the auxiliary vector terminator")
	ErrArgvNotTerminated   = errors.New("argument vector is not NULL terminated")
	ErrOversizedEntryStack = errors.New("entry stack is too large")
)

// Auxv holds the auxiliary vector entries the loader acts on. Values keeps
// every entry, including ones without a named field; later duplicates win.
type Auxv struct {
	Phdr     uint64
	PhEnt    uint64
	PhNum    uint64
	Entry    uint64
	Base     uint64
	PageSize uint64
	ExecFn   uint64
	Values   map[AuxTag]uint64
}

// stackLayout is an entry stack split into its blocks.
type stackLayout struct {
	argv []uint64
	envp []uint64
	aux  Auxv
}

// ParseAuxv skips argc, the argument vector and the environment block of
// an entry stack and decodes the auxiliary vector that follows. words
// starts at the stack pointer. A vector without AT_PHDR or AT_ENTRY is
// fatal.
func ParseAuxv(words []uint64) (Auxv, error) {
	layout, err := splitStack(words)
	if err != nil {
		return Auxv{}, err
	}
	return layout.aux, nil
}

func splitStack(words []uint64) (stackLayout, error) {
	var layout stackLayout
	if len(words) == 0 {
		return layout, stackError(ErrTruncatedStack)
	}
	argc := words[0]
	if argc >= uint64(len(words)) {
		return layout, stackError(ErrTruncatedStack)
	}
	i := 1 + int(argc)
	if i >= len(words) {
		return layout, stackError(ErrTruncatedStack)
	}
	layout.argv = words[1:i]
	if words[i] != 0 {
		return layout, stackError(ErrArgvNotTerminated)
	}
	i++

	envStart := i
	for i < len(words) && words[i] != 0 {
		i++
	}
	if i >= len(words) {
		return layout, stackError(ErrTruncatedStack)
	}
	layout.envp = words[envStart:i]
	i++

	aux := Auxv{Values: map[AuxTag]uint64{}}
	for {
		if i >= len(words) {
			return layout, stackError(ErrTruncatedStack)
		}
		tag := AuxTag(words[i])
		if tag == AT_NULL {
			break
		}
		if i+1 >= len(words) {
			return layout, stackError(ErrTruncatedStack)
		}
		value := words[i+1]
		aux.Values[tag] = value
		switch tag {
		case AT_PHDR:
			aux.Phdr = value
		case AT_PHENT:
			aux.PhEnt = value
		case AT_PHNUM:
			aux.PhNum = value
		case AT_ENTRY:
			aux.Entry = value
		case AT_BASE:
			aux.Base = value
		case AT_PAGESZ:
			aux.PageSize = value
		case AT_EXECFN:
			aux.ExecFn = value
		}
		i += 2
	}
	if aux.Phdr == 0 {
		return layout, stackError(ErrMissingPhdr)
	}
	if aux.Entry == 0 {
		return layout, stackError(ErrMissingEntry)
	}
	layout.aux = aux
	return layout, nil
}

func stackError(err error) error {
	return &linker.FatalError{Op: "parse entry stack", Err: err}
}

// EntryStack is an entry stack decoded from memory.
type EntryStack struct {
	Pointer uint64
	Args    []string
	Env     []string
	Auxv    Auxv
}

// ParseEntryStack reads the entry stack at sp out of space and recovers
// argv and envp along with the auxiliary vector.
func ParseEntryStack(space *memmod.Space, sp uint64) (*EntryStack, error) {
	words, err := readStackWords(space, sp)
	if err != nil {
		return nil, err
	}
	layout, err := splitStack(words)
	if err != nil {
		return nil, err
	}
	stack := &EntryStack{Pointer: sp, Auxv: layout.aux}
	for _, ptr := range layout.argv {
		s, err := space.CString(ptr)
		if err != nil {
			return nil, fmt.Errorf("rtld: read argument string: %w", err)
		}
		stack.Args = append(stack.Args, s)
	}
	for _, ptr := range layout.envp {
		s, err := space.CString(ptr)
		if err != nil {
			return nil, fmt.Errorf("rtld: read environment string: %w", err)
		}
		stack.Env = append(stack.Env, s)
	}
	return stack, nil
}

// readStackWords copies the entry stack up to and including the AT_NULL
// tag. The walk follows the same structure splitStack decodes.
func readStackWords(space *memmod.Space, sp uint64) ([]uint64, error) {
	var words []uint64
	next := func() (uint64, error) {
		if len(words) >= maxStackWords {
			return 0, stackError(ErrOversizedEntryStack)
		}
		w, err := space.Load64(sp + uint64(len(words))*elfdyn.WordSize)
		if err != nil {
			return 0, stackError(fmt.Errorf("%w: %w", ErrTruncatedStack, err))
		}
		words = append(words, w)
		return w, nil
	}

	argc, err := next()
	if err != nil {
		return nil, err
	}
	if argc >= maxStackWords {
		return nil, stackError(ErrOversizedEntryStack)
	}
	// argv and its terminator
	for i := uint64(0); i <= argc; i++ {
		if _, err := next(); err != nil {
			return nil, err
		}
	}
	for {
		w, err := next()
		if err != nil {
			return nil, err
		}
		if w == 0 {
			break
		}
	}
	for {
		tag, err := next()
		if err != nil {
			return nil, err
		}
		if AuxTag(tag) == AT_NULL {
			return words, nil
		}
		if _, err := next(); err != nil {
			return nil, err
		}
	}
}
