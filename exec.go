package rtld

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/memmod"
)

// DefaultExecutableName is the repository name of the main program.
const DefaultExecutableName = "(executable)"

// ExecOptions describes a program to start. The executable must be a
// position-independent ELF image with a PT_PHDR segment.
type ExecOptions struct {
	Executable []byte
	// ExecName is reported through AT_EXECFN and is the default argv[0].
	ExecName string
	// Interpreter, when set, is mapped separately and announced via AT_BASE.
	Interpreter []byte
	InterpName  string
	Args        []string
	Env         []string
}

// Process is a freshly started program: its images are mapped and its
// entry stack is built, but nothing is relocated yet.
type Process struct {
	Space        *memmod.Space
	Executable   *linker.Image
	Interpreter  *linker.Image
	StackPointer uint64
	Auxv         Auxv

	stack uint64
}

// Exec maps the executable and optional interpreter into space and builds
// the entry stack the kernel would hand to the interpreter: argc, argv,
// envp and the auxiliary vector.
func Exec(space *memmod.Space, opts ExecOptions) (*Process, error) {
	if len(opts.Executable) == 0 {
		return nil, errors.New("rtld: exec: empty executable image")
	}
	name := opts.ExecName
	if name == "" {
		name = DefaultExecutableName
	}

	exe, err := linker.MapImage(space, name, opts.Executable)
	if err != nil {
		return nil, fmt.Errorf("rtld: exec: map executable: %w", err)
	}
	if exe.Phdr == 0 {
		_ = space.Unmap(exe.Region)
		return nil, errors.New("rtld: exec: executable program headers are not mapped")
	}
	proc := &Process{Space: space, Executable: exe}

	if len(opts.Interpreter) > 0 {
		interpName := opts.InterpName
		if interpName == "" {
			interpName = "ld.so"
		}
		interp, err := linker.MapImage(space, interpName, opts.Interpreter)
		if err != nil {
			_ = space.Unmap(exe.Region)
			return nil, fmt.Errorf("rtld: exec: map interpreter: %w", err)
		}
		proc.Interpreter = interp
	}

	args := opts.Args
	if len(args) == 0 {
		args = []string{name}
	}
	if err := proc.buildStack(args, opts.Env, name); err != nil {
		proc.Release()
		return nil, err
	}
	return proc, nil
}

func (p *Process) buildStack(args, env []string, execFn string) error {
	aux := []struct {
		tag   AuxTag
		value uint64
	}{
		{AT_PHDR, p.Executable.Phdr},
		{AT_PHENT, p.Executable.PhEnt},
		{AT_PHNUM, p.Executable.PhNum},
		{AT_PAGESZ, p.Space.PageSize()},
		{AT_ENTRY, p.Executable.Entry},
	}
	if p.Interpreter != nil {
		aux = append(aux, struct {
			tag   AuxTag
			value uint64
		}{AT_BASE, p.Interpreter.Base})
	}

	// one word for argc, NULL-terminated argv and envp, aux pairs plus
	// AT_EXECFN and the AT_NULL pair
	words := 1 + len(args) + 1 + len(env) + 1 + 2*(len(aux)+1) + 2
	strBytes := len(execFn) + 1
	for _, s := range args {
		strBytes += len(s) + 1
	}
	for _, s := range env {
		strBytes += len(s) + 1
	}

	region, err := p.Space.Map(uint64(words)*elfdyn.WordSize+uint64(strBytes), memmod.ProtRW, "stack")
	if err != nil {
		return fmt.Errorf("rtld: exec: allocate stack: %w", err)
	}
	p.stack = region.Base
	p.StackPointer = region.Base

	cursor := region.Base + uint64(words)*elfdyn.WordSize
	putString := func(s string) (uint64, error) {
		at := cursor
		if err := p.Space.Write(at, append([]byte(s), 0)); err != nil {
			return 0, err
		}
		cursor += uint64(len(s)) + 1
		return at, nil
	}

	vector := []uint64{uint64(len(args))}
	for _, s := range args {
		ptr, err := putString(s)
		if err != nil {
			return err
		}
		vector = append(vector, ptr)
	}
	vector = append(vector, 0)
	for _, s := range env {
		ptr, err := putString(s)
		if err != nil {
			return err
		}
		vector = append(vector, ptr)
	}
	vector = append(vector, 0)
	execFnPtr, err := putString(execFn)
	if err != nil {
		return err
	}
	for _, e := range aux {
		vector = append(vector, uint64(e.tag), e.value)
	}
	vector = append(vector, uint64(AT_EXECFN), execFnPtr, uint64(AT_NULL), 0)

	for i, w := range vector {
		if err := p.Space.Store64(region.Base+uint64(i)*elfdyn.WordSize, w); err != nil {
			return err
		}
	}
	p.Auxv, err = ParseAuxv(vector)
	return err
}

// Release unmaps the images and the stack.
func (p *Process) Release() {
	for _, base := range []uint64{p.stack, p.Executable.Region} {
		if base != 0 {
			_ = p.Space.Unmap(base)
		}
	}
	if p.Interpreter != nil {
		_ = p.Space.Unmap(p.Interpreter.Region)
	}
}
