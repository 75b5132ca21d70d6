package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/internal/config"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/memmod"
)

// PanicFunc receives unrecoverable linkage failures. The default logs the
// error and exits the process; a PanicFunc that returns lets the failing
// call return the error instead.
type PanicFunc func(err error)

var (
	ErrUnexpectedSelfEntry = errors.New("unexpected dynamic entry in program interpreter")
	ErrSelfRelocation      = errors.New("program interpreter needs a symbolic relocation")
)

type Options struct {
	// Config defaults to config.Default(). LD_LIBRARY_PATH and LD_BIND_NOW
	// from the entry stack override it.
	Config *config.Config
	// FS serves libraries requested along the search path.
	FS      fs.FS
	Logger  *slog.Logger
	Invoker linker.Invoker
	Panic   PanicFunc
	// ExecutableName defaults to DefaultExecutableName.
	ExecutableName string
}

func defaultPanic(logger *slog.Logger) PanicFunc {
	return func(err error) {
		logger.Error("fatal linkage error", "error", err)
		os.Exit(127)
	}
}

// selfEntries are the only tags the interpreter's own dynamic section may
// carry; anything else would need relocation work it cannot yet do.
var selfEntries = map[elf.DynTag]bool{
	elf.DT_STRTAB:    true,
	elf.DT_SONAME:    true,
	elf.DT_HASH:      true,
	elf.DT_GNU_HASH:  true,
	elf.DT_STRSZ:     true,
	elf.DT_SYMTAB:    true,
	elf.DT_SYMENT:    true,
	elf.DT_RELA:      true,
	elf.DT_RELASZ:    true,
	elf.DT_RELAENT:   true,
	elf.DT_RELACOUNT: true,
	elf.DT_PLTGOT:    true,
}

type selfDynamic struct {
	strtab  uint64
	soname  uint64
	rela    uint64
	relaSz  uint64
	pltgot  uint64
	entries []elfdyn.Dyn
}

func checkSelfDynamic(entries []elfdyn.Dyn) (selfDynamic, error) {
	self := selfDynamic{entries: entries}
	var hasSOName bool
	for _, d := range entries {
		if !selfEntries[d.Tag] {
			return self, &linker.FatalError{Op: "validate own dynamic section", Err: fmt.Errorf("%w: %s", ErrUnexpectedSelfEntry, d.Tag)}
		}
		switch d.Tag {
		case elf.DT_STRTAB:
			self.strtab = d.Val
		case elf.DT_SONAME:
			self.soname, hasSOName = d.Val, true
		case elf.DT_RELA:
			self.rela = d.Val
		case elf.DT_RELASZ:
			self.relaSz = d.Val
		case elf.DT_PLTGOT:
			self.pltgot = d.Val
		}
	}
	if self.strtab == 0 || !hasSOName {
		return self, &linker.FatalError{Op: "validate own dynamic section", Err: fmt.Errorf("%w: DT_STRTAB and DT_SONAME are required", linker.ErrMalformedDynamic)}
	}
	return self, nil
}

// RelocateSelf applies the R_X86_64_RELATIVE relocations of the image at
// base whose dynamic section is at dynamic, and returns how many it
// applied. A relocation that names a symbol or has any other type is
// fatal: nothing can be resolved before the interpreter is relocated.
func RelocateSelf(space *memmod.Space, base, dynamic uint64) (int, error) {
	entries, err := elfdyn.ReadDynamic(space, dynamic)
	if err != nil {
		return 0, &linker.FatalError{Op: "read own dynamic section", Err: err}
	}
	var rela, relaSz uint64
	for _, d := range entries {
		switch d.Tag {
		case elf.DT_RELA:
			rela = base + d.Val
		case elf.DT_RELASZ:
			relaSz = d.Val
		}
	}
	count := int(relaSz / elfdyn.RelaSize)
	for i := 0; i < count; i++ {
		r, err := elfdyn.ReadRela(space, rela+uint64(i)*elfdyn.RelaSize)
		if err != nil {
			return i, &linker.FatalError{Op: "self relocate", Err: err}
		}
		if r.Sym() != 0 || r.Type() != elf.R_X86_64_RELATIVE {
			return i, &linker.FatalError{Op: "self relocate", Err: fmt.Errorf("%w: %s at %#x", ErrSelfRelocation, r.Type(), r.Offset)}
		}
		if err := space.Store64(base+r.Offset, base+uint64(r.Addend)); err != nil {
			return i, &linker.FatalError{Op: "self relocate", Err: err}
		}
	}
	return count, nil
}

// Bootstrap links the program whose entry stack is at sp and returns the
// runtime plus the executable's entry address. It relocates the
// interpreter announced by AT_BASE, registers it and the executable, then
// runs the initial loader session: submit, link, thread setup and
// initializers.
//
// Every failure is passed to opts.Panic before it is returned.
func Bootstrap(space *memmod.Space, sp uint64, opts Options) (*Runtime, uint64, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	panicFn := opts.Panic
	if panicFn == nil {
		panicFn = defaultPanic(logger)
	}
	fail := func(err error) (*Runtime, uint64, error) {
		panicFn(err)
		return nil, 0, err
	}

	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	stack, err := ParseEntryStack(space, sp)
	if err != nil {
		return fail(err)
	}
	cfg.ApplyEnv(stack.Env)
	if cfg.TraceEntryExit {
		logger.Info("entering rtld", "stack", fmt.Sprintf("%#x", sp))
	}

	rt := newRuntime(space, sp, cfg, opts, logger, panicFn)

	var interp *linker.SharedObject
	if stack.Auxv.Base != 0 {
		interp, err = rt.injectSelf(stack.Auxv.Base)
		if err != nil {
			return fail(err)
		}
	} else {
		logger.Warn("no AT_BASE in auxiliary vector, interpreter is not registered")
	}

	if cfg.TraceStartup {
		logger.Info("executable program headers", "phdr", fmt.Sprintf("%#x", stack.Auxv.Phdr), "phnum", stack.Auxv.PhNum)
	}
	name := opts.ExecutableName
	if name == "" {
		name = DefaultExecutableName
	}
	exe, err := rt.repo.InjectFromProgramHeaders(name, stack.Auxv.Phdr, stack.Auxv.PhEnt, stack.Auxv.PhNum, stack.Auxv.Entry, 1)
	if err != nil {
		return fail(err)
	}
	rt.executable = exe

	loader := rt.newLoader(1, true)
	if err := loader.Submit(exe); err != nil {
		return fail(&linker.FatalError{Op: "load dependencies", Object: exe.Name, Err: err})
	}
	if interp != nil {
		if err := loader.Submit(interp); err != nil {
			return fail(err)
		}
	}
	if err := loader.LinkObjects(); err != nil {
		return fail(err)
	}
	thread, err := rt.tls.SetupThread(space)
	if err != nil {
		return fail(&linker.FatalError{Op: "allocate TCB", Err: err})
	}
	rt.thread = thread
	if err := loader.InitObjects(); err != nil {
		return fail(err)
	}

	if cfg.TraceEntryExit {
		logger.Info("leaving rtld", "entry", fmt.Sprintf("%#x", exe.Entry))
	}
	return rt, exe.Entry, nil
}

// injectSelf validates and relocates the interpreter mapped at base and
// registers it under its SONAME.
func (rt *Runtime) injectSelf(base uint64) (*linker.SharedObject, error) {
	raw, err := rt.space.Read(base, elfdyn.EhdrSize)
	if err != nil {
		return nil, &linker.FatalError{Op: "read interpreter header", Err: err}
	}
	hdr, err := elfdyn.DecodeEhdr(raw)
	if err != nil {
		return nil, &linker.FatalError{Op: "read interpreter header", Err: err}
	}
	if err := hdr.Validate(elf.ET_DYN); err != nil {
		return nil, &linker.FatalError{Op: "read interpreter header", Err: err}
	}
	raw, err = rt.space.Read(base+hdr.PhOff, uint64(hdr.PhEntSize)*uint64(hdr.PhNum))
	if err != nil {
		return nil, &linker.FatalError{Op: "read interpreter program headers", Err: err}
	}
	phdrs, err := elfdyn.DecodePhdrs(raw, int(hdr.PhEntSize), int(hdr.PhNum))
	if err != nil {
		return nil, &linker.FatalError{Op: "read interpreter program headers", Err: err}
	}
	var dynamic uint64
	for _, ph := range phdrs {
		if elf.ProgType(ph.Type) == elf.PT_DYNAMIC {
			dynamic = base + ph.VAddr
		}
	}
	if dynamic == 0 {
		return nil, &linker.FatalError{Op: "inject interpreter", Err: linker.ErrMissingDynamicSegment}
	}
	if rt.cfg.TraceStartup {
		rt.logger.Info("own base address", "base", fmt.Sprintf("%#x", base), "dynamic", fmt.Sprintf("%#x", dynamic))
	}

	entries, err := elfdyn.ReadDynamic(rt.space, dynamic)
	if err != nil {
		return nil, &linker.FatalError{Op: "read own dynamic section", Err: err}
	}
	self, err := checkSelfDynamic(entries)
	if err != nil {
		return nil, err
	}
	applied, err := RelocateSelf(rt.space, base, dynamic)
	if err != nil {
		return nil, err
	}
	if self.pltgot != 0 {
		for _, slot := range []uint64{1, 2} {
			if err := rt.space.Store64(base+self.pltgot+slot*elfdyn.WordSize, 0); err != nil {
				return nil, &linker.FatalError{Op: "clear own GOT", Err: err}
			}
		}
	}
	soname, err := rt.space.CString(base + self.strtab + self.soname)
	if err != nil {
		return nil, &linker.FatalError{Op: "read own SONAME", Err: err}
	}

	obj, err := rt.repo.InjectFromDynamicSection(soname, base, dynamic, 1)
	if err != nil {
		return nil, err
	}
	obj.IsInterpreter = true
	obj.ApplyProgramHeaders(phdrs)
	rt.interpreter = obj
	rt.logger.Debug("relocated interpreter", "soname", soname, "base", fmt.Sprintf("%#x", base), "relative", applied)
	return obj, nil
}
