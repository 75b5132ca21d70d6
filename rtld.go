// Package rtld is a runtime dynamic linker for ELF64 x86-64 programs. It
// links an executable and its shared library dependencies inside an
// explicitly owned address space and exposes the dlopen family of calls.
package rtld

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sliverarmory/rtld/internal/config"
	"github.com/sliverarmory/rtld/internal/pltscan"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/memmod"
)

var (
	ErrNoExport      = errors.New("no exported symbol covers address")
	ErrInvalidHandle = errors.New("invalid object handle")
	ErrNoThread      = errors.New("main thread has no TCB")
)

// SymbolInfo is the result of a reverse lookup.
type SymbolInfo struct {
	File    string
	Base    uint64
	Symbol  string
	Address uint64
}

// Runtime is the linker state of one program: the repository, the global
// scope and the TLS map. Open, Resolve and Reverse are serialized by one
// lock; LazyResolve runs without it.
type Runtime struct {
	mu sync.Mutex

	space   *memmod.Space
	repo    *linker.Repository
	global  *linker.Scope
	tls     *linker.TLSMap
	thread  *linker.Thread
	invoker linker.Invoker
	cfg     config.Config
	logger  *slog.Logger
	panicFn PanicFunc

	entryStack  uint64
	executable  *linker.SharedObject
	interpreter *linker.SharedObject
	generation  uint64

	errMu     sync.Mutex
	lastError string
}

func newRuntime(space *memmod.Space, sp uint64, cfg config.Config, opts Options, logger *slog.Logger, panicFn PanicFunc) *Runtime {
	return &Runtime{
		space: space,
		repo: linker.NewRepository(space, linker.RepositoryOptions{
			FS:          opts.FS,
			SearchPaths: cfg.SearchPaths,
			Logger:      logger,
		}),
		global:     linker.NewScope("global"),
		tls:        linker.NewTLSMap(),
		invoker:    opts.Invoker,
		cfg:        cfg,
		logger:     logger,
		panicFn:    panicFn,
		entryStack: sp,
		generation: 1,
	}
}

func (rt *Runtime) newLoader(generation uint64, initial bool) *linker.Loader {
	return linker.NewLoader(linker.LoaderOptions{
		Repository:  rt.repo,
		TLS:         rt.tls,
		Scope:       rt.global,
		Invoker:     rt.invoker,
		Logger:      rt.logger,
		InitialLoad: initial,
		Generation:  generation,
		BindNow:     rt.cfg.BindNow,
		Trampoline:  rt.cfg.PLTTrampoline,
		Trace:       initial && rt.cfg.TraceStartup,
	})
}

func (rt *Runtime) Space() *memmod.Space              { return rt.space }
func (rt *Runtime) Repository() *linker.Repository    { return rt.repo }
func (rt *Runtime) GlobalScope() *linker.Scope        { return rt.global }
func (rt *Runtime) TLS() *linker.TLSMap               { return rt.tls }
func (rt *Runtime) Executable() *linker.SharedObject  { return rt.executable }
func (rt *Runtime) Interpreter() *linker.SharedObject { return rt.interpreter }
func (rt *Runtime) Config() config.Config             { return rt.cfg }

// EntryStack returns the stack pointer Bootstrap was started with.
func (rt *Runtime) EntryStack() uint64 { return rt.entryStack }

// Error returns the message of the last failed Open, Resolve or Reverse
// and clears it. It is empty when nothing failed since the last call.
func (rt *Runtime) Error() string {
	rt.errMu.Lock()
	defer rt.errMu.Unlock()
	msg := rt.lastError
	rt.lastError = ""
	return msg
}

func (rt *Runtime) setError(err error) {
	rt.errMu.Lock()
	defer rt.errMu.Unlock()
	rt.lastError = err.Error()
}

func (rt *Runtime) trace(call string, args ...any) {
	if rt.cfg.TraceEntryExit {
		rt.logger.Info("rtld: "+call, args...)
	}
}

// Open loads name and its dependencies into the global scope, runs their
// initializers and returns the object as a handle. Names containing a
// slash are paths. An empty name returns the executable. Opening an object
// that is already loaded returns the same object without running its
// initializers again.
//
// Failures to locate, map or link leave the repository and scopes as they
// were, record the last error and return a nil handle. A failing
// initializer is fatal.
func (rt *Runtime) Open(name string, local bool) (*linker.SharedObject, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trace("open", "name", name, "local", local)

	if local {
		rt.logger.Warn("RTLD_LOCAL is not supported properly", "name", name)
	}
	if name == "" {
		return rt.executable, nil
	}

	rt.generation++
	loader := rt.newLoader(rt.generation, false)

	obj, err := rt.repo.RequestByName(name, rt.generation)
	if err != nil {
		rt.repo.Rollback(rt.generation)
		rt.setError(err)
		return nil, err
	}
	if err := loader.Submit(obj); err != nil {
		loader.Rollback()
		rt.setError(err)
		return nil, err
	}
	if err := loader.LinkObjects(); err != nil {
		loader.Rollback()
		rt.setError(err)
		return nil, err
	}
	if err := loader.InitObjects(); err != nil {
		rt.setError(err)
		rt.panicFn(err)
		return nil, err
	}

	linker.OpenScope(obj)
	rt.logger.Debug("opened object", "name", name, "object", obj.String(), "session", loader.Session())
	return obj, nil
}

func (rt *Runtime) checkHandle(handle *linker.SharedObject) error {
	if handle == nil {
		return nil
	}
	if obj, ok := rt.repo.ByID(handle.ID); !ok || obj != handle {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, handle.Name)
	}
	return nil
}

// Resolve looks name up in the private scope of handle, or in the global
// scope when handle is nil, and returns its address. Thread-local symbols
// resolve to their address in the main thread.
func (rt *Runtime) Resolve(handle *linker.SharedObject, name string) (uint64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trace("resolve", "name", name)

	addr, err := rt.resolve(handle, name)
	if err != nil {
		rt.setError(err)
		return 0, err
	}
	return addr, nil
}

func (rt *Runtime) resolve(handle *linker.SharedObject, name string) (uint64, error) {
	if err := rt.checkHandle(handle); err != nil {
		return 0, err
	}
	scope := rt.global
	if handle != nil {
		scope = linker.OpenScope(handle)
	}
	sym, ok := linker.ResolveWholeScope(scope, name, nil)
	if !ok {
		return 0, fmt.Errorf("%w: %s", linker.ErrSymbolNotFound, name)
	}
	if !sym.IsTLS() {
		return sym.Address(), nil
	}
	if rt.thread == nil {
		return 0, ErrNoThread
	}
	return rt.thread.TLSAddress(linker.TLSIndex{Module: sym.Object.TLSModuleID, Offset: sym.Sym.Val})
}

// Reverse finds the exported symbol at addr. Exact matches are preferred
// over symbols whose st_size covers addr; an address inside a PLT entry is
// reported as name@plt. The search is a linear scan of every object.
func (rt *Runtime) Reverse(addr uint64) (SymbolInfo, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trace("reverse", "addr", fmt.Sprintf("%#x", addr))

	info, err := rt.reverse(addr)
	if err != nil {
		rt.setError(err)
		return SymbolInfo{}, err
	}
	rt.logger.Debug("found symbol", "symbol", info.Symbol, "object", info.File)
	return info, nil
}

func (rt *Runtime) reverse(addr uint64) (SymbolInfo, error) {
	objects := rt.repo.Objects()
	for _, exact := range []bool{true, false} {
		for _, obj := range objects {
			if sym, ok := linker.FindSymbolAt(obj, addr, exact); ok {
				return SymbolInfo{File: obj.Name, Base: obj.Base, Symbol: sym.Name, Address: sym.Address()}, nil
			}
		}
	}
	if info, ok := rt.reversePLT(addr); ok {
		return info, nil
	}
	return SymbolInfo{}, fmt.Errorf("%w: %#x", ErrNoExport, addr)
}

// reversePLT decodes the PLT entry containing addr and names it after the
// jump slot whose GOT word it jumps through.
func (rt *Runtime) reversePLT(addr uint64) (SymbolInfo, bool) {
	obj, ok := rt.repo.ObjectAt(addr)
	if !ok || obj.PLTSlots() == 0 {
		return SymbolInfo{}, false
	}
	low, _ := obj.ImageBounds()
	stub := low + (addr-low)&^uint64(pltscan.EntrySize-1)
	code, err := rt.space.Read(stub, pltscan.EntrySize)
	if err != nil {
		return SymbolInfo{}, false
	}
	decoded, err := pltscan.Decode(code, stub)
	if err != nil {
		return SymbolInfo{}, false
	}
	for i := uint32(0); i < obj.PLTSlots(); i++ {
		slot, err := obj.PLTSlot(i)
		if err != nil || slot.GOTAddress() != decoded.GOTSlot {
			continue
		}
		name, err := slot.SymbolName()
		if err != nil {
			return SymbolInfo{}, false
		}
		return SymbolInfo{File: obj.Name, Base: obj.Base, Symbol: name + "@plt", Address: stub}, true
	}
	return SymbolInfo{}, false
}

// TLSAddress returns the main thread's address of an initial-model TLS
// index.
func (rt *Runtime) TLSAddress(idx linker.TLSIndex) (uint64, error) {
	if rt.thread == nil {
		return 0, ErrNoThread
	}
	addr, err := rt.tls.InitialAddress(rt.thread, idx)
	if err != nil {
		return 0, fmt.Errorf("rtld: TLS address: %w", err)
	}
	return addr, nil
}

// MainThread returns the TLS area Bootstrap set up.
func (rt *Runtime) MainThread() *linker.Thread { return rt.thread }

// SetupThread allocates the TLS area of a new thread.
func (rt *Runtime) SetupThread() (*linker.Thread, error) {
	return rt.tls.SetupThread(rt.space)
}

// LazyResolve is the target of the PLT trampoline: id is the value the
// trampoline found in GOT[1] and index the relocation index the PLT entry
// pushed. It takes no runtime lock. Failures are fatal.
func (rt *Runtime) LazyResolve(id uint64, index uint32) (uint64, error) {
	obj, ok := rt.repo.ByID(id)
	if !ok {
		err := &linker.FatalError{Op: "lazy resolve", Err: fmt.Errorf("%w: %d", ErrInvalidHandle, id)}
		rt.panicFn(err)
		return 0, err
	}
	addr, err := linker.LazyResolve(obj, index)
	if err != nil {
		rt.panicFn(err)
		return 0, err
	}
	return addr, nil
}
