package linker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/sliverarmory/rtld/elfdyn"
)

type InitKind int

const (
	InitPreinitArray InitKind = iota
	InitFunction
	InitArray
)

func (k InitKind) String() string {
	switch k {
	case InitPreinitArray:
		return "DT_PREINIT_ARRAY"
	case InitFunction:
		return "DT_INIT"
	default:
		return "DT_INIT_ARRAY"
	}
}

// Invoker runs an initializer routine. The loader never executes machine
// code itself.
type Invoker interface {
	Invoke(obj *SharedObject, kind InitKind, addr uint64) error
}

type LoaderOptions struct {
	Repository *Repository
	TLS        *TLSMap
	// Scope receives every object the session discovers.
	Scope   *Scope
	Invoker Invoker
	Logger  *slog.Logger
	// InitialLoad selects the initial TLS model; runtime loads use the
	// dynamic model.
	InitialLoad bool
	Generation  uint64
	BindNow     bool
	// Trampoline is installed in GOT[2] of lazily bound objects.
	Trampoline uint64
	// Trace logs each submitted object and relocation pass at info level.
	Trace bool
}

// Loader drives one linking session: submit, link, init.
type Loader struct {
	repo       *Repository
	tls        *TLSMap
	scope      *Scope
	invoker    Invoker
	logger     *slog.Logger
	initial    bool
	generation uint64
	bindNow    bool
	trampoline uint64
	trace      bool
	session    string

	pending []*SharedObject
	order   []*SharedObject

	scopeMark int
	tlsMark   int
	linkStart bool
}

func NewLoader(opts LoaderOptions) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session := ulid.Make().String()
	return &Loader{
		repo:       opts.Repository,
		tls:        opts.TLS,
		scope:      opts.Scope,
		invoker:    opts.Invoker,
		logger:     logger.With("session", session, "generation", opts.Generation),
		initial:    opts.InitialLoad,
		generation: opts.Generation,
		bindNow:    opts.BindNow,
		trampoline: opts.Trampoline,
		trace:      opts.Trace,
		session:    session,
	}
}

func (l *Loader) Session() string    { return l.session }
func (l *Loader) Generation() uint64 { return l.generation }

// Pending returns the objects discovered by this session in discovery order.
func (l *Loader) Pending() []*SharedObject { return l.pending }

// Order returns the link order computed by LinkObjects.
func (l *Loader) Order() []*SharedObject { return l.order }

// Submit schedules root and, breadth first, every dependency it needs.
// Objects already scheduled in this session or linked by an earlier one
// are not revisited, which also terminates dependency cycles.
func (l *Loader) Submit(root *SharedObject) error {
	work := []*SharedObject{root}
	for i := 0; i < len(work); i++ {
		obj := work[i]
		if obj.linked || obj.scheduledFor == l.generation {
			continue
		}
		obj.scheduledFor = l.generation
		l.pending = append(l.pending, obj)
		l.log("submitted object", "object", obj.Name, "needed", obj.Needed)

		if obj.Dependencies == nil {
			for _, name := range obj.Needed {
				dep, err := l.repo.RequestByName(name, l.generation)
				if err != nil {
					obj.Dependencies = nil
					return fmt.Errorf("rtld: load dependency %s of %s: %w", name, obj.Name, err)
				}
				obj.Dependencies = append(obj.Dependencies, dep)
			}
		}
		work = append(work, obj.Dependencies...)
	}
	return nil
}

// dependencyOrder returns the pending objects with every dependency before
// its dependents. Cycles are broken in discovery order.
func (l *Loader) dependencyOrder() []*SharedObject {
	inSession := make(map[*SharedObject]bool, len(l.pending))
	for _, obj := range l.pending {
		inSession[obj] = true
	}
	visited := map[*SharedObject]bool{}
	order := make([]*SharedObject, 0, len(l.pending))

	var visit func(obj *SharedObject)
	visit = func(obj *SharedObject) {
		visited[obj] = true
		for _, dep := range obj.Dependencies {
			if inSession[dep] && !visited[dep] {
				visit(dep)
			}
		}
		order = append(order, obj)
	}
	for _, obj := range l.pending {
		if !visited[obj] {
			visit(obj)
		}
	}
	return order
}

// LinkObjects adds the session's objects to the target scope, assigns TLS
// and relocates each object after its dependencies.
func (l *Loader) LinkObjects() error {
	l.scopeMark = l.scope.Len()
	l.tlsMark = l.tls.Len()
	l.linkStart = true

	for _, obj := range l.pending {
		l.scope.Append(obj)
		if obj.LoadScope == nil {
			obj.LoadScope = l.scope
		}
	}
	// TLS offsets must be final before TPOFF64 and DTPMOD64 are applied.
	for _, obj := range l.pending {
		l.tls.Assign(obj, l.initial)
	}

	l.order = l.dependencyOrder()
	for _, obj := range l.order {
		if err := l.relocate(obj); err != nil {
			return err
		}
	}
	for _, obj := range l.order {
		obj.linked = true
	}
	l.logger.Info("linked objects", "count", len(l.order), "scope", l.scope.Name)
	return nil
}

func (l *Loader) relocate(obj *SharedObject) error {
	if obj.IsInterpreter {
		// relocated by itself during bootstrap
		return nil
	}
	l.log("relocating object",
		"object", obj.Name,
		"base", fmt.Sprintf("%#x", obj.Base),
		"rela", relocationCount(obj.RelaSize),
		"jmprel", relocationCount(obj.JmpRelSize),
		"tls_model", obj.TLSModel.String(),
	)
	l.log("relocation pass", "object", obj.Name, "pass", "rela")
	if err := processRela(obj); err != nil {
		return err
	}
	bindNow := l.bindNow || obj.BindNow
	l.log("relocation pass", "object", obj.Name, "pass", "jmprel", "bind_now", bindNow)
	if err := processJmpRel(obj, bindNow, l.trampoline); err != nil {
		return err
	}
	l.log("relocation pass", "object", obj.Name, "pass", "relro")
	return protectRelro(obj)
}

// log records at debug level, or at info level while tracing.
func (l *Loader) log(msg string, args ...any) {
	level := slog.LevelDebug
	if l.trace {
		level = slog.LevelInfo
	}
	l.logger.Log(context.Background(), level, msg, args...)
}

// InitObjects runs each object's initializers once, dependencies first.
// The executable's DT_PREINIT_ARRAY runs before everything else.
func (l *Loader) InitObjects() error {
	for _, obj := range l.order {
		if obj.IsExecutable && !obj.initialized {
			if err := l.runArray(obj, InitPreinitArray, obj.PreinitArray, obj.PreinitArraySize); err != nil {
				return err
			}
		}
	}
	for _, obj := range l.order {
		if obj.initialized {
			continue
		}
		if obj.Init != 0 {
			if err := l.invoke(obj, InitFunction, obj.Init); err != nil {
				return err
			}
		}
		if err := l.runArray(obj, InitArray, obj.InitArray, obj.InitArraySize); err != nil {
			return err
		}
		obj.initialized = true
	}
	return nil
}

func (l *Loader) runArray(obj *SharedObject, kind InitKind, addr, size uint64) error {
	for i := uint64(0); i < size/elfdyn.WordSize; i++ {
		fnAddr, err := obj.space.Load64(addr + i*elfdyn.WordSize)
		if err != nil {
			return fatal("read "+kind.String(), obj, err)
		}
		// 0 and -1 are placeholder entries
		if fnAddr == 0 || fnAddr == ^uint64(0) {
			continue
		}
		if err := l.invoke(obj, kind, fnAddr); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) invoke(obj *SharedObject, kind InitKind, addr uint64) error {
	l.logger.Debug("running initializer", "object", obj.Name, "kind", kind.String(), "addr", fmt.Sprintf("%#x", addr))
	if l.invoker == nil {
		return nil
	}
	if err := l.invoker.Invoke(obj, kind, addr); err != nil {
		return fatal("run "+kind.String(), obj, fmt.Errorf("%w: %w", ErrInitializerFailed, err))
	}
	return nil
}

// Rollback withdraws everything a failed session added: scope entries, TLS
// module IDs and the objects its generation mapped.
func (l *Loader) Rollback() {
	if l.linkStart {
		l.scope.truncate(l.scopeMark)
		l.tls.truncate(l.tlsMark)
	}
	for _, obj := range l.pending {
		if obj.Generation == l.generation && !obj.linked {
			obj.LoadScope = nil
		}
		if !obj.linked {
			obj.scheduledFor = 0
		}
	}
	l.repo.Rollback(l.generation)
	l.logger.Info("rolled back load session", "objects", len(l.pending))
}
