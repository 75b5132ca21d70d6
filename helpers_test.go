package rtld

import (
	"sync"
	"testing"
	"testing/fstest"

	"github.com/sliverarmory/rtld/internal/config"
	"github.com/sliverarmory/rtld/internal/elftest"
	"github.com/sliverarmory/rtld/internal/logging"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/stretchr/testify/require"
)

type initRecord struct {
	Object string
	Addr   uint64
}

type recorder struct {
	mu    sync.Mutex
	calls []initRecord
}

func (r *recorder) Invoke(obj *linker.SharedObject, _ linker.InitKind, addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, initRecord{Object: obj.Name, Addr: addr})
	return nil
}

func (r *recorder) objects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, c := range r.calls {
		names = append(names, c.Object)
	}
	return names
}

type harness struct {
	t      *testing.T
	space  *memmod.Space
	fsys   fstest.MapFS
	cfg    config.Config
	inits  *recorder
	panics []error

	exe    *elftest.Image
	interp *elftest.Image
	proc   *Process
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	space := memmod.NewSpace()
	cfg := config.Default()
	cfg.SearchPaths = []string{"/lib"}
	h := &harness{
		t:     t,
		space: space,
		fsys:  fstest.MapFS{},
		cfg:   cfg,
		inits: &recorder{},
	}
	t.Cleanup(func() {
		for _, r := range space.Regions() {
			_ = space.Unmap(r.Base)
		}
	})
	return h
}

// lib builds b and serves it as /lib/<name>.
func (h *harness) lib(name string, b *elftest.Builder) *elftest.Image {
	h.t.Helper()
	return h.file("lib/"+name, b)
}

func (h *harness) file(path string, b *elftest.Builder) *elftest.Image {
	h.t.Helper()
	img, err := b.Build()
	require.NoError(h.t, err)
	h.fsys[path] = &fstest.MapFile{Data: img.Data}
	return img
}

func (h *harness) options() Options {
	cfg := h.cfg
	return Options{
		Config:  &cfg,
		FS:      h.fsys,
		Logger:  logging.Discard(),
		Invoker: h.inits,
		Panic:   func(err error) { h.panics = append(h.panics, err) },
	}
}

// exec maps exe, and interp when given, and builds the entry stack.
func (h *harness) exec(exe, interp *elftest.Builder, env ...string) *Process {
	h.t.Helper()
	var err error
	h.exe, err = exe.Build()
	require.NoError(h.t, err)
	opts := ExecOptions{
		Executable: h.exe.Data,
		ExecName:   "/usr/bin/prog",
		Args:       []string{"prog", "-v"},
		Env:        env,
	}
	if interp != nil {
		h.interp, err = interp.Build()
		require.NoError(h.t, err)
		opts.Interpreter = h.interp.Data
	}
	h.proc, err = Exec(h.space, opts)
	require.NoError(h.t, err)
	return h.proc
}

// boot runs exec and Bootstrap and fails the test on any error.
func (h *harness) boot(exe, interp *elftest.Builder, env ...string) (*Runtime, uint64) {
	h.t.Helper()
	proc := h.exec(exe, interp, env...)
	rt, entry, err := Bootstrap(h.space, proc.StackPointer, h.options())
	require.NoError(h.t, err)
	require.Empty(h.t, h.panics)
	return rt, entry
}

func (h *harness) exeAddr(vaddr uint64) uint64 {
	return h.proc.Executable.Base + vaddr
}

func (h *harness) word(addr uint64) uint64 {
	h.t.Helper()
	v, err := h.space.Load64(addr)
	require.NoError(h.t, err)
	return v
}

// symbol returns the address of name in the loaded object registered as
// file, using img for the link-time value.
func symbol(t *testing.T, rt *Runtime, file string, img *elftest.Image, name string) uint64 {
	t.Helper()
	obj, ok := rt.Repository().Lookup(file)
	require.True(t, ok, "%s is not loaded", file)
	vaddr, ok := img.Symbols[name]
	require.True(t, ok, "%s does not define %s", file, name)
	return obj.Base + vaddr
}

func program() *elftest.Builder {
	return elftest.NewBuilder("").Func("_start").Entry("_start")
}
