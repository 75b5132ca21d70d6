package linker

import (
	"fmt"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/sliverarmory/rtld/internal/elftest"
	"github.com/sliverarmory/rtld/internal/logging"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	space  *memmod.Space
	fsys   fstest.MapFS
	repo   *Repository
	scope  *Scope
	tls    *TLSMap
	images map[string]*elftest.Image
	inits  *recordingInvoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	space := memmod.NewSpace()
	fsys := fstest.MapFS{}
	f := &fixture{
		t:     t,
		space: space,
		fsys:  fsys,
		repo: NewRepository(space, RepositoryOptions{
			FS:          fsys,
			SearchPaths: []string{"/lib"},
			Logger:      logging.Discard(),
		}),
		scope:  NewScope("global"),
		tls:    NewTLSMap(),
		images: map[string]*elftest.Image{},
		inits:  &recordingInvoker{},
	}
	t.Cleanup(func() {
		for _, r := range space.Regions() {
			_ = space.Unmap(r.Base)
		}
	})
	return f
}

// add builds b and serves it as /lib/<name>.
func (f *fixture) add(name string, b *elftest.Builder) *elftest.Image {
	f.t.Helper()
	img, err := b.Build()
	require.NoError(f.t, err)
	f.fsys["lib/"+name] = &fstest.MapFile{Data: img.Data}
	f.images[name] = img
	return img
}

func (f *fixture) loader(generation uint64, initial bool, opts ...func(*LoaderOptions)) *Loader {
	o := LoaderOptions{
		Repository:  f.repo,
		TLS:         f.tls,
		Scope:       f.scope,
		Invoker:     f.inits,
		Logger:      logging.Discard(),
		InitialLoad: initial,
		Generation:  generation,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewLoader(o)
}

// load runs a complete session for name and fails the test on any error.
func (f *fixture) load(name string, generation uint64, initial bool, opts ...func(*LoaderOptions)) (*SharedObject, *Loader) {
	f.t.Helper()
	obj, err := f.repo.RequestByName(name, generation)
	require.NoError(f.t, err)
	l := f.loader(generation, initial, opts...)
	require.NoError(f.t, l.Submit(obj))
	require.NoError(f.t, l.LinkObjects())
	require.NoError(f.t, l.InitObjects())
	return obj, l
}

// link runs submit and link for name and returns the first error.
func (f *fixture) link(name string, generation uint64, initial bool) (*Loader, error) {
	f.t.Helper()
	obj, err := f.repo.RequestByName(name, generation)
	if err != nil {
		return nil, err
	}
	l := f.loader(generation, initial)
	if err := l.Submit(obj); err != nil {
		return l, err
	}
	return l, l.LinkObjects()
}

func (f *fixture) word(obj *SharedObject, vaddr uint64) uint64 {
	f.t.Helper()
	v, err := f.space.Load64(obj.Base + vaddr)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) symbol(obj *SharedObject, name string) uint64 {
	f.t.Helper()
	img, ok := f.images[obj.Name]
	require.True(f.t, ok, "no image for %s", obj.Name)
	vaddr, ok := img.Symbols[name]
	require.True(f.t, ok, "%s does not define %s", obj.Name, name)
	return obj.Base + vaddr
}

func bindNow(o *LoaderOptions) { o.BindNow = true }

type initCall struct {
	Object string
	Kind   InitKind
	Addr   uint64
}

type recordingInvoker struct {
	mu    sync.Mutex
	calls []initCall
	fail  map[uint64]error
}

func (r *recordingInvoker) Invoke(obj *SharedObject, kind InitKind, addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, initCall{Object: obj.Name, Kind: kind, Addr: addr})
	if err, ok := r.fail[addr]; ok {
		return err
	}
	return nil
}

func (r *recordingInvoker) Calls() []initCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]initCall(nil), r.calls...)
}

func (c initCall) String() string {
	return fmt.Sprintf("%s:%s", c.Object, c.Kind)
}
