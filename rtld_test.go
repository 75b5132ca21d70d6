package rtld

import (
	"debug/elf"
	"errors"
	"sync"
	"testing"

	"github.com/sliverarmory/rtld/internal/elftest"
	"github.com/sliverarmory/rtld/linker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	h := newHarness(t)
	util := h.lib("libutil.so", elftest.NewBuilder("libutil.so").
		Func("util_fn").
		Func("util_init").
		InitArray("util_init"))
	plugin := h.lib("libplugin.so", elftest.NewBuilder("libplugin.so").
		Needed("libutil.so").
		Func("plugin_fn").
		Func("plugin_init").
		InitArray("plugin_init").
		JumpSlot("util_fn"))
	rt, _ := h.boot(program(), nil)

	handle, err := rt.Open("libplugin.so", false)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "libplugin.so", handle.Name)
	assert.Equal(t, uint64(2), handle.Generation)
	assert.Equal(t, []string{"libutil.so", "libplugin.so"}, h.inits.objects())

	addr, err := rt.Resolve(handle, "util_fn")
	require.NoError(t, err)
	assert.Equal(t, symbol(t, rt, "libutil.so", util, "util_fn"), addr)
	addr, err = rt.Resolve(nil, "plugin_fn")
	require.NoError(t, err)
	assert.Equal(t, symbol(t, rt, "libplugin.so", plugin, "plugin_fn"), addr)

	again, err := rt.Open("libplugin.so", true)
	require.NoError(t, err)
	assert.Same(t, handle, again)
	byPath, err := rt.Open("/lib/libplugin.so", false)
	require.NoError(t, err)
	assert.Same(t, handle, byPath)
	assert.Len(t, h.inits.objects(), 2, "initializers run once")

	self, err := rt.Open("", false)
	require.NoError(t, err)
	assert.Same(t, rt.Executable(), self)
	assert.Empty(t, rt.Error())
}

func TestOpenFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.lib("libbroken.so", elftest.NewBuilder("libbroken.so").Needed("libmissing.so"))
	h.lib("libunresolved.so", elftest.NewBuilder("libunresolved.so").
		Reloc("ptr", elf.R_X86_64_GLOB_DAT, "no_such_symbol", 0))
	rt, _ := h.boot(program(), nil)

	names := rt.Repository().Names()
	objects := rt.Repository().Objects()
	scope := rt.GlobalScope().Len()
	regions := len(h.space.Regions())

	for _, tc := range []struct {
		name string
		want error
	}{
		{name: "libnothere.so", want: linker.ErrCannotLocate},
		{name: "libbroken.so", want: linker.ErrCannotLocate},
		{name: "libunresolved.so", want: linker.ErrSymbolNotFound},
	} {
		handle, err := rt.Open(tc.name, false)
		assert.Nil(t, handle, tc.name)
		assert.ErrorIs(t, err, tc.want, tc.name)

		msg := rt.Error()
		assert.NotEmpty(t, msg, tc.name)
		assert.Empty(t, rt.Error(), "reading the error clears it")

		assert.Equal(t, names, rt.Repository().Names(), tc.name)
		assert.Equal(t, objects, rt.Repository().Objects(), tc.name)
		assert.Equal(t, scope, rt.GlobalScope().Len(), tc.name)
		assert.Len(t, h.space.Regions(), regions, tc.name)
	}
	assert.Empty(t, h.panics, "link failures are not fatal to the process")
}

func TestOpenInitializerFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.lib("libboom.so", elftest.NewBuilder("libboom.so").Func("boom").InitArray("boom"))
	rt, _ := h.boot(program(), nil)
	rt.invoker = &failingInvoker{err: errors.New("abort")}

	_, err := rt.Open("libboom.so", false)
	assert.True(t, linker.IsFatal(err))
	assert.ErrorIs(t, err, linker.ErrInitializerFailed)
	require.Len(t, h.panics, 1)
	assert.Equal(t, err, h.panics[0])
}

type failingInvoker struct{ err error }

func (f *failingInvoker) Invoke(*linker.SharedObject, linker.InitKind, uint64) error { return f.err }

func TestResolveErrors(t *testing.T) {
	h := newHarness(t)
	rt, _ := h.boot(program(), nil)

	_, err := rt.Resolve(nil, "nothing_here")
	assert.ErrorIs(t, err, linker.ErrSymbolNotFound)
	assert.Contains(t, rt.Error(), "nothing_here")

	_, err = rt.Resolve(&linker.SharedObject{ID: 999, Name: "forged"}, "_start")
	assert.ErrorIs(t, err, ErrInvalidHandle)

	addr, err := rt.Resolve(rt.Executable(), "_start")
	require.NoError(t, err)
	assert.Equal(t, h.exeAddr(h.exe.Symbols["_start"]), addr)
}

func TestReverse(t *testing.T) {
	h := newHarness(t)
	lib := h.lib("libdata.so", elftest.NewBuilder("libdata.so").
		Func("fn").
		Object("table", make([]byte, 24)))
	rt, _ := h.boot(program().Needed("libdata.so").JumpSlot("fn"), nil)

	addr, err := rt.Resolve(nil, "table")
	require.NoError(t, err)
	info, err := rt.Reverse(addr)
	require.NoError(t, err)
	obj, _ := rt.Repository().Lookup("libdata.so")
	assert.Equal(t, SymbolInfo{File: "libdata.so", Base: obj.Base, Symbol: "table", Address: addr}, info)

	info, err = rt.Reverse(addr + 10)
	require.NoError(t, err)
	assert.Equal(t, "table", info.Symbol)
	assert.Equal(t, addr, info.Address)

	fn := symbol(t, rt, "libdata.so", lib, "fn")
	info, err = rt.Reverse(fn)
	require.NoError(t, err)
	assert.Equal(t, "fn", info.Symbol)

	stub := h.exeAddr(h.exe.PLT[0])
	info, err = rt.Reverse(stub + 3)
	require.NoError(t, err)
	assert.Equal(t, "fn@plt", info.Symbol)
	assert.Equal(t, DefaultExecutableName, info.File)
	assert.Equal(t, stub, info.Address)

	_, err = rt.Reverse(0x10)
	assert.ErrorIs(t, err, ErrNoExport)
	assert.NotEmpty(t, rt.Error())
}

func TestLazyResolveThroughRuntime(t *testing.T) {
	h := newHarness(t)
	h.cfg.PLTTrampoline = 0x7fff00001000
	dep := h.lib("libdep.so", elftest.NewBuilder("libdep.so").Func("late"))
	rt, _ := h.boot(program().Needed("libdep.so").JumpSlot("late"), nil)
	exe := rt.Executable()

	assert.Equal(t, exe.ID, h.word(h.exeAddr(h.exe.GOT+8)))
	assert.Equal(t, uint64(0x7fff00001000), h.word(h.exeAddr(h.exe.GOT+16)))
	assert.Equal(t, h.exeAddr(h.exe.PLT[0]+6), h.word(h.exeAddr(h.exe.GOTSlots[0])))

	addr, err := rt.LazyResolve(exe.ID, 0)
	require.NoError(t, err)
	want := symbol(t, rt, "libdep.so", dep, "late")
	assert.Equal(t, want, addr)
	assert.Equal(t, want, h.word(h.exeAddr(h.exe.GOTSlots[0])))

	_, err = rt.LazyResolve(12345, 0)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	require.Len(t, h.panics, 1)
}

func TestLazyAndEagerBindingAgree(t *testing.T) {
	h := newHarness(t)
	img := h.lib("libplug.so", elftest.NewBuilder("libplug.so").
		Func("foo").
		Reloc("ptr", elf.R_X86_64_GLOB_DAT, "foo", 0).
		JumpSlot("foo"))
	rt, _ := h.boot(program().Func("foo"), nil)

	handle, err := rt.Open("libplug.so", false)
	require.NoError(t, err)
	want := h.exeAddr(h.exe.Symbols["foo"])
	assert.Equal(t, want, h.word(handle.Base+img.Slots["ptr"]), "eager")

	lazy, err := rt.LazyResolve(handle.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, want, lazy, "lazy")
	assert.Equal(t, want, h.word(handle.Base+img.GOTSlots[0]))

	// a handle lookup searches the object's own dependency closure
	addr, err := rt.Resolve(handle, "foo")
	require.NoError(t, err)
	assert.Equal(t, symbol(t, rt, "libplug.so", img, "foo"), addr)
}

func TestResolveWithHandleDuringLazyResolve(t *testing.T) {
	h := newHarness(t)
	dep := h.lib("libdep.so", elftest.NewBuilder("libdep.so").Func("target"))
	rt, _ := h.boot(program().Needed("libdep.so").JumpSlot("target"), nil)
	exe := rt.Executable()
	want := symbol(t, rt, "libdep.so", dep, "target")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			addr, err := rt.LazyResolve(exe.ID, 0)
			assert.NoError(t, err)
			assert.Equal(t, want, addr)
		}()
		go func() {
			defer wg.Done()
			<-start
			addr, err := rt.Resolve(exe, "target")
			assert.NoError(t, err)
			assert.Equal(t, want, addr)
		}()
	}
	close(start)
	wg.Wait()
	assert.Empty(t, h.panics)
}

func TestResolveTLS(t *testing.T) {
	h := newHarness(t)
	h.lib("libtls.so", elftest.NewBuilder("libtls.so").TLS("counter", []byte{42, 0, 0, 0, 0, 0, 0, 0}, 8))
	h.lib("libdyntls.so", elftest.NewBuilder("libdyntls.so").TLS("late_counter", []byte{7, 0, 0, 0, 0, 0, 0, 0}, 8))
	rt, _ := h.boot(program().Needed("libtls.so"), nil)

	obj, _ := rt.Repository().Lookup("libtls.so")
	require.Equal(t, linker.TLSModelInitial, obj.TLSModel)
	tp := rt.MainThread().ThreadPointer()

	addr, err := rt.Resolve(nil, "counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(int64(tp)+obj.TLSOffset), addr)
	assert.Equal(t, uint64(42), h.word(addr))

	viaIndex, err := rt.TLSAddress(linker.TLSIndex{Module: obj.TLSModuleID})
	require.NoError(t, err)
	assert.Equal(t, addr, viaIndex)

	// modules opened later use the dynamic model
	_, err = rt.Open("libdyntls.so", false)
	require.NoError(t, err)
	late, err := rt.Resolve(nil, "late_counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.word(late))
	lateObj, _ := rt.Repository().Lookup("libdyntls.so")
	_, err = rt.TLSAddress(linker.TLSIndex{Module: lateObj.TLSModuleID})
	assert.ErrorIs(t, err, linker.ErrNoInitialTLS)

	thread, err := rt.SetupThread()
	require.NoError(t, err)
	assert.NotEqual(t, tp, thread.ThreadPointer())
}
