package linker

import (
	"debug/elf"
	"testing"

	"github.com/sliverarmory/rtld/internal/elftest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tpoff is the two's complement encoding TPOFF64 stores.
func tpoff(off int64) uint64 { return uint64(off) }

func addTLSLibrary(f *fixture) *elftest.Image {
	return f.add("libtls.so", elftest.NewBuilder("libtls.so").
		TLS("tls_a", []byte("abcdefgh"), 8).
		TLS("tls_b", nil, 32))
}

func TestInitialTLSRelocations(t *testing.T) {
	f := newFixture(t)
	tlsImg := addTLSLibrary(f)
	img := f.add("libuser.so", elftest.NewBuilder("libuser.so").
		Needed("libtls.so").
		Reloc("tpoff", elf.R_X86_64_TPOFF64, "tls_b", 0).
		Reloc("mod", elf.R_X86_64_DTPMOD64, "tls_b", 0).
		Reloc("dtpoff", elf.R_X86_64_DTPOFF64, "tls_b", 4))

	obj, _ := f.load("libuser.so", 1, true)
	def, ok := f.repo.Lookup("libtls.so")
	require.True(t, ok)

	require.Equal(t, uint64(8), tlsImg.Symbols["tls_b"])
	assert.Equal(t, uint64(1), def.TLSModuleID)
	assert.Equal(t, TLSModelInitial, def.TLSModel)
	assert.Equal(t, int64(-48), def.TLSOffset)
	assert.Zero(t, obj.TLSModuleID, "objects without PT_TLS get no module")

	assert.Equal(t, tpoff(-48+8), f.word(obj, img.Slots["tpoff"]))
	assert.Equal(t, uint64(1), f.word(obj, img.Slots["mod"]))
	assert.Equal(t, uint64(12), f.word(obj, img.Slots["dtpoff"]))

	assert.Equal(t, uint64(48), f.tls.InitialSize())
	assert.Equal(t, uint64(16), f.tls.InitialAlign())
}

func TestTLSOffsetsAccumulate(t *testing.T) {
	f := newFixture(t)
	f.add("libone.so", elftest.NewBuilder("libone.so").TLS("one", nil, 4))
	img := f.add("libtwo.so", elftest.NewBuilder("libtwo.so").
		Needed("libone.so").
		TLS("two", nil, 24).
		Reloc("self", elf.R_X86_64_TPOFF64, "", 16))

	two, _ := f.load("libtwo.so", 1, true)
	one, _ := f.repo.Lookup("libone.so")

	// discovery order: libtwo first
	assert.Equal(t, uint64(1), two.TLSModuleID)
	assert.Equal(t, uint64(2), one.TLSModuleID)
	assert.Equal(t, int64(-32), two.TLSOffset)
	assert.Equal(t, int64(-48), one.TLSOffset)
	assert.Equal(t, tpoff(-32+16), f.word(two, img.Slots["self"]))

	mods := f.tls.Modules()
	assert.Equal(t, []*SharedObject{two, one}, mods)
}

func TestSetupThreadCopiesInitialImages(t *testing.T) {
	f := newFixture(t)
	addTLSLibrary(f)
	f.load("libtls.so", 1, true)

	thread, err := f.tls.SetupThread(f.space)
	require.NoError(t, err)
	tp := thread.ThreadPointer()

	self, err := f.space.Load64(tp)
	require.NoError(t, err)
	assert.Equal(t, tp, self, "TCB points to itself")

	block, err := f.space.Read(tp-48, 48)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), block[:8])
	assert.Equal(t, make([]byte, 40), block[8:])

	addr, err := thread.TLSAddress(TLSIndex{Module: 1, Offset: 8})
	require.NoError(t, err)
	assert.Equal(t, tp-40, addr)

	// each thread gets its own copy
	other, err := f.tls.SetupThread(f.space)
	require.NoError(t, err)
	assert.NotEqual(t, tp, other.ThreadPointer())
	require.NoError(t, f.space.Store64(tp-48, 0))
	data, err := f.space.Read(other.ThreadPointer()-48, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), data)

	_, err = thread.TLSAddress(TLSIndex{Module: 7})
	assert.ErrorIs(t, err, ErrUnknownTLSModule)
}

func TestDynamicTLSBlocks(t *testing.T) {
	f := newFixture(t)
	addTLSLibrary(f)
	obj, _ := f.load("libtls.so", 1, false)
	assert.Equal(t, TLSModelDynamic, obj.TLSModel)
	assert.Zero(t, f.tls.InitialSize())

	thread, err := f.tls.SetupThread(f.space)
	require.NoError(t, err)

	_, err = f.tls.InitialAddress(thread, TLSIndex{Module: obj.TLSModuleID})
	assert.ErrorIs(t, err, ErrNoInitialTLS)

	base, err := thread.TLSAddress(TLSIndex{Module: obj.TLSModuleID})
	require.NoError(t, err)
	data, err := f.space.Read(base, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), data)

	again, err := thread.TLSAddress(TLSIndex{Module: obj.TLSModuleID, Offset: 8})
	require.NoError(t, err)
	assert.Equal(t, base+8, again, "block is allocated once")
}

func TestStaticTLSAgainstDynamicModule(t *testing.T) {
	f := newFixture(t)
	f.add("libbase.so", elftest.NewBuilder("libbase.so").Func("base_fn"))
	f.load("libbase.so", 1, true)
	regions := len(f.space.Regions())

	f.add("libstatic.so", elftest.NewBuilder("libstatic.so").
		Needed("libbase.so").
		TLS("counter", nil, 8).
		Reloc("off", elf.R_X86_64_TPOFF64, "counter", 0))

	l, err := f.link("libstatic.so", 2, false)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrStaticTLSUnavailable)

	l.Rollback()
	assert.Zero(t, f.tls.Len())
	assert.Equal(t, 1, f.scope.Len())
	_, ok := f.repo.Lookup("libstatic.so")
	assert.False(t, ok)
	assert.Len(t, f.space.Regions(), regions)
}
