package linker

import (
	"debug/elf"
	"encoding/binary"
	"testing"
	"testing/fstest"

	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/internal/elftest"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestByNameIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.add("libfoo.so", elftest.NewBuilder("libfoo.so").Func("foo"))

	first, err := f.repo.RequestByName("libfoo.so", 1)
	require.NoError(t, err)
	second, err := f.repo.RequestByName("libfoo.so", 2)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, uint64(1), first.Generation)
	assert.Equal(t, "/lib/libfoo.so", first.Path)
	assert.Equal(t, "libfoo.so", first.SOName)
	assert.Len(t, f.space.Regions(), 1)

	byPath, err := f.repo.RequestByPath("/lib/../lib/libfoo.so", 3)
	require.NoError(t, err)
	assert.Same(t, first, byPath)

	byID, ok := f.repo.ByID(first.ID)
	require.True(t, ok)
	assert.Same(t, first, byID)

	at, ok := f.repo.ObjectAt(f.symbol(first, "foo"))
	require.True(t, ok)
	assert.Same(t, first, at)
	_, ok = f.repo.ObjectAt(0x10)
	assert.False(t, ok)
}

func TestSONAMEDeduplicatesMappings(t *testing.T) {
	f := newFixture(t)
	img, err := elftest.NewBuilder("libreal.so.1").Func("real").Build()
	require.NoError(t, err)
	f.fsys["lib/libreal.so"] = &fstest.MapFile{Data: img.Data}
	f.fsys["lib/libalias.so"] = &fstest.MapFile{Data: img.Data}

	canonical, err := f.repo.RequestByName("libreal.so", 1)
	require.NoError(t, err)
	alias, err := f.repo.RequestByName("libalias.so", 1)
	require.NoError(t, err)
	assert.Same(t, canonical, alias)
	assert.Len(t, f.space.Regions(), 1)
	assert.Len(t, f.repo.Objects(), 1)

	bySOName, ok := f.repo.Lookup("libreal.so.1")
	require.True(t, ok)
	assert.Same(t, canonical, bySOName)
	assert.Equal(t, []string{"libalias.so", "libreal.so", "libreal.so.1"}, f.repo.Names())
}

func TestSearchPathOrder(t *testing.T) {
	f := newFixture(t)
	first, err := elftest.NewBuilder("").Func("from_opt").Build()
	require.NoError(t, err)
	second, err := elftest.NewBuilder("").Func("from_lib").Build()
	require.NoError(t, err)
	f.fsys["opt/lib/libdup.so"] = &fstest.MapFile{Data: first.Data}
	f.fsys["lib/libdup.so"] = &fstest.MapFile{Data: second.Data}

	f.repo.SetSearchPaths([]string{"/opt/lib", "/lib"})
	assert.Equal(t, []string{"/opt/lib", "/lib"}, f.repo.SearchPaths())

	obj, err := f.repo.RequestByName("libdup.so", 1)
	require.NoError(t, err)
	assert.Equal(t, "/opt/lib/libdup.so", obj.Path)
	_, ok := LookupExport(obj, "from_opt")
	assert.True(t, ok)
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.RequestByName("libnothere.so", 1)
	assert.ErrorIs(t, err, ErrCannotLocate)

	_, err = f.repo.RequestByPath("/nowhere/libnothere.so", 1)
	assert.ErrorIs(t, err, ErrCannotLocate)

	f.fsys["lib/libjunk.so"] = &fstest.MapFile{Data: []byte("not an elf file at all, just text padding it out")}
	_, err = f.repo.RequestByName("libjunk.so", 1)
	assert.Error(t, err)
	assert.Empty(t, f.space.Regions())
}

func TestMalformedDynamicSection(t *testing.T) {
	for _, tc := range []struct {
		name string
		tag  elf.DynTag
		val  uint64
	}{
		{name: "syment", tag: elf.DT_SYMENT, val: 16},
		{name: "relaent", tag: elf.DT_RELAENT, val: 8},
		{name: "pltrel", tag: elf.DT_PLTREL, val: uint64(elf.DT_REL)},
		{name: "needed", tag: elf.DT_NEEDED, val: 1 << 20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.add("libbad.so", elftest.NewBuilder("libbad.so").Func("fn").Dynamic(tc.tag, tc.val))

			_, err := f.repo.RequestByName("libbad.so", 1)
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, ErrMalformedDynamic)
			assert.Empty(t, f.space.Regions())
			assert.Empty(t, f.repo.Names())
		})
	}
}

func TestRepositoryRollback(t *testing.T) {
	f := newFixture(t)
	f.add("libkeep.so", elftest.NewBuilder("libkeep.so"))
	f.add("libdrop.so", elftest.NewBuilder("libdrop.so"))

	keep, _ := f.load("libkeep.so", 1, true)
	_, err := f.repo.RequestByName("libdrop.so", 1)
	require.NoError(t, err)

	// only unlinked objects of the generation are dropped
	f.repo.Rollback(1)
	assert.Equal(t, []*SharedObject{keep}, f.repo.Objects())
	assert.Equal(t, []string{"libkeep.so"}, f.repo.Names())
	assert.Len(t, f.space.Regions(), 1)
}

func TestInjectFromDynamicSection(t *testing.T) {
	f := newFixture(t)
	img, err := elftest.NewBuilder("ld.so").Func("resolver").Build()
	require.NoError(t, err)
	mapped, err := MapImage(f.space, "ld.so", img.Data)
	require.NoError(t, err)

	obj, err := f.repo.InjectFromDynamicSection("ld.so", mapped.Base, mapped.Dynamic, 1)
	require.NoError(t, err)
	assert.Equal(t, "ld.so", obj.SOName)
	assert.Equal(t, mapped.Base+img.Dynamic, obj.Dynamic)

	again, err := f.repo.InjectFromDynamicSection("ld.so", mapped.Base, mapped.Dynamic, 1)
	require.NoError(t, err)
	assert.Same(t, obj, again)

	sym, ok := LookupExport(obj, "resolver")
	require.True(t, ok)
	assert.Equal(t, mapped.Base+img.Symbols["resolver"], sym.Address())
}

func TestInjectRequiresDynamicSegment(t *testing.T) {
	f := newFixture(t)
	region, err := f.space.Map(f.space.PageSize(), memmod.ProtRW, "phdrs")
	require.NoError(t, err)

	// PT_PHDR and a lone PT_LOAD
	ph := elfdyn.Phdr{Type: uint32(elf.PT_PHDR), Flags: uint32(elf.PF_R), MemSize: 2 * elfdyn.PhdrSize, Align: 8}.Append(nil)
	ph = elfdyn.Phdr{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R), MemSize: 0x1000, Align: 0x1000}.Append(ph)
	require.NoError(t, f.space.Write(region.Base, ph))
	_, err = f.repo.InjectFromProgramHeaders("exe", region.Base, elfdyn.PhdrSize, 2, 0, 1)
	assert.ErrorIs(t, err, ErrMissingDynamicSegment)
	assert.True(t, IsFatal(err))
}

func TestInjectRequiresPhdrSegment(t *testing.T) {
	f := newFixture(t)
	img, err := elftest.NewBuilder("").Func("start").Entry("start").Build()
	require.NoError(t, err)
	// turn PT_PHDR into PT_NULL; the table is still found through PT_LOAD
	binary.LittleEndian.PutUint32(img.Data[img.Phdr:], uint32(elf.PT_NULL))
	mapped, err := MapImage(f.space, "exe", img.Data)
	require.NoError(t, err)
	require.NotZero(t, mapped.Phdr)

	_, err = f.repo.InjectFromProgramHeaders("exe", mapped.Phdr, mapped.PhEnt, mapped.PhNum, mapped.Entry, 1)
	assert.ErrorIs(t, err, ErrMissingPhdrSegment)
	assert.True(t, IsFatal(err))
	assert.Empty(t, f.repo.Objects())
}
