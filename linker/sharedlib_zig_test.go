package linker_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sliverarmory/rtld/internal/logging"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildZigSharedLib compiles testdata/c/<name>.c into a freestanding
// x86-64 shared object with zig cc.
func buildZigSharedLib(t *testing.T, outDir, name string) string {
	t.Helper()
	if _, err := exec.LookPath("zig"); err != nil {
		t.Skip("zig not found in PATH")
	}

	outputPath := filepath.Join(outDir, "lib"+name+".so")
	cmd := exec.Command("zig", "cc",
		"-target", "x86_64-linux-gnu",
		"-shared", "-fPIC", "-nostdlib", "-O1",
		"-Wl,-soname,lib"+name+".so",
		"-Wl,--hash-style=both",
		"-o", outputPath,
		filepath.Join("testdata", "c", name+".c"),
	)
	cmd.Env = overrideEnv(os.Environ(), map[string]string{
		"ZIG_GLOBAL_CACHE_DIR": filepath.Join(os.TempDir(), "rtld-zig-cache"),
	})
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shared library %s: %v\n%s", name, err, out)
	}
	return outputPath
}

func overrideEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if _, drop := overrides[key]; drop {
			continue
		}
		out = append(out, kv)
	}
	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}

func TestLinkToolchainSharedObject(t *testing.T) {
	dir := t.TempDir()
	buildZigSharedLib(t, dir, "basic")

	space := memmod.NewSpace()
	t.Cleanup(func() {
		for _, r := range space.Regions() {
			_ = space.Unmap(r.Base)
		}
	})
	repo := linker.NewRepository(space, linker.RepositoryOptions{
		FS:          os.DirFS(dir),
		SearchPaths: []string{"/"},
		Logger:      logging.Discard(),
	})
	obj, err := repo.RequestByName("libbasic.so", 1)
	require.NoError(t, err)
	assert.Equal(t, "libbasic.so", obj.SOName)

	scope := linker.NewScope("global")
	loader := linker.NewLoader(linker.LoaderOptions{
		Repository:  repo,
		TLS:         linker.NewTLSMap(),
		Scope:       scope,
		Logger:      logging.Discard(),
		InitialLoad: true,
		Generation:  1,
	})
	require.NoError(t, loader.Submit(obj))
	require.NoError(t, loader.LinkObjects())
	require.NoError(t, loader.InitObjects())

	counter, ok := linker.ResolveWholeScope(scope, "basic_counter", nil)
	require.True(t, ok)
	value, err := space.Load32(counter.Address())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), value)

	ptr, ok := linker.ResolveWholeScope(scope, "basic_counter_ptr", nil)
	require.True(t, ok)
	target, err := space.Load64(ptr.Address())
	require.NoError(t, err)
	assert.Equal(t, counter.Address(), target)

	add, ok := linker.ResolveWholeScope(scope, "basic_add", nil)
	require.True(t, ok)
	sym, ok := linker.FindSymbolAt(obj, add.Address(), true)
	require.True(t, ok)
	assert.Equal(t, "basic_add", sym.Name)

	_, ok = linker.ResolveWholeScope(scope, "basic_hidden", nil)
	assert.False(t, ok)
}
