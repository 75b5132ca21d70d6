package linker

import (
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/sliverarmory/rtld/elfdyn"
	"github.com/sliverarmory/rtld/memmod"
)

// DefaultSearchPaths is used when no search path is configured.
var DefaultSearchPaths = []string{"/lib", "/usr/lib", "/lib64", "/usr/lib64"}

type RepositoryOptions struct {
	// FS resolves library paths. Absolute paths are looked up with the
	// leading slash removed, so os.DirFS("/") serves the host filesystem.
	FS          fs.FS
	SearchPaths []string
	Logger      *slog.Logger
}

// Repository owns every loaded object and indexes it by requested name,
// SONAME and canonical path.
type Repository struct {
	mu          sync.Mutex
	space       *memmod.Space
	fsys        fs.FS
	searchPaths []string
	logger      *slog.Logger

	nextID  uint64
	objects []*SharedObject
	byName  map[string]*SharedObject
	byPath  map[string]*SharedObject
	byID    map[uint64]*SharedObject
}

func NewRepository(space *memmod.Space, opts RepositoryOptions) *Repository {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	searchPaths := opts.SearchPaths
	if len(searchPaths) == 0 {
		searchPaths = DefaultSearchPaths
	}
	return &Repository{
		space:       space,
		fsys:        opts.FS,
		searchPaths: slices.Clone(searchPaths),
		logger:      logger,
		byName:      map[string]*SharedObject{},
		byPath:      map[string]*SharedObject{},
		byID:        map[uint64]*SharedObject{},
	}
}

func (r *Repository) Space() *memmod.Space { return r.space }

// SetSearchPaths replaces the library search path.
func (r *Repository) SetSearchPaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchPaths = slices.Clone(paths)
}

func (r *Repository) SearchPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.searchPaths)
}

// InjectFromDynamicSection registers an object that something else already
// mapped at base.
func (r *Repository) InjectFromDynamicSection(name string, base, dynamic, generation uint64) (*SharedObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obj, ok := r.byName[name]; ok {
		return obj, nil
	}
	obj := newSharedObject(r.space, name, base, generation)
	obj.Dynamic = dynamic
	if err := r.parseLocked(obj); err != nil {
		return nil, err
	}
	r.registerLocked(obj, name, "")
	return obj, nil
}

// InjectFromProgramHeaders registers the executable from its program header
// table. The load base is AT_PHDR minus the PT_PHDR address, so an image
// without PT_PHDR is rejected.
func (r *Repository) InjectFromProgramHeaders(name string, phdr, phent, phnum, entry, generation uint64) (*SharedObject, error) {
	raw, err := r.space.Read(phdr, phent*phnum)
	if err != nil {
		return nil, fatal("read program headers", nil, err)
	}
	phdrs, err := elfdyn.DecodePhdrs(raw, int(phent), int(phnum))
	if err != nil {
		return nil, fatal("decode program headers", nil, err)
	}

	var base, dynamic uint64
	hasPhdr, hasDynamic := false, false
	for _, ph := range phdrs {
		if elf.ProgType(ph.Type) == elf.PT_PHDR {
			base, hasPhdr = phdr-ph.VAddr, true
		}
	}
	if !hasPhdr {
		return nil, fatal("inject executable", nil, ErrMissingPhdrSegment)
	}
	for _, ph := range phdrs {
		if elf.ProgType(ph.Type) == elf.PT_DYNAMIC {
			dynamic, hasDynamic = base+ph.VAddr, true
		}
	}
	if !hasDynamic {
		return nil, fatal("inject executable", nil, ErrMissingDynamicSegment)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.byName[name]; ok {
		return obj, nil
	}
	obj := newSharedObject(r.space, name, base, generation)
	obj.IsExecutable = true
	obj.Dynamic = dynamic
	obj.Entry = entry
	obj.ApplyProgramHeaders(phdrs)
	if err := r.parseLocked(obj); err != nil {
		return nil, err
	}
	r.registerLocked(obj, name, "")
	return obj, nil
}

// RequestByName finds or loads a dependency. Names containing a slash are
// treated as paths; anything else is looked up along the search path.
func (r *Repository) RequestByName(name string, generation uint64) (*SharedObject, error) {
	if strings.Contains(name, "/") {
		return r.RequestByPath(name, generation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.byName[name]; ok {
		return obj, nil
	}
	for _, dir := range r.searchPaths {
		candidate := path.Join(dir, name)
		if obj, ok := r.byPath[candidate]; ok {
			r.byName[name] = obj
			return obj, nil
		}
		data, err := r.readFile(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rtld: read %s: %w", candidate, err)
		}
		return r.loadLocked(name, candidate, data, generation)
	}
	return nil, fmt.Errorf("%w: %s", ErrCannotLocate, name)
}

func (r *Repository) RequestByPath(p string, generation uint64) (*SharedObject, error) {
	canonical := path.Clean(p)

	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.byPath[canonical]; ok {
		return obj, nil
	}
	data, err := r.readFile(canonical)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCannotLocate, p)
	}
	if err != nil {
		return nil, fmt.Errorf("rtld: read %s: %w", canonical, err)
	}
	return r.loadLocked(path.Base(canonical), canonical, data, generation)
}

func (r *Repository) readFile(p string) ([]byte, error) {
	if r.fsys == nil {
		return nil, fs.ErrNotExist
	}
	name := strings.TrimPrefix(p, "/")
	if !fs.ValidPath(name) {
		return nil, fs.ErrNotExist
	}
	return fs.ReadFile(r.fsys, name)
}

func (r *Repository) loadLocked(name, canonical string, data []byte, generation uint64) (*SharedObject, error) {
	img, err := MapImage(r.space, name, data)
	if err != nil {
		return nil, fmt.Errorf("rtld: map %s: %w", canonical, err)
	}
	obj := newSharedObject(r.space, name, img.Base, generation)
	obj.Path = canonical
	obj.Dynamic = img.Dynamic
	obj.region = img.Region
	obj.ApplyProgramHeaders(img.Phdrs)
	if obj.Dynamic == 0 {
		_ = r.space.Unmap(img.Region)
		return nil, fatal("load", obj, ErrMissingDynamicSegment)
	}
	if err := r.parseLocked(obj); err != nil {
		_ = r.space.Unmap(img.Region)
		return nil, err
	}

	if obj.SOName != "" {
		if existing, ok := r.byName[obj.SOName]; ok {
			r.logger.Debug("dropping duplicate mapping", "name", name, "path", canonical, "soname", obj.SOName)
			_ = r.space.Unmap(img.Region)
			r.byName[name] = existing
			r.byPath[canonical] = existing
			return existing, nil
		}
	}
	r.registerLocked(obj, name, canonical)
	r.logger.Debug("loaded object", "name", name, "path", canonical, "base", fmt.Sprintf("%#x", obj.Base), "generation", generation)
	return obj, nil
}

func (r *Repository) parseLocked(obj *SharedObject) error {
	ignored, err := obj.parseDynamic()
	if err != nil {
		return fatal("parse dynamic section", obj, err)
	}
	for _, tag := range ignored {
		r.logger.Debug("unexpected dynamic entry", "object", obj.Name, "tag", tag.String())
	}
	return nil
}

func (r *Repository) registerLocked(obj *SharedObject, name, canonical string) {
	r.nextID++
	obj.ID = r.nextID
	r.objects = append(r.objects, obj)
	r.byID[obj.ID] = obj
	for _, key := range []string{name, obj.SOName} {
		if _, ok := r.byName[key]; key != "" && !ok {
			r.byName[key] = obj
		}
	}
	if canonical != "" {
		r.byPath[canonical] = obj
	}
}

// Rollback forgets and unmaps every object of generation that never
// finished linking, restoring the repository to its state before that
// generation's requests.
func (r *Repository) Rollback(generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := map[*SharedObject]bool{}
	r.objects = slices.DeleteFunc(r.objects, func(obj *SharedObject) bool {
		if obj.Generation != generation || obj.linked {
			return false
		}
		dropped[obj] = true
		return true
	})
	if len(dropped) == 0 {
		return
	}
	for _, index := range []map[string]*SharedObject{r.byName, r.byPath} {
		for key, obj := range index {
			if dropped[obj] {
				delete(index, key)
			}
		}
	}
	for obj := range dropped {
		delete(r.byID, obj.ID)
		if obj.region != 0 {
			if err := r.space.Unmap(obj.region); err != nil {
				r.logger.Warn("unmap during rollback failed", "object", obj.Name, "error", err)
			}
		}
		r.logger.Debug("rolled back object", "object", obj.Name, "generation", generation)
	}
}

// Lookup returns the object registered under name without loading it.
func (r *Repository) Lookup(name string) (*SharedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.byName[name]
	if !ok {
		obj, ok = r.byPath[path.Clean(name)]
	}
	return obj, ok
}

func (r *Repository) ByID(id uint64) (*SharedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.byID[id]
	return obj, ok
}

// Objects returns every object in load order.
func (r *Repository) Objects() []*SharedObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.objects)
}

// Names returns every name an object is registered under, sorted.
func (r *Repository) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := fn.MapKeys(r.byName)
	slices.Sort(names)
	return names
}

// ObjectAt returns the object whose image contains addr.
func (r *Repository) ObjectAt(addr uint64) (*SharedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, obj := range r.objects {
		if obj.Contains(addr) {
			return obj, true
		}
	}
	return nil, false
}
