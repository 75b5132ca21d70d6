package linker

import (
	"slices"
	"sync"
)

// Scope is an ordered, duplicate-free list of objects that defines symbol
// search precedence. Scopes only grow, except when a failed load session
// withdraws the objects it appended.
type Scope struct {
	Name string

	mu      sync.RWMutex
	objects []*SharedObject
	members map[*SharedObject]struct{}
}

func NewScope(name string) *Scope {
	return &Scope{Name: name, members: map[*SharedObject]struct{}{}}
}

// Append adds obj at the end of the scope and reports whether it was new.
func (s *Scope) Append(obj *SharedObject) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[obj]; ok {
		return false
	}
	s.members[obj] = struct{}{}
	s.objects = append(s.objects, obj)
	return true
}

func (s *Scope) Contains(obj *SharedObject) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[obj]
	return ok
}

// Objects returns a snapshot in insertion order.
func (s *Scope) Objects() []*SharedObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.objects)
}

func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *Scope) truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects[n:] {
		delete(s.members, obj)
	}
	s.objects = s.objects[:n]
}

// buildObjectScope returns the breadth-first dependency closure of root,
// root first.
func buildObjectScope(root *SharedObject) *Scope {
	scope := NewScope(root.Name)
	work := []*SharedObject{root}
	seen := map[*SharedObject]bool{root: true}
	for i := 0; i < len(work); i++ {
		scope.Append(work[i])
		for _, dep := range work[i].Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			work = append(work, dep)
		}
	}
	return scope
}

// OpenScope returns obj's private scope, building it on first use. The
// first published scope wins when callers race.
func OpenScope(obj *SharedObject) *Scope {
	if scope := obj.objectScope.Load(); scope != nil {
		return scope
	}
	obj.objectScope.CompareAndSwap(nil, buildObjectScope(obj))
	return obj.objectScope.Load()
}

// ObjectScope returns the private scope built by OpenScope, or nil.
func (o *SharedObject) ObjectScope() *Scope {
	return o.objectScope.Load()
}
