// Package loader turns registered test files into declaration trees.
//
// Go cannot load source files at run time, so a "file" is a named LoadFunc
// registered up front. Loading runs the function against a fresh Builder;
// running it again yields a fresh, independent tree, which is what workers
// rely on to rebuild a file per payload.
package loader

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/harrison/testfleet/internal/fixtures"
	"github.com/harrison/testfleet/internal/models"
)

// LoadFunc declares the suites, tests, hooks and fixtures of one file.
type LoadFunc func(b *Builder)

// FileLoadError reports a file whose LoadFunc failed.
type FileLoadError struct {
	File  string
	Err   error
	Stack string
}

// Error implements the error interface.
func (e *FileLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileLoadError) Unwrap() error {
	return e.Err
}

// Registry maps file names to their LoadFuncs. Build one per program and
// share it between the dispatcher and its workers.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]LoadFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]LoadFunc)}
}

// File registers fn under name. Registering the same name twice is an error.
func (r *Registry) File(name string, fn LoadFunc) error {
	if name == "" {
		return fmt.Errorf("file name is required")
	}
	if fn == nil {
		return fmt.Errorf("file %s: load function is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[name]; exists {
		return fmt.Errorf("file %s: already registered", name)
	}
	r.loaders[name] = fn
	return nil
}

// MustFile is File that panics on error, for use in package init.
func (r *Registry) MustFile(name string, fn LoadFunc) {
	if err := r.File(name, fn); err != nil {
		panic(err)
	}
}

// Files returns the registered file names in sorted order.
func (r *Registry) Files() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File is a loaded test file: its declaration tree plus its fixture chain.
type File struct {
	Name  string
	Arena *models.Arena
	Chain *fixtures.Chain
}

// Load runs the LoadFunc of name against a fresh builder. Panics inside the
// LoadFunc are reported as FileLoadError.
func (r *Registry) Load(name string) (file *File, err error) {
	r.mu.RLock()
	fn, ok := r.loaders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &FileLoadError{File: name, Err: fmt.Errorf("file is not registered")}
	}

	b := newBuilder(name)
	defer func() {
		if rec := recover(); rec != nil {
			file = nil
			err = &FileLoadError{File: name, Err: fmt.Errorf("panic: %v", rec), Stack: string(debug.Stack())}
		}
	}()
	fn(b)
	if len(b.errs) > 0 {
		return nil, &FileLoadError{File: name, Err: b.errs[0]}
	}
	b.arena.Renumber()
	return &File{
		Name:  name,
		Arena: b.arena,
		Chain: fixtures.NewChain(append(b.uses, b.own)...),
	}, nil
}
