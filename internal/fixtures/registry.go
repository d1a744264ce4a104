// Package fixtures resolves named, dependency-injected values for tests and
// hooks.
//
// Registrations are grouped into FixtureSets. A loaded file builds a Chain
// from the sets it uses plus its own overrides; the Chain is then handed to a
// Pool, which creates fixture instances lazily and tears them down in reverse
// order when their scope closes.
package fixtures

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/harrison/testfleet/internal/models"
)

// Scope is the lifetime class of a fixture.
type Scope string

const (
	// ScopeWorker fixtures live as long as the worker process that created them.
	ScopeWorker Scope = "worker"
	// ScopeTest fixtures are created for one test and torn down after it.
	ScopeTest Scope = "test"
)

// Resolver produces a fixture value. It must call use exactly once with the
// value; use blocks until the fixture is torn down, after which the resolver
// may release whatever it holds and return.
type Resolver func(ctx context.Context, deps models.Values, use func(value any)) error

// Registration declares one fixture.
type Registration struct {
	Name        string
	Scope       Scope
	Resolver    Resolver
	Deps        []string
	Location    string
	Parameter   bool
	Default     any
	Description string
}

// FixtureSet is a located group of registrations. Sets may require other sets,
// whose registrations then sit below their own in every override chain.
type FixtureSet struct {
	Name          string
	Location      string
	requires      []*FixtureSet
	registrations []*Registration
}

// NewSet creates a fixture set that builds on requires.
func NewSet(name string, requires ...*FixtureSet) *FixtureSet {
	return &FixtureSet{
		Name:     name,
		Location: CallerLocation(1),
		requires: requires,
	}
}

// Worker registers a worker-scoped fixture.
func (s *FixtureSet) Worker(name string, deps []string, fn Resolver) *FixtureSet {
	return s.Register(Registration{Name: name, Scope: ScopeWorker, Deps: deps, Resolver: fn, Location: CallerLocation(1)})
}

// Test registers a test-scoped fixture.
func (s *FixtureSet) Test(name string, deps []string, fn Resolver) *FixtureSet {
	return s.Register(Registration{Name: name, Scope: ScopeTest, Deps: deps, Resolver: fn, Location: CallerLocation(1)})
}

// Parameter registers a matrix parameter. Its value comes from the chosen
// configuration, falling back to def when the matrix does not list it.
func (s *FixtureSet) Parameter(name, description string, def any) *FixtureSet {
	return s.Register(Registration{
		Name:        name,
		Scope:       ScopeWorker,
		Parameter:   true,
		Default:     def,
		Description: description,
		Location:    CallerLocation(1),
	})
}

// Register appends reg to the set.
func (s *FixtureSet) Register(reg Registration) *FixtureSet {
	if reg.Location == "" {
		reg.Location = CallerLocation(1)
	}
	r := reg
	s.registrations = append(s.registrations, &r)
	return s
}

// Registrations returns the set's own registrations in declaration order.
func (s *FixtureSet) Registrations() []*Registration {
	return s.registrations
}

// CallerLocation returns file:line of the caller skip frames above it.
func CallerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.ToSlash(file), line)
}

// Binding identifies one registration in a chain: the fixture name plus the
// position in that name's override stack.
type Binding struct {
	Name  string
	Index int
}

func (b Binding) String() string {
	return fmt.Sprintf("%s#%d", b.Name, b.Index)
}

// Chain is the resolved override order of one loaded file. For each name it
// holds a stack of registrations; later entries shadow earlier ones.
type Chain struct {
	stacks map[string][]*Registration
}

// NewChain flattens sets into a chain: each set's requirements come first
// (every set at most once), followed by the set itself.
func NewChain(sets ...*FixtureSet) *Chain {
	c := &Chain{stacks: make(map[string][]*Registration)}
	seen := make(map[*FixtureSet]bool)
	var visit func(s *FixtureSet)
	visit = func(s *FixtureSet) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		for _, req := range s.requires {
			visit(req)
		}
		for _, reg := range s.registrations {
			c.stacks[reg.Name] = append(c.stacks[reg.Name], reg)
		}
	}
	for _, s := range sets {
		visit(s)
	}
	return c
}

// Names returns every registered name, sorted.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.stacks))
	for name := range c.stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Top returns the binding of the current (topmost) registration for name.
func (c *Chain) Top(name string) (Binding, error) {
	stack := c.stacks[name]
	if len(stack) == 0 {
		return Binding{}, fmt.Errorf("%w %q", ErrUnknownFixture, name)
	}
	return Binding{Name: name, Index: len(stack) - 1}, nil
}

// At returns the registration bound by b.
func (c *Chain) At(b Binding) *Registration {
	return c.stacks[b.Name][b.Index]
}

// depBinding resolves dependency dep of the registration at b. A registration
// that depends on its own name wraps the registration below it.
func (c *Chain) depBinding(b Binding, dep string) (Binding, error) {
	if dep != b.Name {
		return c.Top(dep)
	}
	if b.Index == 0 {
		return Binding{}, fmt.Errorf("%w: %q", ErrNotYetAvailable, dep)
	}
	return Binding{Name: dep, Index: b.Index - 1}, nil
}

// Closure returns every binding reachable from deps, dependencies before
// dependents. It fails on unknown names, unavailable overrides, cycles and
// worker fixtures that depend on test fixtures.
func (c *Chain) Closure(deps []string) ([]Binding, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[Binding]int)
	var order []Binding
	var path []string

	var visit func(b Binding) error
	visit = func(b Binding) error {
		switch colors[b] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: %s -> %s", ErrCycle, strings.Join(path, " -> "), b.Name)
		}
		colors[b] = gray
		path = append(path, b.Name)
		reg := c.At(b)
		for _, dep := range reg.Deps {
			db, err := c.depBinding(b, dep)
			if err != nil {
				return fmt.Errorf("fixture %q: %w", b.Name, err)
			}
			if reg.Scope == ScopeWorker && c.At(db).Scope == ScopeTest {
				return fmt.Errorf("worker fixture %q cannot depend on test fixture %q", b.Name, dep)
			}
			if err := visit(db); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colors[b] = black
		order = append(order, b)
		return nil
	}

	for _, dep := range deps {
		b, err := c.Top(dep)
		if err != nil {
			return nil, err
		}
		if err := visit(b); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// CheckWorkerOnly fails when any fixture reachable from deps is test-scoped.
// beforeAll and afterAll hooks run outside any test and may only use worker
// fixtures.
func (c *Chain) CheckWorkerOnly(deps []string) error {
	closure, err := c.Closure(deps)
	if err != nil {
		return err
	}
	for _, b := range closure {
		if c.At(b).Scope == ScopeTest {
			return fmt.Errorf("test fixture %q is not available outside a test", b.Name)
		}
	}
	return nil
}

// Parameters returns the effective value of every parameter fixture in the
// chain: the configured value when present, otherwise the default of the
// topmost registration.
func (c *Chain) Parameters(configured models.Values) models.Values {
	out := models.Values{}
	for name, stack := range c.stacks {
		reg := stack[len(stack)-1]
		if !reg.Parameter {
			continue
		}
		if v, ok := configured[name]; ok {
			out[name] = v
		} else {
			out[name] = reg.Default
		}
	}
	return out
}
