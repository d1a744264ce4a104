package loader

import (
	"fmt"
	"time"

	"github.com/harrison/testfleet/internal/fixtures"
	"github.com/harrison/testfleet/internal/models"
)

// NodeOption adjusts a suite or test at declaration time.
type NodeOption func(n *models.Node)

// Uses lists the fixtures a test body needs.
func Uses(deps ...string) NodeOption {
	return func(n *models.Node) {
		n.Deps = append(n.Deps, deps...)
	}
}

// Only focuses the suite or test.
func Only() NodeOption {
	return func(n *models.Node) {
		n.Only = true
	}
}

// Skip marks the suite or test skipped.
func Skip() NodeOption {
	return func(n *models.Node) {
		n.Skipped = true
	}
}

// Timeout overrides the run timeout for a test.
func Timeout(d time.Duration) NodeOption {
	return func(n *models.Node) {
		n.Timeout = d
	}
}

// Modify attaches a configuration-dependent modifier to a test.
func Modify(m models.Modifier) NodeOption {
	return func(n *models.Node) {
		n.Modifiers = append(n.Modifiers, m)
	}
}

// Builder collects declarations while a LoadFunc runs.
type Builder struct {
	arena   *models.Arena
	current models.NodeID
	own     *fixtures.FixtureSet
	uses    []*fixtures.FixtureSet
	errs    []error
}

func newBuilder(file string) *Builder {
	a := models.NewArena(file)
	return &Builder{
		arena:   a,
		current: a.Root,
		own:     &fixtures.FixtureSet{Name: file, Location: file},
	}
}

// File returns the name of the file being loaded.
func (b *Builder) File() string {
	return b.arena.File
}

// Use makes the registrations of sets available to this file. Sets used later
// shadow those used earlier.
func (b *Builder) Use(sets ...*fixtures.FixtureSet) {
	b.uses = append(b.uses, sets...)
}

// Fixtures returns the file-local set. Its registrations override every used
// set.
func (b *Builder) Fixtures() *fixtures.FixtureSet {
	return b.own
}

// Describe declares a suite and runs fn to populate it.
func (b *Builder) Describe(title string, fn func(), opts ...NodeOption) models.NodeID {
	id := b.arena.AddSuite(b.current, title, fixtures.CallerLocation(1))
	for _, opt := range opts {
		opt(b.arena.Node(id))
	}
	prev := b.current
	b.current = id
	defer func() { b.current = prev }()
	if fn != nil {
		fn()
	}
	return id
}

// It declares a test in the current suite.
func (b *Builder) It(title string, body models.TestFunc, opts ...NodeOption) models.NodeID {
	if body == nil {
		b.errs = append(b.errs, fmt.Errorf("test %q: body is nil", title))
	}
	id := b.arena.AddTest(b.current, title, fixtures.CallerLocation(1), body, nil)
	n := b.arena.Node(id)
	for _, opt := range opts {
		opt(n)
	}
	var inherited []models.Modifier
	for _, anc := range b.arena.Ancestors(id) {
		suite := b.arena.Node(anc)
		if suite.Skipped {
			n.Skipped = true
		}
		inherited = append(inherited, suite.Modifiers...)
	}
	n.Modifiers = append(inherited, n.Modifiers...)
	return id
}

func (b *Builder) hook(kind string, fn models.TestFunc, deps []string) models.Hook {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("%s hook: function is nil", kind))
	}
	return models.Hook{Fn: fn, Deps: deps, Location: fixtures.CallerLocation(2)}
}

// BeforeAll runs fn once before the first test of the current suite. Only
// worker fixtures may be requested.
func (b *Builder) BeforeAll(fn models.TestFunc, deps ...string) {
	n := b.arena.Node(b.current)
	n.Hooks.BeforeAll = append(n.Hooks.BeforeAll, b.hook("beforeAll", fn, deps))
}

// AfterAll runs fn once after the last test of the current suite.
func (b *Builder) AfterAll(fn models.TestFunc, deps ...string) {
	n := b.arena.Node(b.current)
	n.Hooks.AfterAll = append(n.Hooks.AfterAll, b.hook("afterAll", fn, deps))
}

// BeforeEach runs fn before every test of the current suite and its children.
func (b *Builder) BeforeEach(fn models.TestFunc, deps ...string) {
	n := b.arena.Node(b.current)
	n.Hooks.BeforeEach = append(n.Hooks.BeforeEach, b.hook("beforeEach", fn, deps))
}

// AfterEach runs fn after every test of the current suite and its children.
func (b *Builder) AfterEach(fn models.TestFunc, deps ...string) {
	n := b.arena.Node(b.current)
	n.Hooks.AfterEach = append(n.Hooks.AfterEach, b.hook("afterEach", fn, deps))
}
