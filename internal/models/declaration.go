package models

import (
	"context"
	"strings"
	"time"
)

// NodeID addresses a node inside an Arena.
type NodeID int

// NoParent is the parent of the root suite.
const NoParent NodeID = -1

// NodeKind distinguishes suites from tests.
type NodeKind int

const (
	// KindSuite marks a describe block (or the implicit file root).
	KindSuite NodeKind = iota
	// KindTest marks a single declared test.
	KindTest
)

// TestFunc is the body of a test or hook. fx carries the resolved fixtures
// that were named in the declaration's dependency list.
type TestFunc func(ctx context.Context, fx Values, t *TestInfo) error

// Hook is a lifecycle callback attached to a suite.
type Hook struct {
	Fn       TestFunc
	Deps     []string
	Location string
}

// Hooks groups a suite's lifecycle callbacks by kind.
type Hooks struct {
	BeforeAll  []Hook
	AfterAll   []Hook
	BeforeEach []Hook
	AfterEach  []Hook
}

// Node is one entry of the declaration tree: either a suite or a test.
// Parent is a back reference only; the arena owns every node and a suite
// owns its children through the Children list.
type Node struct {
	ID       NodeID
	Kind     NodeKind
	Title    string
	File     string
	Location string
	Parent   NodeID
	Only     bool
	Skipped  bool

	// Suite fields
	Children []NodeID
	Hooks    Hooks

	// Test fields
	Body      TestFunc
	Deps      []string
	Modifiers []Modifier
	Timeout   time.Duration
	Ordinal   int
	Variants  []*TestVariant
}

// IsSuite reports whether the node is a suite.
func (n *Node) IsSuite() bool {
	return n.Kind == KindSuite
}

// Arena owns the declaration tree of a single loaded file.
type Arena struct {
	File  string
	Nodes []*Node
	Root  NodeID
}

// NewArena creates an arena holding an empty, untitled root suite for file.
func NewArena(file string) *Arena {
	a := &Arena{File: file}
	a.Root = a.add(&Node{Kind: KindSuite, File: file, Parent: NoParent})
	return a
}

func (a *Arena) add(n *Node) NodeID {
	n.ID = NodeID(len(a.Nodes))
	a.Nodes = append(a.Nodes, n)
	if n.Parent != NoParent {
		parent := a.Nodes[n.Parent]
		parent.Children = append(parent.Children, n.ID)
	}
	return n.ID
}

// AddSuite declares a child suite of parent and returns its id.
func (a *Arena) AddSuite(parent NodeID, title, location string) NodeID {
	return a.add(&Node{
		Kind:     KindSuite,
		Title:    title,
		File:     a.File,
		Location: location,
		Parent:   parent,
	})
}

// AddTest declares a test inside parent and returns its id.
func (a *Arena) AddTest(parent NodeID, title, location string, body TestFunc, deps []string) NodeID {
	return a.add(&Node{
		Kind:     KindTest,
		Title:    title,
		File:     a.File,
		Location: location,
		Parent:   parent,
		Body:     body,
		Deps:     deps,
	})
}

// Node returns the node with the given id.
func (a *Arena) Node(id NodeID) *Node {
	return a.Nodes[id]
}

// Ancestors returns the suites enclosing id, outermost first. The root suite
// is included; the node itself is not.
func (a *Arena) Ancestors(id NodeID) []NodeID {
	var chain []NodeID
	for p := a.Nodes[id].Parent; p != NoParent; p = a.Nodes[p].Parent {
		chain = append(chain, p)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// TitlePath joins the titles from the root down to id, skipping empty titles.
func (a *Arena) TitlePath(id NodeID) string {
	var parts []string
	for _, anc := range a.Ancestors(id) {
		if t := a.Nodes[anc].Title; t != "" {
			parts = append(parts, t)
		}
	}
	if t := a.Nodes[id].Title; t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}

// Walk visits the subtree rooted at id depth-first in declaration order.
// Returning false from fn skips the node's children.
func (a *Arena) Walk(id NodeID, fn func(n *Node) bool) {
	n := a.Nodes[id]
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		a.Walk(child, fn)
	}
}

// Tests returns every test reachable from the root in declaration order.
func (a *Arena) Tests() []*Node {
	var tests []*Node
	a.Walk(a.Root, func(n *Node) bool {
		if n.Kind == KindTest {
			tests = append(tests, n)
		}
		return true
	})
	return tests
}

// Renumber assigns each test a stable depth-first ordinal.
func (a *Arena) Renumber() {
	for i, t := range a.Tests() {
		t.Ordinal = i
	}
}

// HasOnly reports whether any node in the arena is focused.
func (a *Arena) HasOnly() bool {
	for _, n := range a.Nodes {
		if n.Only {
			return true
		}
	}
	return false
}

// Clone returns a copy of the arena whose suites list only the tests in keep
// and the suites leading to them. Node ids are preserved; nodes are copied so
// the clone can carry its own children lists.
func (a *Arena) Clone(keep map[NodeID]bool) *Arena {
	c := &Arena{File: a.File, Root: a.Root, Nodes: make([]*Node, len(a.Nodes))}
	for i, n := range a.Nodes {
		cp := *n
		cp.Children = nil
		c.Nodes[i] = &cp
	}
	var build func(id NodeID) bool
	build = func(id NodeID) bool {
		src := a.Nodes[id]
		if src.Kind == KindTest {
			return keep[id]
		}
		kept := false
		for _, child := range src.Children {
			if build(child) {
				c.Nodes[id].Children = append(c.Nodes[id].Children, child)
				kept = true
			}
		}
		return kept
	}
	build(a.Root)
	return c
}

// Empty reports whether the arena holds no reachable tests.
func (a *Arena) Empty() bool {
	return len(a.Tests()) == 0
}

// FilterOnly prunes every subtree that is not focused and has no focused
// descendant. It must only be called when some arena of the run has focus.
func (a *Arena) FilterOnly() {
	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		n := a.Nodes[id]
		if n.Only {
			return true
		}
		if n.Kind == KindTest {
			return false
		}
		var kept []NodeID
		for _, child := range n.Children {
			if visit(child) {
				kept = append(kept, child)
			}
		}
		n.Children = kept
		return len(kept) > 0
	}
	if !visit(a.Root) {
		a.Nodes[a.Root].Children = nil
	}
}

// FocusedSurvivor returns the first focused node reachable from the root,
// or nil when nothing focused remains.
func (a *Arena) FocusedSurvivor() *Node {
	var found *Node
	a.Walk(a.Root, func(n *Node) bool {
		if found != nil {
			return false
		}
		if n.Only {
			found = n
			return false
		}
		return true
	})
	return found
}
