// Package graph is a small pausable workflow runtime: a static directed
// graph of named nodes, each transforming workflow state, with CEL-routed
// conditional edges and checkpointed interrupts for human-in-the-loop gates.
package graph

import (
	"context"
	"fmt"

	"github.com/forgeline/overseer/common/state"
)

// End is the terminal routing target; it is not a node.
const End = "end"

// NodeFunc runs one node against the current state and returns a partial
// update to merge into it.
type NodeFunc func(ctx context.Context, st state.WorkflowState) (state.Update, error)

// Branch is one conditional routing arm. When is a CEL expression over the
// `state` variable; the first branch that evaluates true wins.
type Branch struct {
	When string
	To   string
}

type node struct {
	name      string
	fn        NodeFunc
	interrupt bool
	reason    string
}

// route is a node's outgoing edge set: either a bare fallback
// (unconditional edge) or ordered branches with an optional fallback.
type route struct {
	branches []Branch
	fallback string
}

// Builder accumulates nodes and edges; Compile validates the wiring and
// freezes the graph.
type Builder struct {
	nodes  map[string]*node
	routes map[string]route
	errs   []error
}

func NewBuilder() *Builder {
	return &Builder{
		nodes:  make(map[string]*node),
		routes: make(map[string]route),
	}
}

// AddNode registers a plain node.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	return b.add(&node{name: name, fn: fn})
}

// AddInterrupt registers a node that pauses the run on entry. The node's
// function executes only when the run is resumed with external input; the
// reason surfaces to callers waiting on the interrupt.
func (b *Builder) AddInterrupt(name, reason string, fn NodeFunc) *Builder {
	return b.add(&node{name: name, fn: fn, interrupt: true, reason: reason})
}

func (b *Builder) add(n *node) *Builder {
	if n.name == "" || n.name == End {
		b.errs = append(b.errs, fmt.Errorf("invalid node name %q", n.name))
		return b
	}
	if n.fn == nil {
		b.errs = append(b.errs, fmt.Errorf("node %s has no function", n.name))
		return b
	}
	if _, dup := b.nodes[n.name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node %s", n.name))
		return b
	}
	b.nodes[n.name] = n
	return b
}

// AddEdge wires an unconditional edge.
func (b *Builder) AddEdge(from, to string) *Builder {
	return b.setRoute(from, route{fallback: to})
}

// AddConditionalEdges wires ordered branches out of a node with a fallback
// target when none match.
func (b *Builder) AddConditionalEdges(from string, branches []Branch, fallback string) *Builder {
	return b.setRoute(from, route{branches: branches, fallback: fallback})
}

func (b *Builder) setRoute(from string, r route) *Builder {
	if _, dup := b.routes[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %s already has outgoing edges", from))
		return b
	}
	b.routes[from] = r
	return b
}

// Graph is an immutable compiled workflow graph.
type Graph struct {
	entry  string
	nodes  map[string]*node
	routes map[string]route
}

// Compile validates the accumulated wiring: the entry node exists, every
// node has outgoing edges, and every target is a node or End.
func (b *Builder) Compile(entry string) (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if _, ok := b.nodes[entry]; !ok {
		return nil, fmt.Errorf("entry node %q is not registered", entry)
	}

	for name := range b.nodes {
		r, ok := b.routes[name]
		if !ok {
			return nil, fmt.Errorf("node %s has no outgoing edges", name)
		}
		for _, br := range r.branches {
			if br.When == "" {
				return nil, fmt.Errorf("node %s has a branch without a condition", name)
			}
			if err := b.checkTarget(name, br.To); err != nil {
				return nil, err
			}
		}
		if len(r.branches) == 0 || r.fallback != "" {
			if err := b.checkTarget(name, r.fallback); err != nil {
				return nil, err
			}
		}
	}
	for from := range b.routes {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("edges leave unknown node %s", from)
		}
	}

	return &Graph{entry: entry, nodes: b.nodes, routes: b.routes}, nil
}

func (b *Builder) checkTarget(from, to string) error {
	if to == End {
		return nil
	}
	if _, ok := b.nodes[to]; !ok {
		return fmt.Errorf("node %s routes to unknown target %q", from, to)
	}
	return nil
}

// Entry returns the compiled entry node name.
func (g *Graph) Entry() string {
	return g.entry
}

// Nodes returns the registered node names.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	return out
}
