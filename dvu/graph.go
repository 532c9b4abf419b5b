package dvu

import (
	"sort"

	"kaigraph/graph"
	"kaigraph/model"
)

// State is the scheduling state of one value in a run.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	// StateBlocked marks a value whose input failed. It is never scheduled
	// again in the run.
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateBlocked
}

type valueNode struct {
	id         graph.ID
	owner      graph.ID
	hasOwner   bool
	execute    bool
	deps       []graph.ID
	dependents []graph.ID
	state      State
}

// DependentValueGraph is the work list of one run: the values to compute,
// the dependencies between them and their state.
type DependentValueGraph struct {
	nodes map[graph.ID]*valueNode
	order []graph.ID
}

// BuildDependentValueGraph expands queued roots into the set of values that
// must be computed. Unfinished roots are computed themselves; finished roots
// only contribute their dependents. Every dependent of a computed value is
// computed too.
func BuildDependentValueGraph(g *graph.Graph, roots []graph.DependentValueRootPayload) *DependentValueGraph {
	d := &DependentValueGraph{nodes: make(map[graph.ID]*valueNode)}

	var queue []graph.ID
	ensure := func(id graph.ID, execute bool) {
		if !g.HasNode(id) {
			return
		}
		n, ok := d.nodes[id]
		if !ok {
			n = &valueNode{id: id}
			n.owner, n.hasOwner = model.Owner(g, id)
			d.nodes[id] = n
			d.order = append(d.order, id)
			queue = append(queue, id)
		}
		if execute && !n.execute {
			n.execute = true
			if ok {
				queue = append(queue, id)
			}
		}
	}

	for _, r := range roots {
		ensure(r.ValueID, !r.Finished)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range model.Dependents(g, id) {
			ensure(dep, true)
		}
	}

	sort.Slice(d.order, func(i, j int) bool { return d.order[i].String() < d.order[j].String() })
	for _, id := range d.order {
		n := d.nodes[id]
		if !n.execute {
			n.state = StateSucceeded
			continue
		}
		for _, in := range model.Inputs(g, id) {
			if src, ok := d.nodes[in]; ok {
				n.deps = append(n.deps, in)
				src.dependents = append(src.dependents, id)
			}
		}
	}
	return d
}

// Len returns the number of values that will be computed.
func (d *DependentValueGraph) Len() int {
	n := 0
	for _, v := range d.nodes {
		if v.execute {
			n++
		}
	}
	return n
}

// State returns the state of a value in the run.
func (d *DependentValueGraph) State(id graph.ID) (State, bool) {
	n, ok := d.nodes[id]
	if !ok {
		return 0, false
	}
	return n.state, true
}

func (d *DependentValueGraph) ready(n *valueNode) bool {
	if !n.execute || n.state != StatePending {
		return false
	}
	for _, dep := range n.deps {
		if d.nodes[dep].state != StateSucceeded {
			return false
		}
	}
	return true
}

// block marks every transitive dependent of id as blocked and returns them
// in the order they were reached.
func (d *DependentValueGraph) block(id graph.ID) []graph.ID {
	var out []graph.ID
	stack := append([]graph.ID(nil), d.nodes[id].dependents...)
	for len(stack) > 0 {
		n := d.nodes[stack[0]]
		stack = stack[1:]
		if n.state.terminal() {
			continue
		}
		n.state = StateBlocked
		out = append(out, n.id)
		stack = append(stack, n.dependents...)
	}
	return out
}

// leftovers returns the roots that let a later run resume this one: values
// never computed whose inputs are all available become unfinished roots,
// and computed values with dependents still waiting become finished roots.
func (d *DependentValueGraph) leftovers() []graph.DependentValueRootPayload {
	var out []graph.DependentValueRootPayload
	for _, id := range d.order {
		n := d.nodes[id]
		switch {
		case n.execute && n.state == StatePending && d.ready(n):
			out = append(out, graph.DependentValueRootPayload{ValueID: id})
		case n.state == StateSucceeded:
			for _, dep := range n.dependents {
				if d.nodes[dep].state == StatePending {
					out = append(out, graph.DependentValueRootPayload{ValueID: id, Finished: true})
					break
				}
			}
		}
	}
	return out
}
