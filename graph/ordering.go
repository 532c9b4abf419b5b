package graph

import (
	"fmt"

	"kaigraph/vclock"
)

// Position says where a child goes in an ordered container: after the
// sibling named by After, or first when After is nil.
type Position struct {
	After *ID `json:"after,omitempty"`
}

// AddOrderedNode inserts w together with an ordering node that will track
// the order of w's children.
func (g *Graph) AddOrderedNode(vcid vclock.ID, w *NodeWeight) (NodeIndex, error) {
	idx := g.AddNode(w)
	ord := g.AddNode(NewNodeWeight(vcid, &OrderingPayload{}))
	if _, err := g.addEdge(idx, NewEdgeWeight(vcid, EdgeOrdering), ord); err != nil {
		return NoIndex, fmt.Errorf("attaching ordering node: %w", err)
	}
	return idx, nil
}

// AddOrderedEdge adds an ordered edge from a container that owns an ordering
// node; the target is appended to the order.
func (g *Graph) AddOrderedEdge(source NodeIndex, weight EdgeWeight, target NodeIndex) (EdgeIndex, error) {
	if _, ok := g.OrderingNodeFor(source); !ok {
		return -1, fmt.Errorf("node at index %d: %w", source, ErrNoOrdering)
	}
	if !weight.Kind.Ordered() {
		return -1, fmt.Errorf("edge kind %s is not ordered", weight.Kind)
	}
	return g.AddEdge(source, weight, target)
}

// OrderingNodeFor returns the ordering node owned by idx.
func (g *Graph) OrderingNodeFor(idx NodeIndex) (NodeIndex, bool) {
	s, err := g.slot(idx)
	if err != nil {
		return NoIndex, false
	}
	for _, ei := range s.outgoing {
		if e := g.edges[ei]; e.weight.Kind == EdgeOrdering {
			return e.target, true
		}
	}
	return NoIndex, false
}

func (g *Graph) orderingPayload(ordIdx NodeIndex) *OrderingPayload {
	p, _ := g.mustWeight(ordIdx).Payload.(*OrderingPayload)
	return p
}

// OrderedChildren returns the children of an ordered container in order.
func (g *Graph) OrderedChildren(idx NodeIndex) ([]NodeIndex, error) {
	ordIdx, ok := g.OrderingNodeFor(idx)
	if !ok {
		return nil, fmt.Errorf("node at index %d: %w", idx, ErrNoOrdering)
	}
	p := g.orderingPayload(ordIdx)
	out := make([]NodeIndex, 0, len(p.Order))
	for _, id := range p.Order {
		child, err := g.NodeIndexByID(id)
		if err != nil {
			return nil, fmt.Errorf("ordering references missing child: %w", err)
		}
		out = append(out, child)
	}
	return out, nil
}

// insertOrdered places child in the ordering node. A nil pos appends; a
// position whose sibling is absent also appends. Insertions do not stamp the
// ordering node's write clock: only explicit reorders do, so that concurrent
// inserts never read as concurrent reorders.
func (g *Graph) insertOrdered(ordIdx NodeIndex, child ID, pos *Position) {
	p := g.orderingPayload(ordIdx)
	if p == nil {
		return
	}
	if i := p.IndexOf(child); i >= 0 {
		if pos == nil {
			return
		}
		p.Order = append(p.Order[:i], p.Order[i+1:]...)
	}

	at := len(p.Order)
	if pos != nil {
		if pos.After == nil {
			at = 0
		} else if i := p.IndexOf(*pos.After); i >= 0 {
			at = i + 1
		}
	}
	p.Order = append(p.Order, ID{})
	copy(p.Order[at+1:], p.Order[at:])
	p.Order[at] = child
	g.rehash(ordIdx)
}

func (g *Graph) removeOrdered(ordIdx NodeIndex, child ID) {
	p := g.orderingPayload(ordIdx)
	if p == nil {
		return
	}
	i := p.IndexOf(child)
	if i < 0 {
		return
	}
	p.Order = append(p.Order[:i], p.Order[i+1:]...)
	g.rehash(ordIdx)
}

// Reorder applies a desired child order to a container. Children named in
// order that the container does not have are skipped; children the container
// has that order does not name keep their place after their current
// predecessor.
func (g *Graph) Reorder(vcid vclock.ID, container NodeIndex, order []ID) error {
	ordIdx, ok := g.OrderingNodeFor(container)
	if !ok {
		return fmt.Errorf("node at index %d: %w", container, ErrNoOrdering)
	}
	p := g.orderingPayload(ordIdx)
	p.Order = mergeOrder(p.Order, order)
	g.mustWeight(ordIdx).Write.Inc(vcid)
	g.rehash(ordIdx)
	return nil
}

// mergeOrder returns desired filtered to members of current, with members of
// current that desired lacks reinserted after their predecessor in current.
func mergeOrder(current, desired []ID) []ID {
	have := make(map[ID]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	wanted := make(map[ID]bool, len(desired))
	var out []ID
	for _, id := range desired {
		if have[id] && !wanted[id] {
			wanted[id] = true
			out = append(out, id)
		}
	}
	for i, id := range current {
		if wanted[id] {
			continue
		}
		at := 0
		if i > 0 {
			for j, o := range out {
				if o == current[i-1] {
					at = j + 1
					break
				}
			}
		}
		out = append(out, ID{})
		copy(out[at+1:], out[at:])
		out[at] = id
	}
	return out
}

// relativeOrder filters order down to the IDs present in keep.
func relativeOrder(order []ID, keep map[ID]bool) []ID {
	var out []ID
	for _, id := range order {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}

func sameOrder(a, b []ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
